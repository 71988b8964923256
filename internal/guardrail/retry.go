package guardrail

import (
	"context"
	"errors"
	"time"

	"guardline/internal/domain"
	"guardline/internal/guardrail/exec"
)

// errHaltedDuringRetry stops the fallback chain: a retry is never re-entered
// once a halt exists for the agent.
var errHaltedDuringRetry = errors.New("halt issued for agent; retry abandoned")

// retryPhase models the explicit retry state machine driven by cancellable
// timers rather than a blocking sleep loop.
type retryPhase int

const (
	phaseIdle retryPhase = iota
	phaseRetrying
	phaseSucceeded
	phaseHalted
)

func (p retryPhase) String() string {
	switch p {
	case phaseRetrying:
		return "retrying"
	case phaseSucceeded:
		return "succeeded"
	case phaseHalted:
		return "halted"
	}
	return "idle"
}

// executeWithRetry submits the action on one route, retrying transient
// failures with doubling backoff, then confirms and runs post-checks once on
// the successful submission. Explicit denials and permanent errors are never
// retried.
func (p *Pipeline) executeWithRetry(ctx context.Context, req domain.ActionRequest, route string) (exec.Result, exec.Confirmation, int, error) {
	action := exec.Action{
		RequestID: req.ID,
		AgentID:   req.AgentID,
		Type:      req.ActionType,
		Recipient: req.Recipient,
		Token:     req.Token,
		Route:     route,
		Value:     req.Value,
		Gas:       req.Gas,
		Params:    req.Params,
	}

	maxRetries := p.Config.Guardrail.Retry.MaxAttempts
	if lim := p.Config.ForAgent(req.AgentID); lim.MaxRetries > 0 && lim.MaxRetries < maxRetries {
		maxRetries = lim.MaxRetries
	}
	maxTotal := time.Duration(p.Config.Guardrail.Retry.MaxTotalSeconds) * time.Second
	delay := time.Duration(p.Config.Guardrail.Retry.BackoffBaseSeconds) * time.Second

	phase := phaseIdle
	started := p.now()
	attempts := 0
	retries := 0

	var result exec.Result
	for {
		attempts++
		var err error
		result, err = p.Exec.Submit(ctx, action)
		if err == nil {
			phase = phaseSucceeded
			break
		}
		if !exec.Transient(err) {
			return result, exec.Confirmation{}, attempts, err
		}
		if retries >= maxRetries {
			return result, exec.Confirmation{}, attempts, err
		}
		if p.now().Sub(started)+delay > maxTotal {
			return result, exec.Confirmation{}, attempts, err
		}
		if _, berr := p.Tracker.BumpRetry(ctx, req.AgentID, req.ActionType); berr != nil {
			return result, exec.Confirmation{}, attempts, berr
		}
		phase = phaseRetrying
		p.audit(ctx, req, "guardrail.retry_scheduled", map[string]any{
			"route":    route,
			"phase":    phase.String(),
			"attempt":  attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if serr := p.Sleep(ctx, delay); serr != nil {
			return result, exec.Confirmation{}, attempts, serr
		}
		if p.halted(ctx, req.AgentID) {
			phase = phaseHalted
			return result, exec.Confirmation{}, attempts, errHaltedDuringRetry
		}
		retries++
		delay *= 2
	}
	p.audit(ctx, req, "guardrail.execution", map[string]any{
		"route":    route,
		"phase":    phase.String(),
		"attempts": attempts,
		"receipt":  result.Receipt,
	})

	confirmCtx, cancel := context.WithTimeout(ctx, time.Duration(p.Config.Guardrail.ReceiptTimeoutSeconds)*time.Second)
	defer cancel()
	conf, err := p.Exec.Confirm(confirmCtx, result.Receipt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return result, conf, attempts, &CheckError{Phase: "post_execution", Kind: KindPostReceipt, Message: "confirmation timed out"}
		}
		return result, conf, attempts, &CheckError{Phase: "post_execution", Kind: KindPostReceipt, Message: err.Error()}
	}
	if cerr := p.postChecks(ctx, req, conf); cerr != nil {
		return result, conf, attempts, cerr
	}
	return result, conf, attempts, nil
}
