package guardrail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"guardline/internal/config"
	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/governor/limits"
	"guardline/internal/guardrail/exec"
	"guardline/internal/repo"
)

// Failure kinds carried on outcomes and audit entries.
const (
	KindPrecondition       = "precondition_failure"
	KindInvalidParameters  = "invalid_parameters"
	KindAuthorization      = "authorization_failure"
	KindSimGasTooHigh      = "simulation:gas_too_high"
	KindSimPredictedRevert = "simulation:predicted_revert"
	KindSimOutcomeMismatch = "simulation:outcome_mismatch"
	KindTransientExecution = "transient_execution_error"
	KindPermanentExecution = "permanent_execution_error"
	KindPostReceipt        = "postcondition:receipt"
	KindPostState          = "postcondition:state"
	KindPostEvent          = "postcondition:event"
	KindPostCheck          = "postcondition:check"
	KindHalted             = "halted"
)

// CheckError is a specific guardrail check failure.
type CheckError struct {
	Phase   string
	Kind    string
	Message string
}

func (e *CheckError) Error() string { return fmt.Sprintf("%s %s: %s", e.Phase, e.Kind, e.Message) }

// Pipeline wraps the external executor with pre- and post-execution checks and
// the ordered fallback chain. At most one mutating action per agent identity
// is in the executor at a time; later approvals queue on the agent lock.
type Pipeline struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Tracker *limits.Tracker
	Exec    exec.Executor
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	flight map[string]*sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, tracker *limits.Tracker, executor exec.Executor) *Pipeline {
	return &Pipeline{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Tracker: tracker,
		Exec:    executor,
		Now:     time.Now,
		Sleep:   sleepCtx,
		flight:  map[string]*sync.Mutex{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) agentLock(agentID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.flight[agentID]
	if !ok {
		l = &sync.Mutex{}
		p.flight[agentID] = l
	}
	return l
}

func (p *Pipeline) halted(ctx context.Context, agentID string) bool {
	_, err := p.Repo.GetHalt(ctx, agentID)
	return err == nil
}

// Run executes an approved decision through the full pipeline. It must only be
// invoked with an approved Decision for the same request; denials are not
// runnable and not retryable.
func (p *Pipeline) Run(ctx context.Context, decision domain.Decision, req domain.ActionRequest) (domain.Outcome, error) {
	if decision.RequestID != req.ID {
		return domain.Outcome{}, fmt.Errorf("decision %s does not cover request %s", decision.RequestID, req.ID)
	}
	if !decision.Approved() {
		return domain.Outcome{}, errors.New("denied decision is not runnable")
	}

	lock := p.agentLock(req.AgentID)
	lock.Lock()
	defer lock.Unlock()

	// The reservation was taken when the decision was approved; key it to that
	// period, not the execution time, or a run after midnight reconciles the
	// wrong row.
	res := limits.ReservationFor(decision, req, p.now())

	// Reservation reconciliation and outcome writes must survive caller
	// cancellation. A request context dying mid-run must not leave the agent
	// holding a pending slot with no outcome on record.
	bg := context.WithoutCancel(ctx)

	if p.halted(ctx, req.AgentID) {
		p.settleReservation(bg, req, res, false)
		return p.finish(bg, req, domain.RunDenied, KindHalted, 0, "", "", events.EventPayload{"reason": "agent halted"})
	}

	if cerr := p.preChecks(ctx, req); cerr != nil {
		p.settleReservation(bg, req, res, false)
		return p.finish(bg, req, domain.RunDenied, cerr.Kind, 0, "", "", events.EventPayload{"message": cerr.Message})
	}

	routes := []string{""}
	if alt, ok := p.Config.Guardrail.AlternateRoutes[req.ActionType]; ok && alt != "" {
		routes = append(routes, alt)
	}

	var lastErr error
	var lastResult exec.Result
	attempts := 0
	for _, route := range routes {
		result, conf, n, err := p.executeWithRetry(ctx, req, route)
		attempts += n
		if err == nil {
			if cerr := p.Tracker.Commit(bg, res); cerr != nil {
				return domain.Outcome{}, cerr
			}
			receipt, _ := json.Marshal(map[string]any{
				"receipt": result.Receipt,
				"status":  conf.Status,
				"gas":     result.GasUsed,
				"delta":   conf.Delta,
			})
			return p.finish(bg, req, domain.RunSucceeded, "", attempts, route, string(receipt), events.EventPayload{
				"receipt": result.Receipt,
			})
		}
		lastErr = err
		if result.Applied {
			lastResult = result
		}
		p.audit(ctx, req, "guardrail.route_exhausted", events.EventPayload{
			"route": route,
			"error": err.Error(),
		})
		if errors.Is(err, errHaltedDuringRetry) {
			break
		}
	}

	kind := classify(lastErr)

	// State rollback: only provably reversible effects, and only when the
	// rollback cost is within limits. Funds already transferred stay moved.
	if lastResult.Applied && lastResult.Reversible && lastResult.Revert != nil &&
		lastResult.RevertGas <= p.Config.Guardrail.RollbackGasMax {
		if rbErr := lastResult.Revert(bg); rbErr == nil {
			p.settleReservation(bg, req, res, false)
			return p.finish(bg, req, domain.RunFailed, kind, attempts, "", "", events.EventPayload{
				"rolled_back": true,
				"error":       lastErr.Error(),
			})
		} else {
			p.audit(bg, req, "guardrail.rollback_failed", events.EventPayload{"error": rbErr.Error()})
		}
	}

	// Alert and halt: terminal fallback, sticky until operator reset.
	p.settleReservation(bg, req, res, lastResult.Applied)
	if err := p.issueHalt(bg, req, kind, lastErr); err != nil {
		return domain.Outcome{}, err
	}
	return p.finish(bg, req, domain.RunHalted, kind, attempts, "", "", events.EventPayload{
		"error": lastErr.Error(),
	})
}

// settleReservation commits or releases held capacity. A reconciliation
// failure is audited rather than masking the outcome already determined for
// the request.
func (p *Pipeline) settleReservation(ctx context.Context, req domain.ActionRequest, res limits.Reservation, commit bool) {
	var err error
	op := "release"
	if commit {
		op = "commit"
		err = p.Tracker.Commit(ctx, res)
	} else {
		err = p.Tracker.Release(ctx, res)
	}
	if err != nil {
		p.audit(ctx, req, "guardrail.reconcile_failed", events.EventPayload{"op": op, "error": err.Error()})
	}
}

// preChecks is the pre-execution stage. Any failure means the external
// executor is never invoked for this request.
func (p *Pipeline) preChecks(ctx context.Context, req domain.ActionRequest) *CheckError {
	fail := func(kind, msg string) *CheckError {
		p.audit(ctx, req, "guardrail.pre_execution", events.EventPayload{"passed": false, "kind": kind, "message": msg})
		return &CheckError{Phase: "pre_execution", Kind: kind, Message: msg}
	}

	if req.Value < 0 || req.Gas < 0 {
		return fail(KindInvalidParameters, "value and gas must be non-negative")
	}

	// Defensive authorization re-check.
	if _, ok := p.Config.Authorization.Map[req.ActionType]; !ok {
		return fail(KindAuthorization, fmt.Sprintf("action type %s lost its authorization mapping", req.ActionType))
	}

	bal, err := p.Exec.Balance(ctx, req.AgentID, req.Token)
	if err != nil {
		return fail(KindPrecondition, fmt.Sprintf("balance check: %v", err))
	}
	if bal < req.Value+req.Gas {
		return fail(KindPrecondition, fmt.Sprintf("balance %d below value %d + gas %d", bal, req.Value, req.Gas))
	}

	// State validation: the request must not already have an outcome.
	if _, err := p.Repo.GetOutcome(ctx, req.ID); err == nil {
		return fail(KindInvalidParameters, fmt.Sprintf("request %s already has an outcome", req.ID))
	} else if !errors.Is(err, repo.ErrNotFound) {
		return fail(KindPrecondition, fmt.Sprintf("state validation: %v", err))
	}

	sim, err := p.Exec.Simulate(ctx, exec.Action{
		RequestID: req.ID, AgentID: req.AgentID, Type: req.ActionType,
		Recipient: req.Recipient, Token: req.Token, Value: req.Value, Gas: req.Gas, Params: req.Params,
	})
	if err != nil {
		return fail(KindSimPredictedRevert, fmt.Sprintf("simulation unavailable: %v", err))
	}
	if sim.GasEstimate > p.Config.Guardrail.SimulationGasMax {
		return fail(KindSimGasTooHigh, fmt.Sprintf("estimated gas %d above max %d", sim.GasEstimate, p.Config.Guardrail.SimulationGasMax))
	}
	if sim.Reverts {
		return fail(KindSimPredictedRevert, fmt.Sprintf("simulation predicts revert: %s", sim.RevertReason))
	}
	if !withinTolerance(sim.PredictedDelta, -(req.Value + req.Gas), p.Config.Guardrail.StateToleranceBps) {
		return fail(KindSimOutcomeMismatch, fmt.Sprintf("predicted delta %d outside tolerance of expected %d", sim.PredictedDelta, -(req.Value + req.Gas)))
	}

	p.audit(ctx, req, "guardrail.pre_execution", events.EventPayload{
		"passed":       true,
		"balance":      bal,
		"gas_estimate": sim.GasEstimate,
	})
	return nil
}

// postChecks runs against the executor's claims after confirmation.
func (p *Pipeline) postChecks(ctx context.Context, req domain.ActionRequest, conf exec.Confirmation) *CheckError {
	fail := func(kind, msg string) *CheckError {
		p.audit(ctx, req, "guardrail.post_execution", events.EventPayload{"passed": false, "kind": kind, "message": msg})
		return &CheckError{Phase: "post_execution", Kind: kind, Message: msg}
	}
	if conf.Status != "success" {
		return fail(KindPostReceipt, fmt.Sprintf("receipt status %q", conf.Status))
	}
	if !withinTolerance(conf.Delta, -(req.Value + req.Gas), p.Config.Guardrail.StateToleranceBps) {
		return fail(KindPostState, fmt.Sprintf("state delta %d outside tolerance of expected %d", conf.Delta, -(req.Value + req.Gas)))
	}
	// Set containment: every expected event must appear; extras are fine.
	for _, want := range expectedEvents(req) {
		found := false
		for _, got := range conf.Events {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return fail(KindPostEvent, fmt.Sprintf("expected event %q not emitted", want))
		}
	}
	if conf.NonceDelta != 1 {
		return fail(KindPostCheck, fmt.Sprintf("nonce advanced by %d, want exactly 1", conf.NonceDelta))
	}
	p.audit(ctx, req, "guardrail.post_execution", events.EventPayload{"passed": true, "delta": conf.Delta})
	return nil
}

func expectedEvents(req domain.ActionRequest) []string {
	return []string{req.ActionType}
}

func withinTolerance(actual, expected, toleranceBps int64) bool {
	diff := actual - expected
	if diff < 0 {
		diff = -diff
	}
	scale := expected
	if scale < 0 {
		scale = -scale
	}
	// Split the basis-point multiplication so wei-scale expectations cannot
	// overflow int64. Zero-valued expectations tolerate no drift.
	allowed := scale/10000*toleranceBps + scale%10000*toleranceBps/10000
	return diff <= allowed
}

func classify(err error) string {
	if err == nil {
		return ""
	}
	var cerr *CheckError
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	if exec.Transient(err) {
		return KindTransientExecution
	}
	return KindPermanentExecution
}

func (p *Pipeline) issueHalt(ctx context.Context, req domain.ActionRequest, kind string, cause error) error {
	now := p.now().UTC().Format(time.RFC3339)
	contextJSON, _ := json.Marshal(map[string]any{
		"request_id":   req.ID,
		"action_type":  req.ActionType,
		"failure_kind": kind,
		"error":        cause.Error(),
	})
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.UpsertHaltTx(ctx, tx, domain.Halt{
		AgentID:     req.AgentID,
		Reason:      fmt.Sprintf("guardrail fallback exhausted: %s", kind),
		ContextJSON: string(contextJSON),
		IssuedAt:    now,
	}); err != nil {
		return err
	}
	if err := p.Events.Append(ctx, tx, "guardrail.halt_issued", req.AgentID, "halt", req.AgentID, req.AgentID, events.EventPayload{
		"request_id":   req.ID,
		"failure_kind": kind,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetHalt clears a sticky halt. The engine never calls this on its own; it
// exists for the operator surface only.
func (p *Pipeline) ResetHalt(ctx context.Context, agentID, actorID string) error {
	if _, err := p.Repo.GetHalt(ctx, agentID); err != nil {
		return err
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.DeleteHaltTx(ctx, tx, agentID); err != nil {
		return err
	}
	if err := p.Events.Append(ctx, tx, "guardrail.halt_reset", agentID, "halt", agentID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// finish persists the outcome and its audit entry in one transaction.
func (p *Pipeline) finish(ctx context.Context, req domain.ActionRequest, status, kind string, attempts int, route, receiptJSON string, payload events.EventPayload) (domain.Outcome, error) {
	o := domain.Outcome{
		RequestID:   req.ID,
		AgentID:     req.AgentID,
		Status:      status,
		FailureKind: kind,
		Attempts:    attempts,
		Route:       route,
		ReceiptJSON: receiptJSON,
		CreatedAt:   p.now().UTC().Format(time.RFC3339),
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := p.Repo.UpsertOutcomeTx(ctx, tx, o); err != nil {
		return o, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = status
	if kind != "" {
		payload["failure_kind"] = kind
	}
	if err := p.Events.Append(ctx, tx, "guardrail.outcome", req.AgentID, "action", req.ID, req.AgentID, payload); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

// audit appends a standalone phase entry outside the outcome transaction.
func (p *Pipeline) audit(ctx context.Context, req domain.ActionRequest, evtType string, payload events.EventPayload) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := p.Events.Append(ctx, tx, evtType, req.AgentID, "action", req.ID, req.AgentID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}
