// Package exec defines the narrow interfaces behind which the external
// executor and skill collaborators live. Their results are untrusted input:
// the guardrail pipeline re-checks every claim against postconditions.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guardline/internal/config"
)

// Action is the approved, pre-checked unit handed to the external executor.
type Action struct {
	RequestID string
	AgentID   string
	Type      string
	Recipient string
	Token     string
	Route     string
	Value     int64
	Gas       int64
	Params    map[string]string
}

// Simulation is the executor's prediction for an action.
type Simulation struct {
	GasEstimate    int64
	Reverts        bool
	RevertReason   string
	PredictedDelta int64
}

// RevertFunc undoes an applied effect. Only effects the executor declares
// reversible carry one.
type RevertFunc func(ctx context.Context) error

// Result is what the executor claims happened on submission.
type Result struct {
	Status     string
	Receipt    string
	GasUsed    int64
	Events     []string
	Applied    bool
	Reversible bool
	RevertGas  int64
	Revert     RevertFunc
}

// Confirmation is the settled view of a submitted action.
type Confirmation struct {
	Status     string
	Delta      int64
	Events     []string
	NonceDelta int
}

type Executor interface {
	Balance(ctx context.Context, agentID, token string) (int64, error)
	Simulate(ctx context.Context, a Action) (Simulation, error)
	Submit(ctx context.Context, a Action) (Result, error)
	Confirm(ctx context.Context, receipt string) (Confirmation, error)
}

// TransientError marks a retryable execution failure (network, timeout,
// nonce collision). Anything else is permanent and never retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient reports whether err is retryable.
func Transient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SkillInvoker calls an external capability.
type SkillInvoker interface {
	Invoke(ctx context.Context, skillID, operation string, params map[string]string) (string, error)
}

// ErrSkillNotWhitelisted is returned for any skill absent from the whitelist.
var ErrSkillNotWhitelisted = errors.New("skill not whitelisted")

// WhitelistedInvoker wraps a SkillInvoker with deny-by-default whitelist
// enforcement and a mandatory caller-side timeout.
type WhitelistedInvoker struct {
	Config *config.Config
	Client SkillInvoker
}

func (w WhitelistedInvoker) Invoke(ctx context.Context, skillID, operation string, params map[string]string) (string, error) {
	entry, ok := w.Config.Skills.Whitelist[skillID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSkillNotWhitelisted, skillID)
	}
	if w.Client == nil {
		return "", errors.New("skill client not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(entry.TimeoutSeconds)*time.Second)
	defer cancel()
	return w.Client.Invoke(ctx, skillID, operation, params)
}
