package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guardline/internal/config"
	"guardline/internal/domain"
)

// Arbiter is an external arbitration capability. Decide returns one of the
// terminal escrow states (released, refunded, split).
type Arbiter interface {
	Decide(ctx context.Context, d domain.Dispute, esc domain.Escrow) (string, error)
}

// ArbiterFunc adapts a function to the Arbiter interface.
type ArbiterFunc func(ctx context.Context, d domain.Dispute, esc domain.Escrow) (string, error)

func (f ArbiterFunc) Decide(ctx context.Context, d domain.Dispute, esc domain.Escrow) (string, error) {
	return f(ctx, d, esc)
}

// Resolver turns disputes into terminal outcomes. Arbitration runs under a
// hard timeout; past the resolution deadline the configured default applies
// with no human in the loop.
type Resolver struct {
	Config  *config.Config
	Arbiter Arbiter
}

// ArbitrationTimeout bounds a single arbitration call.
const ArbitrationTimeout = 30 * time.Second

// Arbitrate asks the arbiter for a ruling. An error, a timeout or a ruling
// that is not a terminal state all leave the dispute open.
func (r Resolver) Arbitrate(ctx context.Context, d domain.Dispute, esc domain.Escrow) (string, error) {
	if r.Arbiter == nil {
		return "", errors.New("no arbiter configured")
	}
	ctx, cancel := context.WithTimeout(ctx, ArbitrationTimeout)
	defer cancel()
	outcome, err := r.Arbiter.Decide(ctx, d, esc)
	if err != nil {
		return "", fmt.Errorf("arbitration: %w", err)
	}
	switch outcome {
	case domain.EscrowReleased, domain.EscrowRefunded, domain.EscrowSplit:
		return outcome, nil
	}
	return "", fmt.Errorf("arbitration returned non-terminal outcome %q", outcome)
}

// Default is the deterministic outcome applied at the resolution deadline.
// Two rules override the configured default: a dispute over an escrow with no
// proof on record refunds the client, and a dispute raised after the
// verification deadline had already passed releases to the worker.
func (r Resolver) Default(d domain.Dispute, esc domain.Escrow, hasProof bool) string {
	if !hasProof {
		return domain.EscrowRefunded
	}
	if raisedAt, err := time.Parse(time.RFC3339, d.RaisedAt); err == nil {
		if vd, err := time.Parse(time.RFC3339, esc.VerificationDeadline); err == nil && raisedAt.After(vd) {
			return domain.EscrowReleased
		}
	}
	if r.Config != nil {
		switch r.Config.Escrow.DefaultOutcome {
		case "release":
			return domain.EscrowReleased
		case "refund":
			return domain.EscrowRefunded
		}
	}
	return domain.EscrowSplit
}
