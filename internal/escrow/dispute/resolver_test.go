package dispute_test

import (
	"context"
	"errors"
	"testing"

	"guardline/internal/config"
	"guardline/internal/domain"
	"guardline/internal/escrow/dispute"
)

func TestDefaultOutcome(t *testing.T) {
	esc := domain.Escrow{
		VerificationDeadline: "2025-06-11T12:00:00Z",
	}
	d := domain.Dispute{RaisedAt: "2025-06-10T12:00:00Z"}

	cases := []struct {
		name      string
		configure string
		dispute   domain.Dispute
		hasProof  bool
		want      string
	}{
		{name: "no proof refunds regardless of config", configure: "release", dispute: d, hasProof: false, want: domain.EscrowRefunded},
		{name: "late dispute releases", configure: "refund", dispute: domain.Dispute{RaisedAt: "2025-06-12T12:00:00Z"}, hasProof: true, want: domain.EscrowReleased},
		{name: "configured split", configure: "split", dispute: d, hasProof: true, want: domain.EscrowSplit},
		{name: "configured refund", configure: "refund", dispute: d, hasProof: true, want: domain.EscrowRefunded},
		{name: "configured release", configure: "release", dispute: d, hasProof: true, want: domain.EscrowReleased},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("guardline-test")
			cfg.Escrow.DefaultOutcome = tc.configure
			r := dispute.Resolver{Config: cfg}
			if got := r.Default(tc.dispute, esc, tc.hasProof); got != tc.want {
				t.Fatalf("default %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDefaultWithoutConfigIsSplit(t *testing.T) {
	r := dispute.Resolver{}
	got := r.Default(domain.Dispute{RaisedAt: "2025-06-10T12:00:00Z"}, domain.Escrow{
		VerificationDeadline: "2025-06-11T12:00:00Z",
	}, true)
	if got != domain.EscrowSplit {
		t.Fatalf("default %s, want split", got)
	}
}

func TestArbitrate(t *testing.T) {
	cfg := config.Default("guardline-test")
	d := domain.Dispute{ID: "d-1"}
	esc := domain.Escrow{ID: "e-1"}

	t.Run("no arbiter", func(t *testing.T) {
		r := dispute.Resolver{Config: cfg}
		if _, err := r.Arbitrate(context.Background(), d, esc); err == nil {
			t.Fatalf("expected error without an arbiter")
		}
	})
	t.Run("arbiter error", func(t *testing.T) {
		r := dispute.Resolver{Config: cfg, Arbiter: dispute.ArbiterFunc(func(context.Context, domain.Dispute, domain.Escrow) (string, error) {
			return "", errors.New("oracle offline")
		})}
		if _, err := r.Arbitrate(context.Background(), d, esc); err == nil {
			t.Fatalf("expected arbitration error")
		}
	})
	t.Run("non-terminal ruling", func(t *testing.T) {
		r := dispute.Resolver{Config: cfg, Arbiter: dispute.ArbiterFunc(func(context.Context, domain.Dispute, domain.Escrow) (string, error) {
			return "escalated", nil
		})}
		if _, err := r.Arbitrate(context.Background(), d, esc); err == nil {
			t.Fatalf("non-terminal ruling accepted")
		}
	})
	t.Run("terminal ruling", func(t *testing.T) {
		var sawDeadline bool
		r := dispute.Resolver{Config: cfg, Arbiter: dispute.ArbiterFunc(func(ctx context.Context, _ domain.Dispute, _ domain.Escrow) (string, error) {
			_, sawDeadline = ctx.Deadline()
			return domain.EscrowReleased, nil
		})}
		out, err := r.Arbitrate(context.Background(), d, esc)
		if err != nil || out != domain.EscrowReleased {
			t.Fatalf("out=%s err=%v", out, err)
		}
		if !sawDeadline {
			t.Fatalf("arbitration ran without a timeout")
		}
	})
}
