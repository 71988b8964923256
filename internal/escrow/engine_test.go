package escrow_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"guardline/internal/config"
	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/escrow"
	"guardline/internal/escrow/dispute"
	"guardline/internal/migrate"
	"guardline/internal/repo"
)

type testEnv struct {
	Engine *escrow.Engine
	Repo   repo.Repo
	Config *config.Config
	Clock  *time.Time
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("guardline-test")
	if mutate != nil {
		mutate(cfg)
	}
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng := escrow.New(conn, cfg)
	eng.Now = func() time.Time { return clock }
	return testEnv{
		Engine: eng,
		Repo:   repo.Repo{DB: conn},
		Config: cfg,
		Clock:  &clock,
		Ctx:    context.Background(),
	}
}

func (env testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func (env testEnv) create(t *testing.T, requestID string, amount int64) domain.Escrow {
	t.Helper()
	esc, err := env.Engine.Create(env.Ctx, escrow.CreateOptions{
		RequestID: requestID,
		ClientID:  "client-1",
		WorkerID:  "worker-1",
		Amount:    amount,
		ActorID:   "client-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return esc
}

func (env testEnv) escrowed(t *testing.T, requestID string, amount int64) domain.Escrow {
	t.Helper()
	env.create(t, requestID, amount)
	esc, err := env.Engine.ConfirmDeposit(env.Ctx, requestID, amount, "client-1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return esc
}

func (env testEnv) proofSubmitted(t *testing.T, requestID string, amount int64) domain.Proof {
	t.Helper()
	env.escrowed(t, requestID, amount)
	sig := escrow.Sign(requestID, "hash-abc", "worker-1")
	proof, err := env.Engine.SubmitProof(env.Ctx, requestID, "hash-abc", sig, "worker-1")
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	return proof
}

func TestCreateDefaultsDeadlines(t *testing.T) {
	env := newTestEnv(t, nil)
	esc := env.create(t, "req-1", 500)
	if esc.State != domain.EscrowCreated || esc.Token != "ETH" {
		t.Fatalf("escrow %+v", esc)
	}
	base := *env.Clock
	if esc.ProofDeadline != base.Add(168*time.Hour).Format(time.RFC3339) {
		t.Fatalf("proof deadline %s", esc.ProofDeadline)
	}
	if esc.VerificationDeadline != base.Add((168+72)*time.Hour).Format(time.RFC3339) {
		t.Fatalf("verification deadline %s", esc.VerificationDeadline)
	}
	if esc.DisputeDeadline != base.Add((168+72+120)*time.Hour).Format(time.RFC3339) {
		t.Fatalf("dispute deadline %s", esc.DisputeDeadline)
	}
}

func TestCreateRejectsBoundRequestID(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t, "req-1", 500)
	_, err := env.Engine.Create(env.Ctx, escrow.CreateOptions{
		RequestID: "req-1", ClientID: "client-2", WorkerID: "worker-2", Amount: 10,
	})
	if err == nil || !strings.Contains(err.Error(), "already bound") {
		t.Fatalf("duplicate request id: %v", err)
	}
}

func TestLifecycleRelease(t *testing.T) {
	env := newTestEnv(t, nil)
	env.proofSubmitted(t, "req-1", 500)

	esc, err := env.Engine.Verify(env.Ctx, "req-1", "hash-abc", "client-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if esc.State != domain.EscrowReleased {
		t.Fatalf("state %s", esc.State)
	}
	if esc.WorkerAmount == nil || *esc.WorkerAmount != 500 || *esc.ClientAmount != 0 {
		t.Fatalf("payout %+v", esc)
	}
}

func TestDepositAmountMustMatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t, "req-1", 500)
	if _, err := env.Engine.ConfirmDeposit(env.Ctx, "req-1", 499, "client-1"); err == nil {
		t.Fatalf("partial deposit accepted")
	}
	esc, err := env.Engine.Get(env.Ctx, "req-1")
	if err != nil || esc.State != domain.EscrowCreated {
		t.Fatalf("state %s err %v", esc.State, err)
	}
}

func TestTransitionTable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t, "req-1", 500)

	// Proof before deposit is not a legal transition.
	sig := escrow.Sign("req-1", "hash-abc", "worker-1")
	_, err := env.Engine.SubmitProof(env.Ctx, "req-1", "hash-abc", sig, "worker-1")
	var terr escrow.TransitionError
	if !errors.As(err, &terr) || terr.From != domain.EscrowCreated || terr.Trigger != "proof" {
		t.Fatalf("proof on created: %v", err)
	}

	// Double deposit.
	if _, err := env.Engine.ConfirmDeposit(env.Ctx, "req-1", 500, "client-1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err = env.Engine.ConfirmDeposit(env.Ctx, "req-1", 500, "client-1")
	if !errors.As(err, &terr) || terr.From != domain.EscrowEscrowed {
		t.Fatalf("second deposit: %v", err)
	}

	// Resolve without a dispute.
	_, err = env.Engine.Resolve(env.Ctx, "req-1", domain.EscrowRefunded, "arbiter-1")
	if !errors.As(err, &terr) || terr.Trigger != "resolve" {
		t.Fatalf("resolve on escrowed: %v", err)
	}
}

func TestProofReplayRejected(t *testing.T) {
	// The canonical replay: a second proof on the same escrow reads as a
	// replay, not a state-table violation, whatever its content.
	t.Run("same escrow", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.proofSubmitted(t, "req-1", 500)

		sig := escrow.Sign("req-1", "other-hash", "worker-1")
		_, err := env.Engine.SubmitProof(env.Ctx, "req-1", "other-hash", sig, "worker-1")
		if !errors.Is(err, escrow.ErrReplayRejected) {
			t.Fatalf("second proof: %v", err)
		}
		esc, _ := env.Engine.Get(env.Ctx, "req-1")
		if esc.State != domain.EscrowProofSubmitted {
			t.Fatalf("state %s after rejected replay", esc.State)
		}
	})

	t.Run("registry seeded elsewhere", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.escrowed(t, "req-1", 500)

		// A prior proof elsewhere already consumed this request id.
		tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		ok, err := env.Repo.MarkProofRequestTx(env.Ctx, tx, "req-1", env.Clock.Format(time.RFC3339))
		if err != nil || !ok {
			t.Fatalf("mark proof request: ok=%t err=%v", ok, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}

		sig := escrow.Sign("req-1", "hash-abc", "worker-1")
		_, err = env.Engine.SubmitProof(env.Ctx, "req-1", "hash-abc", sig, "worker-1")
		if !errors.Is(err, escrow.ErrReplayRejected) {
			t.Fatalf("replayed proof: %v", err)
		}
		esc, _ := env.Engine.Get(env.Ctx, "req-1")
		if esc.State != domain.EscrowEscrowed {
			t.Fatalf("state %s after rejected replay", esc.State)
		}
	})
}

func TestVerifyChecksProof(t *testing.T) {
	env := newTestEnv(t, nil)
	env.proofSubmitted(t, "req-1", 500)
	if _, err := env.Engine.Verify(env.Ctx, "req-1", "other-hash", "client-1"); err == nil {
		t.Fatalf("hash mismatch accepted")
	}

	env2 := newTestEnv(t, nil)
	env2.escrowed(t, "req-2", 500)
	// Signature bound to the wrong worker.
	badSig := escrow.Sign("req-2", "hash-abc", "someone-else")
	if _, err := env2.Engine.SubmitProof(env2.Ctx, "req-2", "hash-abc", badSig, "worker-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env2.Engine.Verify(env2.Ctx, "req-2", "hash-abc", "client-1"); err == nil {
		t.Fatalf("invalid signature accepted")
	}
}

func TestProofDeadlineRefund(t *testing.T) {
	env := newTestEnv(t, nil)
	env.escrowed(t, "req-1", 500)
	env.advance(169 * time.Hour)

	n, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d escrows, want 1", n)
	}
	esc, err := env.Engine.Get(env.Ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if esc.State != domain.EscrowRefunded {
		t.Fatalf("state %s, want refunded", esc.State)
	}
	if esc.ClientAmount == nil || *esc.ClientAmount != 500 || *esc.WorkerAmount != 0 {
		t.Fatalf("payout %+v", esc)
	}
}

func TestVerificationDeadlineAutoRelease(t *testing.T) {
	env := newTestEnv(t, nil)
	env.proofSubmitted(t, "req-1", 500)
	env.advance((168 + 73) * time.Hour)

	// Lazy settlement: a plain read applies the expired deadline.
	esc, err := env.Engine.Get(env.Ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if esc.State != domain.EscrowReleased {
		t.Fatalf("state %s, want released", esc.State)
	}
	if esc.WorkerAmount == nil || *esc.WorkerAmount != 500 {
		t.Fatalf("payout %+v", esc)
	}
}

func TestLazySettlementBlocksStaleMutation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.escrowed(t, "req-1", 500)
	env.advance(169 * time.Hour)

	sig := escrow.Sign("req-1", "hash-abc", "worker-1")
	_, err := env.Engine.SubmitProof(env.Ctx, "req-1", "hash-abc", sig, "worker-1")
	var terr escrow.TransitionError
	if !errors.As(err, &terr) || terr.From != domain.EscrowRefunded {
		t.Fatalf("late proof: %v", err)
	}
	esc, _ := env.Engine.Get(env.Ctx, "req-1")
	if esc.State != domain.EscrowRefunded {
		t.Fatalf("state %s", esc.State)
	}
}

func TestDisputeDeadlineDefaultSplit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.proofSubmitted(t, "req-1", 101)
	d, err := env.Engine.RaiseDispute(env.Ctx, "req-1", "client-1", "deliverable is wrong")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if d.ResolutionDeadline != env.Clock.Add(120*time.Hour).Format(time.RFC3339) {
		t.Fatalf("resolution deadline %s", d.ResolutionDeadline)
	}

	env.advance(121 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	esc, _ := env.Engine.Get(env.Ctx, "req-1")
	if esc.State != domain.EscrowSplit {
		t.Fatalf("state %s, want split", esc.State)
	}
	if *esc.WorkerAmount != 50 || *esc.ClientAmount != 51 {
		t.Fatalf("split payout worker=%d client=%d", *esc.WorkerAmount, *esc.ClientAmount)
	}
}

// A custom dispute deadline on the escrow bounds both when a dispute may be
// raised and how far its resolution window can run.
func TestEscrowDisputeDeadlineEnforced(t *testing.T) {
	t.Run("caps resolution window", func(t *testing.T) {
		env := newTestEnv(t, nil)
		dd := env.Clock.Add(100 * time.Hour).Format(time.RFC3339)
		if _, err := env.Engine.Create(env.Ctx, escrow.CreateOptions{
			RequestID: "req-1", ClientID: "client-1", WorkerID: "worker-1",
			Amount: 500, DisputeDeadline: dd, ActorID: "client-1",
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := env.Engine.ConfirmDeposit(env.Ctx, "req-1", 500, "client-1"); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		sig := escrow.Sign("req-1", "hash-abc", "worker-1")
		if _, err := env.Engine.SubmitProof(env.Ctx, "req-1", "hash-abc", sig, "worker-1"); err != nil {
			t.Fatalf("proof: %v", err)
		}
		d, err := env.Engine.RaiseDispute(env.Ctx, "req-1", "client-1", "deliverable is wrong")
		if err != nil {
			t.Fatalf("raise dispute: %v", err)
		}
		if d.ResolutionDeadline != dd {
			t.Fatalf("resolution deadline %s, want capped at %s", d.ResolutionDeadline, dd)
		}

		env.advance(101 * time.Hour)
		if _, err := env.Engine.Sweep(env.Ctx); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		esc, _ := env.Engine.Get(env.Ctx, "req-1")
		if esc.State != domain.EscrowSplit {
			t.Fatalf("state %s, want split at capped deadline", esc.State)
		}
	})

	t.Run("late raise rejected", func(t *testing.T) {
		env := newTestEnv(t, nil)
		dd := env.Clock.Add(time.Hour).Format(time.RFC3339)
		if _, err := env.Engine.Create(env.Ctx, escrow.CreateOptions{
			RequestID: "req-1", ClientID: "client-1", WorkerID: "worker-1",
			Amount: 500, DisputeDeadline: dd, ActorID: "client-1",
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := env.Engine.ConfirmDeposit(env.Ctx, "req-1", 500, "client-1"); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		sig := escrow.Sign("req-1", "hash-abc", "worker-1")
		if _, err := env.Engine.SubmitProof(env.Ctx, "req-1", "hash-abc", sig, "worker-1"); err != nil {
			t.Fatalf("proof: %v", err)
		}

		env.advance(2 * time.Hour)
		_, err := env.Engine.RaiseDispute(env.Ctx, "req-1", "client-1", "too late")
		if !errors.Is(err, escrow.ErrDeadlineExpired) {
			t.Fatalf("late dispute: %v", err)
		}
		esc, _ := env.Engine.Get(env.Ctx, "req-1")
		if esc.State != domain.EscrowProofSubmitted {
			t.Fatalf("state %s after rejected dispute", esc.State)
		}
	})
}

func TestDisputeOnlyByClient(t *testing.T) {
	env := newTestEnv(t, nil)
	env.proofSubmitted(t, "req-1", 500)
	if _, err := env.Engine.RaiseDispute(env.Ctx, "req-1", "worker-1", "self dispute"); err == nil {
		t.Fatalf("worker raised a dispute")
	}
}

func TestManualResolve(t *testing.T) {
	env := newTestEnv(t, nil)
	env.proofSubmitted(t, "req-1", 500)
	if _, err := env.Engine.RaiseDispute(env.Ctx, "req-1", "client-1", "wrong deliverable"); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	if _, err := env.Engine.Resolve(env.Ctx, "req-1", "escalated", "arbiter-1"); err == nil {
		t.Fatalf("non-terminal outcome accepted")
	}
	esc, err := env.Engine.Resolve(env.Ctx, "req-1", domain.EscrowRefunded, "arbiter-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if esc.State != domain.EscrowRefunded {
		t.Fatalf("state %s", esc.State)
	}
	d, err := env.Repo.GetDisputeByEscrow(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != domain.EscrowRefunded || d.ResolvedAt == "" {
		t.Fatalf("dispute %+v", d)
	}
}

func TestArbitrate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.proofSubmitted(t, "req-1", 500)
	if _, err := env.Engine.RaiseDispute(env.Ctx, "req-1", "client-1", "wrong deliverable"); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	// Arbiter failure leaves the dispute open.
	env.Engine.Resolver.Arbiter = dispute.ArbiterFunc(func(context.Context, domain.Dispute, domain.Escrow) (string, error) {
		return "", errors.New("oracle offline")
	})
	if _, err := env.Engine.Arbitrate(env.Ctx, "req-1", "arbiter-1"); err == nil {
		t.Fatalf("failed arbitration resolved the dispute")
	}
	esc, _ := env.Engine.Get(env.Ctx, "req-1")
	if esc.State != domain.EscrowDisputed {
		t.Fatalf("state %s after failed arbitration", esc.State)
	}

	env.Engine.Resolver.Arbiter = dispute.ArbiterFunc(func(context.Context, domain.Dispute, domain.Escrow) (string, error) {
		return domain.EscrowReleased, nil
	})
	esc, err := env.Engine.Arbitrate(env.Ctx, "req-1", "arbiter-1")
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if esc.State != domain.EscrowReleased {
		t.Fatalf("state %s", esc.State)
	}
}

func TestSplitGroupLegsAreIndependent(t *testing.T) {
	env := newTestEnv(t, nil)
	groupID, legs, err := env.Engine.CreateSplit(env.Ctx, "client-1", "ETH", []escrow.SplitLeg{
		{RequestID: "leg-1", WorkerID: "worker-1", Amount: 300},
		{RequestID: "leg-2", WorkerID: "worker-2", Amount: 200},
	}, "client-1")
	if err != nil {
		t.Fatalf("create split: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("%d legs", len(legs))
	}
	for _, leg := range legs {
		if leg.GroupID == nil || *leg.GroupID != groupID {
			t.Fatalf("leg %s missing group id", leg.RequestID)
		}
	}

	// Deliver leg-1 only; leg-2 stays where it is.
	if _, err := env.Engine.ConfirmDeposit(env.Ctx, "leg-1", 300, "client-1"); err != nil {
		t.Fatal(err)
	}
	sig := escrow.Sign("leg-1", "hash-abc", "worker-1")
	if _, err := env.Engine.SubmitProof(env.Ctx, "leg-1", "hash-abc", sig, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Verify(env.Ctx, "leg-1", "hash-abc", "client-1"); err != nil {
		t.Fatal(err)
	}
	one, _ := env.Engine.Get(env.Ctx, "leg-1")
	two, _ := env.Engine.Get(env.Ctx, "leg-2")
	if one.State != domain.EscrowReleased || two.State != domain.EscrowCreated {
		t.Fatalf("leg states %s / %s", one.State, two.State)
	}
}

func TestSubEscrowDelegation(t *testing.T) {
	env := newTestEnv(t, nil)
	parent := env.create(t, "req-parent", 500)

	sub, err := env.Engine.Create(env.Ctx, escrow.CreateOptions{
		RequestID:       "req-sub",
		ClientID:        "worker-1",
		WorkerID:        "worker-2",
		Amount:          100,
		ParentRequestID: "req-parent",
		ActorID:         "worker-1",
	})
	if err != nil {
		t.Fatalf("sub-escrow: %v", err)
	}
	if sub.ParentID == nil || *sub.ParentID != parent.ID {
		t.Fatalf("parent link %+v", sub)
	}

	_, err = env.Engine.Create(env.Ctx, escrow.CreateOptions{
		RequestID:       "req-sub-2",
		ClientID:        "intruder",
		WorkerID:        "worker-3",
		Amount:          100,
		ParentRequestID: "req-parent",
	})
	if err == nil {
		t.Fatalf("sub-escrow by a non-worker accepted")
	}
}

func TestSignDeterministic(t *testing.T) {
	a := escrow.Sign("req-1", "hash-abc", "worker-1")
	b := escrow.Sign("req-1", "hash-abc", "worker-1")
	if a != b || len(a) != 64 {
		t.Fatalf("signature not deterministic: %s vs %s", a, b)
	}
	if !escrow.VerifySignature("req-1", "hash-abc", "worker-1", a) {
		t.Fatalf("valid signature rejected")
	}
	if escrow.VerifySignature("req-1", "hash-abc", "worker-2", a) {
		t.Fatalf("signature verified for the wrong worker")
	}
	if escrow.VerifySignature("req-1", "hash-abc", "worker-1", "") {
		t.Fatalf("empty signature verified")
	}
}
