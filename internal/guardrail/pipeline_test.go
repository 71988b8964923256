package guardrail_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"guardline/internal/config"
	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/governor/limits"
	"guardline/internal/guardrail"
	"guardline/internal/guardrail/exec"
	"guardline/internal/migrate"
	"guardline/internal/repo"
)

type testEnv struct {
	Pipeline *guardrail.Pipeline
	Tracker  *limits.Tracker
	Repo     repo.Repo
	Memory   *exec.Memory
	Delays   *[]time.Duration
	Ctx      context.Context
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
	cfg.Limits.Default.MaxPending = 10
	if mutate != nil {
		mutate(cfg)
	}
	frozen := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	tracker := limits.NewTracker(conn, cfg)
	tracker.Now = frozen
	mem := exec.NewMemory()
	p := guardrail.New(conn, cfg, tracker, mem)
	p.Now = frozen
	delays := &[]time.Duration{}
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return testEnv{
		Pipeline: p,
		Tracker:  tracker,
		Repo:     repo.Repo{DB: conn},
		Memory:   mem,
		Delays:   delays,
		Ctx:      context.Background(),
	}
}

func approved(id, agent, actionType string) domain.Decision {
	return domain.Decision{
		ID:         "dec-" + id,
		RequestID:  id,
		AgentID:    agent,
		ActionType: actionType,
		Outcome:    domain.OutcomeApproved,
	}
}

func request(id, agent, actionType string, value, gas int64) domain.ActionRequest {
	return domain.ActionRequest{
		ID:         id,
		AgentID:    agent,
		ActionType: actionType,
		Recipient:  "shop.example",
		Token:      "ETH",
		Value:      value,
		Gas:        gas,
	}
}

func reserve(t *testing.T, env testEnv, req domain.ActionRequest) {
	t.Helper()
	if _, err := env.Tracker.Reserve(env.Ctx, req.AgentID, req.Value, req.Gas); err != nil {
		t.Fatalf("reserve: %v", err)
	}
}

func TestRunSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Memory.Fund("agent-1", "ETH", 1000)
	req := request("req-1", "agent-1", "transfer", 100, 20)
	reserve(t, env, req)

	o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status != domain.RunSucceeded || o.Attempts != 1 {
		t.Fatalf("outcome %+v", o)
	}
	if !strings.Contains(o.ReceiptJSON, "rcpt-req-1") {
		t.Fatalf("receipt missing from outcome: %q", o.ReceiptJSON)
	}
	bal, _ := env.Memory.Balance(env.Ctx, "agent-1", "ETH")
	if bal != 880 {
		t.Fatalf("balance %d after transfer, want 880", bal)
	}
	s, _ := env.Tracker.State(env.Ctx, "agent-1")
	if s.PendingTx != 0 || s.VolumeUsed != 100 {
		t.Fatalf("limits not committed: %+v", s)
	}
	if _, err := env.Repo.GetOutcome(env.Ctx, "req-1"); err != nil {
		t.Fatalf("outcome not persisted: %v", err)
	}
}

func TestDeniedDecisionNotRunnable(t *testing.T) {
	env := newTestEnv(t, nil)
	d := approved("req-1", "agent-1", "transfer")
	d.Outcome = domain.OutcomeDenied
	if _, err := env.Pipeline.Run(env.Ctx, d, request("req-1", "agent-1", "transfer", 1, 1)); err == nil {
		t.Fatalf("expected error running a denied decision")
	}
}

// Transient failures retry with doubling backoff, then exhaust into a sticky
// halt.
func TestRetryBackoffThenHalt(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Memory.Fund("agent-1", "ETH", 1000)
	env.Memory.TransientFailures = 10
	req := request("req-1", "agent-1", "transfer", 100, 20)
	reserve(t, env, req)

	o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status != domain.RunHalted || o.FailureKind != guardrail.KindTransientExecution {
		t.Fatalf("outcome %+v", o)
	}
	if o.Attempts != 4 {
		t.Fatalf("attempts %d, want 1 initial + 3 retries", o.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*env.Delays) != len(want) {
		t.Fatalf("delays %v, want %v", *env.Delays, want)
	}
	for i, d := range want {
		if (*env.Delays)[i] != d {
			t.Fatalf("delay %d was %v, want %v", i, (*env.Delays)[i], d)
		}
	}

	halt, err := env.Repo.GetHalt(env.Ctx, "agent-1")
	if err != nil {
		t.Fatalf("halt not issued: %v", err)
	}
	if !strings.Contains(halt.Reason, guardrail.KindTransientExecution) {
		t.Fatalf("halt reason %q", halt.Reason)
	}
	s, _ := env.Tracker.State(env.Ctx, "agent-1")
	if s.PendingTx != 0 || s.VolumeUsed != 0 {
		t.Fatalf("failed run left reservation: %+v", s)
	}
	if s.RetryCounts["transfer"] != 3 {
		t.Fatalf("retry count %d, want 3", s.RetryCounts["transfer"])
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Memory.Fund("agent-1", "ETH", 1000)
	env.Memory.PermanentFailure = true
	req := request("req-1", "agent-1", "transfer", 100, 20)
	reserve(t, env, req)

	o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status != domain.RunHalted || o.FailureKind != guardrail.KindPermanentExecution {
		t.Fatalf("outcome %+v", o)
	}
	if env.Memory.Submits() != 1 {
		t.Fatalf("permanent failure retried: %d submits", env.Memory.Submits())
	}
	if len(*env.Delays) != 0 {
		t.Fatalf("unexpected backoff sleeps: %v", *env.Delays)
	}
}

// A reversible applied effect whose confirmation fails is rolled back instead
// of halting.
func TestRollbackReversibleEffect(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Memory.Fund("agent-1", "ETH", 1000)
	env.Memory.ConfirmStatus = "failed"
	req := request("req-1", "agent-1", "approve", 100, 20)
	reserve(t, env, req)

	o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "approve"), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status != domain.RunFailed || o.FailureKind != guardrail.KindPostReceipt {
		t.Fatalf("outcome %+v", o)
	}
	bal, _ := env.Memory.Balance(env.Ctx, "agent-1", "ETH")
	if bal != 1000 {
		t.Fatalf("balance %d after rollback, want 1000", bal)
	}
	if _, err := env.Repo.GetHalt(env.Ctx, "agent-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rollback should not halt the agent: %v", err)
	}
	s, _ := env.Tracker.State(env.Ctx, "agent-1")
	if s.VolumeUsed != 0 || s.PendingTx != 0 {
		t.Fatalf("rolled-back run left usage: %+v", s)
	}
}

// An irreversible applied effect with a failing confirmation cannot be rolled
// back; the chain falls through to halt and the usage stays committed.
func TestIrreversibleFailureHaltsAndCommits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Memory.Fund("agent-1", "ETH", 1000)
	env.Memory.ConfirmStatus = "failed"
	req := request("req-1", "agent-1", "transfer", 100, 20)
	reserve(t, env, req)

	o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status != domain.RunHalted || o.FailureKind != guardrail.KindPostReceipt {
		t.Fatalf("outcome %+v", o)
	}
	bal, _ := env.Memory.Balance(env.Ctx, "agent-1", "ETH")
	if bal != 880 {
		t.Fatalf("funds came back for an irreversible action: %d", bal)
	}
	s, _ := env.Tracker.State(env.Ctx, "agent-1")
	if s.VolumeUsed != 100 || s.PendingTx != 0 {
		t.Fatalf("usage not committed: %+v", s)
	}
}

// When the primary route fails permanently, a configured alternate route is
// tried before any terminal fallback.
func TestAlternateRouteDegradation(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Guardrail.AlternateRoutes = map[string]string{"transfer": "backup-relay"}
	})
	env.Memory.Fund("agent-1", "ETH", 1000)
	env.Memory.RouteFailures = map[string]error{"": errors.New("relay unavailable")}
	req := request("req-1", "agent-1", "transfer", 100, 20)
	reserve(t, env, req)

	o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status != domain.RunSucceeded || o.Route != "backup-relay" {
		t.Fatalf("outcome %+v", o)
	}
	if o.Attempts != 2 {
		t.Fatalf("attempts %d, want one per route", o.Attempts)
	}
}

func TestPreCheckDenialNeverExecutes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(env testEnv)
		kind   string
	}{
		{
			name:   "predicted revert",
			mutate: func(env testEnv) { env.Memory.SimReverts = true },
			kind:   guardrail.KindSimPredictedRevert,
		},
		{
			name:   "gas estimate too high",
			mutate: func(env testEnv) { env.Memory.SimGasEstimate = 600000 },
			kind:   guardrail.KindSimGasTooHigh,
		},
		{
			name:   "predicted delta drift",
			mutate: func(env testEnv) { env.Memory.DeltaSkew = 50 },
			kind:   guardrail.KindSimOutcomeMismatch,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.Memory.Fund("agent-1", "ETH", 1000)
			tc.mutate(env)
			req := request("req-1", "agent-1", "transfer", 100, 20)
			reserve(t, env, req)

			o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if o.Status != domain.RunDenied || o.FailureKind != tc.kind {
				t.Fatalf("outcome %+v, want denied %s", o, tc.kind)
			}
			if env.Memory.Submits() != 0 {
				t.Fatalf("executor was invoked after a pre-check denial")
			}
		})
	}
}

// Wei-denominated values must not wrap the tolerance arithmetic: an exact
// match passes and a drift past the configured basis points still denies.
func TestWeiScaleDeltaTolerance(t *testing.T) {
	const weiValue = int64(100_000_000_000_000_000) // 0.1 ETH
	cases := []struct {
		name string
		skew int64
		want string
	}{
		{name: "exact match", skew: 0, want: domain.RunSucceeded},
		{name: "drift within tolerance", skew: 500_000_000_000_000, want: domain.RunSucceeded},
		{name: "drift past tolerance", skew: 2_000_000_000_000_000, want: domain.RunDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.Memory.Fund("agent-1", "ETH", 2*weiValue)
			env.Memory.DeltaSkew = tc.skew
			req := request("req-1", "agent-1", "transfer", weiValue, 21000)
			reserve(t, env, req)

			o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if o.Status != tc.want {
				t.Fatalf("outcome %+v, want %s", o, tc.want)
			}
			if tc.want == domain.RunDenied {
				if o.FailureKind != guardrail.KindSimOutcomeMismatch {
					t.Fatalf("failure kind %q", o.FailureKind)
				}
				if env.Memory.Submits() != 0 {
					t.Fatalf("executor was invoked after a pre-check denial")
				}
			}
		})
	}
}

// A request context dying mid-run must not leave the reservation held or the
// outcome unrecorded.
func TestCancelledRunStillReconciles(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Memory.Fund("agent-1", "ETH", 1000)
	env.Memory.TransientFailures = 1
	req := request("req-1", "agent-1", "transfer", 100, 20)
	reserve(t, env, req)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.Pipeline.Sleep = func(c context.Context, _ time.Duration) error {
		cancel()
		return c.Err()
	}

	o, err := env.Pipeline.Run(runCtx, approved("req-1", "agent-1", "transfer"), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status != domain.RunHalted {
		t.Fatalf("outcome %+v", o)
	}
	if _, err := env.Repo.GetOutcome(context.Background(), "req-1"); err != nil {
		t.Fatalf("outcome not persisted after cancellation: %v", err)
	}
	if _, err := env.Repo.GetHalt(context.Background(), "agent-1"); err != nil {
		t.Fatalf("halt not persisted after cancellation: %v", err)
	}
	s, _ := env.Tracker.State(context.Background(), "agent-1")
	if s.PendingTx != 0 || s.VolumeUsed != 0 {
		t.Fatalf("cancelled run left reservation held: %+v", s)
	}
}

// A run after midnight reconciles the row the approval reserved against, not
// the row of the execution day.
func TestReconcileUsesApprovalPeriod(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Memory.Fund("agent-1", "ETH", 1000)
	req := request("req-1", "agent-1", "transfer", 100, 20)
	reserve(t, env, req)

	decision := approved("req-1", "agent-1", "transfer")
	decision.CreatedAt = "2025-06-01T12:00:00Z"
	env.Pipeline.Now = func() time.Time { return time.Date(2025, 6, 2, 0, 30, 0, 0, time.UTC) }

	o, err := env.Pipeline.Run(env.Ctx, decision, req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status != domain.RunSucceeded {
		t.Fatalf("outcome %+v", o)
	}
	s, err := env.Repo.GetLimitState(env.Ctx, "agent-1", "2025-06-01")
	if err != nil {
		t.Fatalf("approval period state: %v", err)
	}
	if s.PendingTx != 0 || s.VolumeUsed != 100 {
		t.Fatalf("approval period not reconciled: %+v", s)
	}
	if _, err := env.Repo.GetLimitState(env.Ctx, "agent-1", "2025-06-02"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("execution day grew its own row: %v", err)
	}
}

func TestHaltBlocksRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Memory.Fund("agent-1", "ETH", 1000)
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.UpsertHaltTx(env.Ctx, tx, domain.Halt{
		AgentID:  "agent-1",
		Reason:   "prior fallback exhausted",
		IssuedAt: "2025-06-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	req := request("req-1", "agent-1", "transfer", 100, 20)
	o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status != domain.RunDenied || o.FailureKind != guardrail.KindHalted {
		t.Fatalf("outcome %+v", o)
	}
	if env.Memory.Submits() != 0 {
		t.Fatalf("halted agent reached the executor")
	}

	if err := env.Pipeline.ResetHalt(env.Ctx, "agent-1", "operator-1"); err != nil {
		t.Fatalf("reset halt: %v", err)
	}
	if _, err := env.Repo.GetHalt(env.Ctx, "agent-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("halt not cleared: %v", err)
	}
	if err := env.Pipeline.ResetHalt(env.Ctx, "agent-1", "operator-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("resetting a missing halt: %v", err)
	}
}

func TestSettledRequestNotReexecuted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Memory.Fund("agent-1", "ETH", 1000)
	req := request("req-1", "agent-1", "transfer", 100, 20)
	reserve(t, env, req)
	if _, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	o, err := env.Pipeline.Run(env.Ctx, approved("req-1", "agent-1", "transfer"), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if o.Status != domain.RunDenied || o.FailureKind != guardrail.KindInvalidParameters {
		t.Fatalf("re-run of a settled request: %+v", o)
	}
	if env.Memory.Submits() != 1 {
		t.Fatalf("settled request re-executed: %d submits", env.Memory.Submits())
	}
}
