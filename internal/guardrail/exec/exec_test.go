package exec_test

import (
	"context"
	"errors"
	"testing"

	"guardline/internal/config"
	"guardline/internal/guardrail/exec"
)

type fakeSkill struct {
	lastSkill string
	deadline  bool
}

func (f *fakeSkill) Invoke(ctx context.Context, skillID, operation string, params map[string]string) (string, error) {
	f.lastSkill = skillID
	if _, ok := ctx.Deadline(); ok {
		f.deadline = true
	}
	return "ok:" + operation, nil
}

func TestWhitelistedInvokerDenyByDefault(t *testing.T) {
	cfg := config.Default("guardline-test")
	client := &fakeSkill{}
	inv := exec.WhitelistedInvoker{Config: cfg, Client: client}

	_, err := inv.Invoke(context.Background(), "price-oracle", "quote", nil)
	if !errors.Is(err, exec.ErrSkillNotWhitelisted) {
		t.Fatalf("unlisted skill: %v", err)
	}
	if client.lastSkill != "" {
		t.Fatalf("client reached for an unlisted skill")
	}

	cfg.Skills.Whitelist = map[string]config.SkillEntry{
		"price-oracle": {TimeoutSeconds: 5},
	}
	out, err := inv.Invoke(context.Background(), "price-oracle", "quote", map[string]string{"pair": "ETH/USD"})
	if err != nil {
		t.Fatalf("whitelisted invoke: %v", err)
	}
	if out != "ok:quote" {
		t.Fatalf("result %q", out)
	}
	if !client.deadline {
		t.Fatalf("invoke ran without a deadline")
	}
}

func TestTransientClassification(t *testing.T) {
	base := errors.New("connection reset")
	if exec.Transient(base) {
		t.Fatalf("plain error classified transient")
	}
	wrapped := &exec.TransientError{Err: base}
	if !exec.Transient(wrapped) {
		t.Fatalf("TransientError not classified transient")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("TransientError does not unwrap its cause")
	}
}

func TestMemoryExecutorLifecycle(t *testing.T) {
	ctx := context.Background()
	m := exec.NewMemory()
	m.Fund("agent-1", "ETH", 500)

	res, err := m.Submit(ctx, exec.Action{
		RequestID: "req-1", AgentID: "agent-1", Type: "transfer",
		Token: "ETH", Value: 100, Gas: 20,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Applied || res.Reversible {
		t.Fatalf("transfer result %+v", res)
	}
	conf, err := m.Confirm(ctx, res.Receipt)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.Status != "success" || conf.Delta != -120 || conf.NonceDelta != 1 {
		t.Fatalf("confirmation %+v", conf)
	}
	bal, _ := m.Balance(ctx, "agent-1", "ETH")
	if bal != 380 {
		t.Fatalf("balance %d, want 380", bal)
	}

	if _, err := m.Submit(ctx, exec.Action{
		RequestID: "req-2", AgentID: "agent-1", Type: "transfer",
		Token: "ETH", Value: 1000, Gas: 0,
	}); err == nil {
		t.Fatalf("overdraft accepted")
	}
}
