package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Memory is a deterministic in-process executor. It backs the CLI's local
// execution mode and the test suites; failure injection fields let scenarios
// drive the guardrail fallback chain.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	nonces   map[string]int
	receipts map[string]Confirmation
	submits  int

	// Failure injection.
	SimGasEstimate    int64
	SimReverts        bool
	TransientFailures int
	PermanentFailure  bool
	RouteFailures     map[string]error
	ConfirmStatus     string
	OmitEvents        bool
	DeltaSkew         int64
}

func NewMemory() *Memory {
	return &Memory{
		balances: map[string]int64{},
		nonces:   map[string]int{},
		receipts: map[string]Confirmation{},
	}
}

func key(agentID, token string) string { return agentID + "|" + token }

// Fund credits an agent balance.
func (m *Memory) Fund(agentID, token string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[key(agentID, token)] += amount
}

// Submits returns how many times Submit was called.
func (m *Memory) Submits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

func (m *Memory) Balance(_ context.Context, agentID, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[key(agentID, token)], nil
}

func (m *Memory) Simulate(_ context.Context, a Action) (Simulation, error) {
	gas := m.SimGasEstimate
	if gas == 0 {
		gas = a.Gas
	}
	return Simulation{
		GasEstimate:    gas,
		Reverts:        m.SimReverts,
		RevertReason:   "simulated revert",
		PredictedDelta: -(a.Value + a.Gas) + m.DeltaSkew,
	}, nil
}

func (m *Memory) Submit(_ context.Context, a Action) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if m.TransientFailures > 0 {
		m.TransientFailures--
		return Result{}, &TransientError{Err: errors.New("connection reset")}
	}
	if m.PermanentFailure {
		return Result{}, errors.New("execution reverted")
	}
	if err, ok := m.RouteFailures[a.Route]; ok && err != nil {
		return Result{}, err
	}
	k := key(a.AgentID, a.Token)
	if m.balances[k] < a.Value+a.Gas {
		return Result{}, errors.New("insufficient funds")
	}
	m.balances[k] -= a.Value + a.Gas
	m.nonces[a.AgentID]++
	receipt := fmt.Sprintf("rcpt-%s-%d", a.RequestID, m.submits)
	status := m.ConfirmStatus
	if status == "" {
		status = "success"
	}
	evts := []string{a.Type}
	if m.OmitEvents {
		evts = nil
	}
	m.receipts[receipt] = Confirmation{
		Status:     status,
		Delta:      -(a.Value + a.Gas) + m.DeltaSkew,
		Events:     evts,
		NonceDelta: 1,
	}
	value, gas := a.Value, a.Gas
	return Result{
		Status:     "submitted",
		Receipt:    receipt,
		GasUsed:    a.Gas,
		Events:     evts,
		Applied:    true,
		Reversible: a.Type == "approve",
		RevertGas:  a.Gas,
		Revert: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.balances[k] += value + gas
			return nil
		},
	}, nil
}

func (m *Memory) Confirm(_ context.Context, receipt string) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.receipts[receipt]
	if !ok {
		return Confirmation{}, fmt.Errorf("unknown receipt %s", receipt)
	}
	return c, nil
}
