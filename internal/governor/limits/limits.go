package limits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"guardline/internal/config"
	"guardline/internal/domain"
	"guardline/internal/repo"
)

// LimitError is a hard limit violation. Limits have no runtime override;
// changing a value requires a restart with new configuration.
type LimitError struct {
	Code    string
	Message string
}

func (e LimitError) Error() string { return e.Message }

const (
	CodeDailyVolumeExceeded = "daily_volume_exceeded"
	CodeDailyGasExceeded    = "daily_gas_exceeded"
	CodeMaxPendingReached   = "max_pending_reached"
)

// Reservation is capacity held against an agent's rolling counters between
// approval and outcome. It must be committed or released exactly once.
type Reservation struct {
	AgentID string
	Period  string
	Value   int64
	Gas     int64
}

// Tracker owns LimitState. All mutations go through check-and-reserve under a
// single lock plus a transaction so two concurrent evaluations cannot both
// pass against the same headroom.
type Tracker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time

	mu sync.Mutex
}

func NewTracker(db *sql.DB, cfg *config.Config) *Tracker {
	return &Tracker{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Period returns the calendar period key for a point in time. Counters reset
// at period rollover simply by keying state on the new period.
func Period(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// ReservationFor rebuilds the reservation held for an approved decision,
// keyed to the period in which it was granted. The fallback time covers
// decisions carrying no usable timestamp.
func ReservationFor(d domain.Decision, req domain.ActionRequest, fallback time.Time) Reservation {
	ts := fallback
	if t, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
		ts = t
	}
	return Reservation{
		AgentID: req.AgentID,
		Period:  Period(ts),
		Value:   req.Value,
		Gas:     req.Gas,
	}
}

func (t *Tracker) loadState(ctx context.Context, tx *sql.Tx, agentID, period string) (domain.LimitState, error) {
	s, err := t.Repo.GetLimitStateTx(ctx, tx, agentID, period)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.LimitState{AgentID: agentID, Period: period}, nil
	}
	return s, err
}

// Reserve atomically checks headroom and reserves capacity for one action.
func (t *Tracker) Reserve(ctx context.Context, agentID string, value, gas int64) (Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	period := Period(now)
	lim := t.Config.ForAgent(agentID)

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, err
	}
	defer tx.Rollback()

	s, err := t.loadState(ctx, tx, agentID, period)
	if err != nil {
		return Reservation{}, err
	}
	if s.VolumeUsed+value > lim.DailyVolumeMax {
		return Reservation{}, LimitError{
			Code:    CodeDailyVolumeExceeded,
			Message: fmt.Sprintf("daily volume limit: %d + %d > %d", s.VolumeUsed, value, lim.DailyVolumeMax),
		}
	}
	if s.GasUsed+gas > lim.DailyGasMax {
		return Reservation{}, LimitError{
			Code:    CodeDailyGasExceeded,
			Message: fmt.Sprintf("daily gas limit: %d + %d > %d", s.GasUsed, gas, lim.DailyGasMax),
		}
	}
	if s.PendingTx >= lim.MaxPending {
		return Reservation{}, LimitError{
			Code:    CodeMaxPendingReached,
			Message: fmt.Sprintf("pending tx limit: %d of %d in flight", s.PendingTx, lim.MaxPending),
		}
	}
	s.VolumeUsed += value
	s.GasUsed += gas
	s.PendingTx++
	s.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := t.Repo.UpsertLimitStateTx(ctx, tx, s); err != nil {
		return Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Reservation{}, err
	}
	return Reservation{AgentID: agentID, Period: period, Value: value, Gas: gas}, nil
}

// Commit finalizes a reservation after the action took effect. Usage stays
// counted; only the pending slot is freed.
func (t *Tracker) Commit(ctx context.Context, res Reservation) error {
	return t.reconcile(ctx, res, false)
}

// Release returns reserved capacity after an action never took effect.
func (t *Tracker) Release(ctx context.Context, res Reservation) error {
	return t.reconcile(ctx, res, true)
}

func (t *Tracker) reconcile(ctx context.Context, res Reservation, refund bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err := t.loadState(ctx, tx, res.AgentID, res.Period)
	if err != nil {
		return err
	}
	if refund {
		s.VolumeUsed -= res.Value
		s.GasUsed -= res.Gas
		if s.VolumeUsed < 0 {
			s.VolumeUsed = 0
		}
		if s.GasUsed < 0 {
			s.GasUsed = 0
		}
	} else {
		s.LastTxAt = now.UTC().Format(time.RFC3339)
	}
	if s.PendingTx > 0 {
		s.PendingTx--
	}
	s.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := t.Repo.UpsertLimitStateTx(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

// BumpRetry increments the retry counter for an action type and returns the
// new count for the period.
func (t *Tracker) BumpRetry(ctx context.Context, agentID, actionType string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	period := Period(now)
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	s, err := t.loadState(ctx, tx, agentID, period)
	if err != nil {
		return 0, err
	}
	if s.RetryCounts == nil {
		s.RetryCounts = map[string]int{}
	}
	s.RetryCounts[actionType]++
	s.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := t.Repo.UpsertLimitStateTx(ctx, tx, s); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return s.RetryCounts[actionType], nil
}

// State returns the current period's counters for an agent, zero-valued if the
// agent has no usage yet.
func (t *Tracker) State(ctx context.Context, agentID string) (domain.LimitState, error) {
	period := Period(t.now())
	s, err := t.Repo.GetLimitState(ctx, agentID, period)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.LimitState{AgentID: agentID, Period: period}, nil
	}
	return s, err
}
