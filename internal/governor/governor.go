package governor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"guardline/internal/config"
	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/governor/limits"
	"guardline/internal/repo"
)

// BalanceReader reports an agent's spendable balance for a token. It stands in
// for the wallet collaborator and is treated as untrusted input.
type BalanceReader interface {
	Balance(ctx context.Context, agentID, token string) (int64, error)
}

// GateError is the closed failure variant of a gate evaluation.
type GateError struct {
	Gate    string
	Code    string
	Message string
}

func (e GateError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Governor is the single authorization authority. Every agent action passes
// Evaluate before execution; the default posture is deny.
type Governor struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Limits   *limits.Tracker
	Balances BalanceReader
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, tracker *limits.Tracker, balances BalanceReader) *Governor {
	return &Governor{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Limits:   tracker,
		Balances: balances,
		Now:      time.Now,
	}
}

func (g *Governor) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

var recipientPattern = regexp.MustCompile(`^(0x[0-9a-fA-F]{40}|[a-z0-9][a-z0-9._-]*)$`)

// Evaluate runs the four gates in order and records exactly one Decision for
// the request. The first failing gate short-circuits; any error inside a
// gate's own logic is a gate failure, never a skip.
func (g *Governor) Evaluate(ctx context.Context, req domain.ActionRequest) (domain.Decision, error) {
	if g.Config == nil {
		return domain.Decision{}, errors.New("config not loaded")
	}
	if req.ID == "" {
		return domain.Decision{}, errors.New("request id is required")
	}
	if req.AgentID == "" {
		return domain.Decision{}, errors.New("agent id is required")
	}
	if req.ActionType == "" {
		return domain.Decision{}, errors.New("action type is required")
	}
	if prev, err := g.Repo.GetDecisionByRequest(ctx, req.ID); err == nil {
		return prev, fmt.Errorf("request %s already decided", req.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Decision{}, err
	}

	// A halted agent gets a distinct status so the operator knows
	// intervention, not reconfiguration, is needed.
	if halt, err := g.Repo.GetHalt(ctx, req.AgentID); err == nil {
		return g.record(ctx, req, GateError{
			Gate:    domain.GateHalt,
			Code:    "halted",
			Message: fmt.Sprintf("agent halted since %s: %s", halt.IssuedAt, halt.Reason),
		}, limits.Reservation{})
	} else if !errors.Is(err, repo.ErrNotFound) {
		return g.record(ctx, req, GateError{Gate: domain.GateHalt, Code: "halt_check_failed", Message: err.Error()}, limits.Reservation{})
	}

	if gerr := g.preconditions(ctx, req); gerr != nil {
		return g.record(ctx, req, *gerr, limits.Reservation{})
	}

	res, gerr := g.safetyLimits(ctx, req)
	if gerr != nil {
		return g.record(ctx, req, *gerr, limits.Reservation{})
	}

	if gerr := g.risk(req); gerr != nil {
		return g.record(ctx, req, *gerr, res)
	}

	if gerr := g.authorization(req); gerr != nil {
		return g.record(ctx, req, *gerr, res)
	}

	return g.record(ctx, req, GateError{}, res)
}

// ReleaseUnexecuted returns the gate 2 capacity held by an approved decision
// the caller chose not to run. Without this an evaluate-only approval would
// hold its pending slot until period rollover.
func (g *Governor) ReleaseUnexecuted(ctx context.Context, d domain.Decision, req domain.ActionRequest) error {
	if !d.Approved() || g.Limits == nil {
		return nil
	}
	return g.Limits.Release(ctx, limits.ReservationFor(d, req, g.now()))
}

// preconditions is gate 1: action-specific boolean checks.
func (g *Governor) preconditions(ctx context.Context, req domain.ActionRequest) *GateError {
	fail := func(name, msg string) *GateError {
		return &GateError{Gate: domain.GatePreconditions, Code: "precondition:" + name, Message: msg}
	}
	if req.Value < 0 || req.Gas < 0 {
		return fail("parameters", "value and gas must be non-negative")
	}
	if req.Value > 0 || req.Recipient != "" {
		if req.Recipient == "" {
			return fail("recipient", "value-bearing action requires a recipient")
		}
		if !recipientPattern.MatchString(req.Recipient) {
			return fail("recipient", fmt.Sprintf("recipient %q is not well-formed", req.Recipient))
		}
		if targets := g.Config.Preconditions.KnownTargets; len(targets) > 0 {
			known := false
			for _, t := range targets {
				if t == req.Recipient {
					known = true
					break
				}
			}
			if !known {
				return fail("known_target", fmt.Sprintf("recipient %s is not a known target", req.Recipient))
			}
		}
	}
	if g.Balances == nil {
		return fail("balance", "balance reader not configured")
	}
	bal, err := g.Balances.Balance(ctx, req.AgentID, req.Token)
	if err != nil {
		return fail("balance", fmt.Sprintf("balance check failed: %v", err))
	}
	if bal < req.Value+req.Gas {
		return fail("balance", fmt.Sprintf("balance %d below value %d + gas %d", bal, req.Value, req.Gas))
	}
	return nil
}

// safetyLimits is gate 2: atomically reserves capacity against the limit
// tracker. A passing gate holds a reservation the caller must reconcile.
func (g *Governor) safetyLimits(ctx context.Context, req domain.ActionRequest) (limits.Reservation, *GateError) {
	if g.Limits == nil {
		return limits.Reservation{}, &GateError{Gate: domain.GateSafetyLimits, Code: "limit_tracker_unavailable", Message: "limit tracker not configured"}
	}
	res, err := g.Limits.Reserve(ctx, req.AgentID, req.Value, req.Gas)
	if err != nil {
		var lerr limits.LimitError
		if errors.As(err, &lerr) {
			return limits.Reservation{}, &GateError{Gate: domain.GateSafetyLimits, Code: "safety_limit:" + lerr.Code, Message: lerr.Message}
		}
		// Tracker unreachable is a gate failure, not a skip.
		return limits.Reservation{}, &GateError{Gate: domain.GateSafetyLimits, Code: "limit_tracker_unavailable", Message: err.Error()}
	}
	return res, nil
}

// risk is gate 3: impact x probability classification into allow, warn, deny.
func (g *Governor) risk(req domain.ActionRequest) *GateError {
	impact, okI := g.Config.Risk.Impact[req.ActionType]
	prob, okP := g.Config.Risk.Probability[req.ActionType]
	if !okI || !okP {
		return &GateError{Gate: domain.GateRisk, Code: "risk:unclassified", Message: fmt.Sprintf("action type %s has no risk classification", req.ActionType)}
	}
	score := impact * prob
	if score >= g.Config.Risk.DenyThreshold {
		return &GateError{Gate: domain.GateRisk, Code: "risk:denied", Message: fmt.Sprintf("risk score %d at or above deny threshold %d", score, g.Config.Risk.DenyThreshold)}
	}
	if score >= g.Config.Risk.WarnThreshold {
		if g.Config.WarnAllowed(req.ActionType) {
			return nil
		}
		token := g.Config.Risk.ConfirmationToken
		if token != "" && req.ConfirmToken == token {
			return nil
		}
		// No configured confirmation mechanism: warn is deny.
		return &GateError{Gate: domain.GateRisk, Code: "risk:warn_unconfirmed", Message: fmt.Sprintf("risk score %d requires confirmation and none is configured or presented", score)}
	}
	return nil
}

// authorization is gate 4: action type must map to a level; unmapped actions
// are prohibited.
func (g *Governor) authorization(req domain.ActionRequest) *GateError {
	level, ok := g.Config.Authorization.Map[req.ActionType]
	if !ok {
		return &GateError{Gate: domain.GateAuthorization, Code: "authorization:prohibited", Message: fmt.Sprintf("action type %s has no authorization mapping", req.ActionType)}
	}
	switch level {
	case domain.AuthUnrestricted, domain.AuthStandard, domain.AuthElevated:
		return nil
	}
	return &GateError{Gate: domain.GateAuthorization, Code: "authorization:prohibited", Message: fmt.Sprintf("action type %s maps to unknown level %s", req.ActionType, level)}
}

// record persists the immutable Decision and its audit entry. A reservation
// held by gate 2 is released when a later gate denied the request.
func (g *Governor) record(ctx context.Context, req domain.ActionRequest, gerr GateError, res limits.Reservation) (domain.Decision, error) {
	now := g.now().UTC().Format(time.RFC3339)
	d := domain.Decision{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		AgentID:    req.AgentID,
		ActionType: req.ActionType,
		Outcome:    domain.OutcomeApproved,
		CreatedAt:  now,
	}
	if gerr.Gate != "" {
		d.Outcome = domain.OutcomeDenied
		d.FailingGate = gerr.Gate
		d.ReasonCode = gerr.Code
		d.Reason = gerr.Message
		if res != (limits.Reservation{}) {
			if relErr := g.Limits.Release(ctx, res); relErr != nil {
				d.Reason = fmt.Sprintf("%s (reservation release failed: %v)", d.Reason, relErr)
			}
		}
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := g.Repo.EnsureAgent(ctx, tx, req.AgentID, now); err != nil {
		return d, err
	}
	if err := g.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
		return d, err
	}
	if err := g.Events.Append(ctx, tx, "decision.recorded", req.AgentID, "decision", d.ID, req.AgentID, events.EventPayload{
		"request_id":   req.ID,
		"action_type":  req.ActionType,
		"outcome":      d.Outcome,
		"failing_gate": d.FailingGate,
		"reason_code":  d.ReasonCode,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}
