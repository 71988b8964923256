package escrow

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"guardline/internal/config"
	"guardline/internal/domain"
	"guardline/internal/escrow/dispute"
	"guardline/internal/events"
	"guardline/internal/repo"
)

// ErrReplayRejected rejects a second proof submission under a request id that
// is already in the used-id registry, regardless of content.
var ErrReplayRejected = errors.New("replay rejected: request id already used")

// ErrDeadlineExpired marks an operation attempted past its deadline.
var ErrDeadlineExpired = errors.New("deadline expired")

// TransitionError is an attempt at a transition the state table does not allow.
type TransitionError struct {
	EscrowID string
	From     string
	Trigger  string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("escrow %s: invalid transition %s on %s", e.EscrowID, e.Trigger, e.From)
}

// Engine is the escrow/settlement state machine. Deadlines are settled both
// lazily (every mutating operation settles first) and by Sweep, which the
// server runs on a schedule; neither path depends on a caller arriving at the
// right moment. Mutations on one escrow are serialized by a per-escrow lock
// on top of the transaction.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Resolver dispute.Resolver
	Now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Resolver: dispute.Resolver{Config: cfg},
		Now:      time.Now,
		locks:    map[string]*sync.Mutex{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) lock(escrowID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[escrowID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[escrowID] = l
	}
	return l
}

// Sign produces the deterministic proof signature binding a deliverable hash
// to a request and worker. Verification needs no trust in the submitter.
func Sign(requestID, deliverableHash, workerID string) string {
	sum := sha256.Sum256([]byte(requestID + "|" + deliverableHash + "|" + workerID))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks a proof signature against its bound fields.
func VerifySignature(requestID, deliverableHash, workerID, signature string) bool {
	return signature != "" && signature == Sign(requestID, deliverableHash, workerID)
}

// CreateOptions are parameters for opening an escrow.
type CreateOptions struct {
	RequestID            string
	ClientID             string
	WorkerID             string
	Amount               int64
	Token                string
	GroupID              string
	ParentRequestID      string
	ProofDeadline        string
	VerificationDeadline string
	DisputeDeadline      string
	ActorID              string
}

// Create opens an escrow in the Created state. The request id must be new for
// the system's lifetime.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (domain.Escrow, error) {
	if e.Config == nil {
		return domain.Escrow{}, errors.New("config not loaded")
	}
	if opts.RequestID == "" {
		return domain.Escrow{}, errors.New("request_id is required")
	}
	if opts.ClientID == "" || opts.WorkerID == "" {
		return domain.Escrow{}, errors.New("client and worker are required")
	}
	if opts.Amount <= 0 {
		return domain.Escrow{}, errors.New("amount must be positive")
	}
	if _, err := e.Repo.GetEscrowByRequest(ctx, opts.RequestID); err == nil {
		return domain.Escrow{}, fmt.Errorf("request_id %s already bound to an escrow", opts.RequestID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Escrow{}, err
	}

	var parentID *string
	if opts.ParentRequestID != "" {
		parent, err := e.Repo.GetEscrowByRequest(ctx, opts.ParentRequestID)
		if err != nil {
			return domain.Escrow{}, fmt.Errorf("parent escrow: %w", err)
		}
		// A sub-escrow is funded by the worker from its own balance; it is an
		// independent instance and never draws on the parent's locked funds.
		if parent.WorkerID != opts.ClientID {
			return domain.Escrow{}, fmt.Errorf("sub-escrow client %s must be the parent's worker %s", opts.ClientID, parent.WorkerID)
		}
		parentID = &parent.ID
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	esc := domain.Escrow{
		ID:                   uuid.New().String(),
		RequestID:            opts.RequestID,
		ClientID:             opts.ClientID,
		WorkerID:             opts.WorkerID,
		Amount:               opts.Amount,
		Token:                opts.Token,
		State:                domain.EscrowCreated,
		ProofDeadline:        opts.ProofDeadline,
		VerificationDeadline: opts.VerificationDeadline,
		DisputeDeadline:      opts.DisputeDeadline,
		ParentID:             parentID,
		CreatedAt:            nowStr,
		UpdatedAt:            nowStr,
	}
	if esc.Token == "" {
		esc.Token = "ETH"
	}
	if opts.GroupID != "" {
		g := opts.GroupID
		esc.GroupID = &g
	}
	if esc.ProofDeadline == "" {
		esc.ProofDeadline = now.Add(time.Duration(e.Config.Escrow.ProofWindowHours) * time.Hour).Format(time.RFC3339)
	}
	if esc.VerificationDeadline == "" {
		pd, err := time.Parse(time.RFC3339, esc.ProofDeadline)
		if err != nil {
			return domain.Escrow{}, fmt.Errorf("proof_deadline: %w", err)
		}
		esc.VerificationDeadline = pd.Add(time.Duration(e.Config.Escrow.VerificationWindowHours) * time.Hour).Format(time.RFC3339)
	}
	if esc.DisputeDeadline == "" {
		vd, err := time.Parse(time.RFC3339, esc.VerificationDeadline)
		if err != nil {
			return domain.Escrow{}, fmt.Errorf("verification_deadline: %w", err)
		}
		esc.DisputeDeadline = vd.Add(time.Duration(e.Config.Escrow.DisputeWindowHours) * time.Hour).Format(time.RFC3339)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEscrowTx(ctx, tx, esc); err != nil {
		return domain.Escrow{}, err
	}
	if err := e.Events.Append(ctx, tx, "escrow.created", "", "escrow", esc.ID, opts.ActorID, events.EventPayload{
		"request_id": esc.RequestID,
		"client":     esc.ClientID,
		"worker":     esc.WorkerID,
		"amount":     esc.Amount,
	}); err != nil {
		return domain.Escrow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escrow{}, err
	}
	return esc, nil
}

// SplitLeg is one worker's share of a split payment.
type SplitLeg struct {
	RequestID string
	WorkerID  string
	Amount    int64
}

// CreateSplit opens one independent escrow per leg, sharing a grouping id for
// accounting. Each leg progresses through the state table on its own; partial
// delivery releases one leg without forcing the others.
func (e *Engine) CreateSplit(ctx context.Context, clientID, token string, legs []SplitLeg, actorID string) (string, []domain.Escrow, error) {
	if len(legs) == 0 {
		return "", nil, errors.New("at least one leg is required")
	}
	groupID := uuid.New().String()
	out := make([]domain.Escrow, 0, len(legs))
	for _, leg := range legs {
		esc, err := e.Create(ctx, CreateOptions{
			RequestID: leg.RequestID,
			ClientID:  clientID,
			WorkerID:  leg.WorkerID,
			Amount:    leg.Amount,
			Token:     token,
			GroupID:   groupID,
			ActorID:   actorID,
		})
		if err != nil {
			return groupID, out, fmt.Errorf("leg %s: %w", leg.RequestID, err)
		}
		out = append(out, esc)
	}
	return groupID, out, nil
}

// ConfirmDeposit moves Created to Escrowed once the onchain deposit is
// confirmed. The deposited amount must match the escrow exactly.
func (e *Engine) ConfirmDeposit(ctx context.Context, requestID string, amount int64, actorID string) (domain.Escrow, error) {
	return e.mutate(ctx, requestID, actorID, "deposit", func(tx *sql.Tx, esc *domain.Escrow, now time.Time) (string, events.EventPayload, error) {
		if esc.State != domain.EscrowCreated {
			return "", nil, TransitionError{EscrowID: esc.ID, From: esc.State, Trigger: "deposit"}
		}
		if amount != esc.Amount {
			return "", nil, fmt.Errorf("deposited amount %d does not match escrow amount %d", amount, esc.Amount)
		}
		esc.State = domain.EscrowEscrowed
		return "escrow.deposited", events.EventPayload{"amount": amount}, nil
	})
}

// SubmitProof accepts at most one proof per escrow, before the proof
// deadline, under a request id never used by any prior proof.
func (e *Engine) SubmitProof(ctx context.Context, requestID, deliverableHash, signature, actorID string) (domain.Proof, error) {
	var proof domain.Proof
	_, err := e.mutate(ctx, requestID, actorID, "proof", func(tx *sql.Tx, esc *domain.Escrow, now time.Time) (string, events.EventPayload, error) {
		nowStr := now.UTC().Format(time.RFC3339)
		// The used-id registry is consulted ahead of the transition table: a
		// replayed request id reads as a replay no matter what state the escrow
		// reached in the meantime. A rejected transition rolls the mark back.
		ok, err := e.Repo.MarkProofRequestTx(ctx, tx, esc.RequestID, nowStr)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return "", nil, ErrReplayRejected
		}
		if esc.State != domain.EscrowEscrowed {
			return "", nil, TransitionError{EscrowID: esc.ID, From: esc.State, Trigger: "proof"}
		}
		deadline, err := time.Parse(time.RFC3339, esc.ProofDeadline)
		if err != nil {
			return "", nil, fmt.Errorf("proof_deadline: %w", err)
		}
		if now.After(deadline) {
			return "", nil, fmt.Errorf("proof deadline %s: %w", esc.ProofDeadline, ErrDeadlineExpired)
		}
		if deliverableHash == "" {
			return "", nil, errors.New("deliverable_hash is required")
		}
		proof = domain.Proof{
			EscrowID:        esc.ID,
			RequestID:       esc.RequestID,
			DeliverableHash: deliverableHash,
			Signature:       signature,
			SubmittedAt:     nowStr,
		}
		if err := e.Repo.InsertProofTx(ctx, tx, proof); err != nil {
			return "", nil, err
		}
		esc.State = domain.EscrowProofSubmitted
		return "escrow.proof_submitted", events.EventPayload{"deliverable_hash": deliverableHash}, nil
	})
	return proof, err
}

// Verify is the client accepting the proof: hash and signature must check out.
func (e *Engine) Verify(ctx context.Context, requestID, expectedHash, actorID string) (domain.Escrow, error) {
	return e.mutate(ctx, requestID, actorID, "verify", func(tx *sql.Tx, esc *domain.Escrow, now time.Time) (string, events.EventPayload, error) {
		if esc.State != domain.EscrowProofSubmitted {
			return "", nil, TransitionError{EscrowID: esc.ID, From: esc.State, Trigger: "verify"}
		}
		proof, err := e.Repo.GetProofTx(ctx, tx, esc.ID)
		if err != nil {
			return "", nil, fmt.Errorf("proof: %w", err)
		}
		if expectedHash != "" && expectedHash != proof.DeliverableHash {
			return "", nil, fmt.Errorf("deliverable hash mismatch")
		}
		if !VerifySignature(proof.RequestID, proof.DeliverableHash, esc.WorkerID, proof.Signature) {
			return "", nil, errors.New("proof signature invalid")
		}
		settleRelease(esc)
		return "escrow.released", events.EventPayload{"worker": esc.WorkerID, "amount": esc.Amount}, nil
	})
}

// RaiseDispute moves ProofSubmitted to Disputed and opens the bounded
// resolution window.
func (e *Engine) RaiseDispute(ctx context.Context, requestID, raisedBy, reason string) (domain.Dispute, error) {
	var d domain.Dispute
	_, err := e.mutate(ctx, requestID, raisedBy, "dispute", func(tx *sql.Tx, esc *domain.Escrow, now time.Time) (string, events.EventPayload, error) {
		if esc.State != domain.EscrowProofSubmitted {
			return "", nil, TransitionError{EscrowID: esc.ID, From: esc.State, Trigger: "dispute"}
		}
		if raisedBy != esc.ClientID {
			return "", nil, fmt.Errorf("only the client %s may dispute", esc.ClientID)
		}
		if reason == "" {
			return "", nil, errors.New("dispute reason is required")
		}
		dd, err := time.Parse(time.RFC3339, esc.DisputeDeadline)
		if err != nil {
			return "", nil, fmt.Errorf("dispute_deadline: %w", err)
		}
		if now.After(dd) {
			return "", nil, fmt.Errorf("dispute deadline %s: %w", esc.DisputeDeadline, ErrDeadlineExpired)
		}
		resolutionDeadline := now.Add(time.Duration(e.Config.Escrow.DisputeWindowHours) * time.Hour)
		// The escrow's own dispute deadline is the outer bound for resolution.
		if dd.Before(resolutionDeadline) {
			resolutionDeadline = dd
		}
		nowStr := now.UTC().Format(time.RFC3339)
		d = domain.Dispute{
			ID:                 uuid.New().String(),
			EscrowID:           esc.ID,
			RaisedBy:           raisedBy,
			Reason:             reason,
			RaisedAt:           nowStr,
			ResolutionDeadline: resolutionDeadline.UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertDisputeTx(ctx, tx, d); err != nil {
			return "", nil, err
		}
		esc.State = domain.EscrowDisputed
		return "escrow.disputed", events.EventPayload{"reason": reason}, nil
	})
	return d, err
}

// Resolve applies an arbitration outcome to a disputed escrow before its
// resolution deadline. Outcome must be released, refunded or split.
func (e *Engine) Resolve(ctx context.Context, requestID, outcome, actorID string) (domain.Escrow, error) {
	switch outcome {
	case domain.EscrowReleased, domain.EscrowRefunded, domain.EscrowSplit:
	default:
		return domain.Escrow{}, fmt.Errorf("outcome %q is not a terminal resolution", outcome)
	}
	return e.mutate(ctx, requestID, actorID, "resolve", func(tx *sql.Tx, esc *domain.Escrow, now time.Time) (string, events.EventPayload, error) {
		if esc.State != domain.EscrowDisputed {
			return "", nil, TransitionError{EscrowID: esc.ID, From: esc.State, Trigger: "resolve"}
		}
		d, err := e.Repo.GetDisputeByEscrowTx(ctx, tx, esc.ID)
		if err != nil {
			return "", nil, fmt.Errorf("dispute: %w", err)
		}
		nowStr := now.UTC().Format(time.RFC3339)
		if err := e.Repo.ResolveDisputeTx(ctx, tx, d.ID, outcome, nowStr); err != nil {
			return "", nil, err
		}
		applyResolution(esc, outcome)
		return "escrow.resolved", events.EventPayload{"outcome": outcome, "dispute_id": d.ID}, nil
	})
}

// Arbitrate asks the external arbitration capability for a ruling under a hard
// timeout and applies it; if the capability yields nothing usable the dispute
// stays open for the deadline default.
func (e *Engine) Arbitrate(ctx context.Context, requestID, actorID string) (domain.Escrow, error) {
	esc, err := e.Repo.GetEscrowByRequest(ctx, requestID)
	if err != nil {
		return domain.Escrow{}, err
	}
	d, err := e.Repo.GetDisputeByEscrow(ctx, esc.ID)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("dispute: %w", err)
	}
	outcome, err := e.Resolver.Arbitrate(ctx, d, esc)
	if err != nil {
		return domain.Escrow{}, err
	}
	return e.Resolve(ctx, requestID, outcome, actorID)
}

// Get returns an escrow after settling any expired deadlines, so a read never
// observes a state the clock has already invalidated.
func (e *Engine) Get(ctx context.Context, requestID string) (domain.Escrow, error) {
	esc, err := e.Repo.GetEscrowByRequest(ctx, requestID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if esc.Terminal() {
		return esc, nil
	}
	return e.settle(ctx, esc.ID)
}

// Sweep settles every open escrow against the current time. It runs from the
// serve scheduler and from `gl escrow sweep`; transitions applied here are the
// deadline rows of the state table and the dispute timeout default.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	open, err := e.Repo.ListOpenEscrows(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, esc := range open {
		before := esc.State
		after, err := e.settle(ctx, esc.ID)
		if err != nil {
			return settled, fmt.Errorf("settle %s: %w", esc.RequestID, err)
		}
		if after.State != before {
			settled++
		}
	}
	return settled, nil
}

// settle applies deadline-driven transitions for one escrow under its lock.
func (e *Engine) settle(ctx context.Context, escrowID string) (domain.Escrow, error) {
	l := e.lock(escrowID)
	l.Lock()
	defer l.Unlock()

	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer tx.Rollback()

	esc, err := e.Repo.GetEscrowTx(ctx, tx, escrowID)
	if err != nil {
		return domain.Escrow{}, err
	}
	evtType, payload, changed, err := e.settleTx(ctx, tx, &esc, now)
	if err != nil {
		return esc, err
	}
	if !changed {
		return esc, tx.Commit()
	}
	esc.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateEscrowTx(ctx, tx, esc); err != nil {
		return esc, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "", "escrow", esc.ID, "scheduler", payload); err != nil {
		return esc, err
	}
	return esc, tx.Commit()
}

func (e *Engine) settleTx(ctx context.Context, tx *sql.Tx, esc *domain.Escrow, now time.Time) (string, events.EventPayload, bool, error) {
	afterDeadline := func(deadline string) (bool, error) {
		t, err := time.Parse(time.RFC3339, deadline)
		if err != nil {
			return false, fmt.Errorf("deadline %q: %w", deadline, err)
		}
		return now.After(t), nil
	}
	switch esc.State {
	case domain.EscrowEscrowed:
		expired, err := afterDeadline(esc.ProofDeadline)
		if err != nil || !expired {
			return "", nil, false, err
		}
		// No proof by the deadline refunds the client, never releases.
		settleRefund(esc)
		return "escrow.refunded", events.EventPayload{"cause": "proof_deadline"}, true, nil
	case domain.EscrowProofSubmitted:
		expired, err := afterDeadline(esc.VerificationDeadline)
		if err != nil || !expired {
			return "", nil, false, err
		}
		// Client inaction auto-releases to the worker.
		settleRelease(esc)
		return "escrow.released", events.EventPayload{"cause": "auto_release"}, true, nil
	case domain.EscrowDisputed:
		d, err := e.Repo.GetDisputeByEscrowTx(ctx, tx, esc.ID)
		if err != nil {
			return "", nil, false, fmt.Errorf("dispute: %w", err)
		}
		expired, err := afterDeadline(d.ResolutionDeadline)
		if err != nil || !expired {
			return "", nil, false, err
		}
		hasProof := true
		if _, err := e.Repo.GetProofTx(ctx, tx, esc.ID); errors.Is(err, repo.ErrNotFound) {
			hasProof = false
		} else if err != nil {
			return "", nil, false, err
		}
		outcome := e.Resolver.Default(d, *esc, hasProof)
		if err := e.Repo.ResolveDisputeTx(ctx, tx, d.ID, outcome, now.Format(time.RFC3339)); err != nil {
			return "", nil, false, err
		}
		applyResolution(esc, outcome)
		return "escrow.resolved", events.EventPayload{"outcome": outcome, "cause": "resolution_deadline"}, true, nil
	}
	return "", nil, false, nil
}

// mutate is the shared transition wrapper: per-escrow lock, transaction, lazy
// deadline settlement, then the operation itself, its escrow update and audit
// entry.
func (e *Engine) mutate(ctx context.Context, requestID, actorID, trigger string, op func(tx *sql.Tx, esc *domain.Escrow, now time.Time) (string, events.EventPayload, error)) (domain.Escrow, error) {
	if e.Config == nil {
		return domain.Escrow{}, errors.New("config not loaded")
	}
	ref, err := e.Repo.GetEscrowByRequest(ctx, requestID)
	if err != nil {
		return domain.Escrow{}, err
	}

	l := e.lock(ref.ID)
	l.Lock()
	defer l.Unlock()

	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer tx.Rollback()

	esc, err := e.Repo.GetEscrowTx(ctx, tx, ref.ID)
	if err != nil {
		return domain.Escrow{}, err
	}

	// Lazy settlement: no transition bypasses a deadline check.
	settleEvt, settlePayload, settled, err := e.settleTx(ctx, tx, &esc, now)
	if err != nil {
		return esc, err
	}
	if settled {
		esc.UpdatedAt = now.Format(time.RFC3339)
		if err := e.Repo.UpdateEscrowTx(ctx, tx, esc); err != nil {
			return esc, err
		}
		if err := e.Events.Append(ctx, tx, settleEvt, "", "escrow", esc.ID, "scheduler", settlePayload); err != nil {
			return esc, err
		}
		if err := tx.Commit(); err != nil {
			return esc, err
		}
		return esc, TransitionError{EscrowID: esc.ID, From: esc.State, Trigger: trigger}
	}

	evtType, payload, err := op(tx, &esc, now)
	if err != nil {
		return esc, err
	}
	esc.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateEscrowTx(ctx, tx, esc); err != nil {
		return esc, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["request_id"] = esc.RequestID
	payload["state"] = esc.State
	if err := e.Events.Append(ctx, tx, evtType, "", "escrow", esc.ID, actorID, payload); err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	return esc, nil
}

func settleRelease(esc *domain.Escrow) {
	esc.State = domain.EscrowReleased
	amt := esc.Amount
	zero := int64(0)
	esc.WorkerAmount = &amt
	esc.ClientAmount = &zero
}

func settleRefund(esc *domain.Escrow) {
	esc.State = domain.EscrowRefunded
	amt := esc.Amount
	zero := int64(0)
	esc.ClientAmount = &amt
	esc.WorkerAmount = &zero
}

func applyResolution(esc *domain.Escrow, outcome string) {
	switch outcome {
	case domain.EscrowReleased:
		settleRelease(esc)
	case domain.EscrowRefunded:
		settleRefund(esc)
	case domain.EscrowSplit:
		esc.State = domain.EscrowSplit
		worker := esc.Amount / 2
		client := esc.Amount - worker
		esc.WorkerAmount = &worker
		esc.ClientAmount = &client
	}
}
