package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"guardline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- agents ---

func (r Repo) EnsureAgent(ctx context.Context, tx *sql.Tx, agentID, now string) error {
	if agentID == "" {
		return errors.New("agent_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO agents(id, created_at) VALUES (?,?)`, agentID, now)
	return err
}

// --- decisions ---

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,request_id,agent_id,action_type,outcome,failing_gate,reason_code,reason,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.RequestID, d.AgentID, d.ActionType, d.Outcome, nullable(d.FailingGate), nullable(d.ReasonCode), nullable(d.Reason), d.CreatedAt)
	return err
}

func scanDecision(row *sql.Row) (domain.Decision, error) {
	var d domain.Decision
	err := row.Scan(&d.ID, &d.RequestID, &d.AgentID, &d.ActionType, &d.Outcome, &d.FailingGate, &d.ReasonCode, &d.Reason, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

const decisionCols = `id,request_id,agent_id,action_type,outcome,COALESCE(failing_gate,''),COALESCE(reason_code,''),COALESCE(reason,''),created_at`

func (r Repo) GetDecisionByRequest(ctx context.Context, requestID string) (domain.Decision, error) {
	return scanDecision(r.DB.QueryRowContext(ctx, `SELECT `+decisionCols+` FROM decisions WHERE request_id=?`, requestID))
}

func (r Repo) DecisionExists(ctx context.Context, tx *sql.Tx, requestID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM decisions WHERE request_id=? LIMIT 1`, requestID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListDecisions(ctx context.Context, agentID string, limit int) ([]domain.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + decisionCols + ` FROM decisions`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		if err := rows.Scan(&d.ID, &d.RequestID, &d.AgentID, &d.ActionType, &d.Outcome, &d.FailingGate, &d.ReasonCode, &d.Reason, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- limit state ---

func scanLimitState(agentID, period string, row *sql.Row) (domain.LimitState, error) {
	s := domain.LimitState{AgentID: agentID, Period: period}
	var retryJSON, lastTx sql.NullString
	err := row.Scan(&s.VolumeUsed, &s.GasUsed, &s.PendingTx, &retryJSON, &lastTx, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if retryJSON.Valid && retryJSON.String != "" {
		if err := json.Unmarshal([]byte(retryJSON.String), &s.RetryCounts); err != nil {
			return s, fmt.Errorf("retry_counts_json: %w", err)
		}
	}
	if lastTx.Valid {
		s.LastTxAt = lastTx.String
	}
	return s, nil
}

func (r Repo) GetLimitStateTx(ctx context.Context, tx *sql.Tx, agentID, period string) (domain.LimitState, error) {
	return scanLimitState(agentID, period, tx.QueryRowContext(ctx,
		`SELECT volume_used,gas_used,pending_tx,retry_counts_json,last_tx_at,updated_at FROM limit_state WHERE agent_id=? AND period=?`,
		agentID, period))
}

func (r Repo) GetLimitState(ctx context.Context, agentID, period string) (domain.LimitState, error) {
	return scanLimitState(agentID, period, r.DB.QueryRowContext(ctx,
		`SELECT volume_used,gas_used,pending_tx,retry_counts_json,last_tx_at,updated_at FROM limit_state WHERE agent_id=? AND period=?`,
		agentID, period))
}

func (r Repo) UpsertLimitStateTx(ctx context.Context, tx *sql.Tx, s domain.LimitState) error {
	var retryJSON any
	if len(s.RetryCounts) > 0 {
		b, err := json.Marshal(s.RetryCounts)
		if err != nil {
			return err
		}
		retryJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO limit_state(agent_id,period,volume_used,gas_used,pending_tx,retry_counts_json,last_tx_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(agent_id,period) DO UPDATE SET
  volume_used=excluded.volume_used,
  gas_used=excluded.gas_used,
  pending_tx=excluded.pending_tx,
  retry_counts_json=excluded.retry_counts_json,
  last_tx_at=excluded.last_tx_at,
  updated_at=excluded.updated_at`,
		s.AgentID, s.Period, s.VolumeUsed, s.GasUsed, s.PendingTx, retryJSON, nullable(s.LastTxAt), s.UpdatedAt)
	return err
}

// --- escrows ---

const escrowCols = `id,request_id,group_id,parent_id,client_id,worker_id,amount,token,state,proof_deadline,verification_deadline,dispute_deadline,worker_amount,client_amount,created_at,updated_at`

func (r Repo) InsertEscrowTx(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrows(`+escrowCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RequestID, e.GroupID, e.ParentID, e.ClientID, e.WorkerID, e.Amount, e.Token, e.State,
		e.ProofDeadline, e.VerificationDeadline, e.DisputeDeadline, nullableInt(e.WorkerAmount), nullableInt(e.ClientAmount), e.CreatedAt, e.UpdatedAt)
	return err
}

func scanEscrowRow(scan func(dest ...any) error) (domain.Escrow, error) {
	var e domain.Escrow
	var workerAmt, clientAmt sql.NullInt64
	err := scan(&e.ID, &e.RequestID, &e.GroupID, &e.ParentID, &e.ClientID, &e.WorkerID, &e.Amount, &e.Token, &e.State,
		&e.ProofDeadline, &e.VerificationDeadline, &e.DisputeDeadline, &workerAmt, &clientAmt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if workerAmt.Valid {
		v := workerAmt.Int64
		e.WorkerAmount = &v
	}
	if clientAmt.Valid {
		v := clientAmt.Int64
		e.ClientAmount = &v
	}
	return e, nil
}

func (r Repo) GetEscrow(ctx context.Context, id string) (domain.Escrow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escrowCols+` FROM escrows WHERE id=?`, id)
	return scanEscrowRow(row.Scan)
}

func (r Repo) GetEscrowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Escrow, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+escrowCols+` FROM escrows WHERE id=?`, id)
	return scanEscrowRow(row.Scan)
}

func (r Repo) GetEscrowByRequest(ctx context.Context, requestID string) (domain.Escrow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escrowCols+` FROM escrows WHERE request_id=?`, requestID)
	return scanEscrowRow(row.Scan)
}

func (r Repo) UpdateEscrowTx(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	res, err := tx.ExecContext(ctx, `UPDATE escrows SET state=?, worker_amount=?, client_amount=?, updated_at=? WHERE id=?`,
		e.State, nullableInt(e.WorkerAmount), nullableInt(e.ClientAmount), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listEscrows(ctx context.Context, query string, args ...any) ([]domain.Escrow, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escrow
	for rows.Next() {
		e, err := scanEscrowRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) ListEscrows(ctx context.Context, state string, limit int) ([]domain.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	if state != "" {
		return r.listEscrows(ctx, `SELECT `+escrowCols+` FROM escrows WHERE state=? ORDER BY created_at DESC LIMIT ?`, state, limit)
	}
	return r.listEscrows(ctx, `SELECT `+escrowCols+` FROM escrows ORDER BY created_at DESC LIMIT ?`, limit)
}

// ListOpenEscrows returns all escrows not yet in a terminal state.
func (r Repo) ListOpenEscrows(ctx context.Context) ([]domain.Escrow, error) {
	return r.listEscrows(ctx, `SELECT `+escrowCols+` FROM escrows WHERE state NOT IN ('released','refunded','split') ORDER BY created_at`)
}

func (r Repo) ListEscrowGroup(ctx context.Context, groupID string) ([]domain.Escrow, error) {
	return r.listEscrows(ctx, `SELECT `+escrowCols+` FROM escrows WHERE group_id=? ORDER BY created_at`, groupID)
}

// --- proof registry (replay protection) ---

// MarkProofRequestTx records a request id as consumed by a proof submission.
// Returns false if the id was already marked. Runs inside the per-escrow
// transaction so check and mark cannot race.
func (r Repo) MarkProofRequestTx(ctx context.Context, tx *sql.Tx, requestID, now string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM proof_registry WHERE request_id=? LIMIT 1`, requestID)
	var n int
	err := row.Scan(&n)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO proof_registry(request_id, submitted_at) VALUES (?,?)`, requestID, now)
	return err == nil, err
}

// --- proofs ---

func (r Repo) InsertProofTx(ctx context.Context, tx *sql.Tx, p domain.Proof) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proofs(escrow_id,request_id,deliverable_hash,signature,submitted_at) VALUES (?,?,?,?,?)`,
		p.EscrowID, p.RequestID, p.DeliverableHash, p.Signature, p.SubmittedAt)
	return err
}

func (r Repo) GetProof(ctx context.Context, escrowID string) (domain.Proof, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT escrow_id,request_id,deliverable_hash,signature,submitted_at FROM proofs WHERE escrow_id=?`, escrowID)
	var p domain.Proof
	err := row.Scan(&p.EscrowID, &p.RequestID, &p.DeliverableHash, &p.Signature, &p.SubmittedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProofTx(ctx context.Context, tx *sql.Tx, escrowID string) (domain.Proof, error) {
	row := tx.QueryRowContext(ctx, `SELECT escrow_id,request_id,deliverable_hash,signature,submitted_at FROM proofs WHERE escrow_id=?`, escrowID)
	var p domain.Proof
	err := row.Scan(&p.EscrowID, &p.RequestID, &p.DeliverableHash, &p.Signature, &p.SubmittedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// --- disputes ---

const disputeCols = `id,escrow_id,raised_by,reason,raised_at,resolution_deadline,COALESCE(outcome,''),COALESCE(resolved_at,'')`

func (r Repo) InsertDisputeTx(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,escrow_id,raised_by,reason,raised_at,resolution_deadline) VALUES (?,?,?,?,?,?)`,
		d.ID, d.EscrowID, d.RaisedBy, d.Reason, d.RaisedAt, d.ResolutionDeadline)
	return err
}

func scanDispute(scan func(dest ...any) error) (domain.Dispute, error) {
	var d domain.Dispute
	err := scan(&d.ID, &d.EscrowID, &d.RaisedBy, &d.Reason, &d.RaisedAt, &d.ResolutionDeadline, &d.Outcome, &d.ResolvedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetDisputeByEscrow(ctx context.Context, escrowID string) (domain.Dispute, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+disputeCols+` FROM disputes WHERE escrow_id=?`, escrowID)
	return scanDispute(row.Scan)
}

func (r Repo) GetDisputeByEscrowTx(ctx context.Context, tx *sql.Tx, escrowID string) (domain.Dispute, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+disputeCols+` FROM disputes WHERE escrow_id=?`, escrowID)
	return scanDispute(row.Scan)
}

func (r Repo) ResolveDisputeTx(ctx context.Context, tx *sql.Tx, disputeID, outcome, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET outcome=?, resolved_at=? WHERE id=? AND outcome IS NULL`, outcome, resolvedAt, disputeID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListOpenDisputes(ctx context.Context) ([]domain.Dispute, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+disputeCols+` FROM disputes WHERE outcome IS NULL ORDER BY raised_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- halts ---

func (r Repo) UpsertHaltTx(ctx context.Context, tx *sql.Tx, h domain.Halt) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO halts(agent_id,reason,context_json,issued_at) VALUES (?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET reason=excluded.reason, context_json=excluded.context_json, issued_at=excluded.issued_at`,
		h.AgentID, h.Reason, nullable(h.ContextJSON), h.IssuedAt)
	return err
}

func (r Repo) GetHalt(ctx context.Context, agentID string) (domain.Halt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT agent_id,reason,COALESCE(context_json,''),issued_at FROM halts WHERE agent_id=?`, agentID)
	var h domain.Halt
	err := row.Scan(&h.AgentID, &h.Reason, &h.ContextJSON, &h.IssuedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	return h, err
}

func (r Repo) DeleteHaltTx(ctx context.Context, tx *sql.Tx, agentID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM halts WHERE agent_id=?`, agentID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListHalts(ctx context.Context) ([]domain.Halt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id,reason,COALESCE(context_json,''),issued_at FROM halts ORDER BY issued_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Halt
	for rows.Next() {
		var h domain.Halt
		if err := rows.Scan(&h.AgentID, &h.Reason, &h.ContextJSON, &h.IssuedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// --- outcomes ---

func (r Repo) UpsertOutcomeTx(ctx context.Context, tx *sql.Tx, o domain.Outcome) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO outcomes(request_id,agent_id,status,failure_kind,attempts,route,receipt_json,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(request_id) DO UPDATE SET
  status=excluded.status, failure_kind=excluded.failure_kind, attempts=excluded.attempts,
  route=excluded.route, receipt_json=excluded.receipt_json`,
		o.RequestID, o.AgentID, o.Status, nullable(o.FailureKind), o.Attempts, nullable(o.Route), nullable(o.ReceiptJSON), o.CreatedAt)
	return err
}

func (r Repo) GetOutcome(ctx context.Context, requestID string) (domain.Outcome, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT request_id,agent_id,status,COALESCE(failure_kind,''),attempts,COALESCE(route,''),COALESCE(receipt_json,''),created_at FROM outcomes WHERE request_id=?`, requestID)
	var o domain.Outcome
	err := row.Scan(&o.RequestID, &o.AgentID, &o.Status, &o.FailureKind, &o.Attempts, &o.Route, &o.ReceiptJSON, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

// --- audit ---

func (r Repo) ListAuditEvents(ctx context.Context, agentID, entityKind string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(agent_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM audit_events`
	var conds []string
	var args []any
	if agentID != "" {
		conds = append(conds, `agent_id=?`)
		args = append(args, agentID)
	}
	if entityKind != "" {
		conds = append(conds, `entity_kind=?`)
		args = append(args, entityKind)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AgentID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
