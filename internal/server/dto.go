package server

import (
	"guardline/internal/domain"
)

type SubmitActionRequest struct {
	ID           string            `json:"id,omitempty"`
	AgentID      string            `json:"agent_id"`
	ActionType   string            `json:"action_type"`
	Recipient    string            `json:"recipient,omitempty"`
	Token        string            `json:"token,omitempty"`
	Value        int64             `json:"value,omitempty"`
	Gas          int64             `json:"gas,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	ConfirmToken string            `json:"confirm_token,omitempty"`
}

func (r SubmitActionRequest) toDomain() domain.ActionRequest {
	return domain.ActionRequest{
		ID:           r.ID,
		AgentID:      r.AgentID,
		ActionType:   r.ActionType,
		Recipient:    r.Recipient,
		Token:        r.Token,
		Value:        r.Value,
		Gas:          r.Gas,
		Params:       r.Params,
		ConfirmToken: r.ConfirmToken,
	}
}

type DecisionResponse struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	AgentID     string `json:"agent_id"`
	ActionType  string `json:"action_type"`
	Outcome     string `json:"outcome"`
	FailingGate string `json:"failing_gate,omitempty"`
	ReasonCode  string `json:"reason_code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse(d)
}

func mapDecisions(items []domain.Decision) []DecisionResponse {
	out := make([]DecisionResponse, 0, len(items))
	for _, d := range items {
		out = append(out, decisionResponse(d))
	}
	return out
}

type OutcomeResponse struct {
	RequestID   string `json:"request_id"`
	AgentID     string `json:"agent_id"`
	Status      string `json:"status"`
	FailureKind string `json:"failure_kind,omitempty"`
	Attempts    int    `json:"attempts"`
	Route       string `json:"route,omitempty"`
	ReceiptJSON string `json:"receipt_json,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func outcomeResponse(o domain.Outcome) OutcomeResponse {
	return OutcomeResponse(o)
}

// ExecuteResponse pairs the decision that gated an action with the terminal
// result of running it.
type ExecuteResponse struct {
	Decision DecisionResponse `json:"decision"`
	Outcome  *OutcomeResponse `json:"outcome,omitempty"`
}

type LimitStateResponse struct {
	AgentID     string         `json:"agent_id"`
	Period      string         `json:"period"`
	VolumeUsed  int64          `json:"volume_used"`
	GasUsed     int64          `json:"gas_used"`
	PendingTx   int            `json:"pending_tx"`
	RetryCounts map[string]int `json:"retry_counts,omitempty"`
	LastTxAt    string         `json:"last_tx_at,omitempty"`
	UpdatedAt   string         `json:"updated_at,omitempty"`
}

func limitStateResponse(s domain.LimitState) LimitStateResponse {
	return LimitStateResponse(s)
}

type CreateEscrowRequest struct {
	RequestID            string `json:"request_id"`
	ClientID             string `json:"client_id"`
	WorkerID             string `json:"worker_id"`
	Amount               int64  `json:"amount"`
	Token                string `json:"token,omitempty"`
	ParentRequestID      string `json:"parent_request_id,omitempty"`
	ProofDeadline        string `json:"proof_deadline,omitempty" format:"date-time"`
	VerificationDeadline string `json:"verification_deadline,omitempty" format:"date-time"`
	DisputeDeadline      string `json:"dispute_deadline,omitempty" format:"date-time"`
}

type SplitLegRequest struct {
	RequestID string `json:"request_id"`
	WorkerID  string `json:"worker_id"`
	Amount    int64  `json:"amount"`
}

type CreateSplitRequest struct {
	ClientID string            `json:"client_id"`
	Token    string            `json:"token,omitempty"`
	Legs     []SplitLegRequest `json:"legs"`
}

type DepositRequest struct {
	Amount int64 `json:"amount"`
}

type SubmitProofRequest struct {
	DeliverableHash string `json:"deliverable_hash"`
	Signature       string `json:"signature"`
}

type VerifyProofRequest struct {
	DeliverableHash string `json:"deliverable_hash,omitempty"`
}

type RaiseDisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" enum:"released,refunded,split"`
}

type EscrowResponse struct {
	ID                   string  `json:"id"`
	RequestID            string  `json:"request_id"`
	GroupID              *string `json:"group_id,omitempty"`
	ParentID             *string `json:"parent_id,omitempty"`
	ClientID             string  `json:"client_id"`
	WorkerID             string  `json:"worker_id"`
	Amount               int64   `json:"amount"`
	Token                string  `json:"token"`
	State                string  `json:"state"`
	ProofDeadline        string  `json:"proof_deadline"`
	VerificationDeadline string  `json:"verification_deadline"`
	DisputeDeadline      string  `json:"dispute_deadline"`
	WorkerAmount         *int64  `json:"worker_amount,omitempty"`
	ClientAmount         *int64  `json:"client_amount,omitempty"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

func escrowResponse(e domain.Escrow) EscrowResponse {
	return EscrowResponse(e)
}

func mapEscrows(items []domain.Escrow) []EscrowResponse {
	out := make([]EscrowResponse, 0, len(items))
	for _, e := range items {
		out = append(out, escrowResponse(e))
	}
	return out
}

type SplitGroupResponse struct {
	GroupID string           `json:"group_id"`
	Legs    []EscrowResponse `json:"legs"`
}

type ProofResponse struct {
	EscrowID        string `json:"escrow_id"`
	RequestID       string `json:"request_id"`
	DeliverableHash string `json:"deliverable_hash"`
	Signature       string `json:"signature"`
	SubmittedAt     string `json:"submitted_at"`
}

func proofResponse(p domain.Proof) ProofResponse {
	return ProofResponse(p)
}

type DisputeResponse struct {
	ID                 string `json:"id"`
	EscrowID           string `json:"escrow_id"`
	RaisedBy           string `json:"raised_by"`
	Reason             string `json:"reason"`
	RaisedAt           string `json:"raised_at"`
	ResolutionDeadline string `json:"resolution_deadline"`
	Outcome            string `json:"outcome,omitempty"`
	ResolvedAt         string `json:"resolved_at,omitempty"`
}

func disputeResponse(d domain.Dispute) DisputeResponse {
	return DisputeResponse(d)
}

type HaltResponse struct {
	AgentID     string `json:"agent_id"`
	Reason      string `json:"reason"`
	ContextJSON string `json:"context_json,omitempty"`
	IssuedAt    string `json:"issued_at"`
}

func haltResponse(h domain.Halt) HaltResponse {
	return HaltResponse(h)
}

type AuditEventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	AgentID    string `json:"agent_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func auditEventResponse(e domain.AuditEvent) AuditEventResponse {
	return AuditEventResponse(e)
}

type SweepResponse struct {
	Settled int `json:"settled"`
}
