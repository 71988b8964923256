package domain

// Decision outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeDenied   = "denied"
)

// Governor gates, in evaluation order.
const (
	GatePreconditions = "preconditions"
	GateSafetyLimits  = "safety_limits"
	GateRisk          = "risk"
	GateAuthorization = "authorization"
	GateHalt          = "halt"
)

// Authorization levels. Unmapped action types are prohibited.
const (
	AuthUnrestricted = "UNRESTRICTED"
	AuthStandard     = "STANDARD"
	AuthElevated     = "ELEVATED"
	AuthProhibited   = "PROHIBITED"
)

// Escrow states.
const (
	EscrowCreated        = "created"
	EscrowEscrowed       = "escrowed"
	EscrowProofSubmitted = "proof_submitted"
	EscrowDisputed       = "disputed"
	EscrowReleased       = "released"
	EscrowRefunded       = "refunded"
	EscrowSplit          = "split"
)

// Guardrail outcome statuses.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunDenied    = "denied"
	RunHalted    = "halted"
)

type ActionRequest struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id"`
	ActionType   string            `json:"action_type"`
	Recipient    string            `json:"recipient,omitempty"`
	Token        string            `json:"token,omitempty"`
	Value        int64             `json:"value"`
	Gas          int64             `json:"gas"`
	Params       map[string]string `json:"params,omitempty"`
	ConfirmToken string            `json:"confirm_token,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
}

// Decision is the append-only record produced once per ActionRequest.
type Decision struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	AgentID     string `json:"agent_id"`
	ActionType  string `json:"action_type"`
	Outcome     string `json:"outcome" enum:"approved,denied"`
	FailingGate string `json:"failing_gate,omitempty"`
	ReasonCode  string `json:"reason_code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

func (d Decision) Approved() bool { return d.Outcome == OutcomeApproved }

// LimitState holds per-agent rolling counters for one calendar period.
// Counters only grow within a period; reservations are reconciled, never rewound
// below committed usage.
type LimitState struct {
	AgentID     string         `json:"agent_id"`
	Period      string         `json:"period"`
	VolumeUsed  int64          `json:"volume_used"`
	GasUsed     int64          `json:"gas_used"`
	PendingTx   int            `json:"pending_tx"`
	RetryCounts map[string]int `json:"retry_counts,omitempty"`
	LastTxAt    string         `json:"last_tx_at,omitempty" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type Escrow struct {
	ID                   string  `json:"id"`
	RequestID            string  `json:"request_id"`
	GroupID              *string `json:"group_id,omitempty"`
	ParentID             *string `json:"parent_id,omitempty"`
	ClientID             string  `json:"client_id"`
	WorkerID             string  `json:"worker_id"`
	Amount               int64   `json:"amount"`
	Token                string  `json:"token"`
	State                string  `json:"state" enum:"created,escrowed,proof_submitted,disputed,released,refunded,split"`
	ProofDeadline        string  `json:"proof_deadline" format:"date-time"`
	VerificationDeadline string  `json:"verification_deadline" format:"date-time"`
	DisputeDeadline      string  `json:"dispute_deadline" format:"date-time"`
	WorkerAmount         *int64  `json:"worker_amount,omitempty"`
	ClientAmount         *int64  `json:"client_amount,omitempty"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the escrow reached a settled state.
func (e Escrow) Terminal() bool {
	switch e.State {
	case EscrowReleased, EscrowRefunded, EscrowSplit:
		return true
	}
	return false
}

type Proof struct {
	EscrowID        string `json:"escrow_id"`
	RequestID       string `json:"request_id"`
	DeliverableHash string `json:"deliverable_hash"`
	Signature       string `json:"signature"`
	SubmittedAt     string `json:"submitted_at" format:"date-time"`
}

type Dispute struct {
	ID                 string `json:"id"`
	EscrowID           string `json:"escrow_id"`
	RaisedBy           string `json:"raised_by"`
	Reason             string `json:"reason"`
	RaisedAt           string `json:"raised_at" format:"date-time"`
	ResolutionDeadline string `json:"resolution_deadline" format:"date-time"`
	Outcome            string `json:"outcome,omitempty" enum:",released,refunded,split"`
	ResolvedAt         string `json:"resolved_at,omitempty" format:"date-time"`
}

// Halt is the sticky per-agent stop issued by the guardrail fallback chain.
// Only an operator reset clears it.
type Halt struct {
	AgentID     string `json:"agent_id"`
	Reason      string `json:"reason"`
	ContextJSON string `json:"context_json,omitempty"`
	IssuedAt    string `json:"issued_at" format:"date-time"`
}

// Outcome records the terminal result of one guardrail run.
type Outcome struct {
	RequestID   string `json:"request_id"`
	AgentID     string `json:"agent_id"`
	Status      string `json:"status" enum:"succeeded,failed,denied,halted"`
	FailureKind string `json:"failure_kind,omitempty"`
	Attempts    int    `json:"attempts"`
	Route       string `json:"route,omitempty"`
	ReceiptJSON string `json:"receipt_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AgentID    string `json:"agent_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
