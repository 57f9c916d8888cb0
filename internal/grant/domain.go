package grant

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three grant workflows.
type Kind string

const (
	KindNominee   Kind = "nominee"
	KindTransfer  Kind = "transfer"
	KindEmergency Kind = "emergency"
)

// Grant lifecycle states. Each kind uses a subset, see machine.go.
type State string

const (
	StatePending   State = "pending"
	StateAccepted  State = "accepted"
	StateDeclined  State = "declined"
	StateRevoked   State = "revoked"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateCompleted State = "completed"
	StateUsed      State = "used"
	// StateExpired is never stored; records past their expiry report it
	// from EffectiveState, evaluated live.
	StateExpired State = "expired"
)

// Decision is the resolver's verdict on a pending request.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Urgency levels accepted on emergency requests.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// EmergencyGrantWindow is the fixed validity window of an approved
// emergency grant, measured from the approval timestamp.
const EmergencyGrantWindow = 24 * time.Hour

// Payload carries kind-specific request data.
type Payload struct {
	// Nominee contact hints.
	ContactName  string `json:"contact_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`

	// Transfer and emergency free-text reason.
	Reason string `json:"reason,omitempty"`

	// Emergency only.
	Urgency     string     `json:"urgency,omitempty"`
	RiskSignals []string   `json:"risk_signals,omitempty"`
	PassCode    []byte     `json:"pass_code,omitempty"` // bcrypt hash, set at approval
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

// Record is the persisted entity representing one invitation, transfer or
// emergency request and its current state. The token addresses the record
// in links and messages; the id is internal.
type Record struct {
	ID             uuid.UUID
	Token          string
	Kind           Kind
	VaultID        uuid.UUID
	InitiatorID    uuid.UUID
	CounterpartyID uuid.UUID // uuid.Nil until resolved, write-once
	State          State
	Payload        Payload
	CreatedAt      time.Time
	DecidedAt      *time.Time
	ExpiresAt      *time.Time
}

// Expired reports whether the record is past its expiry at the given time.
// Records without an expiry never expire.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// EffectiveState is the state callers should act on: expiry wins over
// whatever the stored state says.
func (r Record) EffectiveState(now time.Time) State {
	if r.Expired(now) {
		return StateExpired
	}
	return r.State
}

var (
	// ErrNotFound indicates no record matches; possibly replication lag,
	// possibly a garbage token. Callers decide whether to defer a retry.
	ErrNotFound = errors.New("grant: not found")
	// ErrInvalidTransition indicates a terminal record or a lost
	// optimistic-concurrency race.
	ErrInvalidTransition = errors.New("grant: invalid state transition")
	// ErrExpired indicates the record is past its expiry.
	ErrExpired = errors.New("grant: expired")
	// ErrUnauthorized indicates the actor failed the approver check.
	ErrUnauthorized = errors.New("grant: actor not authorized")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("grant: invalid input")
	// ErrDuplicateToken indicates a token collision on insert.
	ErrDuplicateToken = errors.New("grant: duplicate token")
	// ErrStaleState indicates the state guard failed on a conditional write.
	ErrStaleState = errors.New("grant: stale state")
)
