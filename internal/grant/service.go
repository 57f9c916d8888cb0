package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vaultgrant/vaultgrant/internal/recommend"
	"github.com/vaultgrant/vaultgrant/internal/shared"
)

// Repository describes store operations used by Service. The store offers
// no transactions across processes; UpdateIf is the single
// put-if-state-matches primitive everything relies on.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	GetByToken(ctx context.Context, token string) (Record, error)
	GetByID(ctx context.Context, id uuid.UUID) (Record, error)
	ListApprovedByVault(ctx context.Context, vaultID uuid.UUID) ([]Record, error)
	// UpdateIf writes rec's mutable fields only while the stored state
	// still equals expect; returns ErrStaleState when the guard fails and
	// ErrNotFound when the record is gone.
	UpdateIf(ctx context.Context, rec Record, expect State) error
}

// ApproverDirectory answers whether an actor may approve or deny transfer
// and emergency requests for a vault. Implemented outside this subsystem.
type ApproverDirectory interface {
	CanApprove(ctx context.Context, vaultID, actorID uuid.UUID) (bool, error)
}

// MemberRecorder is implemented by directories that can record vault
// memberships. Accepting a nominee invitation enrolls the acceptor.
type MemberRecorder interface {
	AddMember(ctx context.Context, vaultID, userID uuid.UUID, role string) error
}

// RoleNominee is the membership role granted on invitation acceptance.
const RoleNominee = "nominee"

// AuditPort records audit log entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort records grant approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// Service orchestrates grant workflows: creation by the initiator,
// resolution by exactly one counterparty, and pass-code verification for
// emergency grants. It proves authorization only; identity verification of
// the person holding a pass code stays with the caller.
type Service struct {
	repo      Repository
	directory ApproverDirectory
	advisor   recommend.Advisor
	approvals ApprovalPort
	audit     AuditPort
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService constructs the grant service.
func NewService(repo Repository, directory ApproverDirectory, advisor recommend.Advisor, approvals ApprovalPort, audit AuditPort, logger *slog.Logger) *Service {
	if advisor == nil {
		advisor = recommend.Static{}
	}
	return &Service{
		repo:      repo,
		directory: directory,
		advisor:   advisor,
		approvals: approvals,
		audit:     audit,
		logger:    logger,
		clock:     time.Now,
	}
}

// CreateInput describes a new grant request. ID and Token are normally
// minted by Create; a deferred replay carries the originals so the link
// already handed out stays valid and a double-replay dedupes on insert.
type CreateInput struct {
	ID          uuid.UUID `json:"id,omitempty"`
	Token       string    `json:"token,omitempty"`
	Kind        Kind      `json:"kind"`
	VaultID     uuid.UUID `json:"vault_id"`
	InitiatorID uuid.UUID `json:"initiator_id"`
	Payload     Payload   `json:"payload"`
}

// Result bundles a record with the plaintext pass code when one was minted
// by the call. The pass code is never recoverable afterwards; only its hash
// is stored.
type Result struct {
	Record   Record
	PassCode string
}

// Create builds and persists a pending record with a fresh token. The
// returned record means "submitted": persistence is acknowledged only when
// err is nil. Callers seeing a store failure enqueue the create for replay.
func (s *Service) Create(ctx context.Context, in CreateInput) (Record, error) {
	if !ValidKind(in.Kind) {
		return Record{}, fmt.Errorf("%w: unknown kind %q", ErrValidation, in.Kind)
	}
	if in.VaultID == uuid.Nil || in.InitiatorID == uuid.Nil {
		return Record{}, fmt.Errorf("%w: vault and initiator required", ErrValidation)
	}
	if in.Kind == KindEmergency {
		switch strings.ToLower(in.Payload.Urgency) {
		case "":
			in.Payload.Urgency = UrgencyMedium
		case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
			in.Payload.Urgency = strings.ToLower(in.Payload.Urgency)
		default:
			return Record{}, fmt.Errorf("%w: urgency %q", ErrValidation, in.Payload.Urgency)
		}
		if strings.TrimSpace(in.Payload.Reason) == "" {
			return Record{}, fmt.Errorf("%w: emergency reason required", ErrValidation)
		}
	}

	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Token == "" {
		in.Token = NewToken()
	}
	rec := Record{
		ID:          in.ID,
		Token:       in.Token,
		Kind:        in.Kind,
		VaultID:     in.VaultID,
		InitiatorID: in.InitiatorID,
		State:       StatePending,
		Payload:     in.Payload,
		CreatedAt:   s.clock(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return rec, err
	}
	s.recordApproval(ctx, rec.ID, in.InitiatorID, shared.ApprovalSubmit, in.Payload.Reason)
	s.recordAudit(ctx, in.InitiatorID, "GRANT_CREATE", rec)
	return rec, nil
}

// Resolve applies the actor's decision to the record addressed by token.
// Replaying a decision whose outcome already holds is a no-op success; a
// conflicting decision against a decided record loses with
// ErrInvalidTransition. Expiry is evaluated live, before anything else.
func (s *Service) Resolve(ctx context.Context, token string, actorID uuid.UUID, decision Decision) (Result, error) {
	if token == "" || actorID == uuid.Nil {
		return Result{}, fmt.Errorf("%w: token and actor required", ErrValidation)
	}
	rec, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return Result{}, err
	}

	now := s.clock()
	if rec.Expired(now) {
		return Result{}, ErrExpired
	}

	target, err := DecisionState(rec.Kind, decision)
	if err != nil {
		return Result{}, fmt.Errorf("%w: decision %q on %s grant", ErrValidation, decision, rec.Kind)
	}

	// At-least-once replay lands here: the outcome already holds.
	if rec.State == target {
		return Result{Record: rec}, nil
	}
	if !CanTransition(rec.Kind, rec.State, target) {
		return Result{}, ErrInvalidTransition
	}

	// Nominee resolution is implicit (the link holder is the recipient);
	// transfers and emergencies require an eligible approver.
	if rec.Kind == KindTransfer || rec.Kind == KindEmergency {
		ok, err := s.directory.CanApprove(ctx, rec.VaultID, actorID)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, ErrUnauthorized
		}
	}

	prev := rec.State
	rec.State = target
	rec.CounterpartyID = actorID
	rec.DecidedAt = &now

	var passCode string
	if rec.Kind == KindEmergency && target == StateApproved {
		passCode, err = NewPassCode()
		if err != nil {
			return Result{}, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(passCode), bcrypt.DefaultCost)
		if err != nil {
			return Result{}, err
		}
		rec.Payload.PassCode = hash
		expiry := now.Add(EmergencyGrantWindow)
		rec.ExpiresAt = &expiry
	}

	rec, applied, err := s.writeGuarded(ctx, rec, prev, target)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		// Another resolver already produced this outcome; their pass
		// code, not the one minted here, is the live credential.
		passCode = ""
	}
	if applied && rec.Kind == KindNominee && target == StateAccepted {
		if mr, ok := s.directory.(MemberRecorder); ok {
			if err := mr.AddMember(ctx, rec.VaultID, actorID, RoleNominee); err != nil && s.logger != nil {
				s.logger.Warn("enroll nominee member", slog.Any("error", err))
			}
		}
	}

	if applied {
		action := shared.ApprovalApprove
		if decision == DecisionDecline || decision == DecisionDeny {
			action = shared.ApprovalReject
		}
		s.recordApproval(ctx, rec.ID, actorID, action, "")
		s.recordAudit(ctx, actorID, "GRANT_RESOLVE", rec)
	}
	return Result{Record: rec, PassCode: passCode}, nil
}

// CompleteTransfer moves an approved ownership transfer to completed. It
// must be called only after the external owner reassignment has been
// durably applied; approved is never reported to callers as completed.
func (s *Service) CompleteTransfer(ctx context.Context, token string, actorID uuid.UUID) (Record, error) {
	rec, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return Record{}, err
	}
	if rec.Kind != KindTransfer {
		return Record{}, fmt.Errorf("%w: %s grant cannot complete", ErrValidation, rec.Kind)
	}
	if rec.State == StateCompleted {
		return rec, nil
	}
	if !CanTransition(rec.Kind, rec.State, StateCompleted) {
		return Record{}, ErrInvalidTransition
	}

	prev := rec.State
	rec.State = StateCompleted
	rec, applied, err := s.writeGuarded(ctx, rec, prev, StateCompleted)
	if err != nil {
		return Record{}, err
	}
	if applied {
		s.recordApproval(ctx, rec.ID, actorID, shared.ApprovalComplete, "")
		s.recordAudit(ctx, actorID, "GRANT_COMPLETE", rec)
	}
	return rec, nil
}

// Revoke terminates a nominee grant. Only the initiator may revoke.
func (s *Service) Revoke(ctx context.Context, token string, actorID uuid.UUID) (Record, error) {
	rec, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return Record{}, err
	}
	if rec.Kind != KindNominee {
		return Record{}, fmt.Errorf("%w: %s grant cannot be revoked", ErrValidation, rec.Kind)
	}
	if rec.InitiatorID != actorID {
		return Record{}, ErrUnauthorized
	}
	if rec.State == StateRevoked {
		return rec, nil
	}
	if !CanTransition(rec.Kind, rec.State, StateRevoked) {
		return Record{}, ErrInvalidTransition
	}

	prev := rec.State
	rec.State = StateRevoked
	now := s.clock()
	rec.DecidedAt = &now
	rec, applied, err := s.writeGuarded(ctx, rec, prev, StateRevoked)
	if err != nil {
		return Record{}, err
	}
	if applied {
		s.recordApproval(ctx, rec.ID, actorID, shared.ApprovalRevoke, "")
		s.recordAudit(ctx, actorID, "GRANT_REVOKE", rec)
	}
	return rec, nil
}

// Verify checks an emergency pass code against the vault's approved grants.
// It returns the matching record only while the grant is approved and not
// expired, and nil in every other case: wrong code, wrong vault, expired
// and not-approved are indistinguishable to the unauthenticated caller.
// Verification of the person presenting the code is not performed here.
func (s *Service) Verify(ctx context.Context, passCode string, vaultID uuid.UUID) (*Record, error) {
	if passCode == "" || vaultID == uuid.Nil {
		return nil, nil
	}
	recs, err := s.repo.ListApprovedByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	for i := range recs {
		rec := recs[i]
		if rec.Kind != KindEmergency || rec.State != StateApproved || rec.Expired(now) {
			continue
		}
		if len(rec.Payload.PassCode) == 0 {
			continue
		}
		if bcrypt.CompareHashAndPassword(rec.Payload.PassCode, []byte(passCode)) == nil {
			return &rec, nil
		}
	}
	return nil, nil
}

// MarkUsed records that an approved emergency pass was consumed.
func (s *Service) MarkUsed(ctx context.Context, id uuid.UUID, actorID uuid.UUID) (Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Kind != KindEmergency {
		return Record{}, fmt.Errorf("%w: %s grant cannot be used", ErrValidation, rec.Kind)
	}
	if rec.State == StateUsed {
		return rec, nil
	}
	if rec.Expired(s.clock()) {
		return Record{}, ErrExpired
	}
	if !CanTransition(rec.Kind, rec.State, StateUsed) {
		return Record{}, ErrInvalidTransition
	}

	prev := rec.State
	rec.State = StateUsed
	now := s.clock()
	rec.Payload.UsedAt = &now
	rec, applied, err := s.writeGuarded(ctx, rec, prev, StateUsed)
	if err != nil {
		return Record{}, err
	}
	if applied {
		s.recordAudit(ctx, actorID, "GRANT_USED", rec)
	}
	return rec, nil
}

// Get loads a record by token.
func (s *Service) Get(ctx context.Context, token string) (Record, error) {
	return s.repo.GetByToken(ctx, token)
}

// Recommend forwards the external risk signal for an emergency request to
// the approver surface. The engine never computes the recommendation.
func (s *Service) Recommend(ctx context.Context, token string) (recommend.Recommendation, error) {
	rec, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return recommend.Recommendation{}, err
	}
	if rec.Kind != KindEmergency {
		return recommend.Recommendation{}, fmt.Errorf("%w: recommendations apply to emergency grants", ErrValidation)
	}
	return s.advisor.Evaluate(ctx, recommend.Input{
		Urgency:     rec.Payload.Urgency,
		RiskSignals: rec.Payload.RiskSignals,
	})
}

// writeGuarded performs the optimistic-concurrency write: the store write
// succeeds only while the record is still in the pre-transition state. A
// failed guard is re-read so a replay of the same outcome stays a no-op
// (returning the store's version) while a conflicting resolver loses
// deterministically with ErrInvalidTransition.
func (s *Service) writeGuarded(ctx context.Context, rec Record, expect, target State) (Record, bool, error) {
	err := s.repo.UpdateIf(ctx, rec, expect)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrStaleState) {
		return Record{}, false, err
	}
	current, readErr := s.repo.GetByID(ctx, rec.ID)
	if readErr != nil {
		return Record{}, false, readErr
	}
	if current.State == target {
		return current, false, nil
	}
	return Record{}, false, ErrInvalidTransition
}

func (s *Service) recordApproval(ctx context.Context, grantID, actorID uuid.UUID, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{GrantID: grantID, ActorID: actorID, Action: action, Note: note}); err != nil && s.logger != nil {
		s.logger.Warn("record approval", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID uuid.UUID, action string, rec Record) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "grant",
		EntityID: rec.ID.String(),
		Meta:     map[string]any{"kind": string(rec.Kind), "state": string(rec.State), "vault": rec.VaultID.String()},
	}
	if err := s.audit.Record(ctx, log); err != nil && s.logger != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}
