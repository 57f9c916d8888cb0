package grant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vaultgrant/vaultgrant/internal/shared"
)

type memoryRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
	tokens  map[string]uuid.UUID
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		records: make(map[uuid.UUID]Record),
		tokens:  make(map[string]uuid.UUID),
	}
}

func (r *memoryRepo) Insert(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[rec.Token]; ok {
		return ErrDuplicateToken
	}
	r.records[rec.ID] = rec
	r.tokens[rec.Token] = rec.ID
	return nil
}

func (r *memoryRepo) GetByToken(ctx context.Context, token string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.tokens[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.records[id], nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id uuid.UUID) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *memoryRepo) ListApprovedByVault(ctx context.Context, vaultID uuid.UUID) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.VaultID == vaultID && rec.Kind == KindEmergency && rec.State == StateApproved {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryRepo) UpdateIf(ctx context.Context, rec Record, expect State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if current.State != expect {
		return ErrStaleState
	}
	current.State = rec.State
	if current.CounterpartyID == uuid.Nil {
		current.CounterpartyID = rec.CounterpartyID
	}
	current.Payload = rec.Payload
	if current.DecidedAt == nil {
		current.DecidedAt = rec.DecidedAt
	}
	if current.ExpiresAt == nil {
		current.ExpiresAt = rec.ExpiresAt
	}
	r.records[rec.ID] = current
	return nil
}

type stubDirectory struct {
	allow   map[uuid.UUID]bool
	members map[uuid.UUID]string
}

func (d *stubDirectory) CanApprove(ctx context.Context, vaultID, actorID uuid.UUID) (bool, error) {
	return d.allow[actorID], nil
}

func (d *stubDirectory) AddMember(ctx context.Context, vaultID, userID uuid.UUID, role string) error {
	if d.members == nil {
		d.members = make(map[uuid.UUID]string)
	}
	d.members[userID] = role
	return nil
}

func newTestService() (*Service, *memoryRepo, *stubDirectory) {
	repo := newMemoryRepo()
	dir := &stubDirectory{allow: make(map[uuid.UUID]bool)}
	svc := NewService(repo, dir, nil, nil, nil, nil)
	return svc, repo, dir
}

func TestNomineeLifecycle(t *testing.T) {
	svc, _, dir := newTestService()
	ctx := context.Background()

	initiator := uuid.New()
	nominee := uuid.New()

	rec, err := svc.Create(ctx, CreateInput{
		Kind:        KindNominee,
		VaultID:     uuid.New(),
		InitiatorID: initiator,
		Payload:     Payload{ContactName: "Ada"},
	})
	require.NoError(t, err)
	require.Equal(t, StatePending, rec.State)
	require.NotEmpty(t, rec.Token)

	res, err := svc.Resolve(ctx, rec.Token, nominee, DecisionAccept)
	require.NoError(t, err)
	require.Equal(t, StateAccepted, res.Record.State)
	require.Equal(t, nominee, res.Record.CounterpartyID)
	require.NotNil(t, res.Record.DecidedAt)
	// Acceptance enrolls the nominee in the vault.
	require.Equal(t, RoleNominee, dir.members[nominee])

	// Replaying the same decision is a no-op success.
	res2, err := svc.Resolve(ctx, rec.Token, nominee, DecisionAccept)
	require.NoError(t, err)
	require.Equal(t, StateAccepted, res2.Record.State)
	require.Equal(t, nominee, res2.Record.CounterpartyID)

	// A conflicting decision against a decided record loses.
	_, err = svc.Resolve(ctx, rec.Token, uuid.New(), DecisionDecline)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// The initiator may revoke a standing invitation.
	revoked, err := svc.Revoke(ctx, rec.Token, initiator)
	require.NoError(t, err)
	require.Equal(t, StateRevoked, revoked.State)

	// Revoke replays cleanly.
	again, err := svc.Revoke(ctx, rec.Token, initiator)
	require.NoError(t, err)
	require.Equal(t, StateRevoked, again.State)
}

func TestRevokeRequiresInitiator(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateInput{
		Kind:        KindNominee,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
	})
	require.NoError(t, err)

	_, err = svc.Revoke(ctx, rec.Token, uuid.New())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestTransferFlow(t *testing.T) {
	svc, _, dir := newTestService()
	ctx := context.Background()

	approver := uuid.New()
	dir.allow[approver] = true

	rec, err := svc.Create(ctx, CreateInput{
		Kind:        KindTransfer,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     Payload{Reason: "estate handover"},
	})
	require.NoError(t, err)

	res, err := svc.Resolve(ctx, rec.Token, approver, DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, StateApproved, res.Record.State)

	// Approved is reported as approved until completion is confirmed.
	got, err := svc.Get(ctx, rec.Token)
	require.NoError(t, err)
	require.Equal(t, StateApproved, got.State)

	done, err := svc.CompleteTransfer(ctx, rec.Token, approver)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State)

	// Completion replays cleanly.
	done2, err := svc.CompleteTransfer(ctx, rec.Token, approver)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done2.State)

	// Completing a pending transfer is illegal.
	other, err := svc.Create(ctx, CreateInput{
		Kind:        KindTransfer,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     Payload{Reason: "second"},
	})
	require.NoError(t, err)
	_, err = svc.CompleteTransfer(ctx, other.Token, approver)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResolveRequiresApprover(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateInput{
		Kind:        KindTransfer,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     Payload{Reason: "handover"},
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, rec.Token, uuid.New(), DecisionApprove)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestEmergencyApprovalMintsPassCode(t *testing.T) {
	svc, _, dir := newTestService()
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }

	approver := uuid.New()
	dir.allow[approver] = true
	vaultID := uuid.New()

	rec, err := svc.Create(ctx, CreateInput{
		Kind:        KindEmergency,
		VaultID:     vaultID,
		InitiatorID: uuid.New(),
		Payload:     Payload{Reason: "locked out", Urgency: "HIGH"},
	})
	require.NoError(t, err)
	require.Equal(t, UrgencyHigh, rec.Payload.Urgency)

	res, err := svc.Resolve(ctx, rec.Token, approver, DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, StateApproved, res.Record.State)
	require.Len(t, res.PassCode, PassCodeLength)
	require.NotNil(t, res.Record.ExpiresAt)
	require.Equal(t, now.Add(EmergencyGrantWindow), *res.Record.ExpiresAt)
	// Only the hash is stored.
	require.NotEmpty(t, res.Record.Payload.PassCode)
	require.NotEqual(t, res.PassCode, string(res.Record.Payload.PassCode))

	match, err := svc.Verify(ctx, res.PassCode, vaultID)
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, rec.ID, match.ID)

	// Wrong code, wrong vault: uniformly nil.
	miss, err := svc.Verify(ctx, "WRONGCODE1", vaultID)
	require.NoError(t, err)
	require.Nil(t, miss)
	miss, err = svc.Verify(ctx, res.PassCode, uuid.New())
	require.NoError(t, err)
	require.Nil(t, miss)

	// The grant window closes without any stored mutation.
	svc.clock = func() time.Time { return now.Add(EmergencyGrantWindow + time.Minute) }
	expired, err := svc.Verify(ctx, res.PassCode, vaultID)
	require.NoError(t, err)
	require.Nil(t, expired)

	_, err = svc.Resolve(ctx, rec.Token, approver, DecisionApprove)
	require.ErrorIs(t, err, ErrExpired)
}

func TestEmergencyMarkUsed(t *testing.T) {
	svc, _, dir := newTestService()
	ctx := context.Background()

	approver := uuid.New()
	dir.allow[approver] = true

	rec, err := svc.Create(ctx, CreateInput{
		Kind:        KindEmergency,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     Payload{Reason: "recovery"},
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, rec.Token, approver, DecisionApprove)
	require.NoError(t, err)

	used, err := svc.MarkUsed(ctx, rec.ID, approver)
	require.NoError(t, err)
	require.Equal(t, StateUsed, used.State)
	require.NotNil(t, used.Payload.UsedAt)

	again, err := svc.MarkUsed(ctx, rec.ID, approver)
	require.NoError(t, err)
	require.Equal(t, StateUsed, again.State)
}

func TestConflictingResolversOneWinner(t *testing.T) {
	svc, repo, dir := newTestService()
	ctx := context.Background()

	a := uuid.New()
	b := uuid.New()
	dir.allow[a] = true
	dir.allow[b] = true

	rec, err := svc.Create(ctx, CreateInput{
		Kind:        KindEmergency,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     Payload{Reason: "urgent"},
	})
	require.NoError(t, err)

	first, err := svc.Resolve(ctx, rec.Token, a, DecisionApprove)
	require.NoError(t, err)
	require.NotEmpty(t, first.PassCode)

	// The second approver raced and lost; they see the winner's outcome
	// and no credential of their own.
	second, err := svc.Resolve(ctx, rec.Token, b, DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, StateApproved, second.Record.State)
	require.Equal(t, a, second.Record.CounterpartyID)
	require.Empty(t, second.PassCode)

	// The winner's pass code stays the live credential.
	stored, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	match, err := svc.Verify(ctx, first.PassCode, stored.VaultID)
	require.NoError(t, err)
	require.NotNil(t, match)
}

// racingRepo slips a concurrent write in between a service read and its
// guarded update. The hook fires once, on the first UpdateIf.
type racingRepo struct {
	*memoryRepo
	once   sync.Once
	during func()
}

func (r *racingRepo) UpdateIf(ctx context.Context, rec Record, expect State) error {
	r.once.Do(func() {
		if r.during != nil {
			r.during()
		}
	})
	return r.memoryRepo.UpdateIf(ctx, rec, expect)
}

type countingApprovals struct {
	logs []shared.ApprovalLog
}

func (c *countingApprovals) Record(ctx context.Context, log shared.ApprovalLog) error {
	c.logs = append(c.logs, log)
	return nil
}

func TestResolveLostRaceConflictingDecision(t *testing.T) {
	repo := newMemoryRepo()
	racing := &racingRepo{memoryRepo: repo}
	dir := &stubDirectory{allow: make(map[uuid.UUID]bool)}
	svc := NewService(racing, dir, nil, nil, nil, nil)
	ctx := context.Background()

	winner := uuid.New()
	loser := uuid.New()
	dir.allow[winner] = true
	dir.allow[loser] = true

	rec, err := svc.Create(ctx, CreateInput{
		Kind:        KindEmergency,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     Payload{Reason: "urgent"},
	})
	require.NoError(t, err)

	// A concurrent approver commits between the denier's read and its
	// guarded write.
	racing.during = func() {
		now := time.Now()
		won := rec
		won.State = StateApproved
		won.CounterpartyID = winner
		won.DecidedAt = &now
		require.NoError(t, repo.UpdateIf(ctx, won, StatePending))
	}

	_, err = svc.Resolve(ctx, rec.Token, loser, DecisionDeny)
	require.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StateApproved, stored.State)
	require.Equal(t, winner, stored.CounterpartyID)
}

func TestResolveLostRaceSameOutcome(t *testing.T) {
	repo := newMemoryRepo()
	racing := &racingRepo{memoryRepo: repo}
	dir := &stubDirectory{allow: make(map[uuid.UUID]bool)}
	approvals := &countingApprovals{}
	svc := NewService(racing, dir, nil, approvals, nil, nil)
	ctx := context.Background()

	winner := uuid.New()
	loser := uuid.New()
	dir.allow[winner] = true
	dir.allow[loser] = true

	rec, err := svc.Create(ctx, CreateInput{
		Kind:        KindEmergency,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     Payload{Reason: "urgent"},
	})
	require.NoError(t, err)
	recorded := len(approvals.logs)

	racing.during = func() {
		now := time.Now()
		won := rec
		won.State = StateApproved
		won.CounterpartyID = winner
		won.DecidedAt = &now
		require.NoError(t, repo.UpdateIf(ctx, won, StatePending))
	}

	// Same outcome: the loser sees the winner's record, mints no pass
	// code, and leaves the approval trail untouched.
	res, err := svc.Resolve(ctx, rec.Token, loser, DecisionApprove)
	require.NoError(t, err)
	require.Empty(t, res.PassCode)
	require.Equal(t, StateApproved, res.Record.State)
	require.Equal(t, winner, res.Record.CounterpartyID)
	require.Len(t, approvals.logs, recorded)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Kind: "bogus", VaultID: uuid.New(), InitiatorID: uuid.New()})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreateInput{Kind: KindNominee, InitiatorID: uuid.New()})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreateInput{
		Kind:        KindEmergency,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     Payload{Urgency: "apocalyptic", Reason: "x"},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreateInput{
		Kind:        KindEmergency,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     Payload{Urgency: "high"},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateReplayKeepsToken(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	id := uuid.New()
	token := NewToken()
	in := CreateInput{
		ID:          id,
		Token:       token,
		Kind:        KindNominee,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
	}

	rec, err := svc.Create(ctx, in)
	require.NoError(t, err)
	require.Equal(t, id, rec.ID)
	require.Equal(t, token, rec.Token)

	// A second replay dedupes on the token.
	_, err = svc.Create(ctx, in)
	require.ErrorIs(t, err, ErrDuplicateToken)
}
