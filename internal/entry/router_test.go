package entry

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vaultgrant/vaultgrant/internal/deferred"
	"github.com/vaultgrant/vaultgrant/internal/grant"
)

type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]grant.Record
	tokens  map[string]uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]grant.Record), tokens: make(map[string]uuid.UUID)}
}

func (s *memStore) Insert(ctx context.Context, rec grant.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[rec.Token]; ok {
		return grant.ErrDuplicateToken
	}
	s.records[rec.ID] = rec
	s.tokens[rec.Token] = rec.ID
	return nil
}

func (s *memStore) GetByToken(ctx context.Context, token string) (grant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return grant.Record{}, grant.ErrNotFound
	}
	return s.records[id], nil
}

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (grant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return grant.Record{}, grant.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) ListApprovedByVault(ctx context.Context, vaultID uuid.UUID) ([]grant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []grant.Record
	for _, rec := range s.records {
		if rec.VaultID == vaultID && rec.Kind == grant.KindEmergency && rec.State == grant.StateApproved {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) UpdateIf(ctx context.Context, rec grant.Record, expect grant.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.ID]
	if !ok {
		return grant.ErrNotFound
	}
	if current.State != expect {
		return grant.ErrStaleState
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
	s.records[rec.ID] = current
	return nil
}

type allowAll struct{}

func (allowAll) CanApprove(ctx context.Context, vaultID, actorID uuid.UUID) (bool, error) {
	return true, nil
}

func newTestRouter(t *testing.T) (*Router, *grant.Service, *deferred.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := grant.NewService(newMemStore(), allowAll{}, nil, nil, nil, nil)
	queue := deferred.NewQueue(client)
	drainer := deferred.NewDrainer(queue, svc, deferred.Bounds{}, nil)
	return NewRouter(svc, queue, drainer, nil, nil), svc, queue
}

type countingScheduler struct {
	calls int
}

func (c *countingScheduler) ScheduleDrain(ctx context.Context) error {
	c.calls++
	return nil
}

func TestEnqueueSchedulesDrain(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := grant.NewService(newMemStore(), allowAll{}, nil, nil, nil, nil)
	queue := deferred.NewQueue(client)
	drainer := deferred.NewDrainer(queue, svc, deferred.Bounds{}, nil)
	sched := &countingScheduler{}
	router := NewRouter(svc, queue, drainer, sched, nil)
	ctx := context.Background()

	out, err := router.Activate(ctx, Link{Action: ActionNomineeInvite, Token: grant.NewToken()}, uuid.New(), grant.DecisionAccept)
	require.NoError(t, err)
	require.True(t, out.Deferred)
	require.Equal(t, 1, sched.calls)

	_, err = router.DeferComplete(ctx, grant.NewToken(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, 2, sched.calls)
}

func TestActivateResolvesExistingGrant(t *testing.T) {
	router, svc, _ := newTestRouter(t)
	ctx := context.Background()

	rec, err := svc.Create(ctx, grant.CreateInput{
		Kind:        grant.KindNominee,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
	})
	require.NoError(t, err)

	out, err := router.Activate(ctx, Link{Action: ActionNomineeInvite, Token: rec.Token}, uuid.New(), grant.DecisionAccept)
	require.NoError(t, err)
	require.False(t, out.Deferred)
	require.NotNil(t, out.Record)
	require.Equal(t, grant.StateAccepted, out.Record.State)
}

func TestActivateDefersUnknownTokenThenReplays(t *testing.T) {
	router, svc, queue := newTestRouter(t)
	ctx := context.Background()

	// The link arrived before the record replicated.
	token := grant.NewToken()
	nominee := uuid.New()
	out, err := router.Activate(ctx, Link{Action: ActionNomineeInvite, Token: token}, nominee, grant.DecisionAccept)
	require.NoError(t, err)
	require.True(t, out.Deferred)

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// The record shows up; the next activation replays the parked accept
	// before resolving its own.
	rec, err := svc.Create(ctx, grant.CreateInput{
		Token:       token,
		Kind:        grant.KindNominee,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
	})
	require.NoError(t, err)

	out, err = router.Activate(ctx, Link{Action: ActionNomineeInvite, Token: token}, nominee, grant.DecisionAccept)
	require.NoError(t, err)
	require.False(t, out.Deferred)
	require.Equal(t, grant.StateAccepted, out.Record.State)
	require.Equal(t, nominee, out.Record.CounterpartyID)

	n, err = queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := svc.Get(ctx, rec.Token)
	require.NoError(t, err)
	require.Equal(t, grant.StateAccepted, got.State)
}

func TestDeferCreateReplaysWithOriginalToken(t *testing.T) {
	router, svc, _ := newTestRouter(t)
	ctx := context.Background()

	rec := grant.Record{
		ID:          uuid.New(),
		Token:       grant.NewToken(),
		Kind:        grant.KindNominee,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		State:       grant.StatePending,
	}
	out, err := router.DeferCreate(ctx, rec)
	require.NoError(t, err)
	require.True(t, out.Deferred)

	router.DrainQueue(ctx)

	got, err := svc.Get(ctx, rec.Token)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, grant.StatePending, got.State)
}

func TestDeferComplete(t *testing.T) {
	router, svc, queue := newTestRouter(t)
	ctx := context.Background()

	rec, err := svc.Create(ctx, grant.CreateInput{
		Kind:        grant.KindTransfer,
		VaultID:     uuid.New(),
		InitiatorID: uuid.New(),
		Payload:     grant.Payload{Reason: "handover"},
	})
	require.NoError(t, err)

	approver := uuid.New()
	_, err = svc.Resolve(ctx, rec.Token, approver, grant.DecisionApprove)
	require.NoError(t, err)

	out, err := router.DeferComplete(ctx, rec.Token, approver)
	require.NoError(t, err)
	require.True(t, out.Deferred)

	router.DrainQueue(ctx)

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := svc.Get(ctx, rec.Token)
	require.NoError(t, err)
	require.Equal(t, grant.StateCompleted, got.State)
}
