package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/memory"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/script"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/logstore"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/ports"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/session"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const greeting = `
name: greeting
nodes:
  - title: Start
    statement: Hello
    replies:
      - id: 1
        next: End
`

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) Pull(ctx context.Context, user, timeZone string, current []domain.Variable, names []string) map[string]*domain.Variable {
	args := m.Called(ctx, user, timeZone, current, names)
	out, _ := args.Get(0).(map[string]*domain.Variable)
	return out
}

func (m *mockSyncer) Push(ctx context.Context, user, timeZone string, change domain.VariableStoreChange) {
	m.Called(ctx, user, timeZone, change)
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	args := m.Called(ctx, key, ttl)
	unlock, _ := args.Get(0).(ports.UnlockFunc)
	return unlock, args.Error(1)
}

func newRegistry(t *testing.T, blobs ports.BlobStore, opts ...session.Option) *session.Registry {
	d, err := script.Parse([]byte(greeting))
	require.NoError(t, err)
	p, err := memory.NewProvider(d)
	require.NoError(t, err)
	return session.NewRegistry(blobs, p, script.NewEvaluator(), opts...)
}

func TestRegistry_GetOrCreateIsMemoized(t *testing.T) {
	blobs := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, blobs.Write(ctx, variables.Key("alice"), []byte(`[{"name":"mood","value":"happy","updatedTime":1}]`)))
	r := newRegistry(t, blobs)

	_, ok := r.GetIfActive("alice")
	assert.False(t, ok)

	uc, err := r.GetOrCreate(ctx, "alice", "Europe/Lisbon")
	require.NoError(t, err)
	assert.Equal(t, "alice", uc.User)
	assert.Equal(t, "Europe/Lisbon", uc.TimeZone)

	v, ok := uc.Variables.Get("mood")
	require.True(t, ok, "variables are hydrated from storage")
	assert.Equal(t, "happy", v.Value)

	again, err := r.GetOrCreate(ctx, "alice", "")
	require.NoError(t, err)
	assert.Same(t, uc, again)
	assert.Equal(t, "Europe/Lisbon", again.TimeZone, "an empty time zone keeps the previous one")

	active, ok := r.GetIfActive("alice")
	require.True(t, ok)
	assert.Same(t, uc, active)
	assert.Equal(t, 1, r.Active())
}

func TestRegistry_Remove(t *testing.T) {
	r := newRegistry(t, memory.NewStore())
	ctx := context.Background()

	uc, err := r.GetOrCreate(ctx, "alice", "")
	require.NoError(t, err)

	assert.True(t, r.Remove(uc))
	assert.False(t, r.Remove(uc), "already removed")
	assert.False(t, r.Remove(nil))

	fresh, err := r.GetOrCreate(ctx, "alice", "")
	require.NoError(t, err)
	assert.NotSame(t, uc, fresh)
	assert.False(t, r.Remove(uc), "a stale context does not remove its successor")
}

func TestRegistry_CorruptVariablesFailCreation(t *testing.T) {
	blobs := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, blobs.Write(ctx, variables.Key("alice"), []byte("{oops")))
	r := newRegistry(t, blobs)

	_, err := r.GetOrCreate(ctx, "alice", "")
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Equal(t, 0, r.Active())
}

func TestRegistry_WithActiveUserNeedsContext(t *testing.T) {
	r := newRegistry(t, memory.NewStore())
	called := false
	err := r.WithActiveUser(context.Background(), "ghost", func(context.Context, *session.UserContext) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)
	assert.False(t, called)
}

func TestRegistry_SerializesOperationsPerUser(t *testing.T) {
	r := newRegistry(t, memory.NewStore())
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.WithUser(ctx, "alice", "", func(context.Context, *session.UserContext) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter, "updates were lost, operations interleaved")
	assert.Equal(t, 1, r.Active())
}

func TestRegistry_ConcurrentStartsGetDistinctSessionIDs(t *testing.T) {
	r := newRegistry(t, memory.NewStore())
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	const n = 30
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.WithUser(ctx, "alice", "", func(ctx context.Context, uc *session.UserContext) error {
				node, err := uc.Executor.Start(ctx, "greeting", "en", "", "", at)
				if err != nil {
					return err
				}
				d, err := uc.Logs.FindLoggedDialogue(ctx, node.LoggedDialogueID)
				if err != nil {
					return err
				}
				ids <- d.SessionID
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for id := range ids {
		_, dup := seen[id]
		assert.False(t, dup, "session id %s issued twice", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestRegistry_RestoresFromBackup(t *testing.T) {
	primary := memory.NewStore()
	backup := memory.NewStore()
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	record := domain.NewLoggedDialogue("alice", "s1", 0, "greeting", "en", at)
	require.NoError(t, logstore.New(backup, "alice").SaveSession(ctx, record))

	r := newRegistry(t, primary, session.WithBackup(backup))
	uc, err := r.GetOrCreate(ctx, "alice", "")
	require.NoError(t, err)

	keys, err := primary.List(ctx, logstore.UserPrefix("alice"))
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	exists, err := uc.Logs.ExistsSessionID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRegistry_WiresSyncListener(t *testing.T) {
	syncer := &mockSyncer{}
	blobs := memory.NewStore()
	r := newRegistry(t, blobs, session.WithSyncer(syncer))
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	syncer.On("Push", mock.Anything, "alice", "UTC", mock.MatchedBy(func(c domain.VariableStoreChange) bool {
		return c.Kind == domain.ChangePut && c.Source == domain.SourceWebService
	})).Once()

	uc, err := r.GetOrCreate(ctx, "alice", "")
	require.NoError(t, err)
	require.NoError(t, uc.Variables.SetValue(ctx, "mood", "calm", true, at, domain.SourceWebService))
	require.NoError(t, uc.Variables.SetValue(ctx, "city", "Porto", true, at, domain.SourceExternalService))

	syncer.AssertExpectations(t)

	data, err := blobs.Read(ctx, variables.Key("alice"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "calm", "changes are written through")
}

func TestRegistry_DistributedLock(t *testing.T) {
	locker := &mockLocker{}
	unlocked := 0
	locker.On("Lock", mock.Anything, "user:alice", 5*time.Second).
		Return(ports.UnlockFunc(func(context.Context) error {
			unlocked++
			return nil
		}), nil).Once()

	r := newRegistry(t, memory.NewStore(), session.WithLocker(locker), session.WithLockTTL(5*time.Second))
	err := r.WithUser(context.Background(), "alice", "", func(context.Context, *session.UserContext) error {
		assert.Equal(t, 0, unlocked, "lock held while fn runs")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, unlocked)
	locker.AssertExpectations(t)
}

func TestRegistry_DistributedLockFailure(t *testing.T) {
	locker := &mockLocker{}
	locker.On("Lock", mock.Anything, "user:alice", session.DefaultLockTTL).
		Return(nil, errors.New("redis down"))

	r := newRegistry(t, memory.NewStore(), session.WithLocker(locker))
	called := false
	err := r.WithUser(context.Background(), "alice", "", func(context.Context, *session.UserContext) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, 0, r.Active())
}

func TestRegistry_EvictIdle(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	r := newRegistry(t, memory.NewStore(), session.WithIdleTimeout(time.Minute), session.WithClock(clock))
	ctx := context.Background()

	_, err := r.GetOrCreate(ctx, "alice", "")
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, "bob", "")
	require.NoError(t, err)

	advance(45 * time.Second)
	_, ok := r.GetIfActive("bob")
	require.True(t, ok)
	advance(30 * time.Second)

	assert.Equal(t, 1, r.EvictIdle(ctx))
	_, ok = r.GetIfActive("alice")
	assert.False(t, ok)
	_, ok = r.GetIfActive("bob")
	assert.True(t, ok)
}

func TestRegistry_EvictionDisabledByDefault(t *testing.T) {
	r := newRegistry(t, memory.NewStore())
	_, err := r.GetOrCreate(context.Background(), "alice", "")
	require.NoError(t, err)

	assert.Equal(t, 0, r.EvictIdle(context.Background()))
	assert.NoError(t, r.StartEviction("not a schedule"), "no scheduler without an idle timeout")
	r.Stop()
}

func TestRegistry_StartEviction(t *testing.T) {
	r := newRegistry(t, memory.NewStore(), session.WithIdleTimeout(time.Minute))

	assert.Error(t, r.StartEviction("not a schedule"))
	require.NoError(t, r.StartEviction("@every 1m"))
	r.Stop()
	r.Stop()
}
