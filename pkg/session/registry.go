package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/internal/logging"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/executor"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/logstore"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/ports"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/variables"
	"github.com/robfig/cron/v3"
)

// DefaultLockTTL is the lifetime of a distributed user lock.
const DefaultLockTTL = 30 * time.Second

// UserContext is the live execution context of one user.
type UserContext struct {
	User      string
	TimeZone  string
	Variables *variables.Store
	Logs      *logstore.Store
	Executor  *executor.Executor

	lastUsed time.Time
}

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Registry owns at most one UserContext per user id.
// It uses reference counting to garbage collect unused user locks.
type Registry struct {
	blobs     ports.BlobStore
	dialogues ports.DialogueProvider
	evaluator ports.Evaluator

	mu       sync.Mutex              // Guards contexts and locks
	contexts map[string]*UserContext // Live contexts by user
	locks    map[string]*lockEntry   // Active user locks

	backup      ports.BlobStore
	syncer      ports.VariableSyncer
	hooks       domain.LifecycleHooks
	execOpts    []executor.Option
	locker      ports.DistributedLocker
	lockTTL     time.Duration
	idleTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	cron *cron.Cron
}

// Option configures the Registry.
type Option func(*Registry)

// WithBackup mirrors session logs to backup and restores missing ones from
// it when a context is created.
func WithBackup(backup ports.BlobStore) Option {
	return func(r *Registry) {
		r.backup = backup
	}
}

// WithSyncer mirrors variables with an external service.
func WithSyncer(syncer ports.VariableSyncer) Option {
	return func(r *Registry) {
		r.syncer = syncer
	}
}

// WithLifecycleHooks registers executor hooks for every user.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(r *Registry) {
		r.hooks = hooks
	}
}

// WithExecutorOptions appends options to every executor the registry builds.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(r *Registry) {
		r.execOpts = append(r.execOpts, opts...)
	}
}

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(r *Registry) {
		r.locker = locker
	}
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.lockTTL = ttl
	}
}

// WithIdleTimeout makes contexts unused for d eligible for eviction.
// Zero disables eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// WithClock replaces time.Now for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger configures a logger for the Registry and the contexts it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a Registry persisting to blobs.
func NewRegistry(blobs ports.BlobStore, dialogues ports.DialogueProvider, evaluator ports.Evaluator, opts ...Option) *Registry {
	r := &Registry{
		blobs:     blobs,
		dialogues: dialogues,
		evaluator: evaluator,
		contexts:  make(map[string]*UserContext),
		locks:     make(map[string]*lockEntry),
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
		logger:    logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dialogues returns the provider the executors resolve dialogues from.
func (r *Registry) Dialogues() ports.DialogueProvider {
	return r.dialogues
}

// GetOrCreate returns the context of user, building it on first use.
// A non-empty timeZone replaces the one remembered for the user.
func (r *Registry) GetOrCreate(ctx context.Context, user, timeZone string) (*UserContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if uc, ok := r.contexts[user]; ok {
		if timeZone != "" {
			uc.TimeZone = timeZone
		}
		uc.lastUsed = r.now()
		return uc, nil
	}

	uc, err := r.create(ctx, user, timeZone)
	if err != nil {
		return nil, err
	}
	r.contexts[user] = uc
	return uc, nil
}

// GetIfActive returns the context of user if one is live.
func (r *Registry) GetIfActive(user string) (*UserContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uc, ok := r.contexts[user]
	if ok {
		uc.lastUsed = r.now()
	}
	return uc, ok
}

// Remove drops uc if it is still the live context of its user.
func (r *Registry) Remove(uc *UserContext) bool {
	if uc == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.contexts[uc.User]; ok && current == uc {
		delete(r.contexts, uc.User)
		return true
	}
	return false
}

// Active returns the number of live contexts.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// WithUser runs fn on the context of user, creating it if needed, while
// holding the user's lock.
func (r *Registry) WithUser(ctx context.Context, user, timeZone string, fn func(context.Context, *UserContext) error) error {
	return r.withLock(ctx, user, func(ctx context.Context) error {
		uc, err := r.GetOrCreate(ctx, user, timeZone)
		if err != nil {
			return err
		}
		return fn(ctx, uc)
	})
}

// WithActiveUser runs fn on the live context of user while holding the
// user's lock. It fails with domain.ErrNoActiveSession when there is none.
func (r *Registry) WithActiveUser(ctx context.Context, user string, fn func(context.Context, *UserContext) error) error {
	return r.withLock(ctx, user, func(ctx context.Context) error {
		uc, ok := r.GetIfActive(user)
		if !ok {
			return fmt.Errorf("%w: user %s", domain.ErrNoActiveSession, user)
		}
		return fn(ctx, uc)
	})
}

// EvictIdle drops every context unused since the idle timeout and returns
// how many were dropped.
func (r *Registry) EvictIdle(ctx context.Context) int {
	if r.idleTimeout <= 0 {
		return 0
	}

	r.mu.Lock()
	candidates := make([]string, 0)
	for user, uc := range r.contexts {
		if r.idle(uc) {
			candidates = append(candidates, user)
		}
	}
	r.mu.Unlock()

	evicted := 0
	for _, user := range candidates {
		err := r.withLock(ctx, user, func(ctx context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			// Used again since the scan.
			if uc, ok := r.contexts[user]; ok && r.idle(uc) {
				delete(r.contexts, user)
				evicted++
			}
			return nil
		})
		if err != nil {
			r.logger.Warn("Failed to evict user context", "user", user, "err", err)
		}
	}
	if evicted > 0 {
		r.logger.Info("Evicted idle user contexts", "count", evicted)
	}
	return evicted
}

// StartEviction runs EvictIdle on the given cron schedule until Stop.
func (r *Registry) StartEviction(schedule string) error {
	if r.idleTimeout <= 0 {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.EvictIdle(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule eviction %q: %w", schedule, err)
	}
	c.Start()

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	return nil
}

// Stop ends scheduled eviction and waits for a running pass to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

func (r *Registry) idle(uc *UserContext) bool {
	return r.now().Sub(uc.lastUsed) > r.idleTimeout
}

// create builds the context of user. The caller holds r.mu.
func (r *Registry) create(ctx context.Context, user, timeZone string) (*UserContext, error) {
	vars := variables.NewStore(user)
	if err := variables.Hydrate(ctx, r.blobs, vars); err != nil {
		return nil, fmt.Errorf("failed to load variables of %s: %w", user, err)
	}
	vars.AddListener(variables.NewPersister(r.blobs, vars))
	if r.syncer != nil {
		vars.AddListener(variables.SyncListener(r.syncer, user))
	}

	logOpts := []logstore.Option{logstore.WithLogger(r.logger)}
	if r.backup != nil {
		logOpts = append(logOpts, logstore.WithBackup(r.backup))
	}
	logs := logstore.New(r.blobs, user, logOpts...)
	if _, err := logs.Populate(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore sessions of %s: %w", user, err)
	}

	execOpts := []executor.Option{
		executor.WithLogger(r.logger),
		executor.WithLifecycleHooks(r.hooks),
	}
	if r.syncer != nil {
		execOpts = append(execOpts, executor.WithSyncer(r.syncer))
	}
	execOpts = append(execOpts, r.execOpts...)

	r.logger.Debug("Created user context", "user", user)
	return &UserContext{
		User:      user,
		TimeZone:  timeZone,
		Variables: vars,
		Logs:      logs,
		Executor:  executor.New(user, r.dialogues, r.evaluator, vars, logs, execOpts...),
		lastUsed:  r.now(),
	}, nil
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(user) after unlocking.
func (r *Registry) acquire(user string) *lockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.locks[user]
	if !exists {
		entry = &lockEntry{}
		r.locks[user] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (r *Registry) release(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.locks[user]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(r.locks, user)
	}
}

// withLock executes fn while holding the lock for user.
func (r *Registry) withLock(ctx context.Context, user string, fn func(context.Context) error) error {
	entry := r.acquire(user)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		r.release(user)
	}()

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, "user:"+user, r.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				r.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"user", user,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
