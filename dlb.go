package dlb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/internal/config"
	"github.com/dialoguebranch/dlb-web-sub000/internal/logging"
	"github.com/dialoguebranch/dlb-web-sub000/internal/metrics"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/file"
	httpAdapter "github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/http"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/memory"
	redisAdapter "github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/redis"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/script"
	sqlAdapter "github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/sql"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/persistence/middleware"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/ports"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/service"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/session"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/varsync"
	backend "github.com/redis/go-redis/v9"
)

// Version and BuildTime describe the binary. Both are set with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// App is a fully wired engine: storage, session registry, service and the
// HTTP handler that exposes it.
type App struct {
	Service  *service.Service
	Registry *session.Registry
	Metrics  *metrics.Metrics

	cfg       *config.Config
	logger    *slog.Logger
	dialogues ports.DialogueProvider
	evaluator ports.Evaluator
	blobs     ports.BlobStore
	backup    ports.BlobStore
	redis     *backend.Client
	now       func() time.Time
	closers   []func() error
}

// Option defines a functional option for configuring the App.
type Option func(*App)

// WithLogger sets a custom structured logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithDialogueProvider injects a provider, bypassing the dialogues directory.
func WithDialogueProvider(p ports.DialogueProvider) Option {
	return func(a *App) {
		a.dialogues = p
	}
}

// WithEvaluator replaces the script evaluator.
func WithEvaluator(e ports.Evaluator) Option {
	return func(a *App) {
		a.evaluator = e
	}
}

// WithBlobStore injects the primary store, bypassing the configured backend.
func WithBlobStore(s ports.BlobStore) Option {
	return func(a *App) {
		a.blobs = s
	}
}

// WithRedisClient injects the client used for redis storage and locking.
func WithRedisClient(c *backend.Client) Option {
	return func(a *App) {
		a.redis = c
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *App) {
		a.now = now
	}
}

// New builds an App from cfg. Close releases what it opened.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	a := &App{
		cfg:    cfg,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.init(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	if a.redis == nil && a.cfg.UsesRedis() {
		a.redis = backend.NewClient(&backend.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		a.closers = append(a.closers, a.redis.Close)
	}

	if a.blobs == nil {
		blobs, err := a.openStore(a.cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open %s storage: %w", a.cfg.Storage, err)
		}
		a.blobs = blobs
	}
	if a.cfg.Backup != config.BackupNone {
		backup, err := a.openStore(a.cfg.Backup)
		if err != nil {
			return fmt.Errorf("failed to open %s backup: %w", a.cfg.Backup, err)
		}
		a.backup = backup
	}

	if err := a.encrypt(); err != nil {
		return err
	}

	if a.dialogues == nil {
		provider, err := script.Load(a.cfg.DialoguesDir)
		if err != nil {
			return fmt.Errorf("failed to load dialogues: %w", err)
		}
		a.dialogues = provider
	}
	if a.evaluator == nil {
		a.evaluator = script.NewEvaluator()
	}

	a.Metrics = metrics.New()

	regOpts := []session.Option{
		session.WithLogger(a.logger),
		session.WithLifecycleHooks(a.Metrics.Hooks()),
		session.WithIdleTimeout(a.cfg.IdleTimeout),
		session.WithClock(a.now),
	}
	if a.backup != nil {
		regOpts = append(regOpts, session.WithBackup(a.backup))
	}
	syncer := varsync.New(varsync.Config{
		BaseURL:         a.cfg.ExternalVarURL,
		APIVersion:      a.cfg.ExternalVarAPIVersion,
		User:            a.cfg.ExternalVarUser,
		Password:        a.cfg.ExternalVarPassword,
		TokenExpiration: a.cfg.ExternalVarTokenExpiration,
		Timeout:         a.cfg.ExternalVarTimeout,
	}, varsync.WithLogger(a.logger.With("component", "varsync")))
	if syncer.Enabled() {
		regOpts = append(regOpts, session.WithSyncer(syncer))
	}
	if a.cfg.DistributedLock {
		regOpts = append(regOpts, session.WithLocker(redisAdapter.NewLocker(a.redis, "dlb:")))
	}

	a.Registry = session.NewRegistry(a.blobs, a.dialogues, a.evaluator, regOpts...)
	a.Metrics.TrackActiveContexts(a.Registry.Active)
	a.Service = service.New(a.Registry,
		service.WithClock(a.now),
		service.WithLogger(a.logger),
		service.WithMaxInputSize(a.cfg.MaxInputSize),
	)

	a.logger.Info("Engine initialized",
		"storage", a.cfg.Storage,
		"backup", a.cfg.Backup,
		"external_sync", syncer.Enabled(),
		"distributed_lock", a.cfg.DistributedLock,
	)
	return nil
}

func (a *App) openStore(kind string) (ports.BlobStore, error) {
	switch kind {
	case config.StorageFile:
		return file.New(a.cfg.DataDir), nil
	case config.StorageMemory:
		return memory.NewStore(), nil
	case config.StorageRedis:
		return redisAdapter.NewFromClient(a.redis), nil
	case config.StorageSQL:
		dsn := a.cfg.SQLDSN
		if dsn == "" && a.cfg.SQLDriver == "sqlite" {
			dsn = filepath.Join(a.cfg.DataDir, "dlb.db")
		}
		store, err := sqlAdapter.Open(a.cfg.SQLDriver, dsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage %q", kind)
	}
}

// encrypt wraps the stores with at-rest encryption when a key is configured.
func (a *App) encrypt() error {
	active, fallback, err := a.cfg.EncryptionKeys()
	if err != nil || active == nil {
		return err
	}
	mw, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: active, FallbackKeys: fallback})
	if err != nil {
		return err
	}
	a.blobs = mw(a.blobs)
	if a.backup != nil {
		a.backup = mw(a.backup)
	}
	return nil
}

// Handler returns the HTTP API of the engine. auth must not be nil.
func (a *App) Handler(auth *httpAdapter.Authenticator) http.Handler {
	return httpAdapter.NewHandler(a.Service, auth,
		httpAdapter.WithAPIVersion(a.cfg.APIVersion),
		httpAdapter.WithServiceInfo(Version, BuildTime),
		httpAdapter.WithMetricsHandler(a.Metrics.Handler()),
		httpAdapter.WithMiddleware(a.Metrics.Middleware),
		httpAdapter.WithHealthCheck(a.Health),
		httpAdapter.WithLogger(a.logger.With("component", "http")),
	)
}

// Health reports whether the backing services answer.
func (a *App) Health(ctx context.Context) error {
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
	}
	return nil
}

// StartEviction schedules idle context eviction. It does nothing when no
// idle timeout is configured.
func (a *App) StartEviction() error {
	return a.Registry.StartEviction(a.cfg.EvictionSchedule)
}

// BlobStore returns the primary store.
func (a *App) BlobStore() ports.BlobStore {
	return a.blobs
}

// Close stops eviction and releases connections in reverse order of opening.
func (a *App) Close() error {
	if a.Registry != nil {
		a.Registry.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
