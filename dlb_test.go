package dlb_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	dlb "github.com/dialoguebranch/dlb-web-sub000"
	"github.com/dialoguebranch/dlb-web-sub000/internal/config"
	dlbhttp "github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/http"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/memory"
	"github.com/golang-jwt/jwt/v5"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DataDir:            t.TempDir(),
		DialoguesDir:       filepath.Join("testdata", "dialogues"),
		Storage:            config.StorageFile,
		Backup:             config.BackupNone,
		SQLDriver:          "sqlite",
		APIVersion:         "1",
		ExternalVarTimeout: time.Second,
		EvictionSchedule:   "@every 1m",
	}
}

func newApp(t *testing.T, cfg *config.Config, opts ...dlb.Option) *dlb.App {
	app, err := dlb.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, app.Close()) })
	return app
}

func play(t *testing.T, app *dlb.App, user string) {
	ctx := context.Background()
	node, err := app.Service.StartSession(ctx, user, "greeting", "en", "UTC", "")
	require.NoError(t, err)
	assert.Equal(t, "Start", node.Node)

	node, err = app.Service.ProgressSession(ctx, user, node.LoggedDialogueID, node.InteractionIndex, 1, nil, "")
	require.NoError(t, err)
	node, err = app.Service.ProgressSession(ctx, user, node.LoggedDialogueID, node.InteractionIndex, 1,
		map[string]any{"userName": "Alice"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you, Alice", node.Statement)
}

func TestNew_FileStorage(t *testing.T) {
	cfg := testConfig(t)
	app := newApp(t, cfg)
	play(t, app, "alice")

	// A second App over the same directory sees the persisted state.
	restarted := newApp(t, cfg)
	vars, err := restarted.Service.GetVariables(context.Background(), "alice", []string{"userName"})
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "Alice", vars[0].Value)

	sessions, err := restarted.Service.ListSessions(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestNew_RedisStorageWithSQLBackupAndLock(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Storage = config.StorageRedis
	cfg.Backup = config.StorageSQL
	cfg.RedisAddr = mr.Addr()
	cfg.DistributedLock = true
	require.NoError(t, cfg.Validate())

	app := newApp(t, cfg)
	play(t, app, "bob")

	assert.True(t, mr.Exists("dlb:blob:variables/bob.json"))
	assert.False(t, mr.Exists("dlb:lock:user:bob"), "lock released after each operation")
	assert.NoError(t, app.Health(context.Background()))

	mr.SetError("LOADING")
	assert.Error(t, app.Health(context.Background()))
}

func TestNew_InjectedBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.DialoguesDir = filepath.Join(t.TempDir(), "missing")
	store := memory.NewStore()

	_, err := dlb.New(cfg)
	require.Error(t, err, "missing dialogues directory")

	cfg.DialoguesDir = filepath.Join("testdata", "dialogues")
	app := newApp(t, cfg, dlb.WithBlobStore(store))
	play(t, app, "carol")

	keys, err := store.List(context.Background(), "logs/carol/")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Same(t, store, app.BlobStore())
}

func TestNew_InjectedRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig(t)
	cfg.Storage = config.StorageRedis
	app := newApp(t, cfg, dlb.WithRedisClient(client))
	play(t, app, "dave")
	assert.True(t, mr.Exists("dlb:blob:variables/dave.json"))
}

func TestNew_NilConfig(t *testing.T) {
	_, err := dlb.New(nil)
	assert.Error(t, err)
}

func TestApp_Eviction(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig(t)
	cfg.IdleTimeout = time.Minute
	app := newApp(t, cfg, dlb.WithClock(func() time.Time { return now }))

	require.NoError(t, app.StartEviction())
	play(t, app, "erin")
	assert.Equal(t, 1, app.Registry.Active())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, app.Registry.EvictIdle(context.Background()))
	assert.Zero(t, app.Registry.Active())
}

func TestApp_Handler(t *testing.T) {
	const secret = "s3cret"
	app := newApp(t, testConfig(t))
	handler := app.Handler(dlbhttp.NewAuthenticator(secret))

	claims := jwt.RegisteredClaims{Subject: "frank", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	q := url.Values{"dialogueName": {"greeting"}, "language": {"en"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/dialogue/start?"+q.Encode(), nil)
	req.Header.Set(dlbhttp.AuthHeader, token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info/all", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"serviceVersion":"dev"`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `dlb_dialogues_started_total{dialogue="greeting"} 1`)
	assert.Contains(t, body, "dlb_active_user_contexts 1")
	assert.Contains(t, body, `dlb_http_requests_total{method="POST",status="200"} 1`)
}

func TestNew_EncryptedStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, 32))
	app := newApp(t, cfg)
	play(t, app, "grace")

	raw, err := os.ReadFile(filepath.Join(cfg.DataDir, "variables", "grace.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Alice")

	vars, err := newApp(t, cfg).Service.GetVariables(context.Background(), "grace", nil)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "Alice", vars[0].Value)
}
