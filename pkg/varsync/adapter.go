package varsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/internal/logging"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"golang.org/x/sync/singleflight"
)

// AuthHeader carries the token issued by the external service.
const AuthHeader = "X-Auth-Token"

// errAuthRejected marks a 401/403 answer. It triggers one login and one retry.
var errAuthRejected = errors.New("authentication rejected")

// Config locates and authenticates against the external variable service.
type Config struct {
	BaseURL    string
	APIVersion string
	User       string
	Password   string
	// TokenExpiration is the requested token lifetime in minutes, 0 for the service default.
	TokenExpiration int
	Timeout         time.Duration
}

// Adapter implements ports.VariableSyncer over the external service's REST API.
//
// Pull and Push never return errors: a failure is logged and the caller keeps
// working on local state. An authentication rejection is answered with
// exactly one login and one retry.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	token string
	login singleflight.Group
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithLogger configures a logger for the Adapter.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithHTTPClient replaces the default client. Its Timeout bounds every call.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.client = client
	}
}

// New creates an Adapter. An empty BaseURL yields a disabled adapter.
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	a := &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enabled reports whether an external service is configured.
func (a *Adapter) Enabled() bool {
	return a.cfg.BaseURL != ""
}

// Pull asks the service for newer values of names. current holds the local
// values the service compares against. A nil entry in the result is a remote delete.
func (a *Adapter) Pull(ctx context.Context, user, timeZone string, current []domain.Variable, names []string) map[string]*domain.Variable {
	if !a.Enabled() || len(names) == 0 {
		return nil
	}

	known := make(map[string]domain.Variable, len(current))
	for _, v := range current {
		known[v.Name] = v
	}
	body := make([]wireVariable, 0, len(names))
	for _, name := range names {
		if v, ok := known[name]; ok {
			body = append(body, toWire(v))
			continue
		}
		body = append(body, wireVariable{Name: name})
	}

	var updates []wireVariable
	err := a.call(ctx, "/variables/retrieve-updates", userQuery(user, timeZone), body, &updates)
	if err != nil {
		a.logger.Error("Failed to retrieve variable updates, continuing with local values",
			"user", user,
			"names", names,
			"err", err,
		)
		return nil
	}

	out := make(map[string]*domain.Variable, len(updates))
	for _, u := range updates {
		if u.Value == nil {
			out[u.Name] = nil
			continue
		}
		v := u.toDomain()
		out[u.Name] = &v
	}
	a.logger.Debug("Retrieved variable updates", "user", user, "count", len(out))
	return out
}

// Push publishes change. Changes that originate from the service itself are dropped.
func (a *Adapter) Push(ctx context.Context, user, timeZone string, change domain.VariableStoreChange) {
	if !a.Enabled() || change.FromExternalService() {
		return
	}

	var err error
	switch change.Kind {
	case domain.ChangeClear:
		err = a.call(ctx, "/variables/notify-cleared", userQuery(user, timeZone), nil, nil)
	case domain.ChangePut, domain.ChangeRemove:
		err = a.call(ctx, "/variables/notify-updated", userQuery(user, timeZone), changedVariables(change, timeZone), nil)
	default:
		err = fmt.Errorf("unknown change kind %q", change.Kind)
	}
	if err != nil {
		a.logger.Error("Failed to notify variable change, local state stays authoritative",
			"user", user,
			"kind", change.Kind,
			"err", err,
		)
	}
}

func changedVariables(change domain.VariableStoreChange, timeZone string) []wireVariable {
	updated := change.Time.UnixMilli()
	var out []wireVariable
	if change.Kind == domain.ChangeRemove {
		for _, name := range change.Names {
			out = append(out, wireVariable{Name: name, UpdatedTime: updated, UpdatedTimeZone: timeZone})
		}
		return out
	}
	for name, value := range change.Variables {
		out = append(out, wireVariable{Name: name, Value: value, UpdatedTime: updated, UpdatedTimeZone: timeZone})
	}
	return out
}

func userQuery(user, timeZone string) url.Values {
	q := url.Values{}
	q.Set("userId", user)
	q.Set("timeZone", timeZone)
	return q
}

// call performs one request, re-authenticating and retrying once on an auth rejection.
func (a *Adapter) call(ctx context.Context, path string, query url.Values, body, out any) error {
	token, err := a.currentToken(ctx)
	if err != nil {
		return err
	}
	err = a.send(ctx, token, path, query, body, out)
	if !errors.Is(err, errAuthRejected) {
		return err
	}

	a.logger.Info("External variable service rejected token, logging in again", "path", path)
	a.invalidate(token)
	token, err = a.currentToken(ctx)
	if err != nil {
		return err
	}
	return a.send(ctx, token, path, query, body, out)
}

func (a *Adapter) send(ctx context.Context, token, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := a.endpoint(path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(AuthHeader, token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrUpstream, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %w (status %d)", domain.ErrUpstream, path, errAuthRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: status %d: %s", domain.ErrUpstream, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: failed to decode response: %w", domain.ErrUpstream, path, err)
	}
	return nil
}

func (a *Adapter) endpoint(path string) string {
	return a.cfg.BaseURL + "/v" + a.cfg.APIVersion + path
}

func (a *Adapter) currentToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()
	if token != "" {
		return token, nil
	}

	// Concurrent callers share one login.
	v, err, _ := a.login.Do("login", func() (any, error) {
		return a.Login(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Adapter) invalidate(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == token {
		a.token = ""
	}
}

// Login obtains a fresh token and caches it.
func (a *Adapter) Login(ctx context.Context) (string, error) {
	payload := map[string]any{
		"user":     a.cfg.User,
		"password": a.cfg.Password,
	}
	if a.cfg.TokenExpiration > 0 {
		payload["tokenExpiration"] = a.cfg.TokenExpiration
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("/auth/login"), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: login: %w", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login: status %d", domain.ErrUpstream, resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: login: failed to decode response: %w", domain.ErrUpstream, err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: login: empty token", domain.ErrUpstream)
	}

	a.mu.Lock()
	a.token = body.Token
	a.mu.Unlock()
	a.logger.Info("Logged in to external variable service", "url", a.cfg.BaseURL)
	return body.Token, nil
}
