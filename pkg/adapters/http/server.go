package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/internal/logging"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultAPIVersion is the version segment of every API route.
const DefaultAPIVersion = "1"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Sessions defines the operations the transport exposes.
type Sessions interface {
	StartSessionAtNode(ctx context.Context, user, dialogueName, nodeID, language, timeZone, sessionID string) (*domain.RenderedNode, error)
	ProgressSession(ctx context.Context, user, ref string, index, replyID int, input map[string]any, timeZone string) (*domain.RenderedNode, error)
	ContinueSession(ctx context.Context, user, dialogueName, timeZone string) (*domain.RenderedNode, error)
	BackSession(ctx context.Context, user, ref string, index int, timeZone string) (*domain.RenderedNode, error)
	CancelSession(ctx context.Context, user, ref string) error
	GetOngoingDialogue(ctx context.Context, user string) (*service.OngoingDialogue, error)
	GetVariables(ctx context.Context, user string, names []string) ([]domain.Variable, error)
	SetVariable(ctx context.Context, user, name string, value any, timeZone string) error
	SetVariables(ctx context.Context, user string, values map[string]any, timeZone string) error
	SessionExists(ctx context.Context, user, sessionID string) (bool, error)
	GetSessionLog(ctx context.Context, user, sessionID string) ([]*domain.LoggedDialogue, error)
	ListDialogues(ctx context.Context) ([]string, error)
}

var _ Sessions = (*service.Service)(nil)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServiceInfo describes the running service. It is served without
// authentication.
type ServiceInfo struct {
	Build           string `json:"build"`
	ProtocolVersion string `json:"protocolVersion"`
	ServiceVersion  string `json:"serviceVersion"`
	UpTime          string `json:"upTime"`
}

// DialogueList is the payload of the admin dialogue listing.
type DialogueList struct {
	DialogueNames []string `json:"dialogueNames"`
}

// Nullable wraps results that may legitimately be absent.
type Nullable[T any] struct {
	Value T `json:"value"`
}

// Server maps HTTP requests onto Sessions.
type Server struct {
	sessions    Sessions
	auth        *Authenticator
	apiVersion  string
	metrics     http.Handler
	middlewares []func(http.Handler) http.Handler
	healthCheck func(context.Context) error
	version     string
	build       string
	started     time.Time
	logger      *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithAPIVersion sets the /v{version} route prefix.
func WithAPIVersion(version string) Option {
	return func(s *Server) {
		s.apiVersion = version
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithMiddleware wraps every route with mw.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mw...)
	}
}

// WithHealthCheck makes GET /health report failures of check.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) {
		s.healthCheck = check
	}
}

// WithServiceInfo sets the release and build time reported by /info/all.
func WithServiceInfo(version, build string) Option {
	return func(s *Server) {
		s.version = version
		s.build = build
	}
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewHandler creates the HTTP handler of the engine.
func NewHandler(sessions Sessions, auth *Authenticator, opts ...Option) http.Handler {
	s := &Server{
		sessions:   sessions,
		auth:       auth,
		apiVersion: DefaultAPIVersion,
		version:    "dev",
		started:    time.Now(),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, s.logRequests, middleware.Recoverer, enableCORS)
	for _, mw := range s.middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.getHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Get("/info/all", s.getInfo)

	r.Route("/v"+s.apiVersion, func(r chi.Router) {
		r.Get("/info/all", s.getInfo)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Route("/dialogue", func(r chi.Router) {
				r.Post("/start", s.startDialogue)
				r.Post("/progress", s.progressDialogue)
				r.Post("/continue", s.continueDialogue)
				r.Post("/back", s.backDialogue)
				r.Post("/cancel", s.cancelDialogue)
				r.Get("/get-ongoing", s.getOngoingDialogue)
			})
			r.Route("/variables", func(r chi.Router) {
				r.Get("/get", s.getVariables)
				r.Post("/set-single", s.setVariable)
				r.Post("/set", s.setVariables)
			})
			r.Route("/log", func(r chi.Router) {
				r.Get("/verify-id", s.verifySessionID)
				r.Get("/get-session", s.getSession)
			})
			r.Get("/admin/list-dialogues", s.listDialogues)
		})
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+AuthHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Authenticate(r.Header.Get(AuthHeader))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// user resolves the effective user of r, honouring delegateUser.
func user(r *http.Request) (string, error) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		return "", errTokenMissing
	}
	return p.Effective(r.URL.Query().Get("delegateUser"))
}

// requireAdmin fails with errForbidden unless r carries an admin token.
func requireAdmin(r *http.Request) error {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		return errTokenMissing
	}
	if !p.Admin {
		return fmt.Errorf("%w: %s is not an admin", errForbidden, p.User)
	}
	return nil
}

func (s *Server) getInfo(w http.ResponseWriter, r *http.Request) {
	up := time.Since(s.started)
	days := int(up.Hours()) / 24
	writeJSON(w, http.StatusOK, ServiceInfo{
		Build:           s.build,
		ProtocolVersion: s.apiVersion,
		ServiceVersion:  s.version,
		UpTime:          fmt.Sprintf("%dd %dh %dm", days, int(up.Hours())%24, int(up.Minutes())%60),
	})
}

func (s *Server) listDialogues(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	names, err := s.sessions.ListDialogues(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DialogueList{DialogueNames: names})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			s.logger.Warn("Health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startDialogue(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	node, err := s.sessions.StartSessionAtNode(r.Context(), u,
		q.Get("dialogueName"), q.Get("nodeId"), q.Get("language"), q.Get("timeZone"), q.Get("sessionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) progressDialogue(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	index, err := intParam(q.Get("loggedInteractionIndex"), "loggedInteractionIndex")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	replyID, err := intParam(q.Get("replyId"), "replyId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	input, err := decodeVariables(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	node, err := s.sessions.ProgressSession(r.Context(), u, q.Get("loggedDialogueId"), index, replyID, input, q.Get("timeZone"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Nullable[*domain.RenderedNode]{Value: node})
}

func (s *Server) continueDialogue(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	node, err := s.sessions.ContinueSession(r.Context(), u, q.Get("dialogueName"), q.Get("timeZone"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Nullable[*domain.RenderedNode]{Value: node})
}

func (s *Server) backDialogue(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	index, err := intParam(q.Get("loggedInteractionIndex"), "loggedInteractionIndex")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	node, err := s.sessions.BackSession(r.Context(), u, q.Get("loggedDialogueId"), index, q.Get("timeZone"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) cancelDialogue(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.CancelSession(r.Context(), u, r.URL.Query().Get("loggedDialogueId")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getOngoingDialogue(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ongoing, err := s.sessions.GetOngoingDialogue(r.Context(), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Nullable[*service.OngoingDialogue]{Value: ongoing})
}

func (s *Server) getVariables(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	names := strings.Fields(r.URL.Query().Get("variableNames"))
	vars, err := s.sessions.GetVariables(r.Context(), u, names)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vars)
}

func (s *Server) setVariable(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	var value any
	if q.Has("variableValue") {
		value = q.Get("variableValue")
	}
	if err := s.sessions.SetVariable(r.Context(), u, q.Get("variableName"), value, q.Get("timeZone")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setVariables(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	values, err := decodeVariables(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.SetVariables(r.Context(), u, values, r.URL.Query().Get("timeZone")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) verifySessionID(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exists, err := s.sessions.SessionExists(r.Context(), u, r.URL.Query().Get("sessionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exists)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	u, err := user(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.sessions.GetSessionLog(r.Context(), u, r.URL.Query().Get("sessionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", domain.ErrInvalidInput, name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidInput, name)
	}
	return n, nil
}

// decodeVariables reads an optional JSON object body.
func decodeVariables(r *http.Request) (map[string]any, error) {
	var values map[string]any
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&values)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: body must be a JSON object: %w", domain.ErrInvalidInput, err)
	}
	return values, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Status(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
		message = http.StatusText(status)
	}
	writeJSON(w, status, ErrorBody{Code: code, Message: message})
}

// Status maps err to an HTTP status and an error code.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "INSUFFICIENT_PRIVILEGES"
	case errors.Is(err, errTokenMissing):
		return http.StatusUnauthorized, "AUTH_TOKEN_NOT_FOUND"
	case errors.Is(err, errTokenExpired):
		return http.StatusUnauthorized, "AUTH_TOKEN_EXPIRED"
	}
	switch domain.Category(err) {
	case domain.CategoryAuth:
		return http.StatusUnauthorized, "AUTH_TOKEN_INVALID"
	case domain.CategoryClient:
		return http.StatusBadRequest, "INVALID_INPUT"
	case domain.CategoryNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case domain.CategoryConflict:
		return http.StatusConflict, "SESSION_TERMINAL"
	case domain.CategoryStorage:
		return http.StatusInternalServerError, "STORAGE_ERROR"
	case domain.CategoryUpstream:
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
