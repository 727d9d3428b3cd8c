package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/internal/logging"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/logstore"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/session"
)

// OngoingDialogue summarises the latest unfinished dialogue of a user.
type OngoingDialogue struct {
	DialogueName               string `json:"dialogueName"`
	SecondsSinceLastEngagement int64  `json:"secondsSinceLastEngagement"`
}

// Service exposes the caller-facing operations of the engine.
// Every operation is serialized per user by the registry.
type Service struct {
	registry     *session.Registry
	now          func() time.Time
	logger       *slog.Logger
	maxInputSize int
}

// Option configures the Service.
type Option func(*Service)

// WithClock replaces time.Now as the source of event times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger configures a logger for the Service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMaxInputSize bounds string values sent by clients. Zero or less
// disables the limit.
func WithMaxInputSize(n int) Option {
	return func(s *Service) {
		s.maxInputSize = n
	}
}

// New creates a Service on top of registry.
func New(registry *session.Registry, opts ...Option) *Service {
	s := &Service{
		registry:     registry,
		now:          time.Now,
		logger:       logging.NewNop(),
		maxInputSize: DefaultMaxInputSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the underlying session registry.
func (s *Service) Registry() *session.Registry {
	return s.registry
}

// StartSession starts dialogueName at its start node.
// An empty sessionID lets the engine pick an unused one.
func (s *Service) StartSession(ctx context.Context, user, dialogueName, language, timeZone, sessionID string) (*domain.RenderedNode, error) {
	return s.StartSessionAtNode(ctx, user, dialogueName, "", language, timeZone, sessionID)
}

// StartSessionAtNode is StartSession at an explicit node.
func (s *Service) StartSessionAtNode(ctx context.Context, user, dialogueName, nodeID, language, timeZone, sessionID string) (*domain.RenderedNode, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if dialogueName == "" {
		return nil, fmt.Errorf("%w: dialogue name is required", domain.ErrInvalidInput)
	}
	if _, err := location(timeZone); err != nil {
		return nil, err
	}

	var out *domain.RenderedNode
	err := s.registry.WithUser(ctx, user, "", func(ctx context.Context, uc *session.UserContext) error {
		at, err := s.eventTime(uc, timeZone)
		if err != nil {
			return err
		}
		out, err = uc.Executor.Start(ctx, dialogueName, language, nodeID, sessionID, at)
		return err
	})
	return out, err
}

// ProgressSession answers the interaction at index of ref with replyID.
// It returns nil when the reply ends the dialogue.
func (s *Service) ProgressSession(ctx context.Context, user, ref string, index, replyID int, input map[string]any, timeZone string) (*domain.RenderedNode, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if err := requireRef(ref); err != nil {
		return nil, err
	}
	input, err := s.sanitizeValues(input)
	if err != nil {
		return nil, err
	}

	var out *domain.RenderedNode
	err = s.registry.WithActiveUser(ctx, user, func(ctx context.Context, uc *session.UserContext) error {
		at, err := s.eventTime(uc, timeZone)
		if err != nil {
			return err
		}
		out, err = uc.Executor.Progress(ctx, ref, index, replyID, input, at)
		return err
	})
	return out, err
}

// ContinueSession resumes the latest ongoing record of dialogueName.
// It returns nil when there is nothing to continue.
func (s *Service) ContinueSession(ctx context.Context, user, dialogueName, timeZone string) (*domain.RenderedNode, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if _, err := location(timeZone); err != nil {
		return nil, err
	}

	var out *domain.RenderedNode
	err := s.registry.WithUser(ctx, user, "", func(ctx context.Context, uc *session.UserContext) error {
		at, err := s.eventTime(uc, timeZone)
		if err != nil {
			return err
		}
		out, err = uc.Executor.Continue(ctx, dialogueName, at)
		return err
	})
	return out, err
}

// BackSession moves to the agent step before the interaction at index.
// Variables changed since that step keep their current values.
func (s *Service) BackSession(ctx context.Context, user, ref string, index int, timeZone string) (*domain.RenderedNode, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if err := requireRef(ref); err != nil {
		return nil, err
	}

	var out *domain.RenderedNode
	err := s.registry.WithActiveUser(ctx, user, func(ctx context.Context, uc *session.UserContext) error {
		at, err := s.eventTime(uc, timeZone)
		if err != nil {
			return err
		}
		out, err = uc.Executor.Back(ctx, ref, index, at)
		return err
	})
	return out, err
}

// CancelSession marks the record identified by ref as cancelled.
func (s *Service) CancelSession(ctx context.Context, user, ref string) error {
	if err := requireUser(user); err != nil {
		return err
	}
	if err := requireRef(ref); err != nil {
		return err
	}
	return s.registry.WithActiveUser(ctx, user, func(ctx context.Context, uc *session.UserContext) error {
		at, err := s.eventTime(uc, "")
		if err != nil {
			return err
		}
		return uc.Executor.Cancel(ctx, ref, at)
	})
}

// GetOngoingDialogue reports the latest unfinished dialogue of user, or nil.
func (s *Service) GetOngoingDialogue(ctx context.Context, user string) (*OngoingDialogue, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}

	var out *OngoingDialogue
	err := s.registry.WithUser(ctx, user, "", func(ctx context.Context, uc *session.UserContext) error {
		d, err := uc.Logs.FindLatestOngoingDialogue(ctx, "")
		if err != nil || d == nil {
			return err
		}
		last := d.UTCTime
		if i, ok := d.Last(); ok {
			last = i.Timestamp
		}
		out = &OngoingDialogue{
			DialogueName:               d.DialogueName,
			SecondsSinceLastEngagement: (s.now().UnixMilli() - last) / 1000,
		}
		return nil
	})
	return out, err
}

// GetVariables returns the named variables of user, or all of them sorted
// by name when names is empty. Unknown names are omitted.
func (s *Service) GetVariables(ctx context.Context, user string, names []string) ([]domain.Variable, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := domain.ValidateVariableName(name); err != nil {
			return nil, err
		}
	}

	var out []domain.Variable
	err := s.registry.WithUser(ctx, user, "", func(ctx context.Context, uc *session.UserContext) error {
		if len(names) == 0 {
			out = uc.Variables.GetAll()
		} else {
			out = uc.Variables.Snapshot(names)
		}
		return nil
	})
	return out, err
}

// SetVariable sets one variable of user. A nil value removes it.
func (s *Service) SetVariable(ctx context.Context, user, name string, value any, timeZone string) error {
	if err := requireUser(user); err != nil {
		return err
	}
	if err := domain.ValidateVariableName(name); err != nil {
		return err
	}
	value, err := s.sanitizeValue(value)
	if err != nil {
		return err
	}
	if _, err := location(timeZone); err != nil {
		return err
	}
	return s.registry.WithUser(ctx, user, "", func(ctx context.Context, uc *session.UserContext) error {
		at, err := s.eventTime(uc, timeZone)
		if err != nil {
			return err
		}
		return uc.Variables.SetValue(ctx, name, value, true, at, domain.SourceWebService)
	})
}

// SetVariables sets several variables of user at once. Nil values remove
// the variable.
func (s *Service) SetVariables(ctx context.Context, user string, values map[string]any, timeZone string) error {
	if err := requireUser(user); err != nil {
		return err
	}
	if _, err := location(timeZone); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	values, err := s.sanitizeValues(values)
	if err != nil {
		return err
	}
	return s.registry.WithUser(ctx, user, "", func(ctx context.Context, uc *session.UserContext) error {
		at, err := s.eventTime(uc, timeZone)
		if err != nil {
			return err
		}
		if err := uc.Variables.AddAll(ctx, values, true, at, domain.SourceWebService); err != nil {
			return err
		}
		s.logger.Debug("Variables set", "user", user, "count", len(values))
		return nil
	})
}

// SessionExists reports whether sessionID is in use for user.
func (s *Service) SessionExists(ctx context.Context, user, sessionID string) (bool, error) {
	if err := requireUser(user); err != nil {
		return false, err
	}
	if sessionID == "" {
		return false, fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}

	var exists bool
	err := s.registry.WithUser(ctx, user, "", func(ctx context.Context, uc *session.UserContext) error {
		var err error
		exists, err = uc.Logs.ExistsSessionID(ctx, sessionID)
		return err
	})
	return exists, err
}

// GetSessionLog returns every record of sessionID, oldest first.
func (s *Service) GetSessionLog(ctx context.Context, user, sessionID string) ([]*domain.LoggedDialogue, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}

	var out []*domain.LoggedDialogue
	err := s.registry.WithUser(ctx, user, "", func(ctx context.Context, uc *session.UserContext) error {
		var err error
		out, err = uc.Logs.ReadSession(ctx, sessionID)
		return err
	})
	return out, err
}

// ListSessions returns the sessions of user, newest first.
func (s *Service) ListSessions(ctx context.Context, user string) ([]logstore.SessionRef, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}

	var out []logstore.SessionRef
	err := s.registry.WithUser(ctx, user, "", func(ctx context.Context, uc *session.UserContext) error {
		var err error
		out, err = uc.Logs.ListSessions(ctx)
		return err
	})
	return out, err
}

// ListDialogues returns the names of every dialogue the engine can start.
func (s *Service) ListDialogues(ctx context.Context) ([]string, error) {
	names, err := s.registry.Dialogues().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dialogues: %w", err)
	}
	return names, nil
}

// eventTime is now in timeZone, or in the zone last seen for the user, or
// in UTC. A named zone is remembered for later calls.
func (s *Service) eventTime(uc *session.UserContext, timeZone string) (time.Time, error) {
	if timeZone == "" {
		timeZone = uc.TimeZone
	}
	loc, err := location(timeZone)
	if err != nil {
		return time.Time{}, err
	}
	if timeZone != "" {
		uc.TimeZone = timeZone
	}
	return s.now().In(loc), nil
}

// location resolves an IANA zone name. Empty means UTC.
func location(timeZone string) (*time.Location, error) {
	if timeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q", domain.ErrInvalidInput, timeZone)
	}
	return loc, nil
}

func requireUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("%w: user is required", domain.ErrInvalidInput)
	}
	return nil
}

func requireRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: logged dialogue id is required", domain.ErrInvalidInput)
	}
	return nil
}
