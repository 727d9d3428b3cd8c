package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dialoguebranch/dlb-web-sub000/internal/logging"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/ports"
)

// SessionRef identifies one persisted unit: all records of a session.
type SessionRef struct {
	SessionID        string `json:"sessionId"`
	SessionStartTime int64  `json:"sessionStartTime"`
	Key              string `json:"-"`
}

// Store is the logged dialogue store of one user.
//
// Records sharing (SessionID, SessionStartTime) are persisted together as a
// single blob. The most recently saved record is cached in memory and
// consulted before any scan.
type Store struct {
	blobs  ports.BlobStore
	backup ports.BlobStore
	user   string
	logger *slog.Logger

	mu          sync.Mutex
	lastWritten *domain.LoggedDialogue
}

// Option configures the Store.
type Option func(*Store)

// WithBackup mirrors every unit write to a second store.
func WithBackup(backup ports.BlobStore) Option {
	return func(s *Store) {
		s.backup = backup
	}
}

// WithLogger configures a logger for the Store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates the store of user on top of blobs.
func New(blobs ports.BlobStore, user string, opts ...Option) *Store {
	s := &Store{
		blobs:  blobs,
		user:   user,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UserPrefix returns the key prefix of all units of user.
func UserPrefix(user string) string {
	return "logs/" + url.PathEscape(user) + "/"
}

// UnitKey returns the key of the unit holding a session's records.
func UnitKey(user, sessionID string, sessionStartTime int64) string {
	return fmt.Sprintf("%s%d %s.json", UserPrefix(user), sessionStartTime, url.PathEscape(sessionID))
}

func parseUnitKey(key string) (SessionRef, bool) {
	name := strings.TrimSuffix(path.Base(key), ".json")
	start, escaped, ok := strings.Cut(name, " ")
	if !ok {
		return SessionRef{}, false
	}
	startTime, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return SessionRef{}, false
	}
	sessionID, err := url.PathUnescape(escaped)
	if err != nil {
		return SessionRef{}, false
	}
	return SessionRef{SessionID: sessionID, SessionStartTime: startTime, Key: key}, true
}

// ListSessions returns every persisted unit of the user, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRef, error) {
	keys, err := s.blobs.List(ctx, UserPrefix(s.user))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list sessions of %s: %w", domain.ErrStorage, s.user, err)
	}
	refs := make([]SessionRef, 0, len(keys))
	for _, k := range keys {
		if ref, ok := parseUnitKey(k); ok {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].SessionStartTime != refs[j].SessionStartTime {
			return refs[i].SessionStartTime > refs[j].SessionStartTime
		}
		return refs[i].SessionID > refs[j].SessionID
	})
	return refs, nil
}

// ExistsSessionID reports whether any unit of the user uses sessionID.
func (s *Store) ExistsSessionID(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	last := s.lastWritten
	s.mu.Unlock()
	if last != nil && last.SessionID == sessionID {
		return true, nil
	}

	refs, err := s.ListSessions(ctx)
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		if ref.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

// SaveSession upserts d into the unit of its session.
// The unit is read, the record with the same ID replaced, and the whole
// unit written back in one write. A terminal record may only be re-saved unchanged.
func (s *Store) SaveSession(ctx context.Context, d *domain.LoggedDialogue) error {
	key := UnitKey(s.user, d.SessionID, d.SessionStartTime)
	records, err := s.readUnit(ctx, s.blobs, key)
	if err != nil && !errors.Is(err, domain.ErrBlobNotFound) {
		return err
	}

	saved := d.Clone()
	merged := make([]*domain.LoggedDialogue, 0, len(records)+1)
	for _, r := range records {
		if r.ID != saved.ID {
			merged = append(merged, r)
			continue
		}
		if r.IsTerminal() && !sameRecord(r, saved) {
			return fmt.Errorf("failed to save logged dialogue %s: %w", saved.ID, domain.ErrSessionTerminal)
		}
	}
	merged = append(merged, saved)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].UTCTime < merged[j].UTCTime })

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode session %s: %w", domain.ErrStorage, d.SessionID, err)
	}
	if err := s.blobs.Write(ctx, key, data); err != nil {
		return fmt.Errorf("%w: failed to write session %s: %w", domain.ErrStorage, d.SessionID, err)
	}

	s.mu.Lock()
	s.lastWritten = saved
	s.mu.Unlock()

	if s.backup != nil {
		if err := s.backup.Write(ctx, key, data); err != nil {
			s.logger.Warn("Failed to mirror session to backup store",
				"user", s.user,
				"session_id", d.SessionID,
				"err", err,
			)
		}
	}
	return nil
}

func sameRecord(a, b *domain.LoggedDialogue) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(left) == string(right)
}

// ReadSession returns every record with sessionID, oldest first.
func (s *Store) ReadSession(ctx context.Context, sessionID string) ([]*domain.LoggedDialogue, error) {
	refs, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	var out []*domain.LoggedDialogue
	for _, ref := range refs {
		if ref.SessionID != sessionID {
			continue
		}
		records, err := s.readUnit(ctx, s.blobs, ref.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SessionStartTime != out[j].SessionStartTime {
			return out[i].SessionStartTime < out[j].SessionStartTime
		}
		return out[i].UTCTime < out[j].UTCTime
	})
	return out, nil
}

// FindLatestOngoingDialogue returns the newest record that is neither
// completed nor cancelled. An empty dialogueName matches any dialogue.
// It returns nil when there is none.
func (s *Store) FindLatestOngoingDialogue(ctx context.Context, dialogueName string) (*domain.LoggedDialogue, error) {
	return s.find(ctx, func(d *domain.LoggedDialogue) bool {
		return d.IsOngoing() && (dialogueName == "" || d.DialogueName == dialogueName)
	})
}

// FindLoggedDialogue returns the record with id, or nil when there is none.
func (s *Store) FindLoggedDialogue(ctx context.Context, id string) (*domain.LoggedDialogue, error) {
	return s.find(ctx, func(d *domain.LoggedDialogue) bool {
		return d.ID == id
	})
}

func (s *Store) find(ctx context.Context, match func(*domain.LoggedDialogue) bool) (*domain.LoggedDialogue, error) {
	s.mu.Lock()
	last := s.lastWritten
	s.mu.Unlock()
	if last != nil && match(last) {
		return last.Clone(), nil
	}

	refs, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		records, err := s.readUnit(ctx, s.blobs, ref.Key)
		if err != nil {
			return nil, err
		}
		for i := len(records) - 1; i >= 0; i-- {
			if match(records[i]) {
				return records[i], nil
			}
		}
	}
	return nil, nil
}

// Populate copies units that exist only in the backup store into the
// primary store and returns how many were restored.
func (s *Store) Populate(ctx context.Context) (int, error) {
	if s.backup == nil {
		return 0, nil
	}
	prefix := UserPrefix(s.user)
	remote, err := s.backup.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to list backup of %s: %w", domain.ErrStorage, s.user, err)
	}
	local, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to list sessions of %s: %w", domain.ErrStorage, s.user, err)
	}
	have := make(map[string]struct{}, len(local))
	for _, k := range local {
		have[k] = struct{}{}
	}

	restored := 0
	for _, k := range remote {
		if _, ok := have[k]; ok {
			continue
		}
		if _, err := s.readUnit(ctx, s.backup, k); err != nil {
			return restored, err
		}
		data, err := s.backup.Read(ctx, k)
		if err != nil {
			return restored, fmt.Errorf("%w: failed to read backup %s: %w", domain.ErrStorage, k, err)
		}
		if err := s.blobs.Write(ctx, k, data); err != nil {
			return restored, fmt.Errorf("%w: failed to restore %s: %w", domain.ErrStorage, k, err)
		}
		restored++
	}
	if restored > 0 {
		s.logger.Info("Restored sessions from backup", "user", s.user, "count", restored)
	}
	return restored, nil
}

// readUnit decodes one unit. A missing unit returns domain.ErrBlobNotFound;
// a corrupt one is a storage error.
func (s *Store) readUnit(ctx context.Context, blobs ports.BlobStore, key string) ([]*domain.LoggedDialogue, error) {
	data, err := blobs.Read(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to read %s: %w", domain.ErrStorage, key, err)
	}
	var records []*domain.LoggedDialogue
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: corrupt session unit %s: %w", domain.ErrStorage, key, err)
	}
	return records, nil
}
