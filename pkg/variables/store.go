package variables

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
)

// Listener is notified of every change made with notify=true.
type Listener interface {
	OnChange(ctx context.Context, change domain.VariableStoreChange) error
}

// ListenerFunc adapts a plain function to a Listener.
type ListenerFunc func(ctx context.Context, change domain.VariableStoreChange) error

// OnChange calls f.
func (f ListenerFunc) OnChange(ctx context.Context, change domain.VariableStoreChange) error {
	return f(ctx, change)
}

// Store holds the variables of one user.
//
// Listeners run synchronously, in registration order, after the map has been
// updated and before the mutating call returns. A listener error is returned
// to the caller once every listener has run; the in-memory change stands.
type Store struct {
	user string

	mu        sync.RWMutex
	vars      map[string]domain.Variable
	listeners []Listener
}

// NewStore creates an empty store for user.
func NewStore(user string) *Store {
	return &Store{
		user: user,
		vars: make(map[string]domain.Variable),
	}
}

// User returns the owner of the store.
func (s *Store) User() string {
	return s.user
}

// AddListener registers l for future notifications.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Get returns the variable called name.
func (s *Store) Get(name string) (domain.Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Value implements ports.VariableScope.
func (s *Store) Value(name string) (any, bool) {
	v, ok := s.Get(name)
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// Assign implements ports.VariableScope for commands run by a dialogue script.
func (s *Store) Assign(ctx context.Context, values map[string]any, eventTime time.Time) error {
	return s.AddAll(ctx, values, true, eventTime, domain.SourceDialogueScript)
}

// GetAll returns every variable sorted by name.
func (s *Store) GetAll() []domain.Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Variable, 0, len(s.vars))
	for _, v := range s.vars {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns the current values of names that exist in the store.
func (s *Store) Snapshot(names []string) []domain.Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Variable, 0, len(names))
	for _, name := range names {
		if v, ok := s.vars[name]; ok {
			out = append(out, v)
		}
	}
	return out
}

// SetValue stores value under name, stamped with eventTime.
// A nil value removes the variable.
func (s *Store) SetValue(ctx context.Context, name string, value any, notify bool, eventTime time.Time, source domain.ChangeSource) error {
	return s.AddAll(ctx, map[string]any{name: value}, notify, eventTime, source)
}

// RemoveByName deletes the variable called name. Removing a missing name still notifies.
func (s *Store) RemoveByName(ctx context.Context, name string, notify bool, eventTime time.Time, source domain.ChangeSource) error {
	if err := domain.ValidateVariableName(name); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.vars, name)
	s.mu.Unlock()

	if !notify {
		return nil
	}
	return s.dispatch(ctx, domain.NewRemoveChange([]string{name}, source, eventTime))
}

// AddAll applies values in one step. Non-nil values produce one Put change,
// nil values one Remove change.
func (s *Store) AddAll(ctx context.Context, values map[string]any, notify bool, eventTime time.Time, source domain.ChangeSource) error {
	for name := range values {
		if err := domain.ValidateVariableName(name); err != nil {
			return err
		}
	}
	if len(values) == 0 {
		return nil
	}

	put := make(map[string]any)
	var removed []string
	zone := eventTime.Location().String()

	s.mu.Lock()
	for name, value := range values {
		if value == nil {
			delete(s.vars, name)
			removed = append(removed, name)
			continue
		}
		s.vars[name] = domain.Variable{
			Name:            name,
			Value:           value,
			UpdatedTime:     eventTime,
			UpdatedTimeZone: zone,
		}
		put[name] = value
	}
	s.mu.Unlock()

	if !notify {
		return nil
	}
	var changes []domain.VariableStoreChange
	if len(put) > 0 {
		changes = append(changes, domain.NewPutChange(put, source, eventTime))
	}
	if len(removed) > 0 {
		changes = append(changes, domain.NewRemoveChange(removed, source, eventTime))
	}
	return s.dispatch(ctx, changes...)
}

// Clear removes every variable.
func (s *Store) Clear(ctx context.Context, notify bool, eventTime time.Time, source domain.ChangeSource) error {
	s.mu.Lock()
	s.vars = make(map[string]domain.Variable)
	s.mu.Unlock()

	if !notify {
		return nil
	}
	return s.dispatch(ctx, domain.NewClearChange(source, eventTime))
}

// Replace loads vars without notifying listeners. Used to hydrate from storage.
func (s *Store) Replace(vars []domain.Variable) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vars = make(map[string]domain.Variable, len(vars))
	for _, v := range vars {
		s.vars[v.Name] = v
	}
}

func (s *Store) dispatch(ctx context.Context, changes ...domain.VariableStoreChange) error {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	var errs []error
	for _, change := range changes {
		for _, l := range listeners {
			if err := l.OnChange(ctx, change); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
