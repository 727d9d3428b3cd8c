package variables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/ports"
)

// Key returns the blob key of a user's variable snapshot.
func Key(user string) string {
	return "variables/" + url.PathEscape(user) + ".json"
}

// Persister is the write-through listener: every change rewrites the
// user's full snapshot.
type Persister struct {
	blobs ports.BlobStore
	store *Store
}

// NewPersister creates a Persister that snapshots store into blobs.
func NewPersister(blobs ports.BlobStore, store *Store) *Persister {
	return &Persister{blobs: blobs, store: store}
}

// OnChange implements Listener.
func (p *Persister) OnChange(ctx context.Context, _ domain.VariableStoreChange) error {
	return p.Flush(ctx)
}

// Flush writes the current snapshot.
func (p *Persister) Flush(ctx context.Context) error {
	data, err := json.MarshalIndent(p.store.GetAll(), "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode variables of %s: %w", domain.ErrStorage, p.store.User(), err)
	}
	if err := p.blobs.Write(ctx, Key(p.store.User()), data); err != nil {
		return fmt.Errorf("%w: failed to write variables of %s: %w", domain.ErrStorage, p.store.User(), err)
	}
	return nil
}

// Hydrate loads the persisted snapshot into store. A missing snapshot leaves it empty.
func Hydrate(ctx context.Context, blobs ports.BlobStore, store *Store) error {
	data, err := blobs.Read(ctx, Key(store.User()))
	if errors.Is(err, domain.ErrBlobNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read variables of %s: %w", domain.ErrStorage, store.User(), err)
	}

	var vars []domain.Variable
	if err := json.Unmarshal(data, &vars); err != nil {
		return fmt.Errorf("%w: corrupt variables of %s: %w", domain.ErrStorage, store.User(), err)
	}
	store.Replace(vars)
	return nil
}

// SyncListener forwards locally originated changes to syncer.
// Changes that came from the external service are never echoed back.
func SyncListener(syncer ports.VariableSyncer, user string) ListenerFunc {
	return func(ctx context.Context, change domain.VariableStoreChange) error {
		if change.FromExternalService() {
			return nil
		}
		syncer.Push(ctx, user, change.Time.Location().String(), change)
		return nil
	}
}
