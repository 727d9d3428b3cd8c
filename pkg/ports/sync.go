package ports

import (
	"context"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
)

// VariableSyncer mirrors a user's variables with an external authority.
// Failures are handled inside the implementation; callers proceed on local state.
type VariableSyncer interface {
	// Pull fetches updates for names and returns them keyed by name.
	// A nil *domain.Variable marks a remote delete.
	Pull(ctx context.Context, user, timeZone string, current []domain.Variable, names []string) map[string]*domain.Variable

	// Push publishes a locally originated change.
	Push(ctx context.Context, user, timeZone string, change domain.VariableStoreChange)
}
