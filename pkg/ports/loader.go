package ports

import (
	"context"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
)

// DialogueProvider resolves dialogue definitions.
// Returned dialogues are shared and must be treated as read-only.
type DialogueProvider interface {
	// Dialogue returns the graph for name in language.
	// Returns domain.ErrDialogueNotFound if it does not exist.
	Dialogue(ctx context.Context, name, language string) (*domain.Dialogue, error)

	// List returns the names of all known dialogues.
	List(ctx context.Context) ([]string, error)
}

// VariableScope is the view of a user's variables an Evaluator works against.
type VariableScope interface {
	Value(name string) (any, bool)
	Assign(ctx context.Context, values map[string]any, eventTime time.Time) error
}

// Evaluator executes a node: it runs its commands, interpolates variables
// and filters replies. The returned node is a fresh copy.
type Evaluator interface {
	Evaluate(ctx context.Context, dialogue *domain.Dialogue, node *domain.Node, vars VariableScope, eventTime time.Time) (*domain.Node, error)
}
