package script

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/ports"
)

var reference = regexp.MustCompile(`\$([A-Za-z]\w*)`)

// Evaluator implements ports.Evaluator for YAML scripts.
//
// Executing a node applies its "set" values, replaces $name references in
// statements with the current variable values and drops replies whose "when"
// condition does not hold. Set values are literals.
type Evaluator struct{}

// NewEvaluator creates an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate runs node against vars and returns the rendered copy.
func (e *Evaluator) Evaluate(ctx context.Context, dialogue *domain.Dialogue, node *domain.Node, vars ports.VariableScope, eventTime time.Time) (*domain.Node, error) {
	if node == nil {
		return nil, domain.ErrNodeNotFound
	}
	if len(node.Set) > 0 {
		if err := vars.Assign(ctx, node.Set, eventTime); err != nil {
			return nil, fmt.Errorf("node %q: failed to set variables: %w", node.Title, err)
		}
	}

	out := &domain.Node{
		Title:     node.Title,
		Speaker:   node.Speaker,
		Statement: interpolate(node.Statement, vars),
		Replies:   make([]domain.Reply, 0, len(node.Replies)),
	}
	for _, r := range node.Replies {
		ok, err := holds(r.When, vars)
		if err != nil {
			return nil, fmt.Errorf("%w: node %q reply %d: %w", domain.ErrEvaluation, node.Title, r.ID, err)
		}
		if !ok {
			continue
		}
		r.Statement = interpolate(r.Statement, vars)
		out.Replies = append(out.Replies, r)
	}
	return out, nil
}

func interpolate(text string, vars ports.VariableScope) string {
	return reference.ReplaceAllStringFunc(text, func(match string) string {
		v, ok := vars.Value(match[1:])
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

func holds(c *domain.Condition, vars ports.VariableScope) (bool, error) {
	if c == nil {
		return true, nil
	}
	if err := domain.ValidateVariableName(c.Variable); err != nil {
		return false, err
	}
	v, ok := vars.Value(c.Variable)
	if c.Equals == nil {
		return ok && truthy(v), nil
	}
	return ok && fmt.Sprint(v) == fmt.Sprint(c.Equals), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
