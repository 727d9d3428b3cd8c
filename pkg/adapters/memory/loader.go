package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
)

// Provider implements ports.DialogueProvider from in-memory dialogues.
type Provider struct {
	dialogues map[string]*domain.Dialogue
}

// NewProvider creates a Provider from domain objects.
// Dialogues are keyed by name and language; an empty language is the fallback.
func NewProvider(dialogues ...*domain.Dialogue) (*Provider, error) {
	p := &Provider{dialogues: make(map[string]*domain.Dialogue)}
	for _, d := range dialogues {
		if d.Name == "" {
			return nil, fmt.Errorf("dialogue missing name")
		}
		if _, ok := d.StartNode(); !ok {
			return nil, fmt.Errorf("dialogue %s: start node %q: %w", d.Name, d.StartNodeID, domain.ErrNodeNotFound)
		}
		p.dialogues[key(d.Name, d.Language)] = d
	}
	return p, nil
}

func key(name, language string) string {
	return name + "@" + language
}

// Dialogue resolves name for language, falling back to a language-less definition.
func (p *Provider) Dialogue(ctx context.Context, name, language string) (*domain.Dialogue, error) {
	if d, ok := p.dialogues[key(name, language)]; ok {
		return d, nil
	}
	if d, ok := p.dialogues[key(name, "")]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s (%s)", domain.ErrDialogueNotFound, name, language)
}

// List returns all dialogue names.
func (p *Provider) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, d := range p.dialogues {
		seen[d.Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names) // Deterministic order
	return names, nil
}
