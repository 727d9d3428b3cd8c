package memory_test

import (
	"context"
	"testing"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/memory"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_LanguageFallback(t *testing.T) {
	en := &domain.Dialogue{Name: "greeting", Language: "en", StartNodeID: "Start",
		Nodes: map[string]*domain.Node{"Start": {Title: "Start", Statement: "Hello"}}}
	fallback := &domain.Dialogue{Name: "greeting", StartNodeID: "Start",
		Nodes: map[string]*domain.Node{"Start": {Title: "Start", Statement: "Hallo"}}}

	p, err := memory.NewProvider(en, fallback)
	require.NoError(t, err)
	ctx := context.Background()

	d, err := p.Dialogue(ctx, "greeting", "en")
	require.NoError(t, err)
	assert.Same(t, en, d)

	d, err = p.Dialogue(ctx, "greeting", "nl")
	require.NoError(t, err)
	assert.Same(t, fallback, d)

	_, err = p.Dialogue(ctx, "missing", "en")
	assert.ErrorIs(t, err, domain.ErrDialogueNotFound)

	names, err := p.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"greeting"}, names)
}

func TestProvider_RejectsMissingStartNode(t *testing.T) {
	_, err := memory.NewProvider(&domain.Dialogue{Name: "broken", StartNodeID: "Nope"})
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}
