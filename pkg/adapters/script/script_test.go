package script_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/script"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greeting = `
name: greeting
start: Start
nodes:
  - title: Start
    speaker: Agent
    statement: Hello $userName!
    set:
      visited: true
    replies:
      - id: 1
        statement: Hi
        next: Ask_Name
      - id: 2
        statement: Welcome back
        next: End
        when:
          variable: returning
      - id: 3
        statement: Talk about the weather
        dialogue: weather
        next: Start
  - title: Ask_Name
    statement: What is your name?
    replies:
      - id: 1
        next: End
        input: [userName]
`

func TestParse(t *testing.T) {
	d, err := script.Parse([]byte(greeting))
	require.NoError(t, err)

	assert.Equal(t, "greeting", d.Name)
	start, ok := d.StartNode()
	require.True(t, ok)
	assert.Equal(t, "Agent", start.Speaker)
	require.Len(t, start.Replies, 3)
	assert.Equal(t, domain.NodePointer{Node: "Ask_Name"}, start.Replies[0].Next)
	assert.True(t, start.Replies[1].Next.IsEnd())
	assert.True(t, start.Replies[2].Next.IsExternal())
	assert.Equal(t, []string{"returning", "userName"}, d.VariablesNeeded())
}

func TestParse_Errors(t *testing.T) {
	_, err := script.Parse([]byte("nodes:\n  - statement: no title\n"))
	assert.Error(t, err)

	_, err = script.Parse([]byte("nodes:\n  - title: A\n  - title: A\n"))
	assert.Error(t, err)

	_, err = script.Parse([]byte("nodes:\n  - title: A\n    set:\n      9lives: 1\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidVariableName)
}

func TestLoad_NameAndLanguageFromPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nl"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nl", "greeting.yaml"), []byte("nodes:\n  - title: Start\n    statement: Hallo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weather.yml"), []byte("nodes:\n  - title: Start\n    statement: Sunny\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	p, err := script.Load(dir)
	require.NoError(t, err)
	ctx := context.Background()

	d, err := p.Dialogue(ctx, "greeting", "nl")
	require.NoError(t, err)
	assert.Equal(t, "nl", d.Language)

	_, err = p.Dialogue(ctx, "greeting", "en")
	assert.ErrorIs(t, err, domain.ErrDialogueNotFound)

	d, err = p.Dialogue(ctx, "weather", "en")
	require.NoError(t, err, "language-less dialogues serve every language")
	assert.Equal(t, "weather", d.Name)
}

func TestEvaluator_SetInterpolateFilter(t *testing.T) {
	d, err := script.Parse([]byte(greeting))
	require.NoError(t, err)
	start, _ := d.StartNode()

	vars := variables.NewStore("alice")
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, vars.SetValue(ctx, "userName", "Alice", false, at, domain.SourceWebService))

	out, err := script.NewEvaluator().Evaluate(ctx, d, start, vars, at)
	require.NoError(t, err)

	assert.Equal(t, "Hello Alice!", out.Statement)
	require.Len(t, out.Replies, 2, "reply gated on 'returning' is dropped")
	assert.Equal(t, 1, out.Replies[0].ID)
	assert.Equal(t, 3, out.Replies[1].ID)
	assert.Len(t, start.Replies, 3, "the graph node is not modified")

	visited, ok := vars.Get("visited")
	require.True(t, ok)
	assert.Equal(t, true, visited.Value)
	assert.True(t, at.Equal(visited.UpdatedTime))

	require.NoError(t, vars.SetValue(ctx, "returning", true, false, at, domain.SourceWebService))
	out, err = script.NewEvaluator().Evaluate(ctx, d, start, vars, at)
	require.NoError(t, err)
	assert.Len(t, out.Replies, 3)
}

func TestEvaluator_ConditionEquals(t *testing.T) {
	node := &domain.Node{Title: "N", Replies: []domain.Reply{
		{ID: 1, When: &domain.Condition{Variable: "age", Equals: 30}},
		{ID: 2, When: &domain.Condition{Variable: "bad name"}},
	}}
	vars := variables.NewStore("alice")
	ctx := context.Background()
	require.NoError(t, vars.SetValue(ctx, "age", float64(30), false, time.Now(), domain.SourceWebService))

	_, err := script.NewEvaluator().Evaluate(ctx, &domain.Dialogue{}, node, vars, time.Now())
	assert.ErrorIs(t, err, domain.ErrEvaluation)

	node.Replies = node.Replies[:1]
	out, err := script.NewEvaluator().Evaluate(ctx, &domain.Dialogue{}, node, vars, time.Now())
	require.NoError(t, err)
	assert.Len(t, out.Replies, 1, "30 and 30.0 compare equal")
}
