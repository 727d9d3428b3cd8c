package service_test

import (
	"context"
	"strings"
	"testing"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/memory"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		limit   int
		want    string
		wantErr error
	}{
		{name: "clean", input: "Hello, World!", limit: 100, want: "Hello, World!"},
		{name: "keeps whitespace controls", input: "a\tb\r\nc", limit: 100, want: "a\tb\r\nc"},
		{name: "strips ansi and null", input: "\x1b[31mred\x00\x07", limit: 100, want: "[31mred"},
		{name: "too large", input: strings.Repeat("x", 11), limit: 10, wantErr: service.ErrInputTooLarge},
		{name: "no limit", input: strings.Repeat("x", 11), limit: 0, want: strings.Repeat("x", 11)},
		{name: "invalid utf8", input: "bad\xff", limit: 100, wantErr: service.ErrInvalidUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := service.SanitizeInput(tt.input, tt.limit)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestService_SanitizesClientValues(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, memory.NewStore())

	node, err := svc.StartSession(ctx, "alice", "greeting", "en", "UTC", "")
	require.NoError(t, err)
	node, err = svc.ProgressSession(ctx, "alice", node.LoggedDialogueID, node.InteractionIndex, 1, nil, "")
	require.NoError(t, err)

	_, err = svc.ProgressSession(ctx, "alice", node.LoggedDialogueID, node.InteractionIndex, 1,
		map[string]any{"userName": strings.Repeat("x", service.DefaultMaxInputSize+1)}, "")
	assert.ErrorIs(t, err, service.ErrInputTooLarge)

	node, err = svc.ProgressSession(ctx, "alice", node.LoggedDialogueID, node.InteractionIndex, 1,
		map[string]any{"userName": "Al\x1bice"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you, Alice", node.Statement)

	require.NoError(t, svc.SetVariable(ctx, "alice", "note", "a\x00b", ""))
	require.NoError(t, svc.SetVariables(ctx, "alice", map[string]any{"count": 3, "tag": "x\x07"}, ""))
	vars, err := svc.GetVariables(ctx, "alice", []string{"note", "count", "tag"})
	require.NoError(t, err)
	values := map[string]any{}
	for _, v := range vars {
		values[v.Name] = v.Value
	}
	assert.Equal(t, map[string]any{"note": "ab", "count": 3, "tag": "x"}, values)
}

func TestService_SanitizesNestedValues(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, memory.NewStore())
	big := strings.Repeat("x", service.DefaultMaxInputSize+1)

	err := svc.SetVariable(ctx, "alice", "list", []any{"ok", big}, "")
	assert.ErrorIs(t, err, service.ErrInputTooLarge)
	err = svc.SetVariables(ctx, "alice", map[string]any{"doc": map[string]any{"inner": []any{big}}}, "")
	assert.ErrorIs(t, err, service.ErrInputTooLarge)
	err = svc.SetVariable(ctx, "alice", "doc", map[string]any{"k": "bad\xff"}, "")
	assert.ErrorIs(t, err, service.ErrInvalidUTF8)

	require.NoError(t, svc.SetVariable(ctx, "alice", "doc",
		map[string]any{"tags": []any{"a\x00", 2.0}, "k\x07": "v"}, ""))
	vars, err := svc.GetVariables(ctx, "alice", []string{"doc"})
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, map[string]any{"tags": []any{"a", 2.0}, "k": "v"}, vars[0].Value)
}
