package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/memory"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/adapters/script"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/ports"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/service"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greeting = `
name: greeting
nodes:
  - title: Start
    speaker: Agent
    statement: Hello $userName
    replies:
      - id: 1
        statement: Hi
        next: Ask_Name
      - id: 2
        next: End
  - title: Ask_Name
    speaker: Agent
    statement: What is your name?
    replies:
      - id: 1
        next: Greet
        input: [userName]
  - title: Greet
    speaker: Agent
    statement: Nice to meet you, $userName
    replies:
      - id: 1
        next: End
`

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newService(t *testing.T, blobs ports.BlobStore) (*service.Service, *clock) {
	d, err := script.Parse([]byte(greeting))
	require.NoError(t, err)
	p, err := memory.NewProvider(d)
	require.NoError(t, err)

	c := &clock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	reg := session.NewRegistry(blobs, p, script.NewEvaluator())
	return service.New(reg, service.WithClock(c.Now)), c
}

func TestService_Conversation(t *testing.T) {
	svc, _ := newService(t, memory.NewStore())
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "alice", "greeting", "en", "Europe/Amsterdam", "s-1")
	require.NoError(t, err)
	assert.Equal(t, "Start", start.Node)

	next, err := svc.ProgressSession(ctx, "alice", "s-1", 0, 1, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "Ask_Name", next.Node)

	next, err = svc.ProgressSession(ctx, "alice", next.LoggedDialogueID, next.InteractionIndex, 1, map[string]any{"userName": "Alice"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you, Alice", next.Statement)

	back, err := svc.BackSession(ctx, "alice", "s-1", next.InteractionIndex, "")
	require.NoError(t, err)
	assert.Equal(t, "Ask_Name", back.Node)

	exists, err := svc.SessionExists(ctx, "alice", "s-1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = svc.SessionExists(ctx, "alice", "s-2")
	require.NoError(t, err)
	assert.False(t, exists)

	records, err := svc.GetSessionLog(ctx, "alice", "s-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Europe/Amsterdam", records[0].Timezone)
	assert.Equal(t, "2024-06-01T12:00:00.000", records[0].LocalTime)
	assert.Len(t, records[0].Interactions, 5)

	v, err := svc.GetVariables(ctx, "alice", []string{"userName"})
	require.NoError(t, err)
	require.Len(t, v, 1)
	assert.Equal(t, "Europe/Amsterdam", v[0].UpdatedTimeZone, "the zone of the session is remembered")

	require.NoError(t, svc.CancelSession(ctx, "alice", "s-1"))
	records, err = svc.GetSessionLog(ctx, "alice", "s-1")
	require.NoError(t, err)
	assert.True(t, records[0].Cancelled)

	refs, err := svc.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "s-1", refs[0].SessionID)
}

func TestService_GeneratedSessionID(t *testing.T) {
	svc, _ := newService(t, memory.NewStore())
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "alice", "greeting", "en", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, start.SessionID)
	assert.NotEqual(t, start.LoggedDialogueID, start.SessionID)

	exists, err := svc.SessionExists(ctx, "alice", start.SessionID)
	require.NoError(t, err)
	assert.True(t, exists)

	records, err := svc.GetSessionLog(ctx, "alice", start.SessionID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, start.LoggedDialogueID, records[0].ID)
	assert.Len(t, records[0].Interactions, 1)

	next, err := svc.ProgressSession(ctx, "alice", start.SessionID, 0, 1, nil, "")
	require.NoError(t, err)
	assert.Equal(t, start.SessionID, next.SessionID)
}

func TestService_RemembersTimeZone(t *testing.T) {
	svc, _ := newService(t, memory.NewStore())
	ctx := context.Background()

	require.NoError(t, svc.SetVariable(ctx, "alice", "mood", "calm", "Europe/Amsterdam"))

	_, err := svc.StartSession(ctx, "alice", "greeting", "en", "", "s-tz")
	require.NoError(t, err)
	records, err := svc.GetSessionLog(ctx, "alice", "s-tz")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Europe/Amsterdam", records[0].Timezone)
	assert.Equal(t, "2024-06-01T12:00:00.000", records[0].LocalTime)

	require.NoError(t, svc.SetVariables(ctx, "alice", map[string]any{"energy": 3.0}, ""))
	_, err = svc.ContinueSession(ctx, "alice", "greeting", "")
	require.NoError(t, err)

	vars, err := svc.GetVariables(ctx, "alice", []string{"energy"})
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "Europe/Amsterdam", vars[0].UpdatedTimeZone)

	require.NoError(t, svc.SetVariable(ctx, "bob", "mood", "calm", ""))
	vars, err = svc.GetVariables(ctx, "bob", nil)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "UTC", vars[0].UpdatedTimeZone, "a user without a known zone gets UTC")
}

func TestService_DuplicateSessionID(t *testing.T) {
	svc, _ := newService(t, memory.NewStore())
	ctx := context.Background()

	_, err := svc.StartSession(ctx, "alice", "greeting", "en", "", "s-1")
	require.NoError(t, err)
	_, err = svc.StartSession(ctx, "alice", "greeting", "en", "", "s-1")
	assert.ErrorIs(t, err, domain.ErrSessionIDInUse)

	_, err = svc.StartSession(ctx, "bob", "greeting", "en", "", "s-1")
	assert.NoError(t, err, "session ids are unique per user")
}

func TestService_NoActiveSession(t *testing.T) {
	svc, _ := newService(t, memory.NewStore())
	ctx := context.Background()

	_, err := svc.ProgressSession(ctx, "alice", "s-1", 0, 1, nil, "")
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)
	_, err = svc.BackSession(ctx, "alice", "s-1", 0, "")
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)
	assert.ErrorIs(t, svc.CancelSession(ctx, "alice", "s-1"), domain.ErrNoActiveSession)
	assert.Equal(t, 0, svc.Registry().Active())
}

func TestService_InvalidInput(t *testing.T) {
	svc, _ := newService(t, memory.NewStore())
	ctx := context.Background()

	_, err := svc.StartSession(ctx, "alice", "greeting", "en", "Mars/Olympus", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.StartSession(ctx, "", "greeting", "en", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.StartSession(ctx, "alice", "", "en", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.GetVariables(ctx, "alice", []string{"ok", "not ok"})
	assert.ErrorIs(t, err, domain.ErrInvalidVariableName)

	assert.ErrorIs(t, svc.SetVariable(ctx, "alice", "1st", 1, ""), domain.ErrInvalidVariableName)
	assert.ErrorIs(t, svc.SetVariables(ctx, "alice", map[string]any{"a b": 1}, ""), domain.ErrInvalidVariableName)

	_, err = svc.SessionExists(ctx, "alice", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Equal(t, domain.CategoryClient, domain.Category(err))
}

func TestService_Variables(t *testing.T) {
	blobs := memory.NewStore()
	svc, _ := newService(t, blobs)
	ctx := context.Background()

	require.NoError(t, svc.SetVariables(ctx, "alice", map[string]any{"zeta": 1.5, "alpha": "a", "mid": true}, "Europe/Lisbon"))
	require.NoError(t, svc.SetVariable(ctx, "alice", "mid", nil, ""))

	all, err := svc.GetVariables(ctx, "alice", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zeta", all[1].Name)
	assert.Equal(t, "Europe/Lisbon", all[0].UpdatedTimeZone)

	some, err := svc.GetVariables(ctx, "alice", []string{"zeta", "missing"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, 1.5, some[0].Value)

	// A fresh process sees the persisted snapshot.
	restarted, _ := newService(t, blobs)
	all, err = restarted.GetVariables(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestService_OngoingAndContinueAfterRestart(t *testing.T) {
	blobs := memory.NewStore()
	svc, c := newService(t, blobs)
	ctx := context.Background()

	none, err := svc.GetOngoingDialogue(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, none)

	start, err := svc.StartSession(ctx, "alice", "greeting", "en", "", "")
	require.NoError(t, err)

	c.now = c.now.Add(90 * time.Second)
	ongoing, err := svc.GetOngoingDialogue(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, ongoing)
	assert.Equal(t, "greeting", ongoing.DialogueName)
	assert.Equal(t, int64(90), ongoing.SecondsSinceLastEngagement)

	restarted, _ := newService(t, blobs)
	cont, err := restarted.ContinueSession(ctx, "alice", "greeting", "")
	require.NoError(t, err)
	require.NotNil(t, cont)
	assert.Equal(t, start.LoggedDialogueID, cont.LoggedDialogueID)
	assert.Equal(t, 0, cont.InteractionIndex)

	next, err := restarted.ProgressSession(ctx, "alice", cont.LoggedDialogueID, 0, 2, nil, "")
	require.NoError(t, err)
	assert.Nil(t, next)

	ongoing, err = restarted.GetOngoingDialogue(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, ongoing)
}
