package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalTimeLayout is the layout of LoggedDialogue.LocalTime.
const LocalTimeLayout = "2006-01-02T15:04:05.000"

// MessageSource tells who produced a logged interaction.
type MessageSource string

const (
	SourceAgent MessageSource = "AGENT"
	SourceUser  MessageSource = "USER"
)

// NoReply is the ReplyID of agent interactions.
const NoReply = -1

// NoPrevious is the PreviousIndex of the first interaction of a record.
const NoPrevious = -1

// LoggedInteraction is one turn of a session.
// PreviousIndex links backwards within the owning record's interaction list.
type LoggedInteraction struct {
	Timestamp     int64         `json:"timestamp"`
	MessageSource MessageSource `json:"messageSource"`
	Speaker       string        `json:"speaker,omitempty"`
	DialogueName  string        `json:"dialogueName"`
	NodeTitle     string        `json:"nodeTitle"`
	PreviousIndex int           `json:"previousIndex"`
	Statement     string        `json:"statement"`
	ReplyID       int           `json:"replyId"`
}

// LoggedDialogue is the durable record of one dialogue run within a session.
// Records sharing SessionID and SessionStartTime are stored as one unit.
type LoggedDialogue struct {
	ID               string              `json:"id"`
	SessionID        string              `json:"sessionId"`
	SessionStartTime int64               `json:"sessionStartTime"`
	User             string              `json:"user"`
	LocalTime        string              `json:"localTime"`
	UTCTime          int64               `json:"utcTime"`
	Timezone         string              `json:"timezone"`
	DialogueName     string              `json:"dialogueName"`
	Language         string              `json:"language"`
	Completed        bool                `json:"completed"`
	Cancelled        bool                `json:"cancelled"`
	Interactions     []LoggedInteraction `json:"interactionList"`
}

// NewLoggedDialogue creates an empty record started at the given time.
// A zero sessionStartTime means the record opens a new session envelope.
func NewLoggedDialogue(user, sessionID string, sessionStartTime int64, dialogue, language string, at time.Time) *LoggedDialogue {
	if sessionStartTime == 0 {
		sessionStartTime = at.UnixMilli()
	}
	return &LoggedDialogue{
		ID:               NewID(),
		SessionID:        sessionID,
		SessionStartTime: sessionStartTime,
		User:             user,
		LocalTime:        at.Format(LocalTimeLayout),
		UTCTime:          at.UnixMilli(),
		Timezone:         at.Location().String(),
		DialogueName:     dialogue,
		Language:         language,
		Interactions:     []LoggedInteraction{},
	}
}

// NewID returns a random UUID without dashes.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsTerminal reports whether the record is completed or cancelled.
func (d *LoggedDialogue) IsTerminal() bool {
	return d.Completed || d.Cancelled
}

// IsOngoing is the negation of IsTerminal.
func (d *LoggedDialogue) IsOngoing() bool {
	return !d.IsTerminal()
}

// Append adds an interaction and returns its index.
func (d *LoggedDialogue) Append(i LoggedInteraction) int {
	d.Interactions = append(d.Interactions, i)
	return len(d.Interactions) - 1
}

// Last returns the most recent interaction.
func (d *LoggedDialogue) Last() (LoggedInteraction, bool) {
	if len(d.Interactions) == 0 {
		return LoggedInteraction{}, false
	}
	return d.Interactions[len(d.Interactions)-1], true
}

// PreviousAgentIndex walks PreviousIndex links back from start and returns the
// nearest earlier AGENT interaction. It returns start when there is none.
func (d *LoggedDialogue) PreviousAgentIndex(start int) int {
	if start < 0 || start >= len(d.Interactions) {
		return start
	}
	visited := make(map[int]struct{})
	idx := d.Interactions[start].PreviousIndex
	for idx >= 0 && idx < len(d.Interactions) {
		if _, loop := visited[idx]; loop {
			break
		}
		visited[idx] = struct{}{}
		if d.Interactions[idx].MessageSource == SourceAgent {
			return idx
		}
		idx = d.Interactions[idx].PreviousIndex
	}
	return start
}

// Clone returns a deep copy of the record.
func (d *LoggedDialogue) Clone() *LoggedDialogue {
	out := *d
	out.Interactions = make([]LoggedInteraction, len(d.Interactions))
	copy(out.Interactions, d.Interactions)
	return &out
}
