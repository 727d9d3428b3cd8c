package executor

import (
	"context"
	"fmt"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
)

// State is a position in a logged dialogue: the interaction at Index of
// Logged, and the graph node that interaction refers to.
//
// A State is rebuilt from storage for every request; nothing assumes a
// previous request left it in memory.
type State struct {
	Dialogue *domain.Dialogue
	Logged   *domain.LoggedDialogue
	Index    int
	Node     *domain.Node
}

// Interaction returns the interaction the state points at.
func (s *State) Interaction() domain.LoggedInteraction {
	return s.Logged.Interactions[s.Index]
}

// GetDialogueState rebuilds the state at index of the logged dialogue
// identified by ref, which is either a logged dialogue id or a session id.
// For a session id the most recent record of the session is used.
func (e *Executor) GetDialogueState(ctx context.Context, ref string, index int) (*State, error) {
	logged, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if logged == nil {
		return nil, fmt.Errorf("%w: logged dialogue %q", domain.ErrDialogueNotFound, ref)
	}
	return e.stateAt(ctx, logged, index)
}

func (e *Executor) stateAt(ctx context.Context, logged *domain.LoggedDialogue, index int) (*State, error) {
	if index < 0 || index >= len(logged.Interactions) {
		return nil, fmt.Errorf("%w: index %d of %d in %s", domain.ErrInteractionNotFound, index, len(logged.Interactions), logged.ID)
	}
	d, err := e.dialogue(ctx, logged.DialogueName, logged.Language)
	if err != nil {
		return nil, err
	}
	title := logged.Interactions[index].NodeTitle
	node, ok := d.Node(title)
	if !ok {
		return nil, fmt.Errorf("%w: %s in dialogue %s", domain.ErrNodeNotFound, title, d.Name)
	}
	return &State{Dialogue: d, Logged: logged, Index: index, Node: node}, nil
}

// resolve maps ref to a record. A session id is matched against unit keys
// first and yields the newest record of that session; anything else is
// looked up as a logged dialogue id.
func (e *Executor) resolve(ctx context.Context, ref string) (*domain.LoggedDialogue, error) {
	isSession, err := e.logs.ExistsSessionID(ctx, ref)
	if err != nil {
		return nil, err
	}
	if isSession {
		records, err := e.logs.ReadSession(ctx, ref)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records[len(records)-1], nil
		}
	}
	return e.logs.FindLoggedDialogue(ctx, ref)
}
