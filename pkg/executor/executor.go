package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/internal/logging"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/logstore"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/ports"
	"github.com/dialoguebranch/dlb-web-sub000/pkg/variables"
)

// DefaultMaxSessionIDAttempts bounds the search for an unused session id.
const DefaultMaxSessionIDAttempts = 100

// userSpeaker is the speaker of logged USER interactions.
const userSpeaker = "USER"

// Executor runs the dialogues of one user.
//
// An Executor is not safe for concurrent use; the session registry
// serializes all calls for a user.
type Executor struct {
	user      string
	dialogues ports.DialogueProvider
	evaluator ports.Evaluator
	vars      *variables.Store
	logs      *logstore.Store

	syncer        ports.VariableSyncer
	hooks         domain.LifecycleHooks
	logger        *slog.Logger
	newSessionID  func() string
	maxIDAttempts int
}

// Option configures the Executor.
type Option func(*Executor)

// WithSyncer pulls the variables a dialogue needs from syncer on every start.
func WithSyncer(syncer ports.VariableSyncer) Option {
	return func(e *Executor) {
		e.syncer = syncer
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Executor) {
		e.hooks = hooks
	}
}

// WithLogger configures a logger for the Executor.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithSessionIDGenerator replaces the random session id generator.
func WithSessionIDGenerator(gen func() string) Option {
	return func(e *Executor) {
		e.newSessionID = gen
	}
}

// WithMaxSessionIDAttempts bounds how many generated ids are tried.
func WithMaxSessionIDAttempts(n int) Option {
	return func(e *Executor) {
		e.maxIDAttempts = n
	}
}

// New creates the executor of user.
func New(user string, dialogues ports.DialogueProvider, evaluator ports.Evaluator, vars *variables.Store, logs *logstore.Store, opts ...Option) *Executor {
	e := &Executor{
		user:          user,
		dialogues:     dialogues,
		evaluator:     evaluator,
		vars:          vars,
		logs:          logs,
		logger:        logging.NewNop(),
		newSessionID:  domain.NewID,
		maxIDAttempts: DefaultMaxSessionIDAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins dialogueName at nodeID, or at its start node when nodeID is
// empty. An empty sessionID is replaced by a fresh one; a supplied one must
// not be in use yet.
func (e *Executor) Start(ctx context.Context, dialogueName, language, nodeID, sessionID string, at time.Time) (*domain.RenderedNode, error) {
	d, err := e.dialogue(ctx, dialogueName, language)
	if err != nil {
		return nil, err
	}
	node, err := entryNode(d, nodeID)
	if err != nil {
		return nil, err
	}

	if sessionID == "" {
		if sessionID, err = e.generateSessionID(ctx); err != nil {
			return nil, err
		}
	} else {
		inUse, err := e.logs.ExistsSessionID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionIDInUse, sessionID)
		}
	}
	return e.start(ctx, d, node, language, sessionID, 0, at)
}

// start runs node as the first step of a new record. A zero sessionStart
// opens a new session envelope.
func (e *Executor) start(ctx context.Context, d *domain.Dialogue, node *domain.Node, language, sessionID string, sessionStart int64, at time.Time) (*domain.RenderedNode, error) {
	if err := e.pull(ctx, d, at); err != nil {
		return nil, err
	}
	rendered, err := e.evaluate(ctx, d, node, at)
	if err != nil {
		return nil, err
	}

	logged := domain.NewLoggedDialogue(e.user, sessionID, sessionStart, d.Name, language, at)
	index := e.appendAgent(logged, rendered, domain.NoPrevious, at)
	if err := e.logs.SaveSession(ctx, logged); err != nil {
		return nil, err
	}

	e.logger.Info("Dialogue started",
		"user", e.user,
		"dialogue", d.Name,
		"node", node.Title,
		"session_id", sessionID,
		"logged_dialogue_id", logged.ID,
	)
	e.emitStart(ctx, logged, at)
	e.emitInteraction(ctx, logged, index, at)
	if logged.Completed {
		e.emitEnd(ctx, logged, at)
	}
	return domain.Render(rendered, logged, index), nil
}

// Progress answers the node at index with replyID. input holds the
// variables the reply collected.
//
// The returned node is nil when the reply ends the dialogue. A reply that
// points into another dialogue completes this record and starts the target
// under the same session.
func (e *Executor) Progress(ctx context.Context, ref string, index, replyID int, input map[string]any, at time.Time) (*domain.RenderedNode, error) {
	state, err := e.GetDialogueState(ctx, ref, index)
	if err != nil {
		return nil, err
	}
	logged := state.Logged
	if logged.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionTerminal, logged.ID)
	}
	reply, ok := state.Node.Reply(replyID)
	if !ok {
		return nil, fmt.Errorf("%w: %d on node %s", domain.ErrReplyNotFound, replyID, state.Node.Title)
	}

	// Resolve the target before anything is written.
	var (
		target     = state.Dialogue
		targetNode *domain.Node
	)
	switch {
	case reply.Next.IsExternal():
		if target, err = e.dialogue(ctx, reply.Next.Dialogue, logged.Language); err != nil {
			return nil, err
		}
		if targetNode, err = entryNode(target, reply.Next.Node); err != nil {
			return nil, err
		}
	case !reply.Next.IsEnd():
		if targetNode, ok = state.Dialogue.Node(reply.Next.Node); !ok {
			return nil, fmt.Errorf("%w: %s in dialogue %s", domain.ErrNodeNotFound, reply.Next.Node, state.Dialogue.Name)
		}
	}

	if len(input) > 0 {
		if err := e.vars.AddAll(ctx, input, true, at, domain.SourceInputReply); err != nil {
			return nil, err
		}
	}

	userIndex := logged.Append(domain.LoggedInteraction{
		Timestamp:     at.UnixMilli(),
		MessageSource: domain.SourceUser,
		Speaker:       userSpeaker,
		DialogueName:  logged.DialogueName,
		NodeTitle:     state.Node.Title,
		PreviousIndex: state.Index,
		Statement:     reply.Statement,
		ReplyID:       replyID,
	})
	e.emitInteraction(ctx, logged, userIndex, at)

	if targetNode == nil || reply.Next.IsExternal() {
		logged.Completed = true
		if err := e.logs.SaveSession(ctx, logged); err != nil {
			return nil, err
		}
		e.emitEnd(ctx, logged, at)
		if targetNode == nil {
			return nil, nil
		}
		return e.start(ctx, target, targetNode, logged.Language, logged.SessionID, logged.SessionStartTime, at)
	}

	rendered, err := e.evaluate(ctx, state.Dialogue, targetNode, at)
	if err != nil {
		// Keep the reply the user gave before failing the request.
		if saveErr := e.logs.SaveSession(ctx, logged); saveErr != nil {
			return nil, errors.Join(err, saveErr)
		}
		return nil, err
	}
	agentIndex := e.appendAgent(logged, rendered, userIndex, at)
	if err := e.logs.SaveSession(ctx, logged); err != nil {
		return nil, err
	}
	e.emitInteraction(ctx, logged, agentIndex, at)
	if logged.Completed {
		e.emitEnd(ctx, logged, at)
	}
	return domain.Render(rendered, logged, agentIndex), nil
}

// Continue resumes the latest ongoing record of dialogueName. When the user
// has not answered its last agent step, that node is executed again.
// Otherwise, or when nothing is ongoing, it returns nil.
func (e *Executor) Continue(ctx context.Context, dialogueName string, at time.Time) (*domain.RenderedNode, error) {
	logged, err := e.logs.FindLatestOngoingDialogue(ctx, dialogueName)
	if err != nil || logged == nil {
		return nil, err
	}
	last, ok := logged.Last()
	if !ok || last.MessageSource != domain.SourceAgent {
		return nil, nil
	}
	state, err := e.stateAt(ctx, logged, len(logged.Interactions)-1)
	if err != nil {
		return nil, err
	}
	return e.executeCurrent(ctx, state, at)
}

// Back moves to the agent step before the interaction at index and
// executes that node again.
//
// Back rewinds the position only. Variables changed while visiting the
// node being left keep their values, and the node is re-executed against
// the current variables, so its "set" commands run again.
func (e *Executor) Back(ctx context.Context, ref string, index int, at time.Time) (*domain.RenderedNode, error) {
	state, err := e.GetDialogueState(ctx, ref, index)
	if err != nil {
		return nil, err
	}
	if state.Logged.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionTerminal, state.Logged.ID)
	}
	previous := state.Logged.PreviousAgentIndex(index)
	if previous != index {
		if state, err = e.stateAt(ctx, state.Logged, previous); err != nil {
			return nil, err
		}
	}
	return e.executeCurrent(ctx, state, at)
}

// Cancel marks the record identified by ref as cancelled. An unknown or
// already finished record is logged and ignored.
func (e *Executor) Cancel(ctx context.Context, ref string, at time.Time) error {
	logged, err := e.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if logged == nil {
		e.logger.Warn("Cancel requested for unknown logged dialogue", "user", e.user, "ref", ref)
		return nil
	}
	if logged.IsTerminal() {
		e.logger.Info("Cancel requested for finished logged dialogue", "user", e.user, "logged_dialogue_id", logged.ID)
		return nil
	}
	logged.Cancelled = true
	if err := e.logs.SaveSession(ctx, logged); err != nil {
		return err
	}
	e.emitEnd(ctx, logged, at)
	return nil
}

// executeCurrent re-runs the node of state without logging it.
func (e *Executor) executeCurrent(ctx context.Context, state *State, at time.Time) (*domain.RenderedNode, error) {
	rendered, err := e.evaluate(ctx, state.Dialogue, state.Node, at)
	if err != nil {
		return nil, err
	}
	return domain.Render(rendered, state.Logged, state.Index), nil
}

func (e *Executor) generateSessionID(ctx context.Context) (string, error) {
	for i := 0; i < e.maxIDAttempts; i++ {
		id := e.newSessionID()
		inUse, err := e.logs.ExistsSessionID(ctx, id)
		if err != nil {
			return "", err
		}
		if !inUse {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to generate an unused session id after %d attempts", e.maxIDAttempts)
}

func (e *Executor) dialogue(ctx context.Context, name, language string) (*domain.Dialogue, error) {
	d, err := e.dialogues.Dialogue(ctx, name, language)
	if err != nil {
		if errors.Is(err, domain.ErrDialogueNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load dialogue %s: %w", name, err)
	}
	return d, nil
}

func entryNode(d *domain.Dialogue, nodeID string) (*domain.Node, error) {
	if nodeID == "" {
		nodeID = d.StartNodeID
	}
	node, ok := d.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s in dialogue %s", domain.ErrNodeNotFound, nodeID, d.Name)
	}
	return node, nil
}

// pull refreshes the variables d needs from the external service.
func (e *Executor) pull(ctx context.Context, d *domain.Dialogue, at time.Time) error {
	names := d.VariablesNeeded()
	if e.syncer == nil || len(names) == 0 {
		return nil
	}
	updates := e.syncer.Pull(ctx, e.user, at.Location().String(), e.vars.Snapshot(names), names)

	updated := make([]string, 0, len(updates))
	for name := range updates {
		updated = append(updated, name)
	}
	sort.Strings(updated)

	for _, name := range updated {
		if err := domain.ValidateVariableName(name); err != nil {
			e.logger.Warn("Ignoring external update with invalid name", "user", e.user, "err", err)
			continue
		}
		var err error
		if v := updates[name]; v == nil {
			err = e.vars.RemoveByName(ctx, name, true, at, domain.SourceExternalService)
		} else {
			err = e.vars.SetValue(ctx, name, v.Value, true, v.UpdatedTime, domain.SourceExternalService)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) evaluate(ctx context.Context, d *domain.Dialogue, node *domain.Node, at time.Time) (*domain.Node, error) {
	out, err := e.evaluator.Evaluate(ctx, d, node, e.vars, at)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, domain.ErrEvaluation) || errors.Is(err, domain.ErrStorage) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: node %s: %w", domain.ErrEvaluation, node.Title, err)
}

// appendAgent logs an AGENT step and completes the record when the node
// offers no replies.
func (e *Executor) appendAgent(logged *domain.LoggedDialogue, node *domain.Node, previous int, at time.Time) int {
	index := logged.Append(domain.LoggedInteraction{
		Timestamp:     at.UnixMilli(),
		MessageSource: domain.SourceAgent,
		Speaker:       node.Speaker,
		DialogueName:  logged.DialogueName,
		NodeTitle:     node.Title,
		PreviousIndex: previous,
		Statement:     node.Statement,
		ReplyID:       domain.NoReply,
	})
	if len(node.Replies) == 0 {
		logged.Completed = true
	}
	return index
}

func (e *Executor) sessionEvent(logged *domain.LoggedDialogue, at time.Time) domain.SessionEvent {
	return domain.SessionEvent{
		Timestamp:        at,
		User:             e.user,
		SessionID:        logged.SessionID,
		LoggedDialogueID: logged.ID,
		DialogueName:     logged.DialogueName,
		Completed:        logged.Completed,
		Cancelled:        logged.Cancelled,
	}
}

func (e *Executor) emitStart(ctx context.Context, logged *domain.LoggedDialogue, at time.Time) {
	if e.hooks.OnSessionStart != nil {
		ev := e.sessionEvent(logged, at)
		e.hooks.OnSessionStart(ctx, &ev)
	}
}

func (e *Executor) emitInteraction(ctx context.Context, logged *domain.LoggedDialogue, index int, at time.Time) {
	if e.hooks.OnInteraction != nil {
		i := logged.Interactions[index]
		ev := domain.InteractionEvent{
			SessionEvent: e.sessionEvent(logged, at),
			Source:       i.MessageSource,
			Node:         i.NodeTitle,
		}
		e.hooks.OnInteraction(ctx, &ev)
	}
}

func (e *Executor) emitEnd(ctx context.Context, logged *domain.LoggedDialogue, at time.Time) {
	if e.hooks.OnSessionEnd != nil {
		ev := e.sessionEvent(logged, at)
		e.hooks.OnSessionEnd(ctx, &ev)
	}
}
