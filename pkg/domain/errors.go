package domain

import "errors"

// Client errors. They are reported before any state is mutated.
var (
	// ErrDialogueNotFound is returned when a dialogue definition or a logged dialogue cannot be found.
	ErrDialogueNotFound = errors.New("dialogue not found")

	// ErrNodeNotFound is returned when a node id does not exist in the dialogue graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInteractionNotFound is returned when an interaction index is outside the logged interactions.
	ErrInteractionNotFound = errors.New("interaction not found")

	// ErrReplyNotFound is returned when a reply id does not exist on the current node.
	ErrReplyNotFound = errors.New("reply not found")

	// ErrNoActiveSession is returned when an operation needs a user context that was never started.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionIDInUse is returned when a caller-supplied session id already exists.
	ErrSessionIDInUse = errors.New("session id already in use")

	// ErrSessionTerminal is returned when a completed or cancelled session would be mutated.
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrInvalidVariableName is returned for names that do not match [A-Za-z]\w*.
	ErrInvalidVariableName = errors.New("invalid variable name")

	// ErrInvalidInput is returned for malformed request parameters.
	ErrInvalidInput = errors.New("invalid input")
)

// ErrUnauthorized is returned when a credential is missing, expired or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// ErrStorage marks unreadable, corrupt or unwritable persisted data.
var ErrStorage = errors.New("storage error")

// ErrBlobNotFound is returned by blob stores when a key does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// ErrEvaluation marks a failure inside the dialogue expression evaluator.
var ErrEvaluation = errors.New("expression evaluation failed")

// ErrUpstream marks a failure talking to the external variable service.
var ErrUpstream = errors.New("external variable service error")

// ErrorCategory groups errors so the transport can map them to distinct statuses.
type ErrorCategory string

const (
	CategoryNone     ErrorCategory = ""
	CategoryClient   ErrorCategory = "client"
	CategoryNotFound ErrorCategory = "not_found"
	CategoryConflict ErrorCategory = "conflict"
	CategoryAuth     ErrorCategory = "auth"
	CategoryStorage  ErrorCategory = "storage"
	CategoryUpstream ErrorCategory = "upstream"
	CategoryInternal ErrorCategory = "internal"
)

// Category classifies err by the sentinel it wraps.
func Category(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrUnauthorized):
		return CategoryAuth
	case errors.Is(err, ErrDialogueNotFound),
		errors.Is(err, ErrNodeNotFound),
		errors.Is(err, ErrInteractionNotFound),
		errors.Is(err, ErrReplyNotFound),
		errors.Is(err, ErrNoActiveSession):
		return CategoryNotFound
	case errors.Is(err, ErrSessionIDInUse),
		errors.Is(err, ErrInvalidVariableName),
		errors.Is(err, ErrInvalidInput):
		return CategoryClient
	case errors.Is(err, ErrSessionTerminal):
		return CategoryConflict
	case errors.Is(err, ErrStorage), errors.Is(err, ErrBlobNotFound):
		return CategoryStorage
	case errors.Is(err, ErrUpstream):
		return CategoryUpstream
	default:
		return CategoryInternal
	}
}
