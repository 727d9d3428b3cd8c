package domain

import (
	"sort"
	"time"
)

// ChangeKind tags the variant of a VariableStoreChange.
type ChangeKind string

const (
	ChangePut    ChangeKind = "put"
	ChangeRemove ChangeKind = "remove"
	ChangeClear  ChangeKind = "clear"
)

// ChangeSource tells who originated a variable mutation.
type ChangeSource string

const (
	SourceInputReply      ChangeSource = "INPUT_REPLY"
	SourceExternalService ChangeSource = "EXTERNAL_VARIABLE_SERVICE"
	SourceWebService      ChangeSource = "WEB_SERVICE"
	SourceDialogueScript  ChangeSource = "DIALOGUE_SCRIPT"
)

// VariableStoreChange describes one mutation of a variable store.
// Put carries Variables, Remove carries Names, Clear carries neither.
type VariableStoreChange struct {
	Kind      ChangeKind
	Variables map[string]any
	Names     []string
	Source    ChangeSource
	Time      time.Time
}

// NewPutChange builds a Put change for the given values.
func NewPutChange(values map[string]any, source ChangeSource, at time.Time) VariableStoreChange {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return VariableStoreChange{Kind: ChangePut, Variables: copied, Source: source, Time: at}
}

// NewRemoveChange builds a Remove change. Names are sorted for stable output.
func NewRemoveChange(names []string, source ChangeSource, at time.Time) VariableStoreChange {
	copied := append([]string(nil), names...)
	sort.Strings(copied)
	return VariableStoreChange{Kind: ChangeRemove, Names: copied, Source: source, Time: at}
}

// NewClearChange builds a Clear change.
func NewClearChange(source ChangeSource, at time.Time) VariableStoreChange {
	return VariableStoreChange{Kind: ChangeClear, Source: source, Time: at}
}

// FromExternalService reports whether the change must not be pushed back upstream.
func (c VariableStoreChange) FromExternalService() bool {
	return c.Source == SourceExternalService
}
