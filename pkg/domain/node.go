package domain

import (
	"regexp"
	"sort"
)

// EndNodeID is the reserved node id that terminates a dialogue.
const EndNodeID = "End"

// Dialogue is a read-only graph of nodes for one language.
type Dialogue struct {
	Name        string           `json:"name"`
	Language    string           `json:"language"`
	StartNodeID string           `json:"start"`
	Nodes       map[string]*Node `json:"nodes"`
}

// Node is one step of a dialogue.
type Node struct {
	Title     string         `json:"title"`
	Speaker   string         `json:"speaker,omitempty"`
	Statement string         `json:"statement"`
	Set       map[string]any `json:"set,omitempty"`
	Replies   []Reply        `json:"replies,omitempty"`
}

// Reply is an option offered to the user on a node.
// An empty Statement denotes an auto-forward reply.
type Reply struct {
	ID        int         `json:"id"`
	Statement string      `json:"statement,omitempty"`
	Next      NodePointer `json:"next"`
	Input     []string    `json:"input,omitempty"`
	When      *Condition  `json:"when,omitempty"`
}

// Condition gates a reply on the current value of a variable.
// A nil Equals checks that the variable is set and truthy.
type Condition struct {
	Variable string `json:"variable"`
	Equals   any    `json:"equals,omitempty"`
}

// NodePointer targets a node in the same dialogue, or in another one when Dialogue is set.
type NodePointer struct {
	Dialogue string `json:"dialogue,omitempty"`
	Node     string `json:"node"`
}

// IsExternal reports whether the pointer leaves the current dialogue.
func (p NodePointer) IsExternal() bool {
	return p.Dialogue != ""
}

// IsEnd reports whether following the pointer ends the dialogue.
func (p NodePointer) IsEnd() bool {
	return !p.IsExternal() && (p.Node == "" || p.Node == EndNodeID)
}

// StartNode returns the designated start node.
func (d *Dialogue) StartNode() (*Node, bool) {
	return d.Node(d.StartNodeID)
}

// Node looks up a node by title.
func (d *Dialogue) Node(id string) (*Node, bool) {
	n, ok := d.Nodes[id]
	return n, ok
}

var variableRefPattern = regexp.MustCompile(`\$([A-Za-z]\w*)`)

// VariablesNeeded lists, sorted and unique, every variable the dialogue reads.
func (d *Dialogue) VariablesNeeded() []string {
	seen := make(map[string]struct{})
	for _, n := range d.Nodes {
		for _, m := range variableRefPattern.FindAllStringSubmatch(n.Statement, -1) {
			seen[m[1]] = struct{}{}
		}
		for _, r := range n.Replies {
			for _, m := range variableRefPattern.FindAllStringSubmatch(r.Statement, -1) {
				seen[m[1]] = struct{}{}
			}
			if r.When != nil {
				seen[r.When.Variable] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reply looks up a reply by id.
func (n *Node) Reply(id int) (*Reply, bool) {
	for i := range n.Replies {
		if n.Replies[i].ID == id {
			return &n.Replies[i], true
		}
	}
	return nil, false
}
