package domain

// RenderedNode is the client-visible result of executing a node.
type RenderedNode struct {
	Dialogue         string          `json:"dialogue"`
	Node             string          `json:"node"`
	Speaker          string          `json:"speaker,omitempty"`
	Statement        string          `json:"statement"`
	Replies          []RenderedReply `json:"replies"`
	SessionID        string          `json:"sessionId"`
	LoggedDialogueID string          `json:"loggedDialogueId"`
	InteractionIndex int             `json:"loggedInteractionIndex"`
}

// RenderedReply is a reply as offered to the client.
type RenderedReply struct {
	ID           int      `json:"replyId"`
	Statement    string   `json:"statement,omitempty"`
	EndsDialogue bool     `json:"endsDialogue"`
	Input        []string `json:"input,omitempty"`
}

// Render builds the client view of an evaluated node logged in logged at index.
func Render(node *Node, logged *LoggedDialogue, index int) *RenderedNode {
	out := &RenderedNode{
		Dialogue:         logged.DialogueName,
		Node:             node.Title,
		Speaker:          node.Speaker,
		Statement:        node.Statement,
		Replies:          make([]RenderedReply, 0, len(node.Replies)),
		SessionID:        logged.SessionID,
		LoggedDialogueID: logged.ID,
		InteractionIndex: index,
	}
	for _, r := range node.Replies {
		out.Replies = append(out.Replies, RenderedReply{
			ID:           r.ID,
			Statement:    r.Statement,
			EndsDialogue: r.Next.IsEnd(),
			Input:        r.Input,
		})
	}
	return out
}
