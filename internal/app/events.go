package app

import "strings"

const (
	EventReceiveMessage = "receive-message"
	EventMessageDeleted = "message-deleted"
	EventMessagePinned  = "message-pinned"
)

type MessageKind string

const (
	KindDirect    MessageKind = "direct"
	KindBroadcast MessageKind = "broadcast"
)

// Event is one outbound realtime frame.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type ReceivedMessage struct {
	Kind    MessageKind `json:"kind"`
	Message any         `json:"message"`
}

type DeletedMessage struct {
	Kind        MessageKind `json:"kind"`
	MessageID   string      `json:"messageId"`
	WorkspaceID string      `json:"workspaceId"`
}

type PinnedMessage struct {
	Message any `json:"message"`
}

func WorkspaceRoom(workspaceID string) string {
	return "workspace:" + workspaceID
}

// DirectRoom is the per-member room that receives direct messages sent to
// or by email within a workspace.
func DirectRoom(workspaceID, email string) string {
	return "direct:" + workspaceID + ":" + strings.ToLower(strings.TrimSpace(email))
}
