package store

import "time"

const (
	MembershipPending  = "pending"
	MembershipAccepted = "accepted"
	MembershipDeclined = "declined"
)

type Workspace struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerEmail string    `json:"ownerEmail"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Membership struct {
	WorkspaceID string    `json:"workspaceId"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DirectMessage is a peer-to-peer message scoped to one workspace.
// Body and FileRef are stored as NULL when empty; at least one is set.
type DirectMessage struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspaceId"`
	SenderEmail   string    `json:"senderEmail"`
	ReceiverEmail string    `json:"receiverEmail"`
	Body          string    `json:"body,omitempty"`
	FileRef       string    `json:"fileRef,omitempty"`
	IsRead        bool      `json:"isRead"`
	CreatedAt     time.Time `json:"createdAt"`
}

// BroadcastMessage is a workspace-wide message. PinExpiresAt is non-nil
// exactly when IsPinned is true.
type BroadcastMessage struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspaceId"`
	SenderEmail  string     `json:"senderEmail"`
	Body         string     `json:"body,omitempty"`
	FileRef      string     `json:"fileRef,omitempty"`
	IsPinned     bool       `json:"isPinned"`
	PinExpiresAt *time.Time `json:"pinExpiresAt"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type Notification struct {
	ID         string    `json:"id"`
	Recipients []string  `json:"recipients"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ConversationSummary is the latest message between a user and one other
// participant inside a workspace.
type ConversationSummary struct {
	WorkspaceID   string
	OtherEmail    string
	LastBody      string
	LastFileRef   string
	LastMessageAt time.Time
	UnreadCount   int
}
