package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/membership"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

// MessageContent is the payload of a new message. At least one of Body and
// FileRef must be set.
type MessageContent struct {
	Body    string `json:"body,omitempty"`
	FileRef string `json:"fileRef,omitempty"`
}

func (c MessageContent) normalized() MessageContent {
	return MessageContent{Body: strings.TrimSpace(c.Body), FileRef: strings.TrimSpace(c.FileRef)}
}

func (c MessageContent) Validate() error {
	if strings.TrimSpace(c.Body) == "" && strings.TrimSpace(c.FileRef) == "" {
		return badRequest("message must include a body or a fileRef")
	}
	return nil
}

type SendDirectInput struct {
	WorkspaceID   string `json:"workspaceId"`
	ReceiverEmail string `json:"receiverEmail"`
	MessageContent
}

type ConversationPreview struct {
	OtherEmail         string    `json:"otherEmail"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageFileRef string    `json:"lastMessageFileRef,omitempty"`
	LastMessageTime    time.Time `json:"lastMessageTime"`
	UnreadCount        int       `json:"unreadCount"`
}

type WorkspaceConversations struct {
	WorkspaceID   string                `json:"workspaceId"`
	Conversations []ConversationPreview `json:"conversations"`
}

const attachmentPreview = "File attachment"

func (s *Service) SendDirectMessage(ctx context.Context, senderEmail string, in SendDirectInput) (store.DirectMessage, error) {
	workspaceID := strings.TrimSpace(in.WorkspaceID)
	sender := membership.NormalizeEmail(senderEmail)
	receiver := membership.NormalizeEmail(in.ReceiverEmail)
	if workspaceID == "" || receiver == "" {
		return store.DirectMessage{}, badRequest("workspaceId and receiverEmail are required")
	}
	if _, err := s.gate.RequireAccepted(ctx, workspaceID, sender); err != nil {
		return store.DirectMessage{}, err
	}
	if _, err := s.gate.RequireAccepted(ctx, workspaceID, receiver); err != nil {
		return store.DirectMessage{}, err
	}

	content := in.MessageContent.normalized()
	if err := content.Validate(); err != nil {
		return store.DirectMessage{}, err
	}
	if err := s.checkAttachment(ctx, content.FileRef); err != nil {
		return store.DirectMessage{}, err
	}

	msg := store.DirectMessage{
		ID:            util.NewID("dm"),
		WorkspaceID:   workspaceID,
		SenderEmail:   sender,
		ReceiverEmail: receiver,
		Body:          content.Body,
		FileRef:       content.FileRef,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.store.InsertDirectMessage(ctx, msg); err != nil {
		return store.DirectMessage{}, err
	}

	s.publish(ctx, Event{Name: EventReceiveMessage, Data: ReceivedMessage{Kind: KindDirect, Message: msg}},
		DirectRoom(workspaceID, sender), DirectRoom(workspaceID, receiver))
	return msg, nil
}

// FetchConversation returns the messages between userEmail and otherEmail
// oldest first, and marks the ones addressed to userEmail as read.
func (s *Service) FetchConversation(ctx context.Context, userEmail, otherEmail, workspaceID string) ([]store.DirectMessage, error) {
	user := membership.NormalizeEmail(userEmail)
	other := membership.NormalizeEmail(otherEmail)
	workspaceID = strings.TrimSpace(workspaceID)
	if _, err := s.gate.RequireAccepted(ctx, workspaceID, user); err != nil {
		return nil, err
	}
	if _, err := s.gate.RequireAccepted(ctx, workspaceID, other); err != nil {
		return nil, err
	}

	messages, err := s.store.ListDirectMessages(ctx, workspaceID, user, other)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, notFound("no messages found between users")
	}

	if _, err := s.store.MarkDirectMessagesRead(ctx, workspaceID, other, user); err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].ReceiverEmail == user {
			messages[i].IsRead = true
		}
	}
	return messages, nil
}

// ListConversations groups the latest message of every conversation by
// workspace. Workspaces are ordered by their most recent conversation.
func (s *Service) ListConversations(ctx context.Context, userEmail string) ([]WorkspaceConversations, error) {
	summaries, err := s.store.ListConversationSummaries(ctx, membership.NormalizeEmail(userEmail))
	if err != nil {
		return nil, err
	}

	out := make([]WorkspaceConversations, 0)
	index := map[string]int{}
	for _, summary := range summaries {
		i, ok := index[summary.WorkspaceID]
		if !ok {
			i = len(out)
			index[summary.WorkspaceID] = i
			out = append(out, WorkspaceConversations{WorkspaceID: summary.WorkspaceID})
		}
		preview := summary.LastBody
		if preview == "" {
			preview = attachmentPreview
		}
		out[i].Conversations = append(out[i].Conversations, ConversationPreview{
			OtherEmail:         summary.OtherEmail,
			LastMessagePreview: preview,
			LastMessageFileRef: summary.LastFileRef,
			LastMessageTime:    summary.LastMessageAt,
			UnreadCount:        summary.UnreadCount,
		})
	}

	for _, group := range out {
		sort.SliceStable(group.Conversations, func(a, b int) bool {
			return group.Conversations[a].LastMessageTime.After(group.Conversations[b].LastMessageTime)
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Conversations[0].LastMessageTime.After(out[b].Conversations[0].LastMessageTime)
	})
	return out, nil
}

func (s *Service) DeleteDirectMessage(ctx context.Context, messageID, requesterEmail string) (store.DirectMessage, error) {
	msg, err := s.store.GetDirectMessage(ctx, strings.TrimSpace(messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.DirectMessage{}, notFound("message not found")
	}
	if err != nil {
		return store.DirectMessage{}, err
	}
	if msg.SenderEmail != membership.NormalizeEmail(requesterEmail) {
		return store.DirectMessage{}, forbidden("only the sender can delete this message")
	}
	if err := s.store.DeleteDirectMessage(ctx, msg.ID); err != nil {
		return store.DirectMessage{}, err
	}

	s.log.Info("direct message deleted",
		zap.String("message_id", msg.ID),
		zap.String("workspace_id", msg.WorkspaceID),
	)
	s.publish(ctx, Event{Name: EventMessageDeleted, Data: DeletedMessage{Kind: KindDirect, MessageID: msg.ID, WorkspaceID: msg.WorkspaceID}},
		DirectRoom(msg.WorkspaceID, msg.SenderEmail), DirectRoom(msg.WorkspaceID, msg.ReceiverEmail))
	return msg, nil
}
