package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/membership"
	"huddle/api/internal/mention"
	"huddle/api/internal/notify"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

type PostBroadcastInput struct {
	WorkspaceID string `json:"workspaceId"`
	MessageContent
}

type SetPinInput struct {
	Pinned   bool
	Duration string
}

var pinDurations = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParsePinDuration accepts 24h, 7d or 30d.
func ParsePinDuration(value string) (time.Duration, error) {
	d, ok := pinDurations[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return 0, badRequest("duration is required and must be one of 24h, 7d, 30d")
	}
	return d, nil
}

const newMessagePreviewWords = 5

func (s *Service) PostBroadcastMessage(ctx context.Context, senderEmail string, in PostBroadcastInput) (store.BroadcastMessage, error) {
	workspaceID := strings.TrimSpace(in.WorkspaceID)
	sender := membership.NormalizeEmail(senderEmail)
	if workspaceID == "" {
		return store.BroadcastMessage{}, badRequest("workspaceId is required")
	}
	if _, err := s.gate.RequireAccepted(ctx, workspaceID, sender); err != nil {
		return store.BroadcastMessage{}, err
	}

	content := in.MessageContent.normalized()
	if err := content.Validate(); err != nil {
		return store.BroadcastMessage{}, err
	}
	if err := s.checkAttachment(ctx, content.FileRef); err != nil {
		return store.BroadcastMessage{}, err
	}

	msg := store.BroadcastMessage{
		ID:          util.NewID("bm"),
		WorkspaceID: workspaceID,
		SenderEmail: sender,
		Body:        content.Body,
		FileRef:     content.FileRef,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.InsertBroadcastMessage(ctx, msg); err != nil {
		return store.BroadcastMessage{}, err
	}

	s.publish(ctx, Event{Name: EventReceiveMessage, Data: ReceivedMessage{Kind: KindBroadcast, Message: msg}}, WorkspaceRoom(workspaceID))
	if s.search != nil && msg.Body != "" {
		s.search.IndexMessage(search.MessageRecord{
			ID:          msg.ID,
			WorkspaceID: msg.WorkspaceID,
			SenderEmail: msg.SenderEmail,
			Body:        msg.Body,
			CreatedAt:   msg.CreatedAt.Unix(),
		})
	}
	s.notifyPosted(ctx, msg)
	return msg, nil
}

// notifyPosted runs the mention and new-message notifications for a stored
// message. Failures are logged; the post itself has already succeeded.
func (s *Service) notifyPosted(ctx context.Context, msg store.BroadcastMessage) {
	if s.notifier == nil {
		return
	}
	log := s.log.With(zap.String("message_id", msg.ID), zap.String("workspace_id", msg.WorkspaceID))

	workspaceName := msg.WorkspaceID
	if ws, err := s.store.GetWorkspace(ctx, msg.WorkspaceID); err == nil {
		workspaceName = ws.Name
	}
	members, err := s.acceptedMembers(ctx, msg.WorkspaceID, msg.SenderEmail)
	if err != nil {
		log.Error("list workspace members for notification", zap.Error(err))
		return
	}

	// Mentions only notify accepted members other than the sender. Handles
	// naming outsiders or pending invitees are dropped.
	if mentioned := filterMembers(mention.Identities(mention.Extract(msg.Body)), members); len(mentioned) > 0 {
		title := fmt.Sprintf("You were mentioned in %s", workspaceName)
		body := fmt.Sprintf("%s mentioned you: %s", msg.SenderEmail, msg.Body)
		if _, err := s.notifier.Notify(ctx, mentioned, notify.TypeMention, title, body); err != nil {
			log.Error("mention notification failed", zap.Error(err))
		}
	}

	preview := mention.FirstNWords(msg.Body, newMessagePreviewWords)
	if preview == "" {
		preview = attachmentPreview
	}
	title := fmt.Sprintf("New message in %s", workspaceName)
	body := fmt.Sprintf("%s: %s", msg.SenderEmail, preview)
	if _, err := s.notifier.Notify(ctx, members, notify.TypeNewMessage, title, body); err != nil {
		log.Error("new message notification failed", zap.Error(err))
	}
}

// filterMembers keeps the identities that are in members, preserving order.
func filterMembers(identities, members []string) []string {
	allowed := make(map[string]struct{}, len(members))
	for _, m := range members {
		allowed[m] = struct{}{}
	}
	out := make([]string, 0, len(identities))
	for _, id := range identities {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) ListBroadcastMessages(ctx context.Context, workspaceID, requesterEmail string) ([]store.BroadcastMessage, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if _, err := s.gate.RequireAccepted(ctx, workspaceID, requesterEmail); err != nil {
		return nil, err
	}
	messages, err := s.store.ListBroadcastMessages(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, notFound("no messages found in this workspace")
	}
	return messages, nil
}

// SetPin pins or unpins a broadcast message on behalf of an accepted member
// of its workspace.
func (s *Service) SetPin(ctx context.Context, messageID, requesterEmail string, in SetPinInput) (store.BroadcastMessage, error) {
	msg, err := s.store.GetBroadcastMessage(ctx, strings.TrimSpace(messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.BroadcastMessage{}, notFound("message not found")
	}
	if err != nil {
		return store.BroadcastMessage{}, err
	}
	if _, err := s.gate.RequireAccepted(ctx, msg.WorkspaceID, requesterEmail); err != nil {
		return store.BroadcastMessage{}, err
	}

	var updated store.BroadcastMessage
	if in.Pinned {
		d, parseErr := ParsePinDuration(in.Duration)
		if parseErr != nil {
			return store.BroadcastMessage{}, parseErr
		}
		updated, err = s.store.PinBroadcastMessage(ctx, msg.ID, msg.WorkspaceID, s.clock.Now().Add(d), MaxPinnedPerWorkspace)
		if errors.Is(err, store.ErrPinLimitReached) {
			return store.BroadcastMessage{}, badRequest(fmt.Sprintf("maximum %d pinned messages", MaxPinnedPerWorkspace))
		}
	} else {
		updated, err = s.store.UnpinBroadcastMessage(ctx, msg.ID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.BroadcastMessage{}, notFound("message not found")
	}
	if err != nil {
		return store.BroadcastMessage{}, err
	}

	s.publish(ctx, Event{Name: EventMessagePinned, Data: PinnedMessage{Message: updated}}, WorkspaceRoom(updated.WorkspaceID))
	return updated, nil
}

func (s *Service) DeleteBroadcastMessage(ctx context.Context, messageID, requesterEmail string) (store.BroadcastMessage, error) {
	msg, err := s.store.GetBroadcastMessage(ctx, strings.TrimSpace(messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.BroadcastMessage{}, notFound("message not found")
	}
	if err != nil {
		return store.BroadcastMessage{}, err
	}
	if msg.SenderEmail != membership.NormalizeEmail(requesterEmail) {
		return store.BroadcastMessage{}, forbidden("only the sender can delete this message")
	}
	if err := s.store.DeleteBroadcastMessage(ctx, msg.ID); err != nil {
		return store.BroadcastMessage{}, err
	}

	s.log.Info("broadcast message deleted",
		zap.String("message_id", msg.ID),
		zap.String("workspace_id", msg.WorkspaceID),
	)
	s.publish(ctx, Event{Name: EventMessageDeleted, Data: DeletedMessage{Kind: KindBroadcast, MessageID: msg.ID, WorkspaceID: msg.WorkspaceID}},
		WorkspaceRoom(msg.WorkspaceID))
	if s.search != nil {
		s.search.DeleteMessage(msg.ID)
	}
	return msg, nil
}

// SearchBroadcast runs a full-text query over a workspace's broadcast messages.
func (s *Service) SearchBroadcast(ctx context.Context, workspaceID, requesterEmail, text string, limit, offset int) (search.Response, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if _, err := s.gate.RequireAccepted(ctx, workspaceID, requesterEmail); err != nil {
		return search.Response{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, badRequest("q is required")
	}
	if s.search == nil {
		return search.Response{}, unavailable("SEARCH_UNAVAILABLE", "Search is not configured")
	}
	return s.search.Search(ctx, search.Query{Text: text, WorkspaceID: workspaceID, Limit: limit, Offset: offset}), nil
}
