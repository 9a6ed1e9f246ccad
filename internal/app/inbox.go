package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"huddle/api/internal/membership"
	"huddle/api/internal/notify"
)

func (s *Service) ListNotifications(ctx context.Context, email string, page int) (notify.Page, error) {
	if s.notifier == nil {
		return notify.Page{}, unavailable("NOTIFICATIONS_UNAVAILABLE", "Notifications are not configured")
	}
	return s.notifier.List(ctx, membership.NormalizeEmail(email), page)
}

type AttachmentLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DirectAttachmentURL signs a download link for a direct message's file.
// Only the two participants, while still accepted members, may fetch it.
func (s *Service) DirectAttachmentURL(ctx context.Context, messageID, requesterEmail string) (AttachmentLink, error) {
	msg, err := s.store.GetDirectMessage(ctx, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return AttachmentLink{}, notFound("message not found")
	}
	if err != nil {
		return AttachmentLink{}, err
	}
	requester := membership.NormalizeEmail(requesterEmail)
	if requester != msg.SenderEmail && requester != msg.ReceiverEmail {
		return AttachmentLink{}, forbidden("not a participant in this conversation")
	}
	if _, err := s.gate.RequireAccepted(ctx, msg.WorkspaceID, requester); err != nil {
		return AttachmentLink{}, err
	}
	return s.signAttachment(ctx, msg.FileRef)
}

func (s *Service) BroadcastAttachmentURL(ctx context.Context, messageID, requesterEmail string) (AttachmentLink, error) {
	msg, err := s.store.GetBroadcastMessage(ctx, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return AttachmentLink{}, notFound("message not found")
	}
	if err != nil {
		return AttachmentLink{}, err
	}
	if _, err := s.gate.RequireAccepted(ctx, msg.WorkspaceID, requesterEmail); err != nil {
		return AttachmentLink{}, err
	}
	return s.signAttachment(ctx, msg.FileRef)
}

func (s *Service) signAttachment(ctx context.Context, ref string) (AttachmentLink, error) {
	if ref == "" {
		return AttachmentLink{}, notFound("message has no attachment")
	}
	if s.attachments == nil {
		return AttachmentLink{}, unavailable("ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured")
	}
	url, expires, err := s.attachments.PresignedURL(ctx, ref)
	if err != nil {
		return AttachmentLink{}, err
	}
	return AttachmentLink{URL: url, ExpiresAt: expires}, nil
}
