// Package notify persists notifications and fans them out over email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"huddle/api/internal/clock"
	"huddle/api/internal/email"
	"huddle/api/internal/membership"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

type Type string

const (
	TypeAssignedTask Type = "ASSIGNED_TASK"
	TypeMention      Type = "MENTION"
	TypeTaskDeadline Type = "TASK_DEADLINE"
	TypeNewMember    Type = "NEW_MEMBER"
	TypeNewMessage   Type = "NEW_MESSAGE"
)

// PageSize is the number of notifications returned per page.
const PageSize = 6

type Store interface {
	InsertNotification(ctx context.Context, n store.Notification) error
	ListNotifications(ctx context.Context, email string, limit, offset int) ([]store.Notification, int, error)
	MarkNotificationsRead(ctx context.Context, ids []string) error
}

type Mailer interface {
	RenderNotification(title, body string) (string, error)
	SendEmail(to, subject, htmlBody string) error
}

type Dispatcher struct {
	store  Store
	mailer Mailer
	clock  clock.Clock
	log    *zap.Logger
	async  bool
	wg     sync.WaitGroup
}

// NewDispatcher wires the dispatcher. mailer may be nil, in which case
// notifications are only persisted. With async set, email delivery runs in
// the background after Notify returns.
func NewDispatcher(s Store, mailer Mailer, c clock.Clock, logger *zap.Logger, async bool) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:  s,
		mailer: mailer,
		clock:  c,
		log:    logger,
		async:  async,
	}
}

// Notify stores one record covering every recipient, then emails each
// recipient. Delivery failures are logged and never returned; the record is
// persisted regardless of delivery outcome.
func (d *Dispatcher) Notify(ctx context.Context, recipients []string, typ Type, title, body string) (store.Notification, error) {
	recipients = normalizeRecipients(recipients)
	if len(recipients) == 0 {
		return store.Notification{}, nil
	}

	n := store.Notification{
		ID:         util.NewID("ntf"),
		Recipients: recipients,
		Type:       string(typ),
		Title:      title,
		Body:       body,
		CreatedAt:  d.clock.Now(),
	}
	if err := d.store.InsertNotification(ctx, n); err != nil {
		return store.Notification{}, fmt.Errorf("persist notification: %w", err)
	}

	if d.async {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(n)
		}()
	} else {
		d.deliver(n)
	}
	return n, nil
}

// Wait blocks until in-flight background deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(n store.Notification) {
	if d.mailer == nil {
		return
	}
	html, err := d.mailer.RenderNotification(n.Title, n.Body)
	if err != nil {
		d.log.Error("render notification email", zap.String("notification_id", n.ID), zap.Error(err))
		return
	}

	failed := 0
	for _, recipient := range n.Recipients {
		err := d.mailer.SendEmail(recipient, n.Title, html)
		if err == nil {
			continue
		}
		if errors.Is(err, email.ErrNotConfigured) {
			d.log.Debug("email not configured, skipping notification delivery", zap.String("notification_id", n.ID))
			return
		}
		failed++
		d.log.Warn("notification email failed",
			zap.String("notification_id", n.ID),
			zap.String("recipient", recipient),
			zap.Error(err))
	}
	d.log.Debug("notification delivered",
		zap.String("notification_id", n.ID),
		zap.String("type", n.Type),
		zap.Int("recipients", len(n.Recipients)),
		zap.Int("failed", failed))
}

type Page struct {
	Notifications []store.Notification `json:"notifications"`
	Total         int                  `json:"total"`
	TotalPages    int                  `json:"totalPages"`
	CurrentPage   int                  `json:"currentPage"`
}

// List returns a page of notifications for email, newest first, and marks
// the returned ones as read. Pages start at 1; lower values are clamped.
func (d *Dispatcher) List(ctx context.Context, emailAddr string, page int) (Page, error) {
	if page < 1 {
		page = 1
	}
	emailAddr = membership.NormalizeEmail(emailAddr)

	items, total, err := d.store.ListNotifications(ctx, emailAddr, PageSize, (page-1)*PageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list notifications: %w", err)
	}

	unread := make([]string, 0, len(items))
	for i := range items {
		if !items[i].IsRead {
			unread = append(unread, items[i].ID)
			items[i].IsRead = true
		}
	}
	if err := d.store.MarkNotificationsRead(ctx, unread); err != nil {
		return Page{}, fmt.Errorf("mark notifications read: %w", err)
	}

	totalPages := (total + PageSize - 1) / PageSize
	if totalPages < 1 {
		totalPages = 1
	}
	return Page{
		Notifications: items,
		Total:         total,
		TotalPages:    totalPages,
		CurrentPage:   page,
	}, nil
}

func normalizeRecipients(recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		r = membership.NormalizeEmail(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
