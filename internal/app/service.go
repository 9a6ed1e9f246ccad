package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/attachment"
	"huddle/api/internal/auth"
	"huddle/api/internal/clock"
	"huddle/api/internal/membership"
	"huddle/api/internal/notify"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

// MaxPinnedPerWorkspace caps concurrently pinned broadcast messages.
const MaxPinnedPerWorkspace = 3

type Principal struct {
	Email string
	Name  string
}

type dataStore interface {
	Ping(context.Context) error

	CreateWorkspace(context.Context, store.Workspace) error
	GetWorkspace(context.Context, string) (store.Workspace, error)
	ListWorkspacesForMember(context.Context, string) ([]store.Workspace, error)
	DeleteWorkspace(context.Context, string) (bool, error)
	GetMembership(context.Context, string, string) (store.Membership, error)
	ListMembers(context.Context, string, string) ([]store.Membership, error)
	InsertMembership(context.Context, store.Membership) error
	UpdateMembershipStatus(context.Context, string, string, string, string, time.Time) (bool, error)

	InsertDirectMessage(context.Context, store.DirectMessage) error
	GetDirectMessage(context.Context, string) (store.DirectMessage, error)
	ListDirectMessages(context.Context, string, string, string) ([]store.DirectMessage, error)
	MarkDirectMessagesRead(context.Context, string, string, string) (int64, error)
	ListConversationSummaries(context.Context, string) ([]store.ConversationSummary, error)
	DeleteDirectMessage(context.Context, string) error

	InsertBroadcastMessage(context.Context, store.BroadcastMessage) error
	GetBroadcastMessage(context.Context, string) (store.BroadcastMessage, error)
	ListBroadcastMessages(context.Context, string) ([]store.BroadcastMessage, error)
	DeleteBroadcastMessage(context.Context, string) error
	PinBroadcastMessage(context.Context, string, string, time.Time, int) (store.BroadcastMessage, error)
	UnpinBroadcastMessage(context.Context, string) (store.BroadcastMessage, error)
	ListExpiredPins(context.Context, time.Time) ([]store.BroadcastMessage, error)
	ClearExpiredPin(context.Context, string, time.Time) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, recipients []string, typ notify.Type, title, body string) (store.Notification, error)
	List(ctx context.Context, email string, page int) (notify.Page, error)
}

type Inviter interface {
	SendInvite(to, workspaceID, workspaceName, inviterEmail string) error
}

type Attachments interface {
	Exists(ctx context.Context, ref string) (bool, error)
	PresignedURL(ctx context.Context, ref string) (string, time.Time, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexMessage(rec search.MessageRecord)
	DeleteMessage(id string)
}

// Broadcaster delivers an event to every connection joined to room.
type Broadcaster interface {
	Publish(ctx context.Context, room string, evt Event)
}

type Service struct {
	store       dataStore
	gate        *membership.Gate
	notifier    Notifier
	inviter     Inviter
	attachments Attachments
	search      Searcher
	events      Broadcaster
	clock       clock.Clock
	log         *zap.Logger
	tokenSecret []byte
}

type Option func(*Service)

func WithInviter(inviter Inviter) Option {
	return func(s *Service) { s.inviter = inviter }
}

func WithAttachments(a Attachments) Option {
	return func(s *Service) { s.attachments = a }
}

func WithSearch(searcher Searcher) Option {
	return func(s *Service) { s.search = searcher }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.events = b }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func New(tokenSecret string, dataStore *store.PostgresStore, notifier Notifier, logger *zap.Logger, opts ...Option) *Service {
	return newService([]byte(tokenSecret), dataStore, notifier, logger, opts...)
}

func newService(secret []byte, ds dataStore, notifier Notifier, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:       ds,
		gate:        membership.NewGate(ds),
		notifier:    notifier,
		clock:       clock.Real(),
		log:         logger,
		tokenSecret: secret,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBroadcaster attaches the realtime hub once it exists; the hub itself
// needs the service, so it cannot always be passed to New.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.events = b
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate resolves a bearer token to the caller's identity.
func (s *Service) Authenticate(token string) (Principal, error) {
	claims, err := auth.ParseTokenAt(s.tokenSecret, strings.TrimSpace(token), s.clock.Now())
	if err != nil {
		return Principal{}, err
	}
	return Principal{Email: claims.Sub, Name: claims.Name}, nil
}

// JoinWorkspaceRooms checks membership and returns the rooms a socket for
// email should join in workspaceID.
func (s *Service) JoinWorkspaceRooms(ctx context.Context, workspaceID, email string) ([]string, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return nil, badRequest("workspaceId is required")
	}
	email = membership.NormalizeEmail(email)
	if _, err := s.gate.RequireAccepted(ctx, workspaceID, email); err != nil {
		return nil, err
	}
	return []string{WorkspaceRoom(workspaceID), DirectRoom(workspaceID, email)}, nil
}

func (s *Service) publish(ctx context.Context, evt Event, rooms ...string) {
	if s.events == nil {
		return
	}
	seen := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		if _, ok := seen[room]; ok {
			continue
		}
		seen[room] = struct{}{}
		s.events.Publish(ctx, room, evt)
	}
}

// checkAttachment rejects a fileRef that is malformed or, when object
// storage is configured, does not name an uploaded object.
func (s *Service) checkAttachment(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	if _, err := attachment.ObjectKey(ref); err != nil {
		return badRequest("fileRef is not a valid file reference")
	}
	if s.attachments == nil {
		return nil
	}
	ok, err := s.attachments.Exists(ctx, ref)
	if err != nil {
		return fmt.Errorf("check attachment: %w", err)
	}
	if !ok {
		return badRequest("fileRef does not reference an uploaded file")
	}
	return nil
}

// acceptedMembers returns the emails of every accepted member of the
// workspace except those listed in exclude.
func (s *Service) acceptedMembers(ctx context.Context, workspaceID string, exclude ...string) ([]string, error) {
	members, err := s.store.ListMembers(ctx, workspaceID, store.MembershipAccepted)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, email := range exclude {
		skip[membership.NormalizeEmail(email)] = struct{}{}
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := skip[m.Email]; ok {
			continue
		}
		out = append(out, m.Email)
	}
	return out, nil
}
