package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"huddle/api/internal/clock"
	"huddle/api/internal/notify"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

// fakeStore keeps rows in memory. The ...Fn hooks override individual
// methods when a test needs a failure.
type fakeStore struct {
	mu          sync.Mutex
	workspaces  map[string]store.Workspace
	memberships map[string]store.Membership
	direct      []store.DirectMessage
	broadcast   []store.BroadcastMessage

	pingFn              func(context.Context) error
	insertDirectFn      func(context.Context, store.DirectMessage) error
	pinBroadcastFn      func(context.Context, string, string, time.Time, int) (store.BroadcastMessage, error)
	clearExpiredPinFn   func(context.Context, string, time.Time) (bool, error)
	listExpiredPinsFn   func(context.Context, time.Time) ([]store.BroadcastMessage, error)
	insertMembershipFn  func(context.Context, store.Membership) error
	listConversationsFn func(context.Context, string) ([]store.ConversationSummary, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces:  map[string]store.Workspace{},
		memberships: map[string]store.Membership{},
	}
}

func membershipKey(workspaceID, email string) string { return workspaceID + "|" + email }

func (f *fakeStore) addMember(workspaceID, email, role, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[membershipKey(workspaceID, email)] = store.Membership{
		WorkspaceID: workspaceID,
		Email:       email,
		Role:        role,
		Status:      status,
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) CreateWorkspace(_ context.Context, ws store.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspaces[ws.ID] = ws
	f.memberships[membershipKey(ws.ID, ws.OwnerEmail)] = store.Membership{
		WorkspaceID: ws.ID, Email: ws.OwnerEmail, Role: "owner", Status: store.MembershipAccepted,
	}
	return nil
}

func (f *fakeStore) GetWorkspace(_ context.Context, id string) (store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[id]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return ws, nil
}

func (f *fakeStore) ListWorkspacesForMember(_ context.Context, email string) ([]store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Workspace{}
	for _, m := range f.memberships {
		if m.Email == email && m.Status == store.MembershipAccepted {
			if ws, ok := f.workspaces[m.WorkspaceID]; ok {
				out = append(out, ws)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteWorkspace(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workspaces[id]; !ok {
		return false, nil
	}
	delete(f.workspaces, id)
	for key, m := range f.memberships {
		if m.WorkspaceID == id {
			delete(f.memberships, key)
		}
	}
	return true, nil
}

func (f *fakeStore) GetMembership(_ context.Context, workspaceID, email string) (store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memberships[membershipKey(workspaceID, email)]
	if !ok {
		return store.Membership{}, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeStore) ListMembers(_ context.Context, workspaceID, status string) ([]store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Membership{}
	for _, m := range f.memberships {
		if m.WorkspaceID == workspaceID && (status == "" || m.Status == status) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (f *fakeStore) InsertMembership(ctx context.Context, m store.Membership) error {
	if f.insertMembershipFn != nil {
		return f.insertMembershipFn(ctx, m)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := membershipKey(m.WorkspaceID, m.Email)
	if _, ok := f.memberships[key]; ok {
		return store.ErrDuplicateMembership
	}
	f.memberships[key] = m
	return nil
}

func (f *fakeStore) UpdateMembershipStatus(_ context.Context, workspaceID, email, from, to string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := membershipKey(workspaceID, email)
	m, ok := f.memberships[key]
	if !ok || m.Status != from {
		return false, nil
	}
	m.Status = to
	m.UpdatedAt = at
	f.memberships[key] = m
	return true, nil
}

func (f *fakeStore) InsertDirectMessage(ctx context.Context, m store.DirectMessage) error {
	if f.insertDirectFn != nil {
		return f.insertDirectFn(ctx, m)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, m)
	return nil
}

func (f *fakeStore) GetDirectMessage(_ context.Context, id string) (store.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.direct {
		if m.ID == id {
			return m, nil
		}
	}
	return store.DirectMessage{}, sql.ErrNoRows
}

func (f *fakeStore) ListDirectMessages(_ context.Context, workspaceID, a, b string) ([]store.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.DirectMessage{}
	for _, m := range f.direct {
		if m.WorkspaceID != workspaceID {
			continue
		}
		if (m.SenderEmail == a && m.ReceiverEmail == b) || (m.SenderEmail == b && m.ReceiverEmail == a) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) MarkDirectMessagesRead(_ context.Context, workspaceID, sender, receiver string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for i, m := range f.direct {
		if m.WorkspaceID == workspaceID && m.SenderEmail == sender && m.ReceiverEmail == receiver && !m.IsRead {
			f.direct[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListConversationSummaries(ctx context.Context, email string) ([]store.ConversationSummary, error) {
	if f.listConversationsFn != nil {
		return f.listConversationsFn(ctx, email)
	}
	return nil, nil
}

func (f *fakeStore) DeleteDirectMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.direct {
		if m.ID == id {
			f.direct = append(f.direct[:i], f.direct[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) InsertBroadcastMessage(_ context.Context, m store.BroadcastMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, m)
	return nil
}

func (f *fakeStore) GetBroadcastMessage(_ context.Context, id string) (store.BroadcastMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.broadcast {
		if m.ID == id {
			return m, nil
		}
	}
	return store.BroadcastMessage{}, sql.ErrNoRows
}

func (f *fakeStore) ListBroadcastMessages(_ context.Context, workspaceID string) ([]store.BroadcastMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.BroadcastMessage{}
	for _, m := range f.broadcast {
		if m.WorkspaceID == workspaceID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) DeleteBroadcastMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.broadcast {
		if m.ID == id {
			f.broadcast = append(f.broadcast[:i], f.broadcast[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) PinBroadcastMessage(ctx context.Context, id, workspaceID string, expiresAt time.Time, limit int) (store.BroadcastMessage, error) {
	if f.pinBroadcastFn != nil {
		return f.pinBroadcastFn(ctx, id, workspaceID, expiresAt, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pinned := 0
	target := -1
	for i, m := range f.broadcast {
		if m.WorkspaceID == workspaceID && m.IsPinned {
			pinned++
		}
		if m.ID == id && m.WorkspaceID == workspaceID {
			target = i
		}
	}
	if pinned >= limit {
		return store.BroadcastMessage{}, store.ErrPinLimitReached
	}
	if target < 0 {
		return store.BroadcastMessage{}, sql.ErrNoRows
	}
	at := expiresAt
	f.broadcast[target].IsPinned = true
	f.broadcast[target].PinExpiresAt = &at
	return f.broadcast[target], nil
}

func (f *fakeStore) UnpinBroadcastMessage(_ context.Context, id string) (store.BroadcastMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.broadcast {
		if m.ID == id {
			f.broadcast[i].IsPinned = false
			f.broadcast[i].PinExpiresAt = nil
			return f.broadcast[i], nil
		}
	}
	return store.BroadcastMessage{}, sql.ErrNoRows
}

func (f *fakeStore) ListExpiredPins(ctx context.Context, now time.Time) ([]store.BroadcastMessage, error) {
	if f.listExpiredPinsFn != nil {
		return f.listExpiredPinsFn(ctx, now)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.BroadcastMessage{}
	for _, m := range f.broadcast {
		if m.IsPinned && m.PinExpiresAt != nil && m.PinExpiresAt.Before(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) ClearExpiredPin(ctx context.Context, id string, now time.Time) (bool, error) {
	if f.clearExpiredPinFn != nil {
		return f.clearExpiredPinFn(ctx, id, now)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.broadcast {
		if m.ID == id && m.IsPinned && m.PinExpiresAt != nil && m.PinExpiresAt.Before(now) {
			f.broadcast[i].IsPinned = false
			f.broadcast[i].PinExpiresAt = nil
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) broadcastByID(id string) store.BroadcastMessage {
	m, _ := f.GetBroadcastMessage(context.Background(), id)
	return m
}

type notifyCall struct {
	Recipients []string
	Type       notify.Type
	Title      string
	Body       string
}

type fakeNotifier struct {
	mu     sync.Mutex
	calls  []notifyCall
	err    error
	listFn func(context.Context, string, int) (notify.Page, error)
}

func (n *fakeNotifier) Notify(_ context.Context, recipients []string, typ notify.Type, title, body string) (store.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{Recipients: recipients, Type: typ, Title: title, Body: body})
	return store.Notification{}, n.err
}

func (n *fakeNotifier) List(ctx context.Context, email string, page int) (notify.Page, error) {
	if n.listFn != nil {
		return n.listFn(ctx, email, page)
	}
	return notify.Page{TotalPages: 1, CurrentPage: page}, nil
}

func (n *fakeNotifier) callsOf(typ notify.Type) []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifyCall
	for _, c := range n.calls {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

type published struct {
	Room  string
	Event Event
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []published
}

func (b *fakeBroadcaster) Publish(_ context.Context, room string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{Room: room, Event: evt})
}

func (b *fakeBroadcaster) rooms(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, p := range b.events {
		if p.Event.Name == name {
			out = append(out, p.Room)
		}
	}
	return out
}

type fakeAttachments struct {
	existing map[string]bool
}

func (a *fakeAttachments) Exists(_ context.Context, ref string) (bool, error) {
	return a.existing[ref], nil
}

func (a *fakeAttachments) PresignedURL(_ context.Context, ref string) (string, time.Time, error) {
	return "https://files.example.com/" + ref + "?sig=abc", testNow.Add(15 * time.Minute), nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.MessageRecord
	deleted []string
	queries []search.Query
}

func (s *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "fake"}
}

func (s *fakeSearch) IndexMessage(rec search.MessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed = append(s.indexed, rec)
}

func (s *fakeSearch) DeleteMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
}

var testNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

const testSecret = "test-secret"

type testEnv struct {
	svc      *Service
	store    *fakeStore
	notifier *fakeNotifier
	events   *fakeBroadcaster
	clock    *clock.FakeClock
}

// newTestEnv returns a service over an in-memory store with workspace ws1
// owned by alice, with bob accepted, carol pending and dave declined.
func newTestEnv(opts ...Option) *testEnv {
	fs := newFakeStore()
	fs.workspaces["ws1"] = store.Workspace{ID: "ws1", Name: "Design", OwnerEmail: "alice@x.com"}
	fs.addMember("ws1", "alice@x.com", "owner", store.MembershipAccepted)
	fs.addMember("ws1", "bob@x.com", "member", store.MembershipAccepted)
	fs.addMember("ws1", "carol@x.com", "member", store.MembershipPending)
	fs.addMember("ws1", "dave@x.com", "member", store.MembershipDeclined)

	notifier := &fakeNotifier{}
	events := &fakeBroadcaster{}
	fc := clock.Fake(testNow)
	base := []Option{WithBroadcaster(events), WithClock(fc)}
	svc := newService([]byte(testSecret), fs, notifier, zap.NewNop(), append(base, opts...)...)
	return &testEnv{svc: svc, store: fs, notifier: notifier, events: events, clock: fc}
}
