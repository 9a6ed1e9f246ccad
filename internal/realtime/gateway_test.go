package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"huddle/api/internal/app"
	"huddle/api/internal/auth"
	"huddle/api/internal/membership"
	"huddle/api/internal/store"
)

type fakeBackend struct {
	hub *Hub

	authenticateFn    func(token string) (app.Principal, error)
	joinFn            func(ctx context.Context, workspaceID, email string) ([]string, error)
	sendDirectFn      func(ctx context.Context, sender string, in app.SendDirectInput) (store.DirectMessage, error)
	deleteDirectFn    func(ctx context.Context, messageID, requester string) (store.DirectMessage, error)
	postBroadcastFn   func(ctx context.Context, sender string, in app.PostBroadcastInput) (store.BroadcastMessage, error)
	deleteBroadcastFn func(ctx context.Context, messageID, requester string) (store.BroadcastMessage, error)
}

func (f *fakeBackend) Authenticate(token string) (app.Principal, error) {
	if f.authenticateFn != nil {
		return f.authenticateFn(token)
	}
	if token == "good-token" {
		return app.Principal{Email: "alice@x.com"}, nil
	}
	return app.Principal{}, auth.ErrInvalidToken
}

func (f *fakeBackend) JoinWorkspaceRooms(ctx context.Context, workspaceID, email string) ([]string, error) {
	if f.joinFn != nil {
		return f.joinFn(ctx, workspaceID, email)
	}
	return []string{app.WorkspaceRoom(workspaceID), app.DirectRoom(workspaceID, email)}, nil
}

func (f *fakeBackend) SendDirectMessage(ctx context.Context, sender string, in app.SendDirectInput) (store.DirectMessage, error) {
	if f.sendDirectFn != nil {
		return f.sendDirectFn(ctx, sender, in)
	}
	return store.DirectMessage{ID: "dm1", WorkspaceID: in.WorkspaceID, SenderEmail: sender, ReceiverEmail: in.ReceiverEmail, Body: in.Body}, nil
}

func (f *fakeBackend) DeleteDirectMessage(ctx context.Context, messageID, requester string) (store.DirectMessage, error) {
	if f.deleteDirectFn != nil {
		return f.deleteDirectFn(ctx, messageID, requester)
	}
	return store.DirectMessage{ID: messageID}, nil
}

func (f *fakeBackend) PostBroadcastMessage(ctx context.Context, sender string, in app.PostBroadcastInput) (store.BroadcastMessage, error) {
	if f.postBroadcastFn != nil {
		return f.postBroadcastFn(ctx, sender, in)
	}
	msg := store.BroadcastMessage{ID: "bm1", WorkspaceID: in.WorkspaceID, SenderEmail: sender, Body: in.Body}
	if f.hub != nil {
		f.hub.Publish(ctx, app.WorkspaceRoom(in.WorkspaceID), app.Event{
			Name: app.EventReceiveMessage,
			Data: app.ReceivedMessage{Kind: app.KindBroadcast, Message: msg},
		})
	}
	return msg, nil
}

func (f *fakeBackend) DeleteBroadcastMessage(ctx context.Context, messageID, requester string) (store.BroadcastMessage, error) {
	if f.deleteBroadcastFn != nil {
		return f.deleteBroadcastFn(ctx, messageID, requester)
	}
	return store.BroadcastMessage{ID: messageID}, nil
}

func newTestGateway() (*Gateway, *Hub, *fakeBackend) {
	hub := NewHub(nil)
	backend := &fakeBackend{hub: hub}
	return NewGateway(hub, backend, nil), hub, backend
}

func TestDispatchJoinWorkspaceRoom(t *testing.T) {
	g, hub, _ := newTestGateway()
	c := NewClient("alice@x.com")
	hub.Register(c)

	g.dispatch(context.Background(), c, []byte(`{"event":"join-workspace-room","ref":"r1","data":{"workspaceId":"ws1"}}`))

	frame := receive(t, c)
	if frame["event"] != "ack" || frame["ref"] != "r1" {
		t.Fatalf("unexpected reply %v", frame)
	}
	want := []string{"direct:ws1:alice@x.com", "workspace:ws1"}
	got := hub.Rooms(c)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("rooms = %v", got)
	}
}

func TestDispatchJoinRejectedByGate(t *testing.T) {
	g, hub, backend := newTestGateway()
	backend.joinFn = func(context.Context, string, string) ([]string, error) {
		return nil, membership.ErrNotAccepted
	}
	c := NewClient("mallory@x.com")
	hub.Register(c)

	g.dispatch(context.Background(), c, []byte(`{"event":"join-workspace-room","ref":"r2","data":{"workspaceId":"ws1"}}`))

	frame := receive(t, c)
	data, _ := frame["data"].(map[string]any)
	if frame["event"] != "error" || frame["ref"] != "r2" || data["code"] != "FORBIDDEN" {
		t.Fatalf("unexpected reply %v", frame)
	}
	if rooms := hub.Rooms(c); len(rooms) != 0 {
		t.Fatalf("rooms = %v", rooms)
	}
}

func TestDispatchErrors(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantCode string
	}{
		{name: "malformed json", frame: `{"event":`, wantCode: "BAD_REQUEST"},
		{name: "unknown event", frame: `{"event":"shout","data":{}}`, wantCode: "BAD_REQUEST"},
		{name: "missing data", frame: `{"event":"send-direct-message"}`, wantCode: "BAD_REQUEST"},
		{name: "wrong data shape", frame: `{"event":"delete-direct-message","data":"m1"}`, wantCode: "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, hub, _ := newTestGateway()
			c := NewClient("alice@x.com")
			hub.Register(c)

			g.dispatch(context.Background(), c, []byte(tt.frame))

			frame := receive(t, c)
			data, _ := frame["data"].(map[string]any)
			if frame["event"] != "error" || data["code"] != tt.wantCode {
				t.Fatalf("unexpected reply %v", frame)
			}
		})
	}
}

func TestDispatchHidesInternalErrors(t *testing.T) {
	g, hub, backend := newTestGateway()
	backend.deleteDirectFn = func(context.Context, string, string) (store.DirectMessage, error) {
		return store.DirectMessage{}, errors.New("connection reset by peer")
	}
	c := NewClient("alice@x.com")
	hub.Register(c)

	g.dispatch(context.Background(), c, []byte(`{"event":"delete-direct-message","data":{"messageId":"m1"}}`))

	frame := receive(t, c)
	data, _ := frame["data"].(map[string]any)
	if data["code"] != "SERVER_ERROR" || strings.Contains(data["message"].(string), "connection reset") {
		t.Fatalf("unexpected reply %v", frame)
	}
}

func TestDispatchSendDirectUsesConnectionIdentity(t *testing.T) {
	g, hub, backend := newTestGateway()
	var gotSender string
	var gotInput app.SendDirectInput
	backend.sendDirectFn = func(_ context.Context, sender string, in app.SendDirectInput) (store.DirectMessage, error) {
		gotSender, gotInput = sender, in
		return store.DirectMessage{ID: "dm9"}, nil
	}
	c := NewClient("alice@x.com")
	hub.Register(c)

	g.dispatch(context.Background(), c, []byte(`{"event":"send-direct-message","ref":"r3","data":{"workspaceId":"ws1","receiverEmail":"bob@x.com","body":"hey","senderEmail":"eve@x.com"}}`))

	if gotSender != "alice@x.com" {
		t.Fatalf("sender = %q", gotSender)
	}
	if gotInput.WorkspaceID != "ws1" || gotInput.ReceiverEmail != "bob@x.com" || gotInput.Body != "hey" {
		t.Fatalf("input = %+v", gotInput)
	}
	frame := receive(t, c)
	data, _ := frame["data"].(map[string]any)
	message, _ := data["message"].(map[string]any)
	if frame["event"] != "ack" || message["id"] != "dm9" {
		t.Fatalf("unexpected reply %v", frame)
	}
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	g, _, _ := newTestGateway()
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws?token=bad", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}
}

func readFrame(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return frame
}

func TestGatewaySocketRoundTrip(t *testing.T) {
	g, hub, _ := newTestGateway()
	srv := httptest.NewServer(g)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=good-token"
	conn, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wsutil.WriteClientText(conn, []byte(`{"event":"join-workspace-room","ref":"j1","data":{"workspaceId":"ws1"}}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}
	if frame := readFrame(t, conn); frame["event"] != "ack" || frame["ref"] != "j1" {
		t.Fatalf("unexpected join reply %v", frame)
	}

	if err := wsutil.WriteClientText(conn, []byte(`{"event":"send-broadcast-message","ref":"s1","data":{"workspaceId":"ws1","body":"standup in 5"}}`)); err != nil {
		t.Fatalf("write send: %v", err)
	}
	// The room broadcast is queued before the ack.
	pushed := readFrame(t, conn)
	data, _ := pushed["data"].(map[string]any)
	if pushed["event"] != app.EventReceiveMessage || data["kind"] != "broadcast" {
		t.Fatalf("unexpected push %v", pushed)
	}
	if frame := readFrame(t, conn); frame["event"] != "ack" || frame["ref"] != "s1" {
		t.Fatalf("unexpected send reply %v", frame)
	}

	if hub.ConnectionCount() != 1 {
		t.Fatalf("connections = %d", hub.ConnectionCount())
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not unregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubCloseDisconnectsSockets(t *testing.T) {
	g, hub, _ := newTestGateway()
	srv := httptest.NewServer(g)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=good-token"
	conn, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Close()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	header, err := ws.ReadHeader(conn)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header.OpCode != ws.OpClose {
		t.Fatalf("opcode = %v, want close", header.OpCode)
	}
	body := make([]byte, header.Length)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read close body: %v", err)
	}
	if code, _ := ws.ParseCloseFrameData(body); code != ws.StatusNormalClosure {
		t.Fatalf("close code = %d", code)
	}
}
