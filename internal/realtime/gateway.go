package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"huddle/api/internal/app"
	"huddle/api/internal/store"
)

// Inbound socket events.
const (
	EventJoinWorkspaceRoom      = "join-workspace-room"
	EventSendBroadcastMessage   = "send-broadcast-message"
	EventDeleteBroadcastMessage = "delete-broadcast-message"
	EventSendDirectMessage      = "send-direct-message"
	EventDeleteDirectMessage    = "delete-direct-message"

	eventAck   = "ack"
	eventError = "error"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 << 10
)

// Backend is the part of the application service the socket needs.
type Backend interface {
	Authenticate(token string) (app.Principal, error)
	JoinWorkspaceRooms(ctx context.Context, workspaceID, email string) ([]string, error)
	SendDirectMessage(ctx context.Context, senderEmail string, in app.SendDirectInput) (store.DirectMessage, error)
	DeleteDirectMessage(ctx context.Context, messageID, requesterEmail string) (store.DirectMessage, error)
	PostBroadcastMessage(ctx context.Context, senderEmail string, in app.PostBroadcastInput) (store.BroadcastMessage, error)
	DeleteBroadcastMessage(ctx context.Context, messageID, requesterEmail string) (store.BroadcastMessage, error)
}

type inboundFrame struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type replyFrame struct {
	Event string `json:"event"`
	Ref   string `json:"ref,omitempty"`
	Data  any    `json:"data"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type messageRef struct {
	MessageID string `json:"messageId"`
}

type joinRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

type Gateway struct {
	hub     *Hub
	backend Backend
	log     *zap.Logger
}

func NewGateway(hub *Hub, backend Backend, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{hub: hub, backend: backend, log: logger}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := app.BearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	principal, err := g.backend.Authenticate(token)
	if token == "" || err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"Unauthorized"}`))
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	// The HTTP server's read timeout still applies to the hijacked conn.
	_ = conn.SetReadDeadline(time.Time{})

	client := NewClient(principal.Email)
	g.hub.Register(client)
	g.log.Info("socket connected",
		zap.String("conn_id", client.ID()),
		zap.String("email", client.Email()),
	)

	c := &connection{conn: conn}
	ctx := context.WithoutCancel(r.Context())
	go g.writeLoop(c, client)
	go g.readLoop(ctx, c, client)
}

// connection serializes frame writes. Text frames come from the write loop,
// control replies from the read loop.
type connection struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *connection) writeFrame(f ws.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteFrame(c.conn, f)
}

func (g *Gateway) writeLoop(c *connection, client *Client) {
	defer c.conn.Close()
	for payload := range client.Outbound() {
		if err := c.writeFrame(ws.NewTextFrame(payload)); err != nil {
			g.log.Debug("socket write failed", zap.String("conn_id", client.ID()), zap.Error(err))
			return
		}
	}
	_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
}

func (g *Gateway) readLoop(ctx context.Context, c *connection, client *Client) {
	defer func() {
		g.hub.Unregister(client)
		g.log.Info("socket disconnected", zap.String("conn_id", client.ID()))
	}()

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				g.log.Debug("socket read failed", zap.String("conn_id", client.ID()), zap.Error(err))
			}
			return
		}
		if header.Length > maxFrameSize {
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "frame too large")))
			return
		}
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
				return
			}
		case ws.OpText:
			g.dispatch(ctx, client, payload)
		}
	}
}

// dispatch runs one inbound frame and queues the ack or error reply for the
// sender.
func (g *Gateway) dispatch(ctx context.Context, client *Client, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.reply(client, replyFrame{Event: eventError, Data: errorData{Code: "BAD_REQUEST", Message: "invalid frame"}})
		return
	}

	data, err := g.handle(ctx, client, frame)
	if err != nil {
		status, code, message, _ := app.ErrorInfo(err)
		if status >= http.StatusInternalServerError {
			g.log.Error("socket event failed",
				zap.String("conn_id", client.ID()),
				zap.String("event", frame.Event),
				zap.Error(err),
			)
		}
		g.reply(client, replyFrame{Event: eventError, Ref: frame.Ref, Data: errorData{Code: code, Message: message}})
		return
	}
	g.reply(client, replyFrame{Event: eventAck, Ref: frame.Ref, Data: data})
}

var errBadPayload = &app.DomainError{Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: "invalid event payload"}

func (g *Gateway) handle(ctx context.Context, client *Client, frame inboundFrame) (any, error) {
	email := client.Email()
	switch frame.Event {
	case EventJoinWorkspaceRoom:
		var req joinRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return nil, err
		}
		rooms, err := g.backend.JoinWorkspaceRooms(ctx, req.WorkspaceID, email)
		if err != nil {
			return nil, err
		}
		for _, room := range rooms {
			g.hub.Join(client, room)
		}
		return map[string]any{"rooms": rooms}, nil

	case EventSendBroadcastMessage:
		var in app.PostBroadcastInput
		if err := decodeData(frame.Data, &in); err != nil {
			return nil, err
		}
		msg, err := g.backend.PostBroadcastMessage(ctx, email, in)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": msg}, nil

	case EventDeleteBroadcastMessage:
		var ref messageRef
		if err := decodeData(frame.Data, &ref); err != nil {
			return nil, err
		}
		if _, err := g.backend.DeleteBroadcastMessage(ctx, ref.MessageID, email); err != nil {
			return nil, err
		}
		return ref, nil

	case EventSendDirectMessage:
		var in app.SendDirectInput
		if err := decodeData(frame.Data, &in); err != nil {
			return nil, err
		}
		msg, err := g.backend.SendDirectMessage(ctx, email, in)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": msg}, nil

	case EventDeleteDirectMessage:
		var ref messageRef
		if err := decodeData(frame.Data, &ref); err != nil {
			return nil, err
		}
		if _, err := g.backend.DeleteDirectMessage(ctx, ref.MessageID, email); err != nil {
			return nil, err
		}
		return ref, nil
	}
	return nil, &app.DomainError{Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: "unknown event " + frame.Event}
}

func decodeData(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errBadPayload
	}
	return nil
}

func (g *Gateway) reply(client *Client, frame replyFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		g.log.Error("marshal reply", zap.Error(err))
		return
	}
	if !g.hub.Send(client, payload) {
		g.log.Warn("dropping reply for slow connection", zap.String("conn_id", client.ID()))
	}
}
