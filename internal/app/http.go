package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
	realtime   http.Handler
	adminToken string
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: logger}
}

// MountRealtime serves the websocket gateway at /ws. The gateway
// authenticates its own handshake.
func (s *HTTPServer) MountRealtime(h http.Handler) {
	s.realtime = h
}

// SetAdminToken enables the operator-only routes. They answer 404 while no
// token is set.
func (s *HTTPServer) SetAdminToken(token string) {
	s.adminToken = strings.TrimSpace(token)
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)
	if s.realtime != nil {
		r.Handle("/ws", s.realtime)
	}
	r.With(s.requireAdmin).Post("/api/chat/cron/unpin-expired-messages", s.handleSweep)

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireSession)

		pr.Route("/api/workspaces", func(wr chi.Router) {
			wr.Get("/", s.handleListWorkspaces)
			wr.Post("/", s.handleCreateWorkspace)
			wr.Delete("/{workspaceID}", s.handleDeleteWorkspace)
			wr.Get("/{workspaceID}/members", s.handleListMembers)
			wr.Post("/{workspaceID}/invites", s.handleInvite)
			wr.Post("/{workspaceID}/join", s.handleAcceptInvite)
			wr.Post("/{workspaceID}/decline", s.handleDeclineInvite)
		})

		pr.Route("/api/chat", func(cr chi.Router) {
			cr.Post("/send", s.handleSendDirect)
			cr.Get("/messages/{workspaceID}/{otherEmail}", s.handleFetchConversation)
			cr.Get("/attachment/{messageID}", s.handleDirectAttachment)
			cr.Get("/chatlist", s.handleListConversations)
			cr.Delete("/delete/{messageID}", s.handleDeleteDirect)

			cr.Post("/workspace/send", s.handlePostBroadcast)
			cr.Get("/workspace/{workspaceID}", s.handleListBroadcast)
			cr.Get("/workspace/{workspaceID}/search", s.handleSearchBroadcast)
			cr.Get("/workspace/attachment/{messageID}", s.handleBroadcastAttachment)
			cr.Delete("/workspace/delete/{messageID}", s.handleDeleteBroadcast)
			cr.Patch("/pin/{messageID}", s.handleSetPin)
		})

		pr.Get("/api/notifications", s.handleListNotifications)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// Workspaces

func (s *HTTPServer) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListWorkspaces(r.Context(), principalFrom(r).Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})
}

func (s *HTTPServer) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var body CreateWorkspaceInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.CreateWorkspace(r.Context(), principalFrom(r).Email, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if err := s.service.DeleteWorkspace(r.Context(), workspaceID, principalFrom(r).Email); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": workspaceID})
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.service.ListMembers(r.Context(), chi.URLParam(r, "workspaceID"), principalFrom(r).Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *HTTPServer) handleInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Emails []string `json:"emails"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.InviteMembers(r.Context(), chi.URLParam(r, "workspaceID"), principalFrom(r).Email, body.Emails)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	m, err := s.service.AcceptInvite(r.Context(), chi.URLParam(r, "workspaceID"), principalFrom(r).Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"membership": m})
}

func (s *HTTPServer) handleDeclineInvite(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeclineInvite(r.Context(), chi.URLParam(r, "workspaceID"), principalFrom(r).Email); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Direct messages

func (s *HTTPServer) handleSendDirect(w http.ResponseWriter, r *http.Request) {
	var body SendDirectInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.SendDirectMessage(r.Context(), principalFrom(r).Email, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *HTTPServer) handleFetchConversation(w http.ResponseWriter, r *http.Request) {
	messages, err := s.service.FetchConversation(r.Context(),
		principalFrom(r).Email,
		chi.URLParam(r, "otherEmail"),
		chi.URLParam(r, "workspaceID"),
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleListConversations(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListConversations(r.Context(), principalFrom(r).Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})
}

func (s *HTTPServer) handleDeleteDirect(w http.ResponseWriter, r *http.Request) {
	msg, err := s.service.DeleteDirectMessage(r.Context(), chi.URLParam(r, "messageID"), principalFrom(r).Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": msg.ID})
}

func (s *HTTPServer) handleDirectAttachment(w http.ResponseWriter, r *http.Request) {
	link, err := s.service.DirectAttachmentURL(r.Context(), chi.URLParam(r, "messageID"), principalFrom(r).Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// Broadcast messages

func (s *HTTPServer) handlePostBroadcast(w http.ResponseWriter, r *http.Request) {
	var body PostBroadcastInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.PostBroadcastMessage(r.Context(), principalFrom(r).Email, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *HTTPServer) handleListBroadcast(w http.ResponseWriter, r *http.Request) {
	messages, err := s.service.ListBroadcastMessages(r.Context(), chi.URLParam(r, "workspaceID"), principalFrom(r).Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleSearchBroadcast(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp, err := s.service.SearchBroadcast(r.Context(), chi.URLParam(r, "workspaceID"), principalFrom(r).Email, query.Get("q"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleBroadcastAttachment(w http.ResponseWriter, r *http.Request) {
	link, err := s.service.BroadcastAttachmentURL(r.Context(), chi.URLParam(r, "messageID"), principalFrom(r).Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *HTTPServer) handleDeleteBroadcast(w http.ResponseWriter, r *http.Request) {
	msg, err := s.service.DeleteBroadcastMessage(r.Context(), chi.URLParam(r, "messageID"), principalFrom(r).Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": msg.ID})
}

func (s *HTTPServer) handleSetPin(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	pinned, err := strconv.ParseBool(query.Get("isPinned"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "isPinned must be true or false", nil)
		return
	}
	msg, err := s.service.SetPin(r.Context(), chi.URLParam(r, "messageID"), principalFrom(r).Email, SetPinInput{
		Pinned:   pinned,
		Duration: query.Get("duration"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.SweepExpiredPins(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Notifications

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "page must be a number", nil)
			return
		}
		page = parsed
	}
	result, err := s.service.ListNotifications(r.Context(), principalFrom(r).Email, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Plumbing

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := ErrorInfo(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

type principalKey struct{}

func principalFrom(r *http.Request) Principal {
	p, _ := r.Context().Value(principalKey{}).(Principal)
	return p
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		principal, err := s.service.Authenticate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

// requireAdmin guards operator routes with the X-Admin-Token header.
func (s *HTTPServer) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		got := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writeJSON(writer, http.StatusNoContent, map[string]any{})
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// BearerToken reads the token from the Authorization header.
func BearerToken(r *http.Request) string {
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
