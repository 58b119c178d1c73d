package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/api"
	"chatsync/internal/bus"
	"chatsync/internal/outbound"
	"chatsync/internal/provider"
	"chatsync/internal/store"
)

// StateProber reports the provider connection state for /health.
type StateProber interface {
	ConnectionState(ctx context.Context) (string, error)
}

// Server is the local HTTP JSON surface of the daemon. It is meant for
// loopback use by the CLI and other local tooling; everything is scoped
// to the daemon's own tenant.
type Server struct {
	svc      *api.ConversationService
	prober   StateProber
	bus      *bus.Bus
	tenantID string
	logger   *zap.Logger
}

func NewServer(svc *api.ConversationService, prober StateProber, b *bus.Bus, tenantID string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, prober: prober, bus: b, tenantID: tenantID, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if r.URL.Path == "/v1/chats" && r.Method == http.MethodGet {
		s.handleListChats(w, r)
		return
	}
	if r.URL.Path == "/v1/events" && r.Method == http.MethodGet {
		s.handleEvents(w, r)
		return
	}
	if r.URL.Path == "/v1/search" && r.Method == http.MethodGet {
		s.handleSearch(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "chats" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	address := parts[2]

	switch {
	case parts[3] == "messages" && r.Method == http.MethodGet:
		s.handleGetMessages(w, r, address)
	case parts[3] == "messages" && r.Method == http.MethodPost:
		s.handleSendMessage(w, r, address)
	case parts[3] == "refresh" && r.Method == http.MethodPost:
		s.handleRefresh(w, r, address)
	case parts[3] == "read" && r.Method == http.MethodPost:
		s.handleMarkRead(w, r, address)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "unknown"
	if s.prober != nil {
		if got, err := s.prober.ConnectionState(r.Context()); err == nil {
			state = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"tenant":     s.tenantID,
		"connection": state,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "q parameter required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := s.svc.SearchMessages(r.Context(), s.tenantID, query, r.URL.Query().Get("address"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]searchResultJSON, 0, len(results))
	for _, res := range results {
		out = append(out, searchResultJSON{
			Address: res.Message.Address,
			Snippet: res.Snippet,
			Message: toMessageJSON(res.Message),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// handleEvents streams bus events to the client as server-sent events.
// The optional namespace query parameter narrows the stream by kind
// prefix, e.g. ?namespace=message. for message events only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	ch, unsub := s.bus.Subscribe(r.URL.Query().Get("namespace"), 256)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt := <-ch:
			out := eventJSON{
				EventID:    uuid.New().String(),
				Tenant:     s.tenantID,
				OccurredAt: evt.Timestamp.UnixMilli(),
				Kind:       evt.Kind,
			}
			if ref, ok := evt.Payload.(bus.MessageRef); ok {
				out.Address = ref.Address
				out.MsgID = ref.MsgID
			}
			payload, err := json.Marshal(out)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	convs, err := s.svc.GetConversations(r.Context(), s.tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	out := make([]chatJSON, 0, len(convs))
	for _, c := range convs {
		out = append(out, toChatJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request, address string) {
	view, err := s.svc.GetMessages(r.Context(), s.tenantID, address)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessagesJSON(view))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, address string) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var (
		msg *store.Message
		err error
	)
	switch {
	case req.Retry != "":
		msg, err = s.svc.RetrySend(r.Context(), req.Retry)
	case req.MediaURL != "":
		msg, err = s.svc.SendMedia(r.Context(), s.tenantID, address, provider.Media{
			Kind:     provider.ContentKind(req.Kind),
			URL:      req.MediaURL,
			Caption:  req.Body,
			FileName: req.FileName,
		})
	case req.Body != "":
		msg, err = s.svc.SendMessage(r.Context(), s.tenantID, address, req.Body)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "body, mediaUrl or retry required")
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, outbound.ErrUnknownMessage):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, outbound.ErrNotFailed):
			writeError(w, http.StatusConflict, "invalid_state", err.Error())
		default:
			// The failed optimistic record rides along so the caller
			// can render it and offer retry.
			payload := map[string]any{"code": "send_failed", "message": err.Error()}
			if msg != nil {
				payload["message_record"] = toMessageJSON(*msg)
			}
			writeJSON(w, http.StatusBadGateway, payload)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toMessageJSON(*msg))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, address string) {
	view, err := s.svc.Refresh(r.Context(), s.tenantID, address)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessagesJSON(view))
}

// writeSyncError distinguishes rejected credentials, which need operator
// attention, from plain internal failures.
func writeSyncError(w http.ResponseWriter, err error) {
	if errors.Is(err, provider.ErrAuth) {
		writeError(w, http.StatusBadGateway, "auth_failed", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, address string) {
	if err := s.svc.MarkConversationRead(r.Context(), s.tenantID, address); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type searchResultJSON struct {
	Address string      `json:"address"`
	Snippet string      `json:"snippet"`
	Message messageJSON `json:"message"`
}

type eventJSON struct {
	EventID    string `json:"eventId"`
	Tenant     string `json:"tenant"`
	OccurredAt int64  `json:"occurredAt"`
	Kind       string `json:"kind"`
	Address    string `json:"address,omitempty"`
	MsgID      string `json:"msgId,omitempty"`
}

type sendRequest struct {
	Body     string `json:"body"`
	Kind     string `json:"kind"`
	MediaURL string `json:"mediaUrl"`
	FileName string `json:"fileName"`
	Retry    string `json:"retry"`
}

type chatJSON struct {
	Address       string       `json:"address"`
	Name          string       `json:"name,omitempty"`
	AvatarURL     string       `json:"avatarUrl,omitempty"`
	LastMessage   string       `json:"lastMessage,omitempty"`
	LastMessageAt int64        `json:"lastMessageAt"`
	UnreadCount   int          `json:"unreadCount"`
	FailedSends   []failedJSON `json:"failedSends,omitempty"`
}

type failedJSON struct {
	ClientMsgID string `json:"clientMsgId"`
	Body        string `json:"body,omitempty"`
	Kind        string `json:"kind"`
	Error       string `json:"error,omitempty"`
}

type messageJSON struct {
	MsgID     string `json:"msgId"`
	Direction string `json:"direction"`
	Kind      string `json:"kind"`
	Body      string `json:"body,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type messagesJSON struct {
	Messages []messageJSON `json:"messages"`
	Degraded bool          `json:"degraded"`
}

func toChatJSON(c api.Conversation) chatJSON {
	out := chatJSON{
		Address:       c.Chat.Address,
		Name:          c.Chat.Name,
		AvatarURL:     c.Chat.AvatarURL,
		LastMessage:   c.Chat.LastMessage,
		LastMessageAt: c.Chat.LastMessageAt,
		UnreadCount:   c.Chat.UnreadCount,
	}
	for _, e := range c.FailedSends {
		out.FailedSends = append(out.FailedSends, failedJSON{
			ClientMsgID: e.ClientMsgID,
			Body:        e.Body,
			Kind:        e.Kind,
			Error:       e.ErrorMessage,
		})
	}
	return out
}

func toMessageJSON(m store.Message) messageJSON {
	return messageJSON{
		MsgID:     m.MsgID,
		Direction: string(m.Direction),
		Kind:      m.Kind,
		Body:      m.Body,
		MediaURL:  m.MediaURL,
		FileName:  m.FileName,
		Status:    string(m.Status),
		Timestamp: m.Timestamp,
	}
}

func toMessagesJSON(view *api.MessagesView) messagesJSON {
	out := messagesJSON{Degraded: view.Degraded, Messages: make([]messageJSON, 0, len(view.Messages))}
	for _, m := range view.Messages {
		out.Messages = append(out.Messages, toMessageJSON(m))
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
