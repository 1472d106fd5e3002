// Package api exposes the conversation manager to local clients over HTTP
// and streams its events over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"gosession/attachment"
	"gosession/conversation"
	"gosession/models"
	"gosession/storage"
)

const defaultMessageLimit = 50

// Messenger is the slice of conversation.Manager the API drives.
type Messenger interface {
	Conversations() ([]models.Conversation, error)
	Conversation(id string) (*models.Conversation, error)
	GetOrCreateConversation(ctx context.Context, id string, kind models.ConversationKind) (*models.Conversation, error)
	CreateClosedGroup(ctx context.Context, groupID, name string, members []string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	Messages(conversationID string, limit int) ([]models.Message, error)
	Send(ctx context.Context, conversationID string, draft conversation.Draft) (*models.Message, error)
	RetrySend(ctx context.Context, messageID string) (*models.Message, error)
	Resend(ctx context.Context, messageID, recipient string) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID string, newestUnreadAt int64) error
	BumpTyping(ctx context.Context, conversationID string) error
	EndSession(ctx context.Context, conversationID string) error
	Status(message *models.Message) models.MessageStatus

	JoinOpenGroup(ctx context.Context, id, server string, channel int64) (*models.Conversation, error)
	LeaveGroup(ctx context.Context, conversationID string) error
	SetExpireTimer(ctx context.Context, conversationID string, seconds int64) error
	SetBlocked(ctx context.Context, conversationID string, blocked bool) error
	SendSyncOnly(ctx context.Context, messageID string) (*models.Message, error)
	Typists(conversationID string) []conversation.TypingUpdate

	ReadReceiptsEnabled() bool
	SetReadReceipts(enabled bool)
	TypingIndicatorsEnabled() bool
	SetTypingIndicators(enabled bool)
}

// BlobSource serves encrypted attachment bodies by digest.
type BlobSource interface {
	Blob(digest string) ([]byte, error)
}

// SecurityLog answers security event queries.
type SecurityLog interface {
	SecurityEvents(query storage.SecurityEventQuery) ([]storage.SecurityEvent, error)
}

// Router wraps the mux router and the services behind it.
type Router struct {
	*mux.Router
	messenger Messenger
	blobs     BlobSource
	security  SecurityLog
	hub       *Hub
	log       *logrus.Entry
}

// NewRouter creates the HTTP router with all routes. blobs, security and
// hub may be nil; their routes are then not served.
func NewRouter(messenger Messenger, blobs BlobSource, security SecurityLog, hub *Hub, log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.WithField("component", "api")
	}
	r := &Router{
		Router:    mux.NewRouter(),
		messenger: messenger,
		blobs:     blobs,
		security:  security,
		hub:       hub,
		log:       log,
	}

	r.HandleFunc("/health", r.healthCheck).Methods(http.MethodGet)
	if hub != nil {
		r.HandleFunc("/ws", hub.ServeWS)
	}
	if blobs != nil {
		r.HandleFunc(attachment.URLPrefix+"{digest}", r.getAttachment).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()

	conversations := api.PathPrefix("/conversations").Subrouter()
	conversations.HandleFunc("", r.listConversations).Methods(http.MethodGet)
	conversations.HandleFunc("", r.openConversation).Methods(http.MethodPost)
	conversations.HandleFunc("/{id}", r.getConversation).Methods(http.MethodGet)
	conversations.HandleFunc("/{id}", r.deleteConversation).Methods(http.MethodDelete)
	conversations.HandleFunc("/{id}/messages", r.listMessages).Methods(http.MethodGet)
	conversations.HandleFunc("/{id}/messages", r.sendMessage).Methods(http.MethodPost)
	conversations.HandleFunc("/{id}/read", r.markRead).Methods(http.MethodPost)
	conversations.HandleFunc("/{id}/typing", r.typing).Methods(http.MethodPost)
	conversations.HandleFunc("/{id}/reset-session", r.resetSession).Methods(http.MethodPost)
	conversations.HandleFunc("/{id}/typists", r.listTypists).Methods(http.MethodGet)
	conversations.HandleFunc("/{id}/leave", r.leaveGroup).Methods(http.MethodPost)
	conversations.HandleFunc("/{id}/expire-timer", r.setExpireTimer).Methods(http.MethodPut)
	conversations.HandleFunc("/{id}/blocked", r.setBlocked).Methods(http.MethodPut)

	api.HandleFunc("/groups", r.createGroup).Methods(http.MethodPost)
	api.HandleFunc("/open-groups", r.joinOpenGroup).Methods(http.MethodPost)
	api.HandleFunc("/settings", r.getSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", r.updateSettings).Methods(http.MethodPut)
	if security != nil {
		api.HandleFunc("/security-events", r.listSecurityEvents).Methods(http.MethodGet)
	}

	messages := api.PathPrefix("/messages").Subrouter()
	messages.HandleFunc("/{id}/retry", r.retryMessage).Methods(http.MethodPost)
	messages.HandleFunc("/{id}/resend", r.resendMessage).Methods(http.MethodPost)
	messages.HandleFunc("/{id}/sync", r.syncMessage).Methods(http.MethodPost)

	return r
}

// MessageView is a message with its derived display status.
type MessageView struct {
	*models.Message
	DisplayStatus models.MessageStatus `json:"status"`
}

func (r *Router) view(message *models.Message) MessageView {
	return MessageView{Message: message, DisplayStatus: r.messenger.Status(message)}
}

func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) listConversations(w http.ResponseWriter, req *http.Request) {
	list, err := r.messenger.Conversations()
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

type openConversationRequest struct {
	ID   string                  `json:"id"`
	Kind models.ConversationKind `json:"kind"`
}

func (r *Router) openConversation(w http.ResponseWriter, req *http.Request) {
	var body openConversationRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if body.Kind == "" {
		body.Kind = models.KindPrivate
	}
	conv, err := r.messenger.GetOrCreateConversation(req.Context(), body.ID, body.Kind)
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (r *Router) getConversation(w http.ResponseWriter, req *http.Request) {
	conv, err := r.messenger.Conversation(mux.Vars(req)["id"])
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (r *Router) deleteConversation(w http.ResponseWriter, req *http.Request) {
	if err := r.messenger.DeleteConversation(req.Context(), mux.Vars(req)["id"]); err != nil {
		r.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) listMessages(w http.ResponseWriter, req *http.Request) {
	limit := defaultMessageLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			r.respondError(w, &models.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = parsed
	}

	list, err := r.messenger.Messages(mux.Vars(req)["id"], limit)
	if err != nil {
		r.respondError(w, err)
		return
	}
	views := make([]MessageView, 0, len(list))
	for i := range list {
		views = append(views, r.view(&list[i]))
	}
	respondJSON(w, http.StatusOK, views)
}

func (r *Router) sendMessage(w http.ResponseWriter, req *http.Request) {
	var draft conversation.Draft
	if !decodeBody(w, req, &draft) {
		return
	}
	message, err := r.messenger.Send(req.Context(), mux.Vars(req)["id"], draft)
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, r.view(message))
}

type markReadRequest struct {
	NewestUnreadAt int64 `json:"newest_unread_at"`
}

func (r *Router) markRead(w http.ResponseWriter, req *http.Request) {
	var body markReadRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if err := r.messenger.MarkRead(req.Context(), mux.Vars(req)["id"], body.NewestUnreadAt); err != nil {
		r.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) typing(w http.ResponseWriter, req *http.Request) {
	if err := r.messenger.BumpTyping(req.Context(), mux.Vars(req)["id"]); err != nil {
		r.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) resetSession(w http.ResponseWriter, req *http.Request) {
	if err := r.messenger.EndSession(req.Context(), mux.Vars(req)["id"]); err != nil {
		r.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type createGroupRequest struct {
	GroupID string   `json:"group_id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (r *Router) createGroup(w http.ResponseWriter, req *http.Request) {
	var body createGroupRequest
	if !decodeBody(w, req, &body) {
		return
	}
	conv, err := r.messenger.CreateClosedGroup(req.Context(), body.GroupID, body.Name, body.Members)
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (r *Router) retryMessage(w http.ResponseWriter, req *http.Request) {
	message, err := r.messenger.RetrySend(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, r.view(message))
}

type resendRequest struct {
	Recipient string `json:"recipient"`
}

func (r *Router) resendMessage(w http.ResponseWriter, req *http.Request) {
	var body resendRequest
	if !decodeBody(w, req, &body) {
		return
	}
	message, err := r.messenger.Resend(req.Context(), mux.Vars(req)["id"], body.Recipient)
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, r.view(message))
}

func (r *Router) syncMessage(w http.ResponseWriter, req *http.Request) {
	message, err := r.messenger.SendSyncOnly(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, r.view(message))
}

func (r *Router) listTypists(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.messenger.Typists(mux.Vars(req)["id"]))
}

func (r *Router) leaveGroup(w http.ResponseWriter, req *http.Request) {
	if err := r.messenger.LeaveGroup(req.Context(), mux.Vars(req)["id"]); err != nil {
		r.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type expireTimerRequest struct {
	Seconds int64 `json:"seconds"`
}

func (r *Router) setExpireTimer(w http.ResponseWriter, req *http.Request) {
	var body expireTimerRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if err := r.messenger.SetExpireTimer(req.Context(), mux.Vars(req)["id"], body.Seconds); err != nil {
		r.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type blockedRequest struct {
	Blocked bool `json:"blocked"`
}

func (r *Router) setBlocked(w http.ResponseWriter, req *http.Request) {
	var body blockedRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if err := r.messenger.SetBlocked(req.Context(), mux.Vars(req)["id"], body.Blocked); err != nil {
		r.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type joinOpenGroupRequest struct {
	ID      string `json:"id"`
	Server  string `json:"server"`
	Channel int64  `json:"channel"`
}

func (r *Router) joinOpenGroup(w http.ResponseWriter, req *http.Request) {
	var body joinOpenGroupRequest
	if !decodeBody(w, req, &body) {
		return
	}
	conv, err := r.messenger.JoinOpenGroup(req.Context(), body.ID, body.Server, body.Channel)
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

// Settings are the messaging toggles a user can flip at runtime.
type Settings struct {
	ReadReceipts     bool `json:"read_receipts"`
	TypingIndicators bool `json:"typing_indicators"`
}

type settingsRequest struct {
	ReadReceipts     *bool `json:"read_receipts"`
	TypingIndicators *bool `json:"typing_indicators"`
}

func (r *Router) settings() Settings {
	return Settings{
		ReadReceipts:     r.messenger.ReadReceiptsEnabled(),
		TypingIndicators: r.messenger.TypingIndicatorsEnabled(),
	}
}

func (r *Router) getSettings(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.settings())
}

func (r *Router) updateSettings(w http.ResponseWriter, req *http.Request) {
	var body settingsRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if body.ReadReceipts != nil {
		r.messenger.SetReadReceipts(*body.ReadReceipts)
	}
	if body.TypingIndicators != nil {
		r.messenger.SetTypingIndicators(*body.TypingIndicators)
	}
	respondJSON(w, http.StatusOK, r.settings())
}

// SecurityEventView is a security event with its details inlined as JSON.
type SecurityEventView struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	IdentityID string          `json:"identity_id,omitempty"`
	Severity   string          `json:"severity"`
	Timestamp  int64           `json:"timestamp"`
	Details    json.RawMessage `json:"details"`
}

func (r *Router) listSecurityEvents(w http.ResponseWriter, req *http.Request) {
	values := req.URL.Query()
	query := storage.SecurityEventQuery{
		IdentityID:  values.Get("identity"),
		MinSeverity: values.Get("min_severity"),
	}
	for _, raw := range values["type"] {
		for _, eventType := range strings.Split(raw, ",") {
			if eventType = strings.TrimSpace(eventType); eventType != "" {
				query.Types = append(query.Types, eventType)
			}
		}
	}
	numbers := []struct {
		name   string
		target *int64
	}{
		{"since", &query.Since},
		{"until", &query.Until},
		{"before", &query.BeforeID},
	}
	for _, number := range numbers {
		raw := values.Get(number.name)
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			r.respondError(w, &models.ValidationError{Field: number.name, Reason: "must be a positive integer"})
			return
		}
		*number.target = parsed
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			r.respondError(w, &models.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		query.Limit = limit
	}

	events, err := r.security.SecurityEvents(query)
	if errors.Is(err, storage.ErrInvalidSeverity) {
		r.respondError(w, &models.ValidationError{Field: "min_severity", Reason: err.Error()})
		return
	}
	if err != nil {
		r.respondError(w, err)
		return
	}
	views := make([]SecurityEventView, 0, len(events))
	for _, event := range events {
		view := SecurityEventView{
			ID:        event.ID,
			Type:      event.EventType,
			Severity:  event.Severity,
			Timestamp: event.Timestamp,
			Details:   json.RawMessage(event.Details),
		}
		if event.IdentityID != nil {
			view.IdentityID = *event.IdentityID
		}
		views = append(views, view)
	}
	respondJSON(w, http.StatusOK, views)
}

func (r *Router) getAttachment(w http.ResponseWriter, req *http.Request) {
	sealed, err := r.blobs.Blob(mux.Vars(req)["digest"])
	switch {
	case errors.Is(err, attachment.ErrInvalidDigest):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: models.ErrorKindValidation})
		return
	case errors.Is(err, attachment.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case err != nil:
		r.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sealed)
}

type errorResponse struct {
	Error     string           `json:"error"`
	Kind      models.ErrorKind `json:"kind,omitempty"`
	Recipient string           `json:"recipient,omitempty"`
}

// respondError maps a pipeline error onto an HTTP status.
func (r *Router) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	kind := models.ClassifyError(err)
	status := http.StatusBadGateway
	switch kind {
	case models.ErrorKindValidation:
		status = http.StatusBadRequest
	case models.ErrorKindTimeout:
		status = http.StatusGatewayTimeout
	case models.ErrorKindIdentityKey:
		status = http.StatusConflict
	}
	if errors.Is(err, conversation.ErrQueueClosed) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		r.log.WithError(err).Warn("request failed")
	}
	respondJSON(w, status, errorResponse{Error: err.Error(), Kind: kind, Recipient: models.RecipientOf(err)})
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Kind: models.ErrorKindValidation})
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
