package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"chatsync/internal/media"
	"chatsync/internal/metrics"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/model"
	"chatsync/internal/respond"
)

// MessageStore is what the handlers need from persistence; *Repository
// satisfies it.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg model.Message) (model.Message, error)
	Conversation(ctx context.Context, a, b string) ([]model.Message, error)
}

type Handler struct {
	hub      *Hub
	repo     MessageStore
	metrics  *metrics.Metrics
	logger   *slog.Logger
	maxImage int
}

func NewHandler(hub *Hub, repo MessageStore, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		repo:     repo,
		metrics:  m,
		logger:   logger,
		maxImage: media.DefaultMaxImageBytes,
	}
}

// ServeWs upgrades an authenticated request to a push socket. A userId query
// parameter, when present, must name the authenticated user.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if claimed := r.URL.Query().Get("userId"); claimed != "" && claimed != userID {
		respond.Error(w, http.StatusForbidden, "userId does not match the session")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		Hub:    h.hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
		logger: h.logger,
	}
	select {
	case h.hub.Register <- client:
	case <-h.hub.Done():
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// History returns the conversation between the caller and {id}.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	otherID := chi.URLParam(r, "id")

	msgs, err := h.repo.Conversation(r.Context(), userID, otherID)
	if err != nil {
		h.fail(w, "history", err)
		return
	}
	respond.JSON(w, http.StatusOK, msgs)
}

// Send stores a message from the caller to {id} and pushes it to the
// receiver.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var content model.Content
	if !respond.Decode(w, r, &content) {
		return
	}
	content.Text = strings.TrimSpace(content.Text)
	if content.Empty() {
		respond.Error(w, http.StatusBadRequest, "Message text or image is required")
		return
	}
	attachments := content.Attachments()
	for _, img := range attachments {
		if !media.IsImageDataURL(img) {
			respond.Error(w, http.StatusBadRequest, "Image must be an inline image")
			return
		}
	}
	if err := media.CheckImages(attachments, h.maxImage); err != nil {
		respond.Error(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	userID, _ := myMiddleware.UserID(r.Context())
	msg, err := h.repo.SaveMessage(r.Context(), model.Message{
		SenderID:   userID,
		ReceiverID: chi.URLParam(r, "id"),
		Text:       content.Text,
		Image:      content.Image,
		Images:     content.Images,
	})
	if err != nil {
		h.fail(w, "send", err)
		return
	}
	h.metrics.MessageSent()

	// The message is stored; a fan-out failure only costs the live update.
	if err := h.hub.Deliver(r.Context(), msg); err != nil {
		h.logger.Error("deliver message failed", "message_id", msg.ID, "error", err)
	}
	respond.JSON(w, http.StatusCreated, msg)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrUnknownUser) {
		respond.Error(w, http.StatusNotFound, "User not found")
		return
	}
	h.logger.Error("message request failed", "op", op, "error", err)
	respond.Error(w, http.StatusInternalServerError, "Internal Server Error")
}
