package memory

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"chatsync/internal/media"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/model"
	"chatsync/internal/respond"
)

// Store is what the handlers need from persistence; *Repository satisfies it.
type Store interface {
	Save(ctx context.Context, userID string, item model.Memory) (model.Memory, error)
	List(ctx context.Context, userID string) ([]model.Memory, error)
}

type Handler struct {
	store    Store
	logger   *slog.Logger
	maxBytes int
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger, maxBytes: media.DefaultMaxImageBytes}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	items, err := h.store.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("list memories failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respond.JSON(w, http.StatusOK, items)
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	var up model.MemoryUpload
	if !respond.Decode(w, r, &up) {
		return
	}
	if up.Type != model.MemoryImage && up.Type != model.MemoryVideo {
		respond.Error(w, http.StatusBadRequest, "Invalid memory type")
		return
	}
	up.Base64 = strings.TrimSpace(up.Base64)
	if up.Base64 == "" {
		respond.Error(w, http.StatusBadRequest, "Memory content is required")
		return
	}
	if err := media.CheckImage(up.Base64, h.maxBytes); err != nil {
		respond.Error(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	userID, _ := myMiddleware.UserID(r.Context())
	item, err := h.store.Save(r.Context(), userID, model.Memory{Type: up.Type, Content: up.Base64})
	if err != nil {
		h.logger.Error("save memory failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respond.JSON(w, http.StatusCreated, item)
}
