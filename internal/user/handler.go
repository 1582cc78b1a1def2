package user

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/model"
	"chatsync/internal/respond"
)

type Handler struct {
	Service       *Service
	secureCookies bool
	logger        *slog.Logger
}

func NewHandler(s *Service, secureCookies bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: s, secureCookies: secureCookies, logger: logger}
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req model.SignupRequest
	if !respond.Decode(w, r, &req) {
		return
	}

	u, token, err := h.Service.Signup(r.Context(), req)
	if err != nil {
		h.fail(w, "signup", err)
		return
	}

	h.setCookie(w, token, h.Service.TokenTTL())
	respond.JSON(w, http.StatusCreated, u.Identity())
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if !respond.Decode(w, r, &creds) {
		return
	}

	u, token, err := h.Service.Login(r.Context(), creds)
	if err != nil {
		h.fail(w, "login", err)
		return
	}

	h.setCookie(w, token, h.Service.TokenTTL())
	respond.JSON(w, http.StatusOK, u.Identity())
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.setCookie(w, "", -1)
	respond.JSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// Check returns the identity behind the session cookie.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.UserID(r.Context())
	u, err := h.Service.Me(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(w, http.StatusUnauthorized, "Unauthorized - User not found")
			return
		}
		h.fail(w, "check", err)
		return
	}
	respond.JSON(w, http.StatusOK, u.Identity())
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req model.ProfileUpdate
	if !respond.Decode(w, r, &req) {
		return
	}

	id, _ := myMiddleware.UserID(r.Context())
	u, err := h.Service.UpdateProfilePic(r.Context(), id, req.ProfilePic)
	if err != nil {
		h.fail(w, "update profile", err)
		return
	}
	respond.JSON(w, http.StatusOK, u.Identity())
}

// Contacts lists every user except the caller.
func (h *Handler) Contacts(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.UserID(r.Context())
	contacts, err := h.Service.Contacts(r.Context(), id)
	if err != nil {
		h.fail(w, "contacts", err)
		return
	}
	respond.JSON(w, http.StatusOK, contacts)
}

func (h *Handler) setCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	c := &http.Cookie{
		Name:     myMiddleware.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	}
	if ttl < 0 {
		c.MaxAge = -1
	} else {
		c.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, c)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		respond.Error(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, ErrInvalidCredentials):
		respond.Error(w, http.StatusBadRequest, "Invalid credentials")
	default:
		h.logger.Error("user request failed", "op", op, "error", err)
		respond.Error(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
