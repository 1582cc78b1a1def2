// Package server mounts the reference backend's HTTP surface.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chatsync/internal/chat"
	"chatsync/internal/metrics"
	"chatsync/internal/memory"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/ratelimit"
	"chatsync/internal/user"
)

type Deps struct {
	Users        *user.Handler
	Chat         *chat.Handler
	Memories     *memory.Handler
	Auth         *myMiddleware.AuthMiddleware
	AuthLimiter  *ratelimit.MapLimiter
	Metrics      *metrics.Metrics
	MaxBodyBytes int64
	// Quiet drops the per-request access log.
	Quiet bool
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if !d.Quiet {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	// The socket stays open, so it gets no timeout or body limit.
	r.With(d.Auth.Handle).Get("/ws", d.Chat.ServeWs)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		if d.MaxBodyBytes > 0 {
			r.Use(middleware.RequestSize(d.MaxBodyBytes))
		}

		r.Route("/auth", func(r chi.Router) {
			r.With(d.AuthLimiter.Middleware).Post("/signup", d.Users.Signup)
			r.With(d.AuthLimiter.Middleware).Post("/login", d.Users.Login)
			r.Post("/logout", d.Users.Logout)

			r.Group(func(r chi.Router) {
				r.Use(d.Auth.Handle)
				r.Get("/check", d.Users.Check)
				r.Put("/update-profile", d.Users.UpdateProfile)
			})
		})

		r.Route("/messages", func(r chi.Router) {
			r.Use(d.Auth.Handle)
			r.Get("/users", d.Users.Contacts)
			r.Get("/{id}", d.Chat.History)
			r.Post("/send/{id}", d.Chat.Send)
		})

		if d.Memories != nil {
			r.Route("/memories", func(r chi.Router) {
				r.Use(d.Auth.Handle)
				r.Get("/", d.Memories.List)
				r.Post("/", d.Memories.Upload)
			})
		}
	})

	return r
}
