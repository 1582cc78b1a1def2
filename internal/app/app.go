// Package app assembles the client: the REST client, the push channel
// factory and the managers, wired so that ending a session clears the
// conversation and memories state.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"chatsync/internal/api"
	"chatsync/internal/config"
	"chatsync/internal/conversation"
	"chatsync/internal/memories"
	"chatsync/internal/model"
	"chatsync/internal/notify"
	"chatsync/internal/push"
	"chatsync/internal/session"
)

type Client struct {
	Session       *session.Manager
	Conversations *conversation.Manager
	Memories      *memories.Manager

	logger *slog.Logger
}

// Services is everything the client consumes from the backend.
type Services interface {
	session.AuthService
	conversation.Service
	memories.Service
}

// New builds a client against the backend described by cfg.
func New(cfg config.Client, notifier notify.Notifier, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rest, err := api.NewClient(cfg.APIURL, cfg.RequestTimeout, api.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	factory := func(id model.Identity) push.Channel {
		return push.NewClient(cfg.WSURL, id.ID, push.WithJar(rest.Jar()), push.WithClientLogger(logger))
	}
	return Assemble(rest, factory, cfg.MaxImageBytes, notifier, logger), nil
}

// Assemble wires the managers over arbitrary collaborators.
func Assemble(svc Services, channels session.ChannelFactory, maxImage int, notifier notify.Notifier, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	sess := session.NewManager(svc, channels,
		session.WithNotifier(notifier),
		session.WithLogger(logger.With("component", "session")),
		session.WithMaxImageBytes(maxImage),
	)
	conv := conversation.NewManager(svc, sess,
		conversation.WithNotifier(notifier),
		conversation.WithLogger(logger.With("component", "conversation")),
		conversation.WithMaxImageBytes(maxImage),
	)
	mem := memories.NewManager(svc,
		memories.WithNotifier(notifier),
		memories.WithLogger(logger.With("component", "memories")),
		memories.WithMaxBytes(maxImage),
	)
	sess.OnEnd(conv.Reset)
	sess.OnEnd(mem.Reset)
	return &Client{Session: sess, Conversations: conv, Memories: mem, logger: logger}
}

// Start restores a previous session, if the server still honors it, and
// loads the contact list and memories for it.
func (c *Client) Start(ctx context.Context) bool {
	if _, ok := c.Session.VerifySession(ctx); !ok {
		return false
	}
	var g errgroup.Group
	g.Go(func() error {
		_, _ = c.Conversations.LoadContacts(ctx)
		return nil
	})
	g.Go(func() error {
		_, _ = c.Memories.Load(ctx)
		return nil
	})
	_ = g.Wait()
	return true
}

// Open shows the conversation with contact: select, subscribe, then fetch.
// The subscription is registered before the fetch so messages pushed while
// history is loading are kept.
func (c *Client) Open(ctx context.Context, contact model.Contact) ([]model.Message, error) {
	c.Conversations.Select(&contact)
	c.Conversations.Subscribe()
	msgs, err := c.Conversations.LoadHistory(ctx, contact.ID)
	if errors.Is(err, conversation.ErrSuperseded) {
		// A concurrent Refresh owns the list now; this fetch is still valid
		// history for the caller.
		return msgs, nil
	}
	return msgs, err
}

// Close tears the conversation view down.
func (c *Client) Close() {
	c.Conversations.Unsubscribe()
	c.Conversations.Select(nil)
}

// Refresh reloads the contact list, the memories and, when a conversation is
// open, its history, concurrently.
func (c *Client) Refresh(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		_, err := c.Conversations.LoadContacts(ctx)
		return err
	})
	g.Go(func() error {
		_, err := c.Memories.Load(ctx)
		return err
	})
	if selected, ok := c.Conversations.Selected(); ok {
		g.Go(func() error {
			_, err := c.Conversations.LoadHistory(ctx, selected.ID)
			if errors.Is(err, conversation.ErrStale) || errors.Is(err, conversation.ErrSuperseded) ||
				errors.Is(err, conversation.ErrNotSelected) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

// Logout ends the session; the conversation state is cleared by the
// session's end hook.
func (c *Client) Logout(ctx context.Context) error {
	return c.Session.EndSession(ctx)
}

// VisibleContacts is the sidebar list, optionally limited to online users.
func (c *Client) VisibleContacts(onlineOnly bool) []model.Contact {
	contacts := c.Conversations.Snapshot().Contacts
	if !onlineOnly {
		return contacts
	}
	out := contacts[:0]
	for _, contact := range contacts {
		if c.Session.IsOnline(contact.ID) {
			out = append(out, contact)
		}
	}
	return out
}
