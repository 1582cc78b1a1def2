// Package session owns the authenticated identity, the push channel's
// lifecycle and the set of online users.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"chatsync/internal/api"
	"chatsync/internal/media"
	"chatsync/internal/model"
	"chatsync/internal/notify"
	"chatsync/internal/observe"
	"chatsync/internal/push"
)

// ErrNoSession is returned by operations that need a logged-in user.
var ErrNoSession = errors.New("session: not logged in")

// AuthService is the server side of authentication.
type AuthService interface {
	Login(ctx context.Context, creds model.Credentials) (model.Identity, error)
	Signup(ctx context.Context, req model.SignupRequest) (model.Identity, error)
	Logout(ctx context.Context) error
	Check(ctx context.Context) (model.Identity, error)
	UpdateProfile(ctx context.Context, profilePic string) (model.Identity, error)
}

// ChannelFactory builds a push channel bound to an identity.
type ChannelFactory func(id model.Identity) push.Channel

// State is a read-only snapshot for the presentation layer.
type State struct {
	Identity        *model.Identity
	Online          []string
	Connected       bool
	CheckingAuth    bool
	SigningUp       bool
	LoggingIn       bool
	UpdatingProfile bool
}

type Manager struct {
	auth       AuthService
	newChannel ChannelFactory
	notifier   notify.Notifier
	logger     *slog.Logger
	maxImage   int

	mu              sync.RWMutex
	identity        *model.Identity
	online          []string
	channel         push.Channel
	channelOwner    string
	checkingAuth    bool
	signingUp       bool
	loggingIn       bool
	updatingProfile bool
	endHooks        []func()

	changes observe.Broadcaster
}

type Option func(*Manager)

func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxImageBytes sets the profile picture ceiling.
func WithMaxImageBytes(n int) Option {
	return func(m *Manager) { m.maxImage = n }
}

func NewManager(auth AuthService, newChannel ChannelFactory, opts ...Option) *Manager {
	m := &Manager{
		auth:         auth,
		newChannel:   newChannel,
		notifier:     notify.Discard,
		logger:       slog.Default(),
		maxImage:     media.DefaultMaxImageBytes,
		checkingAuth: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEnd registers fn to run after a session ends.
func (m *Manager) OnEnd(fn func()) {
	m.mu.Lock()
	m.endHooks = append(m.endHooks, fn)
	m.mu.Unlock()
}

// Login establishes a session from credentials.
func (m *Manager) Login(ctx context.Context, creds model.Credentials) (model.Identity, error) {
	m.setFlag(&m.loggingIn, true)
	defer m.setFlag(&m.loggingIn, false)

	id, err := m.auth.Login(ctx, creds)
	if err != nil {
		m.notifier.Error(api.MessageOf(err, "Login failed"))
		return model.Identity{}, fmt.Errorf("login: %w", err)
	}
	m.establish(ctx, id)
	m.notifier.Success("Logged in successfully")
	return id, nil
}

// Signup creates an account and establishes a session for it.
func (m *Manager) Signup(ctx context.Context, req model.SignupRequest) (model.Identity, error) {
	m.setFlag(&m.signingUp, true)
	defer m.setFlag(&m.signingUp, false)

	id, err := m.auth.Signup(ctx, req)
	if err != nil {
		m.notifier.Error(api.MessageOf(err, "Signup failed"))
		return model.Identity{}, fmt.Errorf("signup: %w", err)
	}
	m.establish(ctx, id)
	m.notifier.Success("Account created successfully")
	return id, nil
}

// VerifySession restores a session from the server-side credential. Failure
// means "not logged in" and is never surfaced to the user.
func (m *Manager) VerifySession(ctx context.Context) (model.Identity, bool) {
	defer m.setFlag(&m.checkingAuth, false)

	id, err := m.auth.Check(ctx)
	if err != nil {
		m.logger.Debug("no session to restore", "error", err)
		m.clear()
		return model.Identity{}, false
	}
	m.establish(ctx, id)
	return id, true
}

func (m *Manager) establish(ctx context.Context, id model.Identity) {
	m.mu.Lock()
	switched := m.identity != nil && m.identity.ID != id.ID
	m.identity = &id
	var hooks []func()
	if switched {
		m.online = nil
		hooks = slices.Clone(m.endHooks)
	}
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	m.changes.Notify()

	// Channel failures are the channel's business; it redials on its own.
	if err := m.ConnectChannel(ctx); err != nil {
		m.logger.Warn("push channel connect failed", "user_id", id.ID, "error", err)
	}
}

// EndSession logs out. Without a session it does nothing. If the server
// refuses, the session is left as it was.
func (m *Manager) EndSession(ctx context.Context) error {
	m.mu.RLock()
	active := m.identity != nil
	m.mu.RUnlock()
	if !active {
		return nil
	}

	if err := m.auth.Logout(ctx); err != nil {
		m.notifier.Error(api.MessageOf(err, "Logout failed"))
		return fmt.Errorf("logout: %w", err)
	}

	m.clear()
	m.notifier.Success("Logged out successfully")
	return nil
}

// clear drops identity, presence and channel, then runs the end hooks if a
// session existed.
func (m *Manager) clear() {
	m.mu.Lock()
	had := m.identity != nil
	ch := m.channel
	m.identity = nil
	m.online = nil
	m.channel = nil
	m.channelOwner = ""
	hooks := slices.Clone(m.endHooks)
	m.mu.Unlock()

	if ch != nil {
		ch.Disconnect()
	}
	if had {
		for _, fn := range hooks {
			fn()
		}
	}
	m.changes.Notify()
}

// ConnectChannel opens the push channel for the current identity. At most
// one live channel exists per session: a connected channel makes this a
// no-op, a dropped handle for the same identity is reused.
func (m *Manager) ConnectChannel(ctx context.Context) error {
	m.mu.Lock()
	if m.identity == nil {
		m.mu.Unlock()
		return nil
	}
	if m.channel != nil && m.channelOwner == m.identity.ID && m.channel.Connected() {
		m.mu.Unlock()
		return nil
	}

	var stale push.Channel
	if m.channel == nil || m.channelOwner != m.identity.ID {
		stale = m.channel
		ch := m.newChannel(*m.identity)
		ch.On(push.EventOnlineUsers, m.presenceHandler(ch))
		m.channel = ch
		m.channelOwner = m.identity.ID
	}
	ch := m.channel
	m.mu.Unlock()

	if stale != nil {
		stale.Disconnect()
	}
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	m.changes.Notify()
	return nil
}

// DisconnectChannel closes the push channel if it is connected.
func (m *Manager) DisconnectChannel() {
	m.mu.RLock()
	ch := m.channel
	m.mu.RUnlock()

	if ch == nil || !ch.Connected() {
		return
	}
	ch.Disconnect()
	m.changes.Notify()
}

// presenceHandler replaces the online set with each broadcast. Broadcasts
// from a channel that is no longer current are ignored.
func (m *Manager) presenceHandler(ch push.Channel) push.Handler {
	return func(data json.RawMessage) {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			m.logger.Warn("malformed presence broadcast", "error", err)
			return
		}

		m.mu.Lock()
		if m.channel != ch {
			m.mu.Unlock()
			return
		}
		m.online = ids
		m.mu.Unlock()
		m.changes.Notify()
	}
}

// UpdateProfile replaces the profile picture. Only the picture returned by
// the server is merged into the identity.
func (m *Manager) UpdateProfile(ctx context.Context, profilePic string) (model.Identity, error) {
	m.mu.RLock()
	var current model.Identity
	if m.identity != nil {
		current = *m.identity
	}
	m.mu.RUnlock()
	if current.ID == "" {
		return model.Identity{}, ErrNoSession
	}

	if err := media.CheckImage(profilePic, m.maxImage); err != nil {
		m.notifier.Error(err.Error())
		return model.Identity{}, err
	}

	m.setFlag(&m.updatingProfile, true)
	defer m.setFlag(&m.updatingProfile, false)

	updated, err := m.auth.UpdateProfile(ctx, profilePic)
	if err != nil {
		m.notifier.Error(api.MessageOf(err, "Failed to update profile"))
		return model.Identity{}, fmt.Errorf("update profile: %w", err)
	}

	m.mu.Lock()
	if m.identity == nil || m.identity.ID != current.ID {
		m.mu.Unlock()
		return model.Identity{}, ErrNoSession
	}
	next := *m.identity
	next.ProfilePic = updated.ProfilePic
	m.identity = &next
	m.mu.Unlock()
	m.changes.Notify()

	m.notifier.Success("Profile updated successfully")
	return next, nil
}

// Identity returns the current identity, if any.
func (m *Manager) Identity() (model.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return model.Identity{}, false
	}
	return *m.identity, true
}

// Channel returns the current push channel handle. It may be nil or
// disconnected.
func (m *Manager) Channel() push.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channel
}

// IsOnline reports whether userID is in the last presence broadcast.
func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.online, userID)
}

// OnlineOthers counts online users other than the current identity.
func (m *Manager) OnlineOthers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, id := range m.online {
		if m.identity == nil || id != m.identity.ID {
			n++
		}
	}
	return n
}

func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := State{
		Online:          slices.Clone(m.online),
		Connected:       m.channel != nil && m.channel.Connected(),
		CheckingAuth:    m.checkingAuth,
		SigningUp:       m.signingUp,
		LoggingIn:       m.loggingIn,
		UpdatingProfile: m.updatingProfile,
	}
	if m.identity != nil {
		id := *m.identity
		s.Identity = &id
	}
	return s
}

// Watch signals after every state change.
func (m *Manager) Watch() (<-chan struct{}, func()) {
	return m.changes.Watch()
}

func (m *Manager) setFlag(flag *bool, v bool) {
	m.mu.Lock()
	*flag = v
	m.mu.Unlock()
	m.changes.Notify()
}
