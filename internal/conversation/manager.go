// Package conversation owns the contact list, the selected conversation and
// its message history, and keeps that history in step with the push channel.
//
// Every switch of selection bumps an epoch. Results of requests issued under
// an older epoch (history fetches, sends, push handlers registered for the
// previous contact) are discarded instead of being applied to the list now on
// screen.
package conversation

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

var (
	// ErrNoRecipient is returned by Send when no contact is selected.
	ErrNoRecipient = errors.New("conversation: no recipient selected")
	// ErrNotSelected is returned by LoadHistory for a contact that is not
	// the current selection.
	ErrNotSelected = errors.New("conversation: contact is not selected")
	// ErrStale marks a result that arrived after the selection changed and
	// was therefore not applied.
	ErrStale = errors.New("conversation: selection changed before the result arrived")
	// ErrSuperseded marks a history result that was not applied because a
	// later load for the same selection was already in flight.
	ErrSuperseded = errors.New("conversation: a newer history load is in flight")
)

type Directory interface {
	Contacts(ctx context.Context) ([]model.Contact, error)
}

type History interface {
	Messages(ctx context.Context, contactID string) ([]model.Message, error)
}

type Sender interface {
	Send(ctx context.Context, recipientID string, content model.Content) (model.Message, error)
}

// Service is every REST contract the manager consumes.
type Service interface {
	Directory
	History
	Sender
}

// ChannelSource hands out the session's current push channel.
type ChannelSource interface {
	Channel() push.Channel
}

// State is a read-only snapshot for the presentation layer.
type State struct {
	Contacts        []model.Contact
	Selected        *model.Contact
	Messages        []model.Message
	UsersLoading    bool
	MessagesLoading bool
	Sending         bool
}

type subscription struct {
	channel push.Channel
	epoch   uint64
}

type Manager struct {
	svc      Service
	channels ChannelSource
	notifier notify.Notifier
	logger   *slog.Logger
	maxImage int

	// subMu serializes handler registration with Select, Reset and
	// Unsubscribe so the channel never holds a handler m.sub does not track.
	// It is always taken before mu.
	subMu sync.Mutex

	mu       sync.Mutex
	contacts []model.Contact
	selected *model.Contact
	messages []model.Message
	epoch    uint64
	resets   uint64
	sub      *subscription

	// pending collects pushes that land while any history load for the
	// current epoch is in flight; the latest load merges them after the
	// fetched history. Only the most recently started load is applied.
	pending      []model.Message
	loads        int
	loadSeq      uint64
	usersLoading bool
	sending      int

	changes observe.Broadcaster
}

type Option func(*Manager)

func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxImageBytes sets the outbound image ceiling.
func WithMaxImageBytes(n int) Option {
	return func(m *Manager) { m.maxImage = n }
}

func NewManager(svc Service, channels ChannelSource, opts ...Option) *Manager {
	m := &Manager{
		svc:      svc,
		channels: channels,
		notifier: notify.Discard,
		logger:   slog.Default(),
		maxImage: media.DefaultMaxImageBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadContacts replaces the contact list. On failure the previous list stays.
func (m *Manager) LoadContacts(ctx context.Context) ([]model.Contact, error) {
	m.mu.Lock()
	resets := m.resets
	m.usersLoading = true
	m.mu.Unlock()
	m.changes.Notify()

	contacts, err := m.svc.Contacts(ctx)

	m.mu.Lock()
	m.usersLoading = false
	if err == nil && m.resets == resets {
		m.contacts = slices.Clone(contacts)
	}
	stale := m.resets != resets
	m.mu.Unlock()
	m.changes.Notify()

	if err != nil {
		m.notifier.Error(api.MessageOf(err, "Failed to fetch users"))
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	if stale {
		return contacts, ErrStale
	}
	return contacts, nil
}

// Select switches the active conversation; nil deselects. The old history
// and the old push subscription are dropped in the same step, so nothing from
// the previous contact can be shown against the new one.
func (m *Manager) Select(contact *model.Contact) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	m.epoch++
	if contact != nil {
		c := *contact
		m.selected = &c
	} else {
		m.selected = nil
	}
	m.messages = nil
	m.pending = nil
	m.loads = 0
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	m.off(sub)
	m.changes.Notify()
}

// LoadHistory fetches the history for the selected contact and replaces the
// active list with it. A response that arrives after the selection moved on
// is dropped with ErrStale; one overtaken by a later load for the same
// selection is dropped with ErrSuperseded. On failure the list is left empty.
func (m *Manager) LoadHistory(ctx context.Context, contactID string) ([]model.Message, error) {
	m.mu.Lock()
	if m.selected == nil || m.selected.ID != contactID {
		m.mu.Unlock()
		return nil, ErrNotSelected
	}
	epoch := m.epoch
	m.loadSeq++
	seq := m.loadSeq
	m.loads++
	m.mu.Unlock()
	m.changes.Notify()

	msgs, err := m.svc.Messages(ctx, contactID)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.logger.Debug("discarding stale history", "contact_id", contactID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		return msgs, ErrStale
	}
	m.loads--
	latest := seq == m.loadSeq
	if latest {
		if err != nil {
			m.messages = nil
		} else {
			m.messages = merge(msgs, m.pending)
		}
	}
	if m.loads == 0 {
		m.pending = nil
	}
	m.mu.Unlock()
	m.changes.Notify()

	if !latest {
		m.logger.Debug("discarding superseded history", "contact_id", contactID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		return msgs, ErrSuperseded
	}
	if err != nil {
		m.notifier.Error(api.MessageOf(err, "Failed to fetch messages"))
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

// merge appends to history the pushed messages it does not already contain,
// keeping arrival order.
func merge(history, pushed []model.Message) []model.Message {
	out := slices.Clone(history)
	for _, msg := range pushed {
		if !containsID(out, msg.ID) {
			out = append(out, msg)
		}
	}
	return out
}

func containsID(msgs []model.Message, id string) bool {
	if id == "" {
		return false
	}
	return slices.ContainsFunc(msgs, func(m model.Message) bool { return m.ID == id })
}

// Send posts content to the selected contact and appends the server's copy.
// Callers guard against empty content.
func (m *Manager) Send(ctx context.Context, content model.Content) (model.Message, error) {
	m.mu.Lock()
	var recipient string
	if m.selected != nil {
		recipient = m.selected.ID
	}
	epoch := m.epoch
	m.mu.Unlock()

	if recipient == "" {
		m.notifier.Error("No user selected")
		return model.Message{}, ErrNoRecipient
	}
	if err := media.CheckImages(content.Attachments(), m.maxImage); err != nil {
		m.notifier.Error(err.Error())
		return model.Message{}, err
	}

	m.mu.Lock()
	m.sending++
	m.mu.Unlock()
	m.changes.Notify()

	msg, err := m.svc.Send(ctx, recipient, content)

	m.mu.Lock()
	m.sending--
	if err == nil && m.epoch == epoch {
		m.appendLocked(msg)
	}
	m.mu.Unlock()
	m.changes.Notify()

	if err != nil {
		m.notifier.Error(api.MessageOf(err, "Failed to send message"))
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// appendLocked adds msg to the visible list, and to the pending buffer while
// a history fetch could still replace that list.
func (m *Manager) appendLocked(msg model.Message) {
	if m.loads > 0 && !containsID(m.pending, msg.ID) {
		m.pending = append(m.pending, msg)
	}
	if !containsID(m.messages, msg.ID) {
		m.messages = append(m.messages, msg)
	}
}

// Subscribe registers the new-message handler for the selected conversation.
// Any previous registration is removed first, so at most one is live. It
// reports whether a handler was registered.
func (m *Manager) Subscribe() bool {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.unsubscribe()

	m.mu.Lock()
	if m.selected == nil || m.channels == nil {
		m.mu.Unlock()
		return false
	}
	ch := m.channels.Channel()
	if ch == nil {
		m.mu.Unlock()
		return false
	}
	sub := &subscription{channel: ch, epoch: m.epoch}
	m.sub = sub
	m.mu.Unlock()

	ch.On(push.EventNewMessage, m.messageHandler(sub.epoch))
	return true
}

// Unsubscribe removes the new-message handler.
func (m *Manager) Unsubscribe() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.unsubscribe()
}

func (m *Manager) unsubscribe() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	m.off(sub)
}

func (m *Manager) off(sub *subscription) {
	if sub != nil {
		sub.channel.Off(push.EventNewMessage)
	}
}

// messageHandler applies the relevance filter: only messages to or from the
// contact selected under epoch are appended.
func (m *Manager) messageHandler(epoch uint64) push.Handler {
	return func(data json.RawMessage) {
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("malformed message event", "error", err)
			return
		}

		m.mu.Lock()
		if m.epoch != epoch || m.selected == nil || !msg.Involves(m.selected.ID) {
			m.mu.Unlock()
			return
		}
		m.appendLocked(msg)
		m.mu.Unlock()
		m.changes.Notify()
	}
}

// Reset clears all conversation state; used when the session ends.
func (m *Manager) Reset() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	m.epoch++
	m.resets++
	m.contacts = nil
	m.selected = nil
	m.messages = nil
	m.pending = nil
	m.loads = 0
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	m.off(sub)
	m.changes.Notify()
}

// Selected returns the selected contact, if any.
func (m *Manager) Selected() (model.Contact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return model.Contact{}, false
	}
	return *m.selected, true
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Contacts:        slices.Clone(m.contacts),
		Messages:        slices.Clone(m.messages),
		UsersLoading:    m.usersLoading,
		MessagesLoading: m.loads > 0,
		Sending:         m.sending > 0,
	}
	if m.selected != nil {
		c := *m.selected
		s.Selected = &c
	}
	return s
}

// Watch signals after every state change.
func (m *Manager) Watch() (<-chan struct{}, func()) {
	return m.changes.Watch()
}
