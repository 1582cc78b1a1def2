// Package memories keeps the signed-in user's time capsule: a private list of
// images and videos, loaded from and uploaded to the backend.
package memories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"chatsync/internal/api"
	"chatsync/internal/media"
	"chatsync/internal/model"
	"chatsync/internal/notify"
	"chatsync/internal/observe"
)

// ErrUnsupported is returned for a payload that is not an image or video
// data URL.
var ErrUnsupported = errors.New("memories: only images and videos can be uploaded")

type Service interface {
	Memories(ctx context.Context) ([]model.Memory, error)
	UploadMemory(ctx context.Context, upload model.MemoryUpload) (model.Memory, error)
}

// State is a read-only snapshot for the presentation layer.
type State struct {
	Items     []model.Memory
	Loading   bool
	Uploading bool
}

type Manager struct {
	svc      Service
	notifier notify.Notifier
	logger   *slog.Logger
	maxBytes int

	mu        sync.Mutex
	items     []model.Memory
	resets    uint64
	loading   int
	uploading int

	changes observe.Broadcaster
}

type Option func(*Manager)

func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxBytes sets the per-item upload ceiling.
func WithMaxBytes(n int) Option {
	return func(m *Manager) { m.maxBytes = n }
}

func NewManager(svc Service, opts ...Option) *Manager {
	m := &Manager{
		svc:      svc,
		notifier: notify.Discard,
		logger:   slog.Default(),
		maxBytes: media.DefaultMaxImageBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the list with the server's. On failure the list is kept and
// the error is only logged.
func (m *Manager) Load(ctx context.Context) ([]model.Memory, error) {
	m.mu.Lock()
	resets := m.resets
	m.loading++
	m.mu.Unlock()
	m.changes.Notify()

	items, err := m.svc.Memories(ctx)

	m.mu.Lock()
	m.loading--
	if err == nil && m.resets == resets {
		m.items = slices.Clone(items)
	}
	m.mu.Unlock()
	m.changes.Notify()

	if err != nil {
		m.logger.Warn("load memories failed", "error", err)
		return nil, fmt.Errorf("load memories: %w", err)
	}
	return items, nil
}

// Upload sends each data URL in order and appends what the server stored.
// Every payload is checked before the first request; a failed request stops
// the batch but keeps the items already uploaded.
func (m *Manager) Upload(ctx context.Context, dataURLs ...string) ([]model.Memory, error) {
	uploads := make([]model.MemoryUpload, 0, len(dataURLs))
	for _, u := range dataURLs {
		up, err := m.prepare(u)
		if err != nil {
			m.notifier.Error(err.Error())
			return nil, err
		}
		uploads = append(uploads, up)
	}
	if len(uploads) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	resets := m.resets
	m.uploading++
	m.mu.Unlock()
	m.changes.Notify()

	var stored []model.Memory
	var err error
	for _, up := range uploads {
		var item model.Memory
		item, err = m.svc.UploadMemory(ctx, up)
		if err != nil {
			break
		}
		stored = append(stored, item)
	}

	m.mu.Lock()
	m.uploading--
	if m.resets == resets {
		m.items = append(m.items, stored...)
	}
	m.mu.Unlock()
	m.changes.Notify()

	if err != nil {
		m.notifier.Error("Upload failed: " + api.MessageOf(err, "unknown error"))
		return stored, fmt.Errorf("upload memory: %w", err)
	}
	m.notifier.Success("Memories uploaded successfully")
	return stored, nil
}

func (m *Manager) prepare(dataURL string) (model.MemoryUpload, error) {
	mediaType, data, ok := media.SplitDataURL(dataURL)
	if !ok || data == "" {
		return model.MemoryUpload{}, ErrUnsupported
	}
	var kind string
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		kind = model.MemoryImage
	case strings.HasPrefix(mediaType, "video/"):
		kind = model.MemoryVideo
	default:
		return model.MemoryUpload{}, ErrUnsupported
	}
	if err := media.CheckImage(data, m.maxBytes); err != nil {
		return model.MemoryUpload{}, err
	}
	return model.MemoryUpload{Type: kind, Base64: data}, nil
}

// Reset drops the list; results of requests started before it are discarded.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.resets++
	m.items = nil
	m.mu.Unlock()
	m.changes.Notify()
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Items:     slices.Clone(m.items),
		Loading:   m.loading > 0,
		Uploading: m.uploading > 0,
	}
}

// Watch signals after every state change.
func (m *Manager) Watch() (<-chan struct{}, func()) {
	return m.changes.Watch()
}
