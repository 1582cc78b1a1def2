package server_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/app"
	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/memory"
	"chatsync/internal/metrics"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/model"
	"chatsync/internal/notify"
	"chatsync/internal/ratelimit"
	"chatsync/internal/server"
	"chatsync/internal/user"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*user.User
}

func (m *memUsers) CreateUser(_ context.Context, u *user.User) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return nil, user.ErrEmailTaken
		}
	}
	u.CreatedAt = time.Now()
	cp := *u
	m.users[u.ID] = &cp
	return u, nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, user.ErrNotFound
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) ListOthers(_ context.Context, excludeID string) ([]user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []user.User
	for id, u := range m.users {
		if id != excludeID {
			out = append(out, *u)
		}
	}
	slices.SortFunc(out, func(a, b user.User) int { return strings.Compare(a.FullName, b.FullName) })
	return out, nil
}

func (m *memUsers) UpdateProfilePic(_ context.Context, id, pic string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	u.ProfilePic = pic
	cp := *u
	return &cp, nil
}

type memMessages struct {
	mu    sync.Mutex
	users *memUsers
	msgs  []model.Message
}

func (m *memMessages) SaveMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if _, err := m.users.GetUserByID(ctx, msg.ReceiverID); err != nil {
		return model.Message{}, chat.ErrUnknownUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now()
	m.msgs = append(m.msgs, msg)
	return msg, nil
}

func (m *memMessages) Conversation(_ context.Context, a, b string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Message{}
	for _, msg := range m.msgs {
		if (msg.SenderID == a && msg.ReceiverID == b) || (msg.SenderID == b && msg.ReceiverID == a) {
			out = append(out, msg)
		}
	}
	return out, nil
}

type memMemories struct {
	mu    sync.Mutex
	items map[string][]model.Memory
}

func (m *memMemories) Save(_ context.Context, userID string, item model.Memory) (model.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = uuid.NewString()
	item.UploadedAt = time.Now()
	m.items[userID] = append(m.items[userID], item)
	return item, nil
}

func (m *memMemories) List(_ context.Context, userID string) ([]model.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Memory{}, m.items[userID]...), nil
}

type backend struct {
	srv     *httptest.Server
	metrics *metrics.Metrics
}

func newBackend(t *testing.T, limiter *ratelimit.MapLimiter) *backend {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := &memUsers{users: make(map[string]*user.User)}
	m := metrics.New()

	svc := user.NewService(users, "test-secret", time.Hour)
	hub := chat.NewHub(chat.NewLocalBroker(), m, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(server.NewRouter(server.Deps{
		Users:        user.NewHandler(svc, false, logger),
		Chat:         chat.NewHandler(hub, &memMessages{users: users}, m, logger),
		Memories:     memory.NewHandler(&memMemories{items: make(map[string][]model.Memory)}, logger),
		Auth:         myMiddleware.NewAuthMiddleware(svc, m),
		AuthLimiter:  limiter,
		Metrics:      m,
		MaxBodyBytes: 10 << 20,
		Quiet:        true,
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &backend{srv: srv, metrics: m}
}

func (b *backend) client(t *testing.T) (*app.Client, *notify.Recorder) {
	t.Helper()
	rec := &notify.Recorder{}
	c, err := app.New(config.Client{
		APIURL:         b.srv.URL + "/api",
		WSURL:          "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws",
		RequestTimeout: 5 * time.Second,
	}, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Session.DisconnectChannel() })
	return c, rec
}

func signup(t *testing.T, c *app.Client, name string) model.Identity {
	t.Helper()
	id, err := c.Session.Signup(context.Background(), model.SignupRequest{
		FullName: name,
		Email:    strings.ToLower(name) + "@example.com",
		Password: "password123",
	})
	require.NoError(t, err)
	return id
}

func TestEndToEnd_PresenceHistoryAndLiveMessages(t *testing.T) {
	b := newBackend(t, nil)
	ctx := context.Background()

	alice, _ := b.client(t)
	bob, _ := b.client(t)
	aliceID := signup(t, alice, "Alice")
	bobID := signup(t, bob, "Bob")

	require.Eventually(t, func() bool {
		return alice.Session.IsOnline(bobID.ID) && bob.Session.IsOnline(aliceID.ID)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, alice.Session.OnlineOthers())

	contacts, err := alice.Conversations.LoadContacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, bobID.ID, contacts[0].ID)

	_, err = alice.Open(ctx, contacts[0])
	require.NoError(t, err)
	sent, err := alice.Conversations.Send(ctx, model.Content{Text: "hi bob"})
	require.NoError(t, err)
	assert.Equal(t, aliceID.ID, sent.SenderID)

	_, err = bob.Conversations.LoadContacts(ctx)
	require.NoError(t, err)
	history, err := bob.Open(ctx, model.Contact{ID: aliceID.ID, FullName: "Alice"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi bob", history[0].Text)

	_, err = bob.Conversations.Send(ctx, model.Content{Text: "hey alice"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := alice.Conversations.Snapshot().Messages
		return len(msgs) == 2 && msgs[1].Text == "hey alice"
	}, 5*time.Second, 10*time.Millisecond)

	// Bob's own send is appended once; the server pushes to receivers only.
	assert.Len(t, bob.Conversations.Snapshot().Messages, 2)

	require.NoError(t, bob.Logout(ctx))
	require.Eventually(t, func() bool {
		return !alice.Session.IsOnline(bobID.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_RestoresSessionFromCookie(t *testing.T) {
	b := newBackend(t, nil)
	alice, _ := b.client(t)
	id := signup(t, alice, "Alice")

	restored, ok := alice.Session.VerifySession(context.Background())
	require.True(t, ok)
	assert.Equal(t, id.ID, restored.ID)
	assert.Equal(t, "alice@example.com", restored.Email)
}

func TestEndToEnd_AuthErrorsCarryServerMessage(t *testing.T) {
	b := newBackend(t, nil)
	alice, rec := b.client(t)
	signup(t, alice, "Alice")

	other, otherRec := b.client(t)
	_, err := other.Session.Login(context.Background(), model.Credentials{Email: "alice@example.com", Password: "wrong"})
	require.Error(t, err)
	assert.Equal(t, []string{"Invalid credentials"}, otherRec.Errors())

	_, err = other.Session.Signup(context.Background(), model.SignupRequest{FullName: "A", Email: "alice@example.com", Password: "password123"})
	require.Error(t, err)
	assert.Contains(t, otherRec.Errors(), "Email already exists")
	assert.Empty(t, rec.Errors())
}

func TestEndToEnd_UpdateProfile(t *testing.T) {
	b := newBackend(t, nil)
	alice, _ := b.client(t)
	signup(t, alice, "Alice")

	pic := "data:image/png;base64,iVBORw0KGgo="
	updated, err := alice.Session.UpdateProfile(context.Background(), pic)
	require.NoError(t, err)
	assert.Equal(t, pic, updated.ProfilePic)

	restored, ok := alice.Session.VerifySession(context.Background())
	require.True(t, ok)
	assert.Equal(t, pic, restored.ProfilePic)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	b := newBackend(t, nil)

	for _, path := range []string{"/api/auth/check", "/api/messages/users", "/api/memories", "/ws"} {
		resp, err := http.Get(b.srv.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Contains(t, string(body), "No Token Provided", path)
	}

	req, _ := http.NewRequest(http.MethodGet, b.srv.URL+"/api/messages/users", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendValidation(t *testing.T) {
	b := newBackend(t, nil)
	alice, rec := b.client(t)
	signup(t, alice, "Alice")
	ctx := context.Background()

	alice.Conversations.Select(&model.Contact{ID: uuid.NewString()})
	_, err := alice.Conversations.Send(ctx, model.Content{Text: "anyone?"})
	require.Error(t, err)
	assert.Contains(t, rec.Errors(), "User not found")

	bob, _ := b.client(t)
	bobID := signup(t, bob, "Bob")
	alice.Conversations.Select(&model.Contact{ID: bobID.ID})
	_, err = alice.Conversations.Send(ctx, model.Content{Text: "   "})
	require.Error(t, err)
	assert.Contains(t, rec.Errors(), "Message text or image is required")
}

func TestSendImages(t *testing.T) {
	b := newBackend(t, nil)
	ctx := context.Background()
	alice, rec := b.client(t)
	signup(t, alice, "Alice")
	bob, _ := b.client(t)
	bobID := signup(t, bob, "Bob")

	_, err := alice.Open(ctx, model.Contact{ID: bobID.ID})
	require.NoError(t, err)
	imgs := []string{"data:image/png;base64,iVBORw0KGgo=", "data:image/gif;base64,R0lGODlh"}
	sent, err := alice.Conversations.Send(ctx, model.Content{Text: "two", Images: imgs})
	require.NoError(t, err)
	assert.Equal(t, imgs, sent.Images)

	history, err := alice.Conversations.LoadHistory(ctx, bobID.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, imgs, history[0].Images)

	_, err = alice.Conversations.Send(ctx, model.Content{Images: []string{imgs[0], "data:text/plain;base64,aGk="}})
	require.Error(t, err)
	assert.Contains(t, rec.Errors(), "Image must be an inline image")
}

func TestEndToEnd_Memories(t *testing.T) {
	b := newBackend(t, nil)
	ctx := context.Background()
	alice, rec := b.client(t)
	signup(t, alice, "Alice")
	bob, _ := b.client(t)
	signup(t, bob, "Bob")

	stored, err := alice.Memories.Upload(ctx, "data:image/png;base64,iVBORw0KGgo=", "data:video/mp4;base64,AAAAIGZ0eXA=")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, model.MemoryImage, stored[0].Type)
	assert.Equal(t, "data:video/mp4;base64,AAAAIGZ0eXA=", stored[1].DataURL())
	assert.Empty(t, rec.Errors())

	require.NoError(t, alice.Refresh(ctx))
	assert.Len(t, alice.Memories.Snapshot().Items, 2)

	require.NoError(t, bob.Refresh(ctx))
	assert.Empty(t, bob.Memories.Snapshot().Items)

	req, _ := http.NewRequest(http.MethodPost, b.srv.URL+"/api/memories", strings.NewReader(`{"memoryType":"audio","memoryBase64":"AAAA"}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRateLimit(t *testing.T) {
	b := newBackend(t, ratelimit.New(0.001, 2, time.Minute))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Post(b.srv.URL+"/api/auth/login", "application/json",
			strings.NewReader(`{"email":"x@example.com","password":"nope"}`))
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestMetricsEndpoint(t *testing.T) {
	b := newBackend(t, nil)
	resp, err := http.Get(b.srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "chatsync_connected_sockets")
}
