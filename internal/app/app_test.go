package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/model"
	"chatsync/internal/notify"
	"chatsync/internal/push"
	"chatsync/internal/push/pushtest"
)

// backend is an in-memory stand-in for the REST services.
type backend struct {
	mu       sync.Mutex
	me       model.Identity
	contacts []model.Contact
	history  map[string][]model.Message
	replies  []model.Message
	memories []model.Memory
	loggedIn bool

	// gates, when queued, hold Messages responses in call order; started
	// reports each held call.
	gates   []chan struct{}
	started chan struct{}
}

func (b *backend) gate() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started == nil {
		b.started = make(chan struct{}, 8)
	}
	ch := make(chan struct{})
	b.gates = append(b.gates, ch)
	return ch
}

func (b *backend) Login(context.Context, model.Credentials) (model.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loggedIn = true
	return b.me, nil
}

func (b *backend) Signup(ctx context.Context, _ model.SignupRequest) (model.Identity, error) {
	return b.Login(ctx, model.Credentials{})
}

func (b *backend) Logout(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loggedIn = false
	return nil
}

func (b *backend) Check(context.Context) (model.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loggedIn {
		return model.Identity{}, assert.AnError
	}
	return b.me, nil
}

func (b *backend) UpdateProfile(_ context.Context, pic string) (model.Identity, error) {
	id := b.me
	id.ProfilePic = pic
	return id, nil
}

func (b *backend) Contacts(context.Context) ([]model.Contact, error) {
	return b.contacts, nil
}

func (b *backend) Messages(_ context.Context, contactID string) ([]model.Message, error) {
	b.mu.Lock()
	var gate chan struct{}
	if len(b.gates) > 0 {
		gate, b.gates = b.gates[0], b.gates[1:]
	}
	msgs := b.history[contactID]
	b.mu.Unlock()

	if gate != nil {
		b.started <- struct{}{}
		<-gate
	}
	return msgs, nil
}

func (b *backend) Send(_ context.Context, _ string, _ model.Content) (model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := b.replies[0]
	b.replies = b.replies[1:]
	return msg, nil
}

func (b *backend) Memories(context.Context) ([]model.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Memory(nil), b.memories...), nil
}

func (b *backend) UploadMemory(_ context.Context, up model.MemoryUpload) (model.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item := model.Memory{ID: "m" + string(rune('0'+len(b.memories)+1)), Type: up.Type, Content: up.Base64}
	b.memories = append(b.memories, item)
	return item, nil
}

func newClient(t *testing.T, b *backend) (*Client, *[]*pushtest.Fake) {
	t.Helper()
	var channels []*pushtest.Fake
	c := Assemble(b, func(model.Identity) push.Channel {
		ch := pushtest.New()
		channels = append(channels, ch)
		return ch
	}, 0, &notify.Recorder{}, nil)
	return c, &channels
}

func TestScenario_LoginPresenceHistorySend(t *testing.T) {
	ctx := context.Background()
	u2 := model.Contact{ID: "U2", FullName: "User Two"}
	msg1 := model.Message{ID: "1", SenderID: "U2", ReceiverID: "U1", Text: "hi"}
	msg2 := model.Message{ID: "2", SenderID: "U1", ReceiverID: "U2", Text: "yo"}
	b := &backend{
		me:       model.Identity{ID: "U1"},
		contacts: []model.Contact{u2},
		history:  map[string][]model.Message{"U2": {msg1}},
		replies:  []model.Message{msg2},
	}
	c, channels := newClient(t, b)

	_, err := c.Session.Login(ctx, model.Credentials{Email: "u1@example.com", Password: "pw"})
	require.NoError(t, err)
	require.Len(t, *channels, 1)
	ch := (*channels)[0]
	assert.True(t, ch.Connected())

	ch.Emit(push.EventOnlineUsers, []string{"U2"})
	assert.Equal(t, []string{"U2"}, c.Session.Snapshot().Online)

	_, err = c.Open(ctx, u2)
	require.NoError(t, err)
	assert.Equal(t, []model.Message{msg1}, c.Conversations.Snapshot().Messages)

	sent, err := c.Conversations.Send(ctx, model.Content{Text: "yo"})
	require.NoError(t, err)
	assert.Equal(t, msg2, sent)
	assert.Equal(t, []model.Message{msg1, msg2}, c.Conversations.Snapshot().Messages)
}

func TestLogout_ClearsConversationState(t *testing.T) {
	ctx := context.Background()
	u2 := model.Contact{ID: "U2"}
	b := &backend{
		me:       model.Identity{ID: "U1"},
		contacts: []model.Contact{u2},
		history:  map[string][]model.Message{"U2": {{ID: "1", SenderID: "U2", ReceiverID: "U1"}}},
	}
	c, channels := newClient(t, b)

	_, err := c.Session.Login(ctx, model.Credentials{})
	require.NoError(t, err)
	require.NoError(t, c.Refresh(ctx))
	_, err = c.Open(ctx, u2)
	require.NoError(t, err)
	ch := (*channels)[0]
	assert.Equal(t, 1, ch.Handlers(push.EventNewMessage))

	require.NoError(t, c.Logout(ctx))
	require.NoError(t, c.Logout(ctx))

	conv := c.Conversations.Snapshot()
	assert.Empty(t, conv.Contacts)
	assert.Nil(t, conv.Selected)
	assert.Empty(t, conv.Messages)
	assert.Zero(t, ch.Handlers(push.EventNewMessage))
	assert.False(t, ch.Connected())
	assert.Nil(t, c.Session.Snapshot().Identity)
}

func TestLogout_ClearsMemories(t *testing.T) {
	ctx := context.Background()
	b := &backend{me: model.Identity{ID: "U1"}, memories: []model.Memory{{ID: "m1", Type: model.MemoryImage, Content: "AAAA"}}}
	c, _ := newClient(t, b)

	_, err := c.Session.Login(ctx, model.Credentials{})
	require.NoError(t, err)
	require.NoError(t, c.Refresh(ctx))
	assert.Len(t, c.Memories.Snapshot().Items, 1)

	_, err = c.Memories.Upload(ctx, "data:video/mp4;base64,BBBB")
	require.NoError(t, err)
	assert.Len(t, c.Memories.Snapshot().Items, 2)

	require.NoError(t, c.Logout(ctx))
	assert.Empty(t, c.Memories.Snapshot().Items)
}

func TestStart_RestoresSession(t *testing.T) {
	ctx := context.Background()
	b := &backend{me: model.Identity{ID: "U1"}, contacts: []model.Contact{{ID: "U2"}}}

	c, _ := newClient(t, b)
	assert.False(t, c.Start(ctx))
	assert.Empty(t, c.Conversations.Snapshot().Contacts)

	b.loggedIn = true
	b.memories = []model.Memory{{ID: "m1", Type: model.MemoryImage}}
	c, channels := newClient(t, b)
	assert.True(t, c.Start(ctx))
	assert.Len(t, c.Conversations.Snapshot().Contacts, 1)
	assert.Len(t, c.Memories.Snapshot().Items, 1)
	assert.True(t, (*channels)[0].Connected())
}

func TestClose_StopsLiveUpdates(t *testing.T) {
	ctx := context.Background()
	u2 := model.Contact{ID: "U2"}
	b := &backend{me: model.Identity{ID: "U1"}, history: map[string][]model.Message{}}
	c, channels := newClient(t, b)
	_, err := c.Session.Login(ctx, model.Credentials{})
	require.NoError(t, err)
	_, err = c.Open(ctx, u2)
	require.NoError(t, err)

	c.Close()
	(*channels)[0].Emit(push.EventNewMessage, model.Message{ID: "9", SenderID: "U2", ReceiverID: "U1"})
	assert.Empty(t, c.Conversations.Snapshot().Messages)
	_, ok := c.Conversations.Selected()
	assert.False(t, ok)
}

func TestVisibleContacts_OnlineOnly(t *testing.T) {
	ctx := context.Background()
	b := &backend{
		me:       model.Identity{ID: "U1"},
		contacts: []model.Contact{{ID: "U2"}, {ID: "U3"}, {ID: "U4"}},
	}
	c, channels := newClient(t, b)
	_, err := c.Session.Login(ctx, model.Credentials{})
	require.NoError(t, err)
	_, err = c.Conversations.LoadContacts(ctx)
	require.NoError(t, err)

	(*channels)[0].Emit(push.EventOnlineUsers, []string{"U1", "U3"})

	assert.Len(t, c.VisibleContacts(false), 3)
	assert.Equal(t, []model.Contact{{ID: "U3"}}, c.VisibleContacts(true))
	assert.Equal(t, 1, c.Session.OnlineOthers())
}

func TestRefreshDuringOpen_KeepsLivePush(t *testing.T) {
	ctx := context.Background()
	u2 := model.Contact{ID: "U2", FullName: "User Two"}
	msg1 := model.Message{ID: "1", SenderID: "U2", ReceiverID: "U1", Text: "hi"}
	b := &backend{
		me:       model.Identity{ID: "U1"},
		contacts: []model.Contact{u2},
		history:  map[string][]model.Message{"U2": {msg1}},
	}
	c, channels := newClient(t, b)
	_, err := c.Session.Login(ctx, model.Credentials{})
	require.NoError(t, err)
	ch := (*channels)[0]

	openGate := b.gate()
	refreshGate := b.gate()

	opened := make(chan error, 1)
	go func() {
		msgs, err := c.Open(ctx, u2)
		assert.Equal(t, []model.Message{msg1}, msgs)
		opened <- err
	}()
	<-b.started

	refreshed := make(chan error, 1)
	go func() { refreshed <- c.Refresh(ctx) }()
	<-b.started

	close(openGate)
	require.NoError(t, <-opened)

	live := model.Message{ID: "x", SenderID: "U2", ReceiverID: "U1", Text: "live"}
	ch.Emit(push.EventNewMessage, live)

	close(refreshGate)
	require.NoError(t, <-refreshed)

	assert.Equal(t, []model.Message{msg1, live}, c.Conversations.Snapshot().Messages)
	assert.False(t, c.Conversations.Snapshot().MessagesLoading)
}
