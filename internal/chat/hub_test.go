package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/metrics"
	"chatsync/internal/model"
	"chatsync/internal/push"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(NewLocalBroker(), metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
	return hub
}

func newTestClient(hub *Hub, userID string) *Client {
	return &Client{Hub: hub, Send: make(chan []byte, 16), UserID: userID}
}

func next(t *testing.T, c *Client) push.Envelope {
	t.Helper()
	select {
	case frame, ok := <-c.Send:
		require.True(t, ok, "send channel closed")
		var env push.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for %s", c.UserID)
		return push.Envelope{}
	}
}

// nextOnline skips presence frames until one lists want.
func nextOnline(t *testing.T, c *Client, want []string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-c.Send:
			var env push.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			if env.Event != push.EventOnlineUsers {
				continue
			}
			var ids []string
			require.NoError(t, json.Unmarshal(env.Data, &ids))
			if assert.ObjectsAreEqual(want, ids) {
				return
			}
		case <-deadline:
			t.Fatalf("%s never saw online set %v", c.UserID, want)
		}
	}
}

func TestHub_PresenceBroadcast(t *testing.T) {
	hub := startHub(t)
	a := newTestClient(hub, "a")
	b := newTestClient(hub, "b")

	hub.Register <- a
	nextOnline(t, a, []string{"a"})
	hub.Register <- b
	nextOnline(t, a, []string{"a", "b"})
	nextOnline(t, b, []string{"a", "b"})

	hub.Unregister <- b
	nextOnline(t, a, []string{"a"})
	waitClosed(t, b.Send)
}

func TestHub_UserStaysOnlineWhileAnySocketIsOpen(t *testing.T) {
	hub := startHub(t)
	a1 := newTestClient(hub, "a")
	a2 := newTestClient(hub, "a")
	watcher := newTestClient(hub, "w")

	hub.Register <- watcher
	hub.Register <- a1
	hub.Register <- a2
	nextOnline(t, watcher, []string{"a", "w"})

	hub.Unregister <- a1
	hub.Unregister <- a1 // already gone
	hub.Register <- newTestClient(hub, "z")
	nextOnline(t, watcher, []string{"a", "w", "z"})
}

func TestHub_DeliverReachesReceiverOnly(t *testing.T) {
	hub := startHub(t)
	sender := newTestClient(hub, "s")
	receiver := newTestClient(hub, "r")
	hub.Register <- sender
	hub.Register <- receiver
	nextOnline(t, sender, []string{"r", "s"})
	nextOnline(t, receiver, []string{"r", "s"})

	msg := model.Message{ID: "m1", SenderID: "s", ReceiverID: "r", Text: "hi"}
	require.NoError(t, hub.Deliver(context.Background(), msg))

	env := next(t, receiver)
	for env.Event != push.EventNewMessage {
		env = next(t, receiver)
	}
	var got model.Message
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, msg, got)

	select {
	case frame := <-sender.Send:
		var env push.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		assert.NotEqual(t, push.EventNewMessage, env.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := startHub(t)
	slow := &Client{Hub: hub, Send: make(chan []byte, 1), UserID: "slow"}
	slow.Send <- []byte("{}")
	fast := newTestClient(hub, "fast")

	hub.Register <- slow
	hub.Register <- fast

	// slow's buffer is full, so its first presence frame drops it and the
	// online set settles without it.
	nextOnline(t, fast, []string{"fast"})
	waitClosed(t, slow.Send)
}

func waitClosed(t *testing.T, ch <-chan []byte) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("send channel never closed")
		}
	}
}

func TestLocalBroker_CountsSockets(t *testing.T) {
	b := NewLocalBroker()
	ctx := context.Background()
	require.NoError(t, b.Join(ctx, "a"))
	require.NoError(t, b.Join(ctx, "a"))
	require.NoError(t, b.Join(ctx, "b"))
	require.NoError(t, b.Leave(ctx, "a"))

	ids, err := b.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, b.Leave(ctx, "a"))
	ids, err = b.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}
