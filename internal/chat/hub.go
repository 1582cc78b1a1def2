package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/metrics"
	"chatsync/internal/model"
	"chatsync/internal/push"
)

const brokerTimeout = 5 * time.Second

// Hub tracks this instance's sockets by user and relays broker events to
// them: presence to everyone, a new message to its receiver only.
type Hub struct {
	clients    map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}

	broker  Broker
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Presence updates leave the loop through an ordered queue so a
	// socket's Leave never overtakes its Join.
	opsMu sync.Mutex
	ops   []presenceOp
	wake  chan struct{}
}

type presenceOp struct {
	userID string
	join   bool
}

func NewHub(broker Broker, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		broker:     broker,
		metrics:    m,
		logger:     logger,
		wake:       make(chan struct{}, 1),
	}
}

// Run owns the client map until ctx is cancelled. On the way out every
// remaining socket is closed and counted as gone.
func (h *Hub) Run(ctx context.Context) error {
	incoming, err := h.broker.Subscribe(ctx)
	if err != nil {
		close(h.done)
		return err
	}

	quit := make(chan struct{})
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		h.presenceWorker(context.WithoutCancel(ctx), quit)
	}()

	defer func() {
		close(h.done)
		for _, set := range h.clients {
			for c := range set {
				h.drop(c)
			}
		}
		close(quit)
		<-workerDone
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.Register:
			set, ok := h.clients[client.UserID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[client.UserID] = set
			}
			set[client] = true
			h.metrics.SocketConnected()
			h.enqueue(presenceOp{userID: client.UserID, join: true})

		case client := <-h.Unregister:
			h.drop(client)

		case payload, ok := <-incoming:
			if !ok {
				return errors.New("broker subscription closed")
			}
			h.dispatch(ctx, payload)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Deliver hands a stored message to the receiver's sockets on every
// instance.
func (h *Hub) Deliver(ctx context.Context, msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event{Kind: kindMessage, To: msg.ReceiverID, Data: data})
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, payload)
}

// drop forgets client if it is still registered.
func (h *Hub) drop(client *Client) {
	set, ok := h.clients[client.UserID]
	if !ok || !set[client] {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
	h.metrics.SocketDisconnected()
	h.enqueue(presenceOp{userID: client.UserID})
}

func (h *Hub) enqueue(op presenceOp) {
	h.opsMu.Lock()
	h.ops = append(h.ops, op)
	h.opsMu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// presenceWorker applies queued updates in order and announces each one.
// Every announcement makes every instance re-read the full set. It drains
// the queue before returning once quit is closed.
func (h *Hub) presenceWorker(ctx context.Context, quit <-chan struct{}) {
	for {
		h.opsMu.Lock()
		ops := h.ops
		h.ops = nil
		h.opsMu.Unlock()

		for _, op := range ops {
			h.applyPresence(ctx, op)
		}
		if len(ops) > 0 {
			continue
		}

		select {
		case <-h.wake:
		case <-quit:
			h.opsMu.Lock()
			empty := len(h.ops) == 0
			h.opsMu.Unlock()
			if empty {
				return
			}
		}
	}
}

func (h *Hub) applyPresence(ctx context.Context, op presenceOp) {
	ctx, cancel := context.WithTimeout(ctx, brokerTimeout)
	defer cancel()

	update := h.broker.Leave
	if op.join {
		update = h.broker.Join
	}
	if err := update(ctx, op.userID); err != nil {
		h.logger.Error("presence update failed", "user_id", op.userID, "join", op.join, "error", err)
		return
	}
	payload, _ := json.Marshal(event{Kind: kindPresence})
	if err := h.broker.Publish(ctx, payload); err != nil {
		h.logger.Error("presence publish failed", "error", err)
	}
}

func (h *Hub) dispatch(ctx context.Context, payload []byte) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Warn("malformed broker event", "error", err)
		return
	}

	switch ev.Kind {
	case kindPresence:
		readCtx, cancel := context.WithTimeout(ctx, brokerTimeout)
		ids, err := h.broker.Online(readCtx)
		cancel()
		if err != nil {
			h.logger.Error("read online users failed", "error", err)
			return
		}
		frame, err := encodeFrame(push.EventOnlineUsers, ids)
		if err != nil {
			return
		}
		for _, set := range h.clients {
			for c := range set {
				h.send(c, frame)
			}
		}

	case kindMessage:
		frame, err := json.Marshal(push.Envelope{Event: push.EventNewMessage, Data: ev.Data})
		if err != nil {
			return
		}
		for c := range h.clients[ev.To] {
			h.send(c, frame)
		}

	default:
		h.logger.Warn("unknown broker event", "kind", ev.Kind)
	}
}

// send never blocks the loop; a client that cannot keep up is dropped.
func (h *Hub) send(c *Client, frame []byte) {
	select {
	case c.Send <- frame:
	default:
		h.logger.Warn("dropping slow client", "user_id", c.UserID)
		h.drop(c)
	}
}

func encodeFrame(name string, data any) ([]byte, error) {
	env, err := push.NewEnvelope(name, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
