// Package pushtest provides an in-memory push.Channel for tests.
package pushtest

import (
	"context"
	"encoding/json"
	"sync"

	"chatsync/internal/push"
)

// Fake is a push.Channel whose events are emitted by the test.
type Fake struct {
	// ConnectErr, when set, is returned by Connect.
	ConnectErr error

	mu        sync.Mutex
	handlers  map[string][]push.Handler
	connected bool
	connects  int
	disconns  int
}

func New() *Fake {
	return &Fake{handlers: make(map[string][]push.Handler)}
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	if f.connected {
		return nil
	}
	f.connected = true
	f.connects++
	return nil
}

func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return
	}
	f.connected = false
	f.disconns++
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) On(event string, h push.Handler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
}

func (f *Fake) Off(event string) {
	f.mu.Lock()
	delete(f.handlers, event)
	f.mu.Unlock()
}

// Drop simulates a transport loss: the handle stays but is not connected.
func (f *Fake) Drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

// Emit delivers v as event to the registered handlers, synchronously.
func (f *Fake) Emit(event string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	hs := append([]push.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

// Handlers returns how many handlers are registered for event.
func (f *Fake) Handlers(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

// Connects returns how many times a connection was established.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Disconnects returns how many live connections were torn down.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconns
}

var _ push.Channel = (*Fake)(nil)
