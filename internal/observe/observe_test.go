package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster_Coalesces(t *testing.T) {
	var b Broadcaster
	ch, cancel := b.Watch()
	defer cancel()

	b.Notify()
	b.Notify()
	b.Notify()

	assert.Len(t, ch, 1)
	<-ch
	assert.Len(t, ch, 0)
}

func TestBroadcaster_Cancel(t *testing.T) {
	var b Broadcaster
	ch, cancel := b.Watch()
	cancel()
	cancel()

	b.Notify()
	assert.Len(t, ch, 0)
}

func TestBroadcaster_NoWatchers(t *testing.T) {
	var b Broadcaster
	assert.NotPanics(t, b.Notify)
}
