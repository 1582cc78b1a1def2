package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SocketConnected()
		m.SocketDisconnected()
		m.MessageSent()
		m.AuthFailed("missing")
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.SocketConnected()
	m.SocketConnected()
	m.SocketDisconnected()
	m.MessageSent()
	m.AuthFailed("invalid")
	m.AuthFailed("invalid")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sockets))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.authFailures.WithLabelValues("invalid")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.MessageSent()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatsync_messages_sent_total 1")
	assert.Contains(t, string(body), "chatsync_connected_sockets")
}
