package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/status"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverCounters(t *testing.T) {
	m := New("test")

	m.FrameDecoded("message")
	m.FrameDecoded("message")
	m.FrameDecoded("conversation_update")
	m.FrameRejected()
	m.EventApplied("inserted")
	m.SendResolved("sent", 200*time.Millisecond)
	m.SendResolved("failed", 15*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("conversation_update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsApplied.WithLabelValues("inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsTotal.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sendLatency))
}

func TestConnectionStateGauge(t *testing.T) {
	m := New("test")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionState.WithLabelValues(string(status.Disconnected))))

	m.Observe(bus.Event{Kind: bus.KindConnectionState, Payload: status.StatusChange{From: status.Connected, To: status.Reconnecting, Attempt: 1}})
	m.Observe(bus.Event{Kind: bus.KindConnectionState, Payload: status.StatusChange{From: status.Reconnecting, To: status.Reconnecting, Attempt: 2}})
	m.Observe(bus.Event{Kind: bus.KindConnectionError})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionState.WithLabelValues(string(status.Reconnecting))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connectionState.WithLabelValues(string(status.Disconnected))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionErrors))
}

func TestWatchFollowsMachine(t *testing.T) {
	m := New("test")
	b := bus.New()
	stop := m.Watch(b)

	machine := status.NewMachine(b)
	require.NoError(t, machine.Transition(status.Connecting, status.ReasonNone))
	require.NoError(t, machine.Transition(status.Connected, status.ReasonNone))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.connectionState.WithLabelValues(string(status.Connected))) == 1
	}, time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, 0, b.Len())
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New("test")
	m.FrameRejected()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `parley_frame_decode_errors_total{session="test"} 1`)
	assert.Contains(t, string(body), "parley_connection_state")
}
