package daemon

import (
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var statusBooting = status.StatusChange{From: status.Disconnected, To: status.Disconnected}

// Health service names served on the control socket.
const (
	ServiceConnection = "parley.connection"
	ServiceAuth       = "parley.auth"
)

// Health mirrors connection state into the gRPC health protocol.
// parley.connection is SERVING while connected; parley.auth is NOT_SERVING
// once the server rejected the token.
type Health struct {
	srv    *health.Server
	logger *zap.Logger
	unsub  func()
	done   chan struct{}
}

// NewHealth creates the health server seeded with the initial state.
func NewHealth(initial status.StatusChange, logger *zap.Logger) *Health {
	h := &Health{srv: health.NewServer(), logger: logger}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.apply(initial)
	return h
}

// Follow applies every connection state change published on b until Stop.
// current is read once after subscribing so no change is missed.
func (h *Health) Follow(b *bus.Bus, current func() status.StatusChange) {
	ch, unsub := b.Subscribe(bus.KindConnectionState, 32)
	h.unsub = unsub
	h.apply(current())
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		for evt := range ch {
			if change, ok := evt.Payload.(status.StatusChange); ok {
				h.apply(change)
			}
		}
	}()
}

func (h *Health) apply(change status.StatusChange) {
	conn := healthpb.HealthCheckResponse_NOT_SERVING
	if change.To == status.Connected {
		conn = healthpb.HealthCheckResponse_SERVING
	}
	auth := healthpb.HealthCheckResponse_SERVING
	if change.NeedsReauth() {
		auth = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus(ServiceConnection, conn)
	h.srv.SetServingStatus(ServiceAuth, auth)
	h.logger.Debug("health updated", zap.String("state", string(change.To)), zap.String("reason", string(change.Reason)))
}

// Stop stops following state and marks every service NOT_SERVING.
func (h *Health) Stop() {
	if h.unsub != nil {
		h.unsub()
		<-h.done
		h.unsub = nil
	}
	h.srv.Shutdown()
}
