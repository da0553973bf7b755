package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/parley/internal/metrics"
	"go.uber.org/zap"
)

// MetricsServer exposes /metrics over HTTP. It is inert when addr is empty.
type MetricsServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates the listener configuration; nothing binds until
// Start.
func NewMetricsServer(addr string, m *metrics.Metrics, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{logger: logger}
	if addr == "" {
		return ms
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	ms.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return ms
}

// Start binds the listener and serves in the background.
func (ms *MetricsServer) Start() error {
	if ms.srv == nil {
		return nil
	}
	ln, err := net.Listen("tcp", ms.srv.Addr)
	if err != nil {
		return err
	}
	ms.logger.Info("metrics listener started", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := ms.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the listener.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	if ms.srv == nil {
		return nil
	}
	return ms.srv.Shutdown(ctx)
}
