package daemon

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client talks to a running daemon over its control socket.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// Status is what the control socket reports about a session.
type Status struct {
	Connected   bool
	NeedsReauth bool
}

// Dial connects to the daemon's Unix domain socket. The connection is lazy;
// errors surface on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Status queries both health services.
func (c *Client) Status(ctx context.Context) (Status, error) {
	conn, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceConnection})
	if err != nil {
		return Status{}, err
	}
	auth, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceAuth})
	if err != nil {
		return Status{}, err
	}
	return Status{
		Connected:   conn.Status == healthpb.HealthCheckResponse_SERVING,
		NeedsReauth: auth.Status == healthpb.HealthCheckResponse_NOT_SERVING,
	}, nil
}

// WatchConnection calls fn with every connection health change until ctx
// ends or the daemon goes away.
func (c *Client) WatchConnection(ctx context.Context, fn func(connected bool)) error {
	stream, err := c.Health.Watch(ctx, &healthpb.HealthCheckRequest{Service: ServiceConnection})
	if err != nil {
		return err
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(resp.Status == healthpb.HealthCheckResponse_SERVING)
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
