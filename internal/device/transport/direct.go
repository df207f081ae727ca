// File: internal/device/transport/direct.go
// Description: The direct channel: an adb port forward plus one persistent
// TCP connection to the on-device portal. Lowest per-call latency of the two
// channels, but depends on the forward being establishable.

package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
	"github.com/ybeetle8/droidrun-vl/internal/adb"
)

// DefaultPortalPort is the TCP port the portal app listens on device-side.
const DefaultPortalPort = 8080

// Forwarder is the slice of the adb device handle the direct channel needs.
type Forwarder interface {
	Forward(ctx context.Context, remotePort int) (int, error)
	KillForward(ctx context.Context, localPort int) error
}

var _ Forwarder = (*adb.Device)(nil)

// DirectChannel owns the port forward and the persistent connection.
// Calls are strictly one request/response pair at a time; the mutex keeps a
// re-probing Send from interleaving frames with another call.
type DirectChannel struct {
	forwarder  Forwarder
	remotePort int
	logger     *zap.Logger

	// dial is swappable so tests can point the channel at an in-memory
	// portal without an adb server.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu        sync.Mutex
	conn      net.Conn
	localPort int
}

func NewDirectChannel(forwarder Forwarder, remotePort int, logger *zap.Logger) *DirectChannel {
	if remotePort <= 0 {
		remotePort = DefaultPortalPort
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := net.Dialer{Timeout: 3 * time.Second}
	return &DirectChannel{
		forwarder:  forwarder,
		remotePort: remotePort,
		logger:     logger.Named("direct"),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

func (c *DirectChannel) Name() string { return "direct" }

// Open establishes the forward and the persistent connection. Any resource
// acquired before a later step fails is released before returning.
func (c *DirectChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	localPort, err := c.forwarder.Forward(ctx, c.remotePort)
	if err != nil {
		return schemas.WrapError(schemas.KindTransportUnavailable, err, "port forward to device port %d", c.remotePort)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort))
	conn, err := c.dial(ctx, addr)
	if err != nil {
		_ = c.forwarder.KillForward(context.Background(), localPort)
		return schemas.WrapError(schemas.KindTransportUnavailable, err, "dial forwarded portal at %s", addr)
	}

	c.conn = conn
	c.localPort = localPort
	c.logger.Debug("direct channel open", zap.Int("local_port", localPort))
	return nil
}

// Close tears down the connection and the forward. Safe to call repeatedly.
// The forward is killed even when the connection is already gone: a mid-call
// i/o failure drops the conn but leaves the forward standing.
func (c *DirectChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	if c.localPort != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.forwarder.KillForward(ctx, c.localPort)
		c.localPort = 0
	}
	return err
}

// Call performs one request/response round-trip on the persistent socket.
func (c *DirectChannel) Call(ctx context.Context, req schemas.ActionRequest) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, schemas.NewError(schemas.KindTransportUnavailable, "direct channel not open")
	}

	deadline := time.Now().Add(callTimeout(req.Verb))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, schemas.WrapError(schemas.KindTransportUnavailable, err, "set deadline")
	}

	codec := frameCodec{rw: c.conn}
	if err := c.codecErr(codec.writeRequest(req)); err != nil {
		return nil, err
	}
	resp, err := codec.readResponse()
	if err != nil {
		return nil, c.codecErr(err)
	}
	return resp, nil
}

// codecErr classifies socket-level failures. A broken connection is dropped
// so the next Open starts clean; malformed frames keep their own kind.
func (c *DirectChannel) codecErr(err error) error {
	if err == nil {
		return nil
	}
	if schemas.KindOf(err) == schemas.KindMalformedResponse {
		return err
	}
	c.conn.Close()
	c.conn = nil
	return schemas.WrapError(schemas.KindTransportUnavailable, err, "direct channel i/o")
}

// callTimeout bounds one round-trip. Screenshots ship a full framebuffer and
// get a longer allowance than interactive verbs.
func callTimeout(verb schemas.Verb) time.Duration {
	if verb == schemas.VerbScreenshot {
		return 15 * time.Second
	}
	return 5 * time.Second
}
