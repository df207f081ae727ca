// File: internal/device/transport/direct_test.go
package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
)

type fakeForwarder struct {
	forwardErr  error
	killedPorts []int
}

func (f *fakeForwarder) Forward(_ context.Context, remotePort int) (int, error) {
	if f.forwardErr != nil {
		return 0, f.forwardErr
	}
	return 10000 + remotePort, nil
}

func (f *fakeForwarder) KillForward(_ context.Context, localPort int) error {
	f.killedPorts = append(f.killedPorts, localPort)
	return nil
}

// startFakePortal runs a tiny portal that answers every framed request with
// an ok frame echoing the verb.
func startFakePortal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					var prefix [4]byte
					if _, err := io.ReadFull(conn, prefix[:]); err != nil {
						return
					}
					body := make([]byte, binary.BigEndian.Uint32(prefix[:]))
					if _, err := io.ReadFull(conn, body); err != nil {
						return
					}
					var req schemas.ActionRequest
					if err := json.Unmarshal(body, &req); err != nil {
						return
					}
					out, _ := json.Marshal(Response{Status: "ok", Data: string(req.Verb)})
					binary.BigEndian.PutUint32(prefix[:], uint32(len(out)))
					conn.Write(prefix[:])
					conn.Write(out)
				}
			}(conn)
		}
	}()
	return ln
}

func newTestDirectChannel(t *testing.T, ln net.Listener) (*DirectChannel, *fakeForwarder) {
	t.Helper()
	fw := &fakeForwarder{}
	ch := NewDirectChannel(fw, DefaultPortalPort, zap.NewNop())
	ch.dial = func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ln.Addr().String())
	}
	return ch, fw
}

func TestDirectChannel_PersistentConnectionAcrossCalls(t *testing.T) {
	ln := startFakePortal(t)
	ch, _ := newTestDirectChannel(t, ln)
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Open(context.Background()))

	for _, verb := range []schemas.Verb{schemas.VerbPing, schemas.VerbTapAt, schemas.VerbScreenshot} {
		resp, err := ch.Call(context.Background(), schemas.ActionRequest{Verb: verb})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, string(verb), resp.Data)
	}
}

func TestDirectChannel_OpenIsIdempotent(t *testing.T) {
	ln := startFakePortal(t)
	ch, _ := newTestDirectChannel(t, ln)
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.Open(context.Background()))
	require.NoError(t, ch.Open(context.Background()))
}

func TestDirectChannel_ForwardFailureReleasesNothing(t *testing.T) {
	fw := &fakeForwarder{forwardErr: errors.New("forward refused")}
	ch := NewDirectChannel(fw, DefaultPortalPort, zap.NewNop())

	err := ch.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, schemas.KindTransportUnavailable, schemas.KindOf(err))
	assert.Empty(t, fw.killedPorts)
}

func TestDirectChannel_DialFailureTearsDownForward(t *testing.T) {
	fw := &fakeForwarder{}
	ch := NewDirectChannel(fw, DefaultPortalPort, zap.NewNop())
	ch.dial = func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	err := ch.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, schemas.KindTransportUnavailable, schemas.KindOf(err))
	require.Len(t, fw.killedPorts, 1, "the dangling forward must be removed")
	assert.Equal(t, 10000+DefaultPortalPort, fw.killedPorts[0])
}

func TestDirectChannel_CloseRemovesForward(t *testing.T) {
	ln := startFakePortal(t)
	ch, fw := newTestDirectChannel(t, ln)

	require.NoError(t, ch.Open(context.Background()))
	require.NoError(t, ch.Close())
	require.Len(t, fw.killedPorts, 1)

	// Closing again is a no-op.
	require.NoError(t, ch.Close())
	require.Len(t, fw.killedPorts, 1)
}

func TestDirectChannel_CloseRemovesForwardAfterConnDropped(t *testing.T) {
	// A portal that reads one request and hangs up without replying, which
	// drops the persistent conn on the client side mid-call.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		var prefix [4]byte
		if _, err := io.ReadFull(conn, prefix[:]); err == nil {
			body := make([]byte, binary.BigEndian.Uint32(prefix[:]))
			_, _ = io.ReadFull(conn, body)
		}
		conn.Close()
	}()

	ch, fw := newTestDirectChannel(t, ln)
	require.NoError(t, ch.Open(context.Background()))

	_, err = ch.Call(context.Background(), schemas.ActionRequest{Verb: schemas.VerbPing})
	require.Error(t, err)
	assert.Equal(t, schemas.KindTransportUnavailable, schemas.KindOf(err))

	// The conn is gone but the forward is still standing; Close must
	// remove it or stale forwards pile up on the adb host across re-probes.
	require.NoError(t, ch.Close())
	require.Len(t, fw.killedPorts, 1)
	assert.Equal(t, 10000+DefaultPortalPort, fw.killedPorts[0])
}

func TestDirectChannel_CallWithoutOpenFails(t *testing.T) {
	fw := &fakeForwarder{}
	ch := NewDirectChannel(fw, DefaultPortalPort, zap.NewNop())

	_, err := ch.Call(context.Background(), schemas.ActionRequest{Verb: schemas.VerbPing})
	require.Error(t, err)
	assert.Equal(t, schemas.KindTransportUnavailable, schemas.KindOf(err))
}
