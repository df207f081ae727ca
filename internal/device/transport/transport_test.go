// File: internal/device/transport/transport_test.go
package transport

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedChannel is a Channel whose behavior is driven by the test.
type scriptedChannel struct {
	name      string
	openErr   error
	callErr   error
	callErrs  []error // consumed one per call when non-nil
	resp      *Response
	openCount int
	callCount int
	closed    int
}

func (c *scriptedChannel) Name() string { return c.name }

func (c *scriptedChannel) Open(context.Context) error {
	c.openCount++
	return c.openErr
}

func (c *scriptedChannel) Close() error {
	c.closed++
	return nil
}

func (c *scriptedChannel) Call(_ context.Context, req schemas.ActionRequest) (*Response, error) {
	c.callCount++
	if len(c.callErrs) > 0 {
		err := c.callErrs[0]
		c.callErrs = c.callErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if c.callErr != nil {
		return nil, c.callErr
	}
	if c.resp != nil {
		return c.resp, nil
	}
	return &Response{Status: "ok", Data: "pong:" + string(req.Verb)}, nil
}

func healthy(name string) *scriptedChannel {
	return &scriptedChannel{name: name}
}

func TestTransport_BindsDirectWhenHealthy(t *testing.T) {
	direct := healthy("direct")
	forwarded := healthy("forwarded")
	tr := New(direct, forwarded, zap.NewNop())

	res, err := tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbTapAt})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, StateBoundDirect, tr.State())
	assert.Zero(t, forwarded.callCount, "forwarded must stay cold when direct binds")
}

func TestTransport_NilDirectSkipsStraightToForwarded(t *testing.T) {
	forwarded := healthy("forwarded")
	tr := New(nil, forwarded, zap.NewNop())

	res, err := tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbTap})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, StateBoundForwarded, tr.State())
}

func TestTransport_FallsBackToForwarded(t *testing.T) {
	direct := &scriptedChannel{name: "direct", openErr: errors.New("connect refused")}
	forwarded := healthy("forwarded")
	tr := New(direct, forwarded, zap.NewNop())

	res, err := tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbPressKey})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, StateBoundForwarded, tr.State())

	// Sticky: further sends reuse forwarded, direct is not re-probed.
	openBefore := direct.openCount
	for i := 0; i < 3; i++ {
		_, err := tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbPressKey})
		require.NoError(t, err)
	}
	assert.Equal(t, openBefore, direct.openCount)
}

func TestTransport_MalformedProbeReplyDisqualifiesChannel(t *testing.T) {
	direct := &scriptedChannel{name: "direct", resp: &Response{Status: "weird"}}
	forwarded := healthy("forwarded")
	tr := New(direct, forwarded, zap.NewNop())

	require.True(t, tr.Probe(context.Background()))
	assert.Equal(t, StateBoundForwarded, tr.State())
	assert.Equal(t, 1, direct.closed, "disqualified channel must release resources")
}

func TestTransport_UnavailableUntilExplicitProbe(t *testing.T) {
	direct := &scriptedChannel{name: "direct", openErr: errors.New("no forward")}
	forwarded := &scriptedChannel{name: "forwarded", callErr: errors.New("no adb")}
	tr := New(direct, forwarded, zap.NewNop())

	_, err := tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbTap})
	require.Error(t, err)
	assert.Equal(t, schemas.KindTransportUnavailable, schemas.KindOf(err))
	assert.Equal(t, StateUnavailable, tr.State())

	// Subsequent sends fail fast without touching the channels again.
	directCalls, forwardedCalls := direct.callCount, forwarded.callCount
	_, err = tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbTap})
	require.Error(t, err)
	assert.Equal(t, schemas.KindTransportUnavailable, schemas.KindOf(err))
	assert.Equal(t, directCalls, direct.callCount)
	assert.Equal(t, forwardedCalls, forwarded.callCount)

	// Recovery happens only through an explicit Probe.
	forwarded.callErr = nil
	require.True(t, tr.Probe(context.Background()))
	res, err := tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbTap})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestTransport_ExplicitSendFailureTriggersSingleReprobe(t *testing.T) {
	// First call after binding fails hard; the retry after re-probing works.
	direct := &scriptedChannel{name: "direct"}
	direct.callErrs = []error{nil, errors.New("connection reset")} // probe ok, send fails
	forwarded := healthy("forwarded")
	tr := New(direct, forwarded, zap.NewNop())

	require.NoError(t, tr.Open(context.Background()))
	require.Equal(t, StateBoundDirect, tr.State())

	res, err := tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbSwipe})
	require.NoError(t, err)
	assert.True(t, res.OK)
	// The failed send bumped direct exactly twice (probe + failed call), then
	// re-probing bound direct again and retried there.
	assert.Equal(t, StateBoundDirect, tr.State())
}

func TestTransport_TimeoutSurfacesWithoutReprobe(t *testing.T) {
	direct := &scriptedChannel{name: "direct"}
	direct.callErrs = []error{nil, os.ErrDeadlineExceeded}
	forwarded := healthy("forwarded")
	tr := New(direct, forwarded, zap.NewNop())

	require.NoError(t, tr.Open(context.Background()))
	openBefore := direct.openCount

	_, err := tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbDrag})
	require.Error(t, err)
	assert.Equal(t, openBefore, direct.openCount, "a timeout must not trigger re-probing")
	assert.Equal(t, StateBoundDirect, tr.State(), "binding survives a timeout")
}

func TestTransport_DeviceErrorStatusIsAResultNotAFailure(t *testing.T) {
	direct := &scriptedChannel{name: "direct"}
	tr := New(direct, healthy("forwarded"), zap.NewNop())
	require.NoError(t, tr.Open(context.Background()))

	direct.resp = &Response{Status: "error", Error: "gesture dispatch rejected"}
	res, err := tr.Send(context.Background(), schemas.ActionRequest{Verb: schemas.VerbSwipe})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, schemas.KindDeviceRejected, res.ErrorKind)
	assert.Equal(t, "gesture dispatch rejected", res.Payload)
}

func TestTransport_CloseReleasesBothChannels(t *testing.T) {
	direct := healthy("direct")
	forwarded := healthy("forwarded")
	tr := New(direct, forwarded, zap.NewNop())
	require.NoError(t, tr.Open(context.Background()))

	require.NoError(t, tr.Close())
	assert.GreaterOrEqual(t, direct.closed, 1)
	assert.GreaterOrEqual(t, forwarded.closed, 1)
	assert.Equal(t, StateUnselected, tr.State())
}
