// File: internal/device/transport/transport.go
// Description: Channel selection and fallback. Exactly one channel is active
// at a time; selection is sticky once bound so steady-state Sends pay no
// probing cost.

package transport

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
)

// State tracks where the transport is in its selection lifecycle.
type State string

const (
	StateUnselected       State = "unselected"
	StateProbingDirect    State = "probing-direct"
	StateProbingForwarded State = "probing-forwarded"
	StateBoundDirect      State = "direct"
	StateBoundForwarded   State = "forwarded"
	StateUnavailable      State = "unavailable"
)

// probeTimeout bounds the no-op round-trip used to qualify a channel.
const probeTimeout = 2 * time.Second

// Channel is one concrete path to the on-device portal.
type Channel interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
	Call(ctx context.Context, req schemas.ActionRequest) (*Response, error)
}

// Transport selects between the direct and forwarded channels and carries
// requests over whichever is bound. It implements schemas.Sender.
//
// The mutex is the per-device serialization point: no two Sends probe
// concurrently, and fallback never interleaves with an in-flight call.
type Transport struct {
	logger    *zap.Logger
	direct    Channel
	forwarded Channel

	mu    sync.Mutex
	state State
	bound Channel
}

var _ schemas.Sender = (*Transport)(nil)

func New(direct, forwarded Channel, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		logger:    logger.Named("transport"),
		direct:    direct,
		forwarded: forwarded,
		state:     StateUnselected,
	}
}

// State reports the current selection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Open runs initial channel selection. Calling Send without Open works too;
// the first Send probes lazily.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probeLocked(ctx)
}

// Probe discards the current binding and re-runs selection from scratch.
// This is the only way back from Unavailable.
func (t *Transport) Probe(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unbindLocked()
	return t.probeLocked(ctx) == nil
}

// Close releases both channels' resources.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unbindLocked()
	err := t.direct.Close()
	if cerr := t.forwarded.Close(); err == nil {
		err = cerr
	}
	t.state = StateUnselected
	return err
}

// Send carries one request over the bound channel. An explicit call failure
// (not a deadline expiry) triggers a single re-probe-and-retry before the
// error surfaces; a timeout surfaces immediately because re-sending a
// possibly-delivered gesture is worse than reporting it.
func (t *Transport) Send(ctx context.Context, req schemas.ActionRequest) (*schemas.ActionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bound == nil {
		if t.state == StateUnavailable {
			return nil, schemas.NewError(schemas.KindTransportUnavailable,
				"transport unavailable; call Probe to re-select")
		}
		if err := t.probeLocked(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := t.bound.Call(ctx, req)
	if err == nil {
		return toResult(req.Verb, resp), nil
	}
	if isTimeout(err) || ctx.Err() != nil {
		return nil, err
	}

	t.logger.Warn("send failed on bound channel, re-probing once",
		zap.String("channel", t.bound.Name()),
		zap.String("verb", string(req.Verb)),
		zap.Error(err))

	t.unbindLocked()
	if probeErr := t.probeLocked(ctx); probeErr != nil {
		return nil, probeErr
	}
	resp, err = t.bound.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return toResult(req.Verb, resp), nil
}

// probeLocked walks the selection state machine: direct first, forwarded as
// the fallback, Unavailable when neither answers the no-op probe.
func (t *Transport) probeLocked(ctx context.Context) error {
	t.state = StateProbingDirect
	if t.qualify(ctx, t.direct) {
		t.bound = t.direct
		t.state = StateBoundDirect
		t.logger.Info("bound direct channel")
		return nil
	}

	t.state = StateProbingForwarded
	if t.qualify(ctx, t.forwarded) {
		t.bound = t.forwarded
		t.state = StateBoundForwarded
		t.logger.Info("bound forwarded channel")
		return nil
	}

	t.bound = nil
	t.state = StateUnavailable
	return schemas.NewError(schemas.KindTransportUnavailable, "no channel answered the probe")
}

// qualify opens the channel and sends the no-op. Any connect error, timeout,
// or malformed reply disqualifies it; resources are released on failure.
// A nil channel (direct disabled by config) never qualifies.
func (t *Transport) qualify(ctx context.Context, ch Channel) bool {
	if ch == nil {
		return false
	}
	if err := ch.Open(ctx); err != nil {
		t.logger.Debug("channel failed to open", zap.String("channel", ch.Name()), zap.Error(err))
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	resp, err := ch.Call(probeCtx, schemas.ActionRequest{Verb: schemas.VerbPing})
	if err != nil || resp.Status != statusOK {
		t.logger.Debug("channel failed the probe", zap.String("channel", ch.Name()), zap.Error(err))
		_ = ch.Close()
		return false
	}
	return true
}

func (t *Transport) unbindLocked() {
	if t.bound != nil {
		_ = t.bound.Close()
		t.bound = nil
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
