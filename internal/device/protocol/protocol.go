// File: internal/device/protocol/protocol.go
// Description: Typed wrappers over the wire verb set. Every method validates
// against the latest snapshot before spending a transport round-trip, so a
// request guaranteed to fail never leaves the host (InvalidParams /
// StaleTarget), and device-side refusals stay distinguishable
// (DeviceRejected).

package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
)

// Protocol exposes one method per verb over a transport Sender.
type Protocol struct {
	sender schemas.Sender
	logger *zap.Logger

	mu     sync.RWMutex
	latest *schemas.DeviceSnapshot
}

func New(sender schemas.Sender, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{sender: sender, logger: logger.Named("protocol")}
}

// Observe installs the latest snapshot for validation and coordinate
// resolution. Ids from older snapshots become stale at this point.
func (p *Protocol) Observe(snap *schemas.DeviceSnapshot) {
	p.mu.Lock()
	p.latest = snap
	p.mu.Unlock()
}

func (p *Protocol) snapshot() *schemas.DeviceSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Tap resolves id against the latest snapshot and taps the geometric center
// of its nearest interactive target. Resolution happens at call time, not at
// program-authoring time: bounds may have shifted since the snapshot the
// program was written against.
func (p *Protocol) Tap(ctx context.Context, id int) (*schemas.ActionResult, error) {
	snap := p.snapshot()
	if snap == nil {
		return nil, schemas.NewError(schemas.KindStaleTarget, "no snapshot observed yet")
	}
	target, ok := snap.InteractiveTarget(id)
	if !ok {
		return nil, schemas.NewError(schemas.KindStaleTarget, "id %d does not exist in the current snapshot", id)
	}
	if target.Bounds.Empty() {
		return nil, schemas.NewError(schemas.KindInvalidParams, "element %d (%s) has no tappable bounds", id, target.Kind)
	}
	x, y := target.Bounds.Center()
	p.logger.Debug("tap resolved",
		zap.Int("id", id),
		zap.Int("target_id", target.ID),
		zap.Int("x", x), zap.Int("y", y))
	return p.send(ctx, schemas.VerbTap, map[string]string{
		"x": strconv.Itoa(x),
		"y": strconv.Itoa(y),
	})
}

// TapAt taps absolute coordinates after an in-bounds check against the
// snapshot's screen dimensions.
func (p *Protocol) TapAt(ctx context.Context, x, y int) (*schemas.ActionResult, error) {
	if err := p.checkOnScreen(x, y); err != nil {
		return nil, err
	}
	return p.send(ctx, schemas.VerbTapAt, map[string]string{
		"x": strconv.Itoa(x),
		"y": strconv.Itoa(y),
	})
}

// Swipe performs a straight-line swipe gesture.
func (p *Protocol) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) (*schemas.ActionResult, error) {
	if err := p.checkGesture(x1, y1, x2, y2, durationMs); err != nil {
		return nil, err
	}
	return p.send(ctx, schemas.VerbSwipe, gestureArgs(x1, y1, x2, y2, durationMs))
}

// Drag performs a press-move-release gesture.
func (p *Protocol) Drag(ctx context.Context, x1, y1, x2, y2, durationMs int) (*schemas.ActionResult, error) {
	if err := p.checkGesture(x1, y1, x2, y2, durationMs); err != nil {
		return nil, err
	}
	return p.send(ctx, schemas.VerbDrag, gestureArgs(x1, y1, x2, y2, durationMs))
}

// TypeText sends text to the focused element. The text travels base64-encoded
// on the wire so both channels carry the identical, binary-safe value.
func (p *Protocol) TypeText(ctx context.Context, text string) (*schemas.ActionResult, error) {
	if text == "" {
		return nil, schemas.NewError(schemas.KindInvalidParams, "refusing to type empty text")
	}
	return p.send(ctx, schemas.VerbTypeText, map[string]string{
		"text_b64": base64.StdEncoding.EncodeToString([]byte(text)),
	})
}

// PressKey sends an Android keycode.
func (p *Protocol) PressKey(ctx context.Context, keycode int) (*schemas.ActionResult, error) {
	if keycode <= 0 {
		return nil, schemas.NewError(schemas.KindInvalidParams, "keycode %d out of range", keycode)
	}
	return p.send(ctx, schemas.VerbPressKey, map[string]string{
		"keycode": strconv.Itoa(keycode),
	})
}

// StartApp launches a package. With an empty activity the portal resolves the
// launcher activity device-side.
func (p *Protocol) StartApp(ctx context.Context, pkg, activity string) (*schemas.ActionResult, error) {
	if pkg == "" {
		return nil, schemas.NewError(schemas.KindInvalidParams, "package id required")
	}
	args := map[string]string{"package": pkg}
	if activity != "" {
		args["activity"] = activity
	}
	return p.send(ctx, schemas.VerbStartApp, args)
}

// ListPackages returns installed package ids.
func (p *Protocol) ListPackages(ctx context.Context, includeSystem bool) ([]string, *schemas.ActionResult, error) {
	res, err := p.send(ctx, schemas.VerbListPackages, map[string]string{
		"system": strconv.FormatBool(includeSystem),
	})
	if err != nil {
		return nil, nil, err
	}
	var packages []string
	if err := json.Unmarshal([]byte(res.Payload), &packages); err != nil {
		return nil, nil, schemas.WrapError(schemas.KindMalformedResponse, err, "undecodable package list")
	}
	return packages, res, nil
}

// Screenshot captures the screen. The payload is an opaque image blob; no
// codec is assumed.
func (p *Protocol) Screenshot(ctx context.Context) ([]byte, *schemas.ActionResult, error) {
	res, err := p.send(ctx, schemas.VerbScreenshot, nil)
	if err != nil {
		return nil, nil, err
	}
	img, err := base64.StdEncoding.DecodeString(res.Payload)
	if err != nil {
		return nil, nil, schemas.WrapError(schemas.KindMalformedResponse, err, "screenshot payload is not valid base64")
	}
	res.Bytes = img
	res.Payload = ""
	return img, res, nil
}

// send performs the round-trip and folds a device-side rejection into a
// typed error while keeping the raw result available to the caller.
func (p *Protocol) send(ctx context.Context, verb schemas.Verb, args map[string]string) (*schemas.ActionResult, error) {
	res, err := p.sender.Send(ctx, schemas.ActionRequest{Verb: verb, Args: args})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return res, schemas.NewError(res.ErrorKind, "device refused %s: %s", verb, res.Payload)
	}
	return res, nil
}

func (p *Protocol) checkOnScreen(x, y int) error {
	if x < 0 || y < 0 {
		return schemas.NewError(schemas.KindInvalidParams, "coordinates (%d,%d) are negative", x, y)
	}
	snap := p.snapshot()
	if snap == nil || snap.Phone.ScreenWidth == 0 || snap.Phone.ScreenHeight == 0 {
		return nil
	}
	if x >= snap.Phone.ScreenWidth || y >= snap.Phone.ScreenHeight {
		return schemas.NewError(schemas.KindInvalidParams,
			"coordinates (%d,%d) outside %dx%d screen", x, y, snap.Phone.ScreenWidth, snap.Phone.ScreenHeight)
	}
	return nil
}

func (p *Protocol) checkGesture(x1, y1, x2, y2, durationMs int) error {
	if durationMs <= 0 {
		return schemas.NewError(schemas.KindInvalidParams, "gesture duration %dms must be positive", durationMs)
	}
	if err := p.checkOnScreen(x1, y1); err != nil {
		return err
	}
	return p.checkOnScreen(x2, y2)
}

func gestureArgs(x1, y1, x2, y2, durationMs int) map[string]string {
	return map[string]string{
		"x1":          strconv.Itoa(x1),
		"y1":          strconv.Itoa(y1),
		"x2":          strconv.Itoa(x2),
		"y2":          strconv.Itoa(y2),
		"duration_ms": strconv.Itoa(durationMs),
	}
}
