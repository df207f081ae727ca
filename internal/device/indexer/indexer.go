// File: internal/device/indexer/indexer.go
// Description: Captures the raw accessibility tree from the portal and turns
// it into a flat, addressable snapshot. Ids exist only within one snapshot;
// there is deliberately no cross-capture element cache.

package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
)

// rawNode mirrors the portal's a11y tree JSON. The portal reports bounds as
// a "left,top,right,bottom" string and carries no ids; ids are assigned here.
type rawNode struct {
	ClassName   string    `json:"className"`
	Text        string    `json:"text"`
	Bounds      string    `json:"bounds"`
	Interactive bool      `json:"interactive"`
	Children    []rawNode `json:"children"`
}

type rawState struct {
	A11yTree   []rawNode          `json:"a11y_tree"`
	PhoneState schemas.PhoneState `json:"phone_state"`
}

// Indexer builds DeviceSnapshots over a transport Sender.
type Indexer struct {
	sender schemas.Sender
	logger *zap.Logger
	now    func() time.Time
}

var _ schemas.Indexer = (*Indexer)(nil)

func New(sender schemas.Sender, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		sender: sender,
		logger: logger.Named("indexer"),
		now:    time.Now,
	}
}

// Capture fetches the combined state block and indexes it. On any failure it
// returns a SnapshotUnavailable error and no snapshot; a partially built
// snapshot is never handed out.
func (ix *Indexer) Capture(ctx context.Context) (*schemas.DeviceSnapshot, error) {
	res, err := ix.sender.Send(ctx, schemas.ActionRequest{Verb: schemas.VerbState})
	if err != nil {
		return nil, schemas.WrapError(schemas.KindSnapshotUnavailable, err, "state fetch failed")
	}
	if !res.OK {
		return nil, schemas.NewError(schemas.KindSnapshotUnavailable, "device rejected state fetch: %s", res.Payload)
	}

	var state rawState
	if err := json.Unmarshal([]byte(res.Payload), &state); err != nil {
		return nil, schemas.WrapError(schemas.KindSnapshotUnavailable, err, "undecodable state payload")
	}
	if len(state.A11yTree) == 0 {
		return nil, schemas.NewError(schemas.KindSnapshotUnavailable, "state payload carries no a11y tree")
	}

	snap, err := buildSnapshot(state)
	if err != nil {
		return nil, schemas.WrapError(schemas.KindSnapshotUnavailable, err, "snapshot build failed")
	}
	snap.CapturedAt = ix.now()

	ix.logger.Debug("captured snapshot",
		zap.Int("elements", len(snap.Index)),
		zap.String("foreground", snap.Phone.ForegroundApp))
	return snap, nil
}

// buildSnapshot converts the raw tree into a UIElement tree with pre-order
// ids starting at 1 and the derived id index. The portal reports a forest
// of top-level windows; they become children of a synthetic root so one
// traversal order covers everything.
func buildSnapshot(state rawState) (*schemas.DeviceSnapshot, error) {
	root := &schemas.UIElement{
		Kind: "Root",
		Bounds: schemas.Bounds{
			Right:  state.PhoneState.ScreenWidth,
			Bottom: state.PhoneState.ScreenHeight,
		},
	}

	index := make(map[int]*schemas.UIElement)
	nextID := 1
	var convert func(raw rawNode) (*schemas.UIElement, error)
	convert = func(raw rawNode) (*schemas.UIElement, error) {
		bounds, err := parseBounds(raw.Bounds)
		if err != nil {
			return nil, fmt.Errorf("element %d (%s): %w", nextID, raw.ClassName, err)
		}
		el := &schemas.UIElement{
			ID:          nextID,
			Kind:        raw.ClassName,
			Label:       raw.Text,
			Bounds:      bounds,
			Interactive: raw.Interactive,
		}
		index[el.ID] = el
		nextID++

		for _, child := range raw.Children {
			converted, err := convert(child)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, converted)
		}
		return el, nil
	}

	for _, top := range state.A11yTree {
		el, err := convert(top)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, el)
	}

	return &schemas.DeviceSnapshot{
		Tree:  root,
		Index: index,
		Phone: state.PhoneState,
	}, nil
}

// parseBounds decodes the portal's "left,top,right,bottom" string. A missing
// bounds string maps to the zero rectangle: such elements stay addressable
// in the tree but can never be a tap target.
func parseBounds(s string) (schemas.Bounds, error) {
	if s == "" {
		return schemas.Bounds{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return schemas.Bounds{}, fmt.Errorf("bounds %q: want 4 comma-separated values", s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return schemas.Bounds{}, fmt.Errorf("bounds %q: %w", s, err)
		}
		vals[i] = v
	}
	return schemas.Bounds{Left: vals[0], Top: vals[1], Right: vals[2], Bottom: vals[3]}, nil
}
