// File: api/schemas/device.go
// Description: Shared data model for captured device UI state. A snapshot is
// immutable once built and is superseded, never mutated, by the next capture.

package schemas

import "time"

// Bounds is an element's on-screen rectangle in device pixels.
type Bounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Center returns the geometric center of the rectangle.
func (b Bounds) Center() (x, y int) {
	return (b.Left + b.Right) / 2, (b.Top + b.Bottom) / 2
}

// Empty reports whether the rectangle has no area.
func (b Bounds) Empty() bool {
	return b.Right <= b.Left || b.Bottom <= b.Top
}

// UIElement is one node of the captured accessibility tree.
//
// ID is assigned by pre-order traversal at capture time, starting at 1.
// It is unique within a single snapshot but NOT stable across snapshots;
// callers must never cache an ID across a capture boundary.
type UIElement struct {
	ID          int          `json:"id"`
	Kind        string       `json:"kind"`
	Label       string       `json:"label,omitempty"`
	Bounds      Bounds       `json:"bounds"`
	Interactive bool         `json:"interactive,omitempty"`
	Children    []*UIElement `json:"children,omitempty"`
}

// PhoneState is the non-tree portion of a capture: what app is foregrounded
// and where input focus currently sits.
type PhoneState struct {
	ForegroundApp  string `json:"foreground_app"`
	KeyboardShown  bool   `json:"keyboard_shown"`
	FocusedElement string `json:"focused_element,omitempty"`
	ScreenWidth    int    `json:"screen_width"`
	ScreenHeight   int    `json:"screen_height"`
}

// DeviceSnapshot is a single point-in-time capture of the device UI.
// The index map is derived from the tree and owned by the snapshot.
type DeviceSnapshot struct {
	Tree       *UIElement
	Index      map[int]*UIElement
	Phone      PhoneState
	CapturedAt time.Time
}

// Element resolves an id against this snapshot's index.
func (s *DeviceSnapshot) Element(id int) (*UIElement, bool) {
	el, ok := s.Index[id]
	return el, ok
}

// InteractiveTarget resolves id and, when the element itself is not
// interactive, searches its subtree in pre-order for the nearest interactive
// descendant. Interactive targets are frequently leaf descendants of a
// non-interactive container, so a plain index hit is not enough.
// Returns the element itself when no interactive descendant exists.
func (s *DeviceSnapshot) InteractiveTarget(id int) (*UIElement, bool) {
	el, ok := s.Index[id]
	if !ok {
		return nil, false
	}
	if el.Interactive {
		return el, true
	}
	if hit := firstInteractive(el); hit != nil {
		return hit, true
	}
	return el, true
}

func firstInteractive(el *UIElement) *UIElement {
	for _, child := range el.Children {
		if child.Interactive && !child.Bounds.Empty() {
			return child
		}
		if hit := firstInteractive(child); hit != nil {
			return hit
		}
	}
	return nil
}
