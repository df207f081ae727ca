// File: api/schemas/actions.go
// Description: The wire-level action verb set and its request/result shapes.

package schemas

// Verb is one primitive device action.
type Verb string

const (
	VerbTap          Verb = "tap"
	VerbTapAt        Verb = "tap_at"
	VerbSwipe        Verb = "swipe"
	VerbDrag         Verb = "drag"
	VerbTypeText     Verb = "type_text"
	VerbPressKey     Verb = "press_key"
	VerbStartApp     Verb = "start_app"
	VerbListPackages Verb = "list_packages"
	VerbScreenshot   Verb = "screenshot"

	// Service verbs used by the transport and indexer, never exposed to
	// action programs.
	VerbPing  Verb = "ping"
	VerbState Verb = "state"
)

// AllActionVerbs is the full capability set an action program may be granted.
var AllActionVerbs = []Verb{
	VerbTap, VerbTapAt, VerbSwipe, VerbDrag, VerbTypeText,
	VerbPressKey, VerbStartApp, VerbListPackages, VerbScreenshot,
}

// Mutating reports whether the verb changes device state. Observation-only
// verbs (screenshot, package listing) do not trigger telemetry captures.
func (v Verb) Mutating() bool {
	switch v {
	case VerbTap, VerbTapAt, VerbSwipe, VerbDrag, VerbTypeText, VerbPressKey, VerbStartApp:
		return true
	}
	return false
}

// ActionRequest is one validated verb invocation bound for the device.
// Args hold verb-specific parameters as strings; free text travels
// base64-encoded so the value is identical on both channels and survives the
// text-oriented shell path unmangled.
type ActionRequest struct {
	Verb Verb              `json:"verb"`
	Args map[string]string `json:"args,omitempty"`
}

// ActionResult records the outcome of a single executed verb call.
// Payload carries the device's textual reply; Screenshot payloads are raw
// image bytes instead. ErrorKind is set iff OK is false.
type ActionResult struct {
	Verb      Verb      `json:"verb"`
	OK        bool      `json:"ok"`
	Payload   string    `json:"payload,omitempty"`
	Bytes     []byte    `json:"-"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}
