// File: internal/agent/prompt.go
// Description: Prompt assembly for the decision source. The screen is
// rendered as an indented element outline because the model picks targets by
// id; pixel data never goes over the wire.

package agent

import (
	"fmt"
	"strings"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
)

const systemPrompt = `You are an agent controlling an Android device. Each turn you receive the
current screen as an indented element outline plus the outcome of your past
programs, and you reply with ONE short JavaScript program that advances the
user's goal.

Available functions (use only these; anything else throws):
  tap(id)                              tap the element with the given id
  tapAt(x, y)                          tap raw screen coordinates
  swipe(x1, y1, x2, y2, durationMs)    swipe between two points
  drag(x1, y1, x2, y2, durationMs)     long-press drag between two points
  typeText(text)                       type into the focused field
  pressKey(keycode)                    press an Android keycode (4 = back)
  startApp(package, activity?)         launch an app
  listPackages(includeSystem)          returns installed package names
  screenshot()                         returns raw PNG bytes
  log(...)                             record debug output
  remember(note)                       persist a note for future turns
  complete(success, reason)            end the task; stops the program

Rules:
- Element ids are only valid for the CURRENT screen. Never reuse an id from
  an earlier turn.
- Do a small amount of work per program (one or two actions), then stop so
  the screen can be re-observed.
- Call complete(true, reason) when the goal is achieved, and
  complete(false, reason) when it cannot be achieved.
- Reply with a single fenced code block and nothing else:
` + "```js\n// program\n```"

// buildUserPrompt renders goal, memory, run history and the current screen
// into the per-turn user message.
func buildUserPrompt(goal string, snap *schemas.DeviceSnapshot, history []*schemas.ExecutionResult, notes []string) string {
	var b strings.Builder

	b.WriteString("Goal: ")
	b.WriteString(goal)
	b.WriteString("\n")

	if len(notes) > 0 {
		b.WriteString("\nRemembered notes (oldest first):\n")
		for _, n := range notes {
			b.WriteString("- ")
			b.WriteString(n)
			b.WriteString("\n")
		}
	}

	if len(history) > 0 {
		b.WriteString("\nPrevious steps:\n")
		for i, res := range history {
			renderStep(&b, i+1, res)
		}
	}

	b.WriteString("\nCurrent screen:\n")
	renderPhoneState(&b, snap.Phone)
	renderTree(&b, snap.Tree, 0)

	b.WriteString("\nReply with the next program.\n")
	return b.String()
}

func renderPhoneState(b *strings.Builder, phone schemas.PhoneState) {
	fmt.Fprintf(b, "app=%s screen=%dx%d keyboard=%t",
		phone.ForegroundApp, phone.ScreenWidth, phone.ScreenHeight, phone.KeyboardShown)
	if phone.FocusedElement != "" {
		fmt.Fprintf(b, " focused=%q", phone.FocusedElement)
	}
	b.WriteString("\n")
}

// renderTree walks the element tree in pre-order. The synthetic root carries
// id 0 and is skipped; programs must never target it.
func renderTree(b *strings.Builder, el *schemas.UIElement, depth int) {
	if el == nil {
		return
	}
	if el.ID != 0 {
		b.WriteString(strings.Repeat("  ", depth))
		fmt.Fprintf(b, "[%d] %s", el.ID, el.Kind)
		if el.Label != "" {
			fmt.Fprintf(b, " %q", el.Label)
		}
		if el.Interactive {
			b.WriteString(" (interactive)")
		}
		cx, cy := el.Bounds.Center()
		fmt.Fprintf(b, " @%d,%d", cx, cy)
		b.WriteString("\n")
		depth++
	}
	for _, child := range el.Children {
		renderTree(b, child, depth)
	}
}

func renderStep(b *strings.Builder, n int, res *schemas.ExecutionResult) {
	fmt.Fprintf(b, "step %d:", n)
	if len(res.SideEffects) == 0 {
		b.WriteString(" no actions")
	}
	for _, se := range res.SideEffects {
		if se.OK {
			fmt.Fprintf(b, " %s=ok", se.Verb)
		} else {
			fmt.Fprintf(b, " %s=%s", se.Verb, se.ErrorKind)
		}
	}
	if res.Error != nil {
		fmt.Fprintf(b, " error=%s(%s)", res.Error.Kind, res.Error.Message)
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		fmt.Fprintf(b, " output=%q", truncate(out, 300))
	}
	b.WriteString("\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
