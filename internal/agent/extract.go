// File: internal/agent/extract.go

package agent

import "strings"

// extractProgram pulls the action program out of a model reply. The reply is
// expected to carry one fenced code block; replies that are bare code with no
// fence are accepted as-is when they look like a program. Prose-only replies
// report ok=false.
func extractProgram(reply string) (string, bool) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", false
	}

	if code, ok := firstFence(reply); ok {
		code = strings.TrimSpace(code)
		return code, code != ""
	}

	// No fence: tolerate bare code, which some models emit despite the
	// formatting instruction, but refuse anything that reads like prose.
	if looksLikeProgram(reply) {
		return reply, true
	}
	return "", false
}

func firstFence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]

	// Drop the info string (js, javascript, ...) up to the first newline.
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", false
	}
	rest = rest[nl+1:]

	end := strings.Index(rest, "```")
	if end < 0 {
		// Unterminated fence: take everything after the opener.
		return rest, true
	}
	return rest[:end], true
}

func looksLikeProgram(s string) bool {
	for _, marker := range []string{
		"tap(", "tapAt(", "swipe(", "drag(", "typeText(", "pressKey(",
		"startApp(", "listPackages(", "screenshot(", "complete(",
		"remember(", "log(", "const ", "let ", "var ",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
