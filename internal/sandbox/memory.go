// File: internal/sandbox/memory.go

package sandbox

import "sync"

// maxMemoryNotes caps the remember() log so it cannot grow without bound
// across loop iterations; the most recent notes win.
const maxMemoryNotes = 10

// MemoryLog is the side channel action programs write to through remember().
// It outlives individual program runs and is fed back to the decision source.
type MemoryLog struct {
	mu    sync.Mutex
	notes []string
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

// Add appends a note, evicting the oldest entries past the cap.
func (m *MemoryLog) Add(note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, note)
	if len(m.notes) > maxMemoryNotes {
		m.notes = append([]string(nil), m.notes[len(m.notes)-maxMemoryNotes:]...)
	}
}

// Notes returns a copy of the current log, oldest first.
func (m *MemoryLog) Notes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.notes...)
}
