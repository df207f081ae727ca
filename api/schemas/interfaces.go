// File: api/schemas/interfaces.go
// Description: Cross-component contracts. Components accept these interfaces
// and return concrete structs, which keeps every seam mockable in tests.

package schemas

import "context"

// Sender is the transport seam: one validated request in, one decoded result
// out. Implementations own channel selection and fallback.
type Sender interface {
	Send(ctx context.Context, req ActionRequest) (*ActionResult, error)
	// Probe re-runs channel selection from scratch and reports whether any
	// channel is reachable. Send never re-probes on its own except for the
	// single retry after an explicit call failure.
	Probe(ctx context.Context) bool
	Open(ctx context.Context) error
	Close() error
}

// Indexer captures and indexes the current device UI state.
// It never returns a partially built snapshot.
type Indexer interface {
	Capture(ctx context.Context) (*DeviceSnapshot, error)
}

// ProgramExecutor runs one action program against the device in isolation.
// Failures inside the program are reported on the result, never as an error
// return; the error return is reserved for executor-level faults.
type ProgramExecutor interface {
	Execute(ctx context.Context, program string, snap *DeviceSnapshot) *ExecutionResult
}

// DecisionSource produces the next action program for a captured snapshot.
// It is the one step outside the subsystem's control: ok=false means the
// source has nothing further to run and the loop aborts with no-program.
type DecisionSource interface {
	NextProgram(ctx context.Context, snap *DeviceSnapshot, history []*ExecutionResult) (program string, ok bool)
}
