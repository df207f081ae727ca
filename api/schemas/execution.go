// File: api/schemas/execution.go

package schemas

// ExecutionResult is everything one sandboxed program run produced: captured
// program output, the ordered side effects, the optional post-action
// snapshots, and the terminal disposition if the program called complete().
type ExecutionResult struct {
	Stdout      string
	Error       *ActionError
	SideEffects []ActionResult
	// Snapshots holds one capture taken after each state-mutating verb,
	// populated only when telemetry capture is enabled.
	Snapshots []*DeviceSnapshot
	// Notes added through remember() during this run, newest last.
	Notes []string

	// Completed is set when the program invoked complete(); Success and
	// Reason carry the program's own verdict and are meaningful only then.
	Completed bool
	Success   bool
	Reason    string
}

// Loop abort reasons surfaced on LoopState.Reason.
const (
	ReasonDeviceUnreachable   = "device-unreachable"
	ReasonNoProgram           = "no-program"
	ReasonStepBudgetExhausted = "step-budget-exhausted"
	ReasonCancelled           = "cancelled"
)

// LoopState is the caller-visible outcome of a think-act-observe loop.
// Completed is always true by the time the loop returns; Success reflects
// either the program's complete() verdict or false for any abort.
type LoopState struct {
	StepCount int
	MaxSteps  int
	Completed bool
	Success   bool
	Reason    string
}
