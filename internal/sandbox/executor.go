// File: internal/sandbox/executor.go
// Description: Runs one agent-emitted action program inside a goja VM. The
// scope is built fresh per run and exposes exactly the granted verb set plus
// the two control calls; the program sees ordinary blocking functions while
// the transport round-trip happens on the executing goroutine underneath.
//
// Termination is structural: complete() and verb failures interrupt the VM
// with a typed sentinel the executor recognizes, so no program-visible
// exception is used for control flow and nothing after the cut point runs.

package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
	"github.com/ybeetle8/droidrun-vl/internal/device/protocol"
)

// defaultTimeout bounds a program run when the caller's context carries no
// deadline of its own.
const defaultTimeout = 60 * time.Second

// completeSignal is the interrupt sentinel for complete().
type completeSignal struct {
	success bool
	reason  string
}

// verbAbort is the interrupt sentinel for a failed verb call.
type verbAbort struct {
	err *schemas.ActionError
}

// Executor implements schemas.ProgramExecutor over an ActionProtocol.
type Executor struct {
	proto   *protocol.Protocol
	indexer schemas.Indexer
	logger  *zap.Logger
	memory  *MemoryLog

	granted   map[schemas.Verb]bool
	telemetry bool

	// One program at a time; the loop guarantees this per device, the mutex
	// guarantees it even for misbehaving callers.
	execMu sync.Mutex
}

var _ schemas.ProgramExecutor = (*Executor)(nil)

// Options tune executor behavior.
type Options struct {
	// Verbs the program may call. Nil grants the full action verb set.
	GrantedVerbs []schemas.Verb
	// Telemetry enables a fresh capture after every state-mutating verb.
	Telemetry bool
	// Memory receives remember() notes. A private log is created when nil.
	Memory *MemoryLog
}

func New(proto *protocol.Protocol, indexer schemas.Indexer, logger *zap.Logger, opts Options) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	grantedList := opts.GrantedVerbs
	if grantedList == nil {
		grantedList = schemas.AllActionVerbs
	}
	granted := make(map[schemas.Verb]bool, len(grantedList))
	for _, v := range grantedList {
		granted[v] = true
	}
	memory := opts.Memory
	if memory == nil {
		memory = NewMemoryLog()
	}
	return &Executor{
		proto:     proto,
		indexer:   indexer,
		logger:    logger.Named("sandbox"),
		memory:    memory,
		granted:   granted,
		telemetry: opts.Telemetry,
	}
}

// Memory exposes the remember() log for prompt construction.
func (e *Executor) Memory() *MemoryLog { return e.memory }

// Execute runs the program against the given snapshot. Program-level
// failures of every kind land on the result; Execute itself never panics and
// never returns nil.
func (e *Executor) Execute(ctx context.Context, program string, snap *schemas.DeviceSnapshot) (result *schemas.ExecutionResult) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	result = &schemas.ExecutionResult{}
	if snap != nil {
		e.proto.Observe(snap)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	vm := goja.New()
	var stdout strings.Builder

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sandbox panic recovered", zap.Any("panic", r))
			result.Error = schemas.NewError(schemas.KindProgramError, "program runtime fault: %v", r)
		}
		result.Stdout = stdout.String()
	}()

	e.installScope(ctx, vm, &stdout, result)

	// Cancellation reaches a running program through the VM interrupt, but
	// only between statements, never by severing an in-flight verb call.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watchDone:
		}
	}()
	defer close(watchDone)
	defer vm.ClearInterrupt()

	_, err := vm.RunString(program)
	if err == nil {
		return result
	}

	switch failure := err.(type) {
	case *goja.InterruptedError:
		switch v := failure.Value().(type) {
		case completeSignal:
			result.Completed = true
			result.Success = v.success
			result.Reason = v.reason
		case verbAbort:
			// The verb error is already on the result; the interrupt only
			// cut off the remaining statements.
		default:
			result.Error = schemas.NewError(schemas.KindCancelled, "program interrupted: %v", v)
		}
	case *goja.Exception:
		fmt.Fprintf(&stdout, "\nuncaught exception: %s", failure.String())
		result.Error = schemas.NewError(schemas.KindProgramError, "uncaught exception: %s", failure.Value())
	default:
		fmt.Fprintf(&stdout, "\nprogram error: %v", err)
		result.Error = schemas.NewError(schemas.KindProgramError, "%v", err)
	}
	return result
}

// installScope populates the VM's global scope: granted verbs, the two
// control calls, and a console for program output. Nothing else from the
// host is reachable.
func (e *Executor) installScope(ctx context.Context, vm *goja.Runtime, stdout *strings.Builder, result *schemas.ExecutionResult) {
	logLine := func(args ...goja.Value) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		stdout.WriteString(strings.Join(parts, " "))
		stdout.WriteByte('\n')
	}
	console := vm.NewObject()
	_ = console.Set("log", logLine)
	_ = console.Set("warn", logLine)
	_ = console.Set("error", logLine)
	_ = vm.Set("console", console)
	_ = vm.Set("log", logLine)

	_ = vm.Set("remember", func(note string) string {
		note = strings.TrimSpace(note)
		if note == "" {
			panic(vm.ToValue("remember: note must not be empty"))
		}
		e.memory.Add(note)
		result.Notes = append(result.Notes, note)
		return "remembered: " + note
	})

	_ = vm.Set("complete", func(success bool, reason string) {
		if !success && reason == "" {
			panic(vm.ToValue("complete: a reason is required when success is false"))
		}
		if reason == "" {
			reason = "task completed successfully"
		}
		vm.Interrupt(completeSignal{success: success, reason: reason})
	})

	type verbBinding struct {
		verb schemas.Verb
		name string
		fn   any
	}
	bindings := []verbBinding{
		{schemas.VerbTap, "tap", func(id int) string {
			res, err := e.proto.Tap(ctx, id)
			return e.afterVerb(ctx, vm, schemas.VerbTap, res, err, result)
		}},
		{schemas.VerbTapAt, "tapAt", func(x, y int) string {
			res, err := e.proto.TapAt(ctx, x, y)
			return e.afterVerb(ctx, vm, schemas.VerbTapAt, res, err, result)
		}},
		{schemas.VerbSwipe, "swipe", func(x1, y1, x2, y2, durationMs int) string {
			res, err := e.proto.Swipe(ctx, x1, y1, x2, y2, durationMs)
			return e.afterVerb(ctx, vm, schemas.VerbSwipe, res, err, result)
		}},
		{schemas.VerbDrag, "drag", func(x1, y1, x2, y2, durationMs int) string {
			res, err := e.proto.Drag(ctx, x1, y1, x2, y2, durationMs)
			return e.afterVerb(ctx, vm, schemas.VerbDrag, res, err, result)
		}},
		{schemas.VerbTypeText, "typeText", func(text string) string {
			res, err := e.proto.TypeText(ctx, text)
			return e.afterVerb(ctx, vm, schemas.VerbTypeText, res, err, result)
		}},
		{schemas.VerbPressKey, "pressKey", func(keycode int) string {
			res, err := e.proto.PressKey(ctx, keycode)
			return e.afterVerb(ctx, vm, schemas.VerbPressKey, res, err, result)
		}},
		{schemas.VerbStartApp, "startApp", func(pkg string, activity goja.Value) string {
			act := ""
			if activity != nil && !goja.IsUndefined(activity) && !goja.IsNull(activity) {
				act = activity.String()
			}
			res, err := e.proto.StartApp(ctx, pkg, act)
			return e.afterVerb(ctx, vm, schemas.VerbStartApp, res, err, result)
		}},
		{schemas.VerbListPackages, "listPackages", func(includeSystem bool) []string {
			packages, res, err := e.proto.ListPackages(ctx, includeSystem)
			e.afterVerb(ctx, vm, schemas.VerbListPackages, res, err, result)
			return packages
		}},
		{schemas.VerbScreenshot, "screenshot", func() goja.ArrayBuffer {
			img, res, err := e.proto.Screenshot(ctx)
			e.afterVerb(ctx, vm, schemas.VerbScreenshot, res, err, result)
			return vm.NewArrayBuffer(img)
		}},
	}

	for _, b := range bindings {
		if e.granted[b.verb] {
			_ = vm.Set(b.name, b.fn)
		}
	}
}

// afterVerb records the side effect, enforces fail-fast, and drives the
// post-action telemetry capture.
func (e *Executor) afterVerb(ctx context.Context, vm *goja.Runtime, verb schemas.Verb, res *schemas.ActionResult, err error, result *schemas.ExecutionResult) string {
	if res != nil {
		result.SideEffects = append(result.SideEffects, *res)
	} else if err != nil {
		result.SideEffects = append(result.SideEffects, schemas.ActionResult{
			Verb:      verb,
			OK:        false,
			Payload:   err.Error(),
			ErrorKind: schemas.KindOf(err),
		})
	}

	if err != nil {
		actionErr, ok := err.(*schemas.ActionError)
		if !ok {
			actionErr = schemas.WrapError(schemas.KindDeviceRejected, err, "%s failed", verb)
		}
		result.Error = actionErr
		e.logger.Warn("verb failed, aborting program",
			zap.String("verb", string(verb)),
			zap.String("kind", string(actionErr.Kind)))
		// Cut off the rest of the program: issuing further actions against a
		// state the program has not observed to succeed is never safe.
		vm.Interrupt(verbAbort{err: actionErr})
		return ""
	}

	if e.telemetry && verb.Mutating() {
		snap, capErr := e.indexer.Capture(ctx)
		if capErr != nil {
			e.logger.Warn("post-action capture failed", zap.String("verb", string(verb)), zap.Error(capErr))
		} else {
			result.Snapshots = append(result.Snapshots, snap)
			e.proto.Observe(snap)
		}
	}
	return res.Payload
}
