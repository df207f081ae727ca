// File: internal/loop/controller.go
// Description: The bounded think-act-observe loop. Capture a snapshot, hand
// it to the decision source, execute whatever program comes back, observe the
// result, repeat until completion, budget exhaustion, or abort.

package loop

import (
	"context"

	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
)

// State names the loop's position; transitions happen only inside Run.
type State string

const (
	StateIdle            State = "idle"
	StateCapturing       State = "capturing"
	StateAwaitingProgram State = "awaiting-program"
	StateExecuting       State = "executing"
	StateObserving       State = "observing"
	StateCompleted       State = "completed"
	StateAborted         State = "aborted"
)

// transportFailureLimit aborts the loop after this many consecutive steps
// whose programs died on an unreachable transport. A single flaky step is
// retried through the normal loop; a dead device is not worth the budget.
const transportFailureLimit = 2

const defaultMaxSteps = 15

// Controller drives one device serially. It owns the LoopState for the
// duration of Run and releases the transport on every exit path.
type Controller struct {
	logger   *zap.Logger
	indexer  schemas.Indexer
	executor schemas.ProgramExecutor
	decision schemas.DecisionSource
	sender   schemas.Sender
	maxSteps int

	state State
}

func NewController(
	indexer schemas.Indexer,
	executor schemas.ProgramExecutor,
	decision schemas.DecisionSource,
	sender schemas.Sender,
	maxSteps int,
	logger *zap.Logger,
) *Controller {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		logger:   logger.Named("loop"),
		indexer:  indexer,
		executor: executor,
		decision: decision,
		sender:   sender,
		maxSteps: maxSteps,
		state:    StateIdle,
	}
}

// State reports the loop's last observed state; once Run returns it is
// terminal (Completed or Aborted).
func (c *Controller) State() State { return c.state }

// Run executes the loop to a terminal LoopState. Cancellation is honored at
// every state boundary but never severs an in-flight transport call: an
// interrupted gesture could leave the device mid-swipe.
func (c *Controller) Run(ctx context.Context) *schemas.LoopState {
	ls := &schemas.LoopState{MaxSteps: c.maxSteps}
	defer func() {
		if c.sender != nil {
			_ = c.sender.Close()
		}
	}()

	var history []*schemas.ExecutionResult
	transportFailures := 0

	for {
		if cancelled(ctx) {
			return c.abort(ls, schemas.ReasonCancelled)
		}

		c.state = StateCapturing
		snap, err := c.indexer.Capture(ctx)
		if err != nil {
			c.logger.Error("capture failed", zap.Error(err))
			return c.abort(ls, schemas.ReasonDeviceUnreachable)
		}

		if cancelled(ctx) {
			return c.abort(ls, schemas.ReasonCancelled)
		}

		c.state = StateAwaitingProgram
		program, ok := c.decision.NextProgram(ctx, snap, history)
		if !ok {
			return c.abort(ls, schemas.ReasonNoProgram)
		}

		if cancelled(ctx) {
			return c.abort(ls, schemas.ReasonCancelled)
		}

		c.state = StateExecuting
		result := c.executor.Execute(ctx, program, snap)
		history = append(history, result)

		c.state = StateObserving
		ls.StepCount++

		if result.Completed {
			c.state = StateCompleted
			ls.Completed = true
			ls.Success = result.Success
			ls.Reason = result.Reason
			c.logger.Info("loop completed",
				zap.Bool("success", ls.Success),
				zap.Int("steps", ls.StepCount),
				zap.String("reason", ls.Reason))
			return ls
		}

		if result.Error != nil {
			c.logger.Warn("step failed",
				zap.Int("step", ls.StepCount),
				zap.String("kind", string(result.Error.Kind)),
				zap.String("message", result.Error.Message))

			switch result.Error.Kind {
			case schemas.KindTransportUnavailable:
				transportFailures++
				if transportFailures >= transportFailureLimit {
					return c.abort(ls, schemas.ReasonDeviceUnreachable)
				}
			case schemas.KindCancelled:
				return c.abort(ls, schemas.ReasonCancelled)
			default:
				// Per-step failure; the next capture gives the decision
				// source a fresh view to react to.
				transportFailures = 0
			}
		} else {
			transportFailures = 0
		}

		if ls.StepCount >= c.maxSteps {
			return c.abort(ls, schemas.ReasonStepBudgetExhausted)
		}
	}
}

func (c *Controller) abort(ls *schemas.LoopState, reason string) *schemas.LoopState {
	c.state = StateAborted
	ls.Completed = true
	ls.Success = false
	ls.Reason = reason
	c.logger.Info("loop aborted", zap.String("reason", reason), zap.Int("steps", ls.StepCount))
	return ls
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
