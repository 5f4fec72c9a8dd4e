package fence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eugenetaranov/fence-ipmilan/internal/power"
)

// Outcome is the kind of result an invocation produced.
type Outcome int

const (
	// OutcomeSuccess means the requested state is confirmed.
	OutcomeSuccess Outcome = iota
	// OutcomeStatus is the informational answer to a status request.
	OutcomeStatus
	// OutcomeFailure means the requested state could not be confirmed.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeStatus:
		return "status"
	case OutcomeFailure:
		return "failure"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result holds the outcome of one fence invocation.
type Result struct {
	Outcome Outcome

	// Action is the parsed action, empty when the action was not supported.
	Action power.Action

	// State is the last power state observed.
	State power.State

	// Message is the line reported to the caller.
	Message string

	// Category and Detail describe a failure.
	Category Category
	Detail   string

	// Warnings are non-fatal problems, such as a failed power on after a
	// confirmed power off during reboot.
	Warnings []string
}

// Agent executes one fence action against one controller.
type Agent struct {
	engine *Engine
	timing Timing
	log    *zap.SugaredLogger
}

// New creates an agent. The agent and everything it holds belong to a single
// invocation.
func New(t Transport, timing Timing, opts ...Option) *Agent {
	o := buildOptions(opts)
	return &Agent{
		engine: NewEngine(t, timing, opts...),
		timing: timing,
		log:    o.log,
	}
}

// Execute runs action and returns its result. It never returns an
// uncategorized error: every failure is reported through Result.Category.
func (a *Agent) Execute(ctx context.Context, action string) *Result {
	act, err := power.ParseAction(action)
	if err != nil {
		return failure("", power.StateUnknown, CategoryUnsupportedAction, err)
	}

	a.log.Debugw("Querying power status", "action", act)

	current, err := a.engine.CurrentState(ctx)
	if err != nil {
		return failure(act, power.StateUnknown, categorize(err), err)
	}

	if goal := act.Goal(); goal != power.StateUnknown && current == goal {
		msg := fmt.Sprintf("Success: Already %s", current.Upper())
		a.log.Infow(msg, "action", act)
		return success(act, current, msg)
	}

	switch act {
	case power.ActionOn:
		return a.powerOn(ctx, current)
	case power.ActionOff:
		return a.powerOff(ctx, current)
	case power.ActionReboot:
		return a.reboot(ctx, current)
	default:
		return &Result{
			Outcome: OutcomeStatus,
			Action:  act,
			State:   current,
			Message: fmt.Sprintf("Status: %s", current.Upper()),
		}
	}
}

func (a *Agent) powerOn(ctx context.Context, current power.State) *Result {
	ok, err := a.engine.DriveToState(ctx, power.StateOn, a.attemptsOn(1))
	if err != nil {
		return failure(power.ActionOn, current, categorize(err), err)
	}
	if !ok {
		return failure(power.ActionOn, current, CategoryWaitingOn, nil)
	}

	a.log.Infow("Success: Powered ON")
	return success(power.ActionOn, power.StateOn, "Success: Powered ON")
}

func (a *Agent) powerOff(ctx context.Context, current power.State) *Result {
	ok, err := a.engine.DriveToState(ctx, power.StateOff, 1)
	if err != nil {
		return failure(power.ActionOff, current, categorize(err), err)
	}
	if !ok {
		return failure(power.ActionOff, current, CategoryWaitingOff, nil)
	}

	a.log.Infow("Success: Powered OFF")
	return success(power.ActionOff, power.StateOff, "Success: Powered OFF")
}

// reboot powers the node off and then on. The node counts as fenced once off
// is confirmed, so problems while powering back on are only warnings.
func (a *Agent) reboot(ctx context.Context, current power.State) *Result {
	if current != power.StateOff {
		ok, err := a.engine.DriveToState(ctx, power.StateOff, 1)
		if err != nil {
			return failure(power.ActionReboot, current, categorize(err), err)
		}
		if !ok {
			return failure(power.ActionReboot, current, CategoryWaitingOff, nil)
		}
	}

	result := success(power.ActionReboot, power.StateOff, "Success: Rebooted")

	ok, err := a.engine.DriveToState(ctx, power.StateOn, a.attemptsOn(0))
	switch {
	case err != nil:
		a.log.Warnw("Power on after reboot failed", "error", err)
		result.Warnings = append(result.Warnings, err.Error())
	case !ok:
		a.log.Errorw(CategoryWaitingOn.Message())
		result.Warnings = append(result.Warnings, CategoryWaitingOn.Message())
	default:
		result.State = power.StateOn
	}

	a.log.Infow("Success: Rebooted")
	return result
}

// attemptsOn returns base plus the configured extra power-on attempts.
func (a *Agent) attemptsOn(base uint) uint {
	if a.timing.RetryOn <= 0 {
		return base
	}
	return base + uint(a.timing.RetryOn)
}

func success(act power.Action, state power.State, msg string) *Result {
	return &Result{
		Outcome: OutcomeSuccess,
		Action:  act,
		State:   state,
		Message: msg,
	}
}

func failure(act power.Action, state power.State, cat Category, err error) *Result {
	r := &Result{
		Outcome:  OutcomeFailure,
		Action:   act,
		State:    state,
		Message:  cat.Message(),
		Category: cat,
	}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}
