// Package fence drives a lights-out management controller to a requested power
// state and reports whether the node is confirmed fenced.
//
// The Engine owns the retry/poll loop for a single transition. The Agent maps
// a requested action onto one or two transitions and turns the outcome into a
// categorized Result.
package fence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eugenetaranov/fence-ipmilan/internal/power"
)

// pollInterval is the delay between two status polls.
const pollInterval = time.Second

// Transport issues commands to a management controller.
type Transport interface {
	// QueryStatus returns the raw output of a chassis power status query.
	QueryStatus(ctx context.Context) (string, error)

	// IssuePower asks the controller to switch power on or off.
	IssuePower(ctx context.Context, action power.Action) error
}

// Timing bounds a transition. All values are in seconds.
type Timing struct {
	// PowerTimeout is the number of one-second polls per attempt.
	PowerTimeout int `yaml:"power_timeout"`

	// PowerWait is the delay after issuing a command before polling starts.
	PowerWait int `yaml:"power_wait"`

	// RetryOn is the number of extra attempts allowed when powering on.
	RetryOn int `yaml:"retry_on"`
}

// Default timing values.
const (
	DefaultPowerTimeout = 20
	DefaultPowerWait    = 2
	DefaultRetryOn      = 1
)

// DefaultTiming returns the timing used when none is configured.
func DefaultTiming() Timing {
	return Timing{
		PowerTimeout: DefaultPowerTimeout,
		PowerWait:    DefaultPowerWait,
		RetryOn:      DefaultRetryOn,
	}
}

// Validate checks the timing invariants.
func (t Timing) Validate() error {
	if t.PowerTimeout <= 0 {
		return fmt.Errorf("power timeout must be positive, got %d", t.PowerTimeout)
	}
	if t.PowerWait < 0 {
		return fmt.Errorf("power wait cannot be negative, got %d", t.PowerWait)
	}
	if t.RetryOn < 0 {
		return fmt.Errorf("retry-on cannot be negative, got %d", t.RetryOn)
	}
	return nil
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// contextSleep is the default Sleeper.
func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures an Engine or Agent.
type Option func(*options)

type options struct {
	sleep Sleeper
	log   *zap.SugaredLogger
}

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s Sleeper) Option {
	return func(o *options) {
		o.sleep = s
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

func buildOptions(opts []Option) options {
	o := options{
		sleep: contextSleep,
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Engine drives the controller towards a single goal state.
type Engine struct {
	transport Transport
	timing    Timing
	sleep     Sleeper
	log       *zap.SugaredLogger
}

// NewEngine creates an engine for one invocation.
func NewEngine(t Transport, timing Timing, opts ...Option) *Engine {
	o := buildOptions(opts)
	return &Engine{
		transport: t,
		timing:    timing,
		sleep:     o.sleep,
		log:       o.log,
	}
}

// CurrentState queries the controller and parses its answer.
func (e *Engine) CurrentState(ctx context.Context) (power.State, error) {
	raw, err := e.transport.QueryStatus(ctx)
	if err != nil {
		return power.StateUnknown, err
	}
	return power.ParseStatus(raw), nil
}

// DriveToState issues the power command for goal and polls until the
// controller reports goal, for at most attempts commands of PowerTimeout polls
// each. It returns true as soon as goal is observed and false once the budget
// is spent. A transport failure ends the call and is returned unretried.
func (e *Engine) DriveToState(ctx context.Context, goal power.State, attempts uint) (bool, error) {
	var action power.Action
	switch goal {
	case power.StateOn:
		action = power.ActionOn
	case power.StateOff:
		action = power.ActionOff
	default:
		return false, fmt.Errorf("cannot drive power to %q", goal)
	}

	for attempt := uint(1); attempt <= attempts; attempt++ {
		e.log.Debugw("Issuing power command", "goal", goal, "attempt", attempt, "attempts", attempts)

		if err := e.transport.IssuePower(ctx, action); err != nil {
			return false, err
		}

		if err := e.wait(ctx, time.Duration(e.timing.PowerWait)*time.Second); err != nil {
			return false, err
		}

		for poll := 1; poll <= e.timing.PowerTimeout; poll++ {
			state, err := e.CurrentState(ctx)
			if err != nil {
				return false, err
			}

			e.log.Debugw("Polled power status", "goal", goal, "attempt", attempt, "poll", poll, "state", state)

			if state == goal {
				return true, nil
			}

			if err := e.wait(ctx, pollInterval); err != nil {
				return false, err
			}
		}

		e.log.Debugw("Power state not reached", "goal", goal, "attempt", attempt, "polls", e.timing.PowerTimeout)
	}

	return false, nil
}

// wait sleeps and reports an interrupted sleep as a transport timeout.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if err := e.sleep(ctx, d); err != nil {
		return &TransportError{Kind: KindTimeout, Op: "wait", Err: err}
	}
	return nil
}
