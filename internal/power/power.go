// Package power defines the power states and actions understood by the fence
// agent, and parses controller status output into a normalized state.
package power

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// State is a normalized chassis power state.
type State string

const (
	StateOn      State = "on"
	StateOff     State = "off"
	StateUnknown State = "unknown"
)

// Upper returns the state in the form used for user-facing messages.
func (s State) Upper() string {
	return strings.ToUpper(string(s))
}

// Action is a requested fence action.
type Action string

const (
	ActionStatus Action = "status"
	ActionOn     Action = "on"
	ActionOff    Action = "off"
	ActionReboot Action = "reboot"
)

// ErrUnsupportedAction is returned by ParseAction for anything outside Actions.
var ErrUnsupportedAction = errors.New("action not supported")

// Actions lists every supported action in display order.
var Actions = []Action{ActionStatus, ActionOn, ActionOff, ActionReboot}

// ParseAction converts user input into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAction, s)
}

// Goal returns the power state an action drives towards.
// Only on and off have a goal; other actions return StateUnknown.
func (a Action) Goal() State {
	switch a {
	case ActionOn:
		return StateOn
	case ActionOff:
		return StateOff
	default:
		return StateUnknown
	}
}

// statusPattern matches ipmitool output such as "Chassis Power is on".
var statusPattern = regexp.MustCompile(`(?i)chassis power is\s*([a-z]{2,3})`)

// ParseStatus extracts the power state from raw status output.
// Output without a recognizable status line yields StateUnknown.
func ParseStatus(raw string) State {
	m := statusPattern.FindStringSubmatch(raw)
	if m == nil {
		return StateUnknown
	}

	switch strings.ToLower(m[1]) {
	case "on":
		return StateOn
	case "off":
		return StateOff
	default:
		return StateUnknown
	}
}
