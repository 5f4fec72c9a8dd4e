package fence

import (
	"context"
	"errors"
	"fmt"
)

// TransportKind classifies a failure to talk to the management controller.
type TransportKind int

const (
	// KindTimeout means the call exceeded its deadline.
	KindTimeout TransportKind = iota
	// KindConnectionLost means the controller could not be reached.
	KindConnectionLost
	// KindProtocol means the controller was reached but rejected the request.
	KindProtocol
)

func (k TransportKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionLost:
		return "connection-lost"
	case KindProtocol:
		return "protocol-error"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// TransportError is returned by a Transport when a command could not be
// completed. Op names the operation, e.g. "status" or "power on".
type TransportError struct {
	Kind TransportKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Category is the failure taxonomy surfaced to callers of Agent.Execute.
type Category int

const (
	CategoryNone Category = iota
	CategoryUnsupportedAction
	CategoryConnectionLost
	CategoryTimedOut
	CategoryWaitingOn
	CategoryWaitingOff
	CategoryProtocolError
)

// Message returns the user-facing text for the category.
func (c Category) Message() string {
	switch c {
	case CategoryUnsupportedAction:
		return "Action not supported!"
	case CategoryConnectionLost:
		return "Failed: Connection lost"
	case CategoryTimedOut:
		return "Failed: Connection timed out"
	case CategoryWaitingOn:
		return "Failed: Timed out waiting to power ON"
	case CategoryWaitingOff:
		return "Failed: Timed out waiting to power OFF"
	case CategoryProtocolError:
		return "Failed: Protocol error"
	default:
		return ""
	}
}

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryUnsupportedAction:
		return "unsupported-action"
	case CategoryConnectionLost:
		return "connection-lost"
	case CategoryTimedOut:
		return "timed-out"
	case CategoryWaitingOn:
		return "waiting-on-timeout"
	case CategoryWaitingOff:
		return "waiting-off-timeout"
	case CategoryProtocolError:
		return "protocol-error"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// categorize maps any error raised while talking to the controller onto the
// failure taxonomy. Errors that are not transport errors are treated as
// protocol errors so nothing leaves the dispatcher uncategorized.
func categorize(err error) Category {
	var te *TransportError
	if errors.As(err, &te) {
		switch te.Kind {
		case KindTimeout:
			return CategoryTimedOut
		case KindConnectionLost:
			return CategoryConnectionLost
		default:
			return CategoryProtocolError
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTimedOut
	}
	return CategoryProtocolError
}
