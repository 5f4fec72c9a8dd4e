package fence

import (
	"context"
	"fmt"
	"time"

	"github.com/eugenetaranov/fence-ipmilan/internal/power"
)

// fakeTransport simulates a controller. A power command takes effect after
// respond[action] further polls; actions missing from respond never take
// effect. When script is set it replaces the simulation for status output.
type fakeTransport struct {
	state   power.State
	respond map[power.Action]int

	script func(query int) string

	// dropped is the number of initial power commands the controller ignores.
	dropped int

	issueErr  map[power.Action]error
	statusErr error
	// statusErrAt is the 1-based query that fails; 0 means never.
	statusErrAt int

	pending   power.State
	countdown int

	queries int
	issued  []power.Action
}

func newFake(initial power.State) *fakeTransport {
	return &fakeTransport{
		state:    initial,
		respond:  make(map[power.Action]int),
		issueErr: make(map[power.Action]error),
	}
}

func (f *fakeTransport) QueryStatus(ctx context.Context) (string, error) {
	f.queries++
	if f.statusErrAt != 0 && f.queries >= f.statusErrAt {
		return "", f.statusErr
	}

	if f.script != nil {
		return f.script(f.queries), nil
	}

	if f.pending != "" {
		if f.countdown == 0 {
			f.state = f.pending
			f.pending = ""
		} else {
			f.countdown--
		}
	}

	if f.state == power.StateUnknown {
		return "Error: unexpected response\n", nil
	}
	return fmt.Sprintf("Chassis Power is %s\n", f.state), nil
}

func (f *fakeTransport) IssuePower(ctx context.Context, action power.Action) error {
	f.issued = append(f.issued, action)
	if err := f.issueErr[action]; err != nil {
		return err
	}
	if f.dropped > 0 {
		f.dropped--
		return nil
	}
	if lag, ok := f.respond[action]; ok {
		f.pending = action.Goal()
		f.countdown = lag
	}
	return nil
}

func (f *fakeTransport) count(action power.Action) int {
	n := 0
	for _, a := range f.issued {
		if a == action {
			n++
		}
	}
	return n
}

// recordingSleeper records requested sleeps without blocking.
type recordingSleeper struct {
	sleeps []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return ctx.Err()
}

func (r *recordingSleeper) total(d time.Duration) int {
	n := 0
	for _, s := range r.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

func connectionLost(op string) error {
	return &TransportError{Kind: KindConnectionLost, Op: op, Err: fmt.Errorf("Unable to establish IPMI v2 / RMCP+ session")}
}
