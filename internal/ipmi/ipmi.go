// Package ipmi talks to a baseboard management controller by running ipmitool
// through a connector.
package ipmi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenetaranov/fence-ipmilan/internal/connector"
	"github.com/eugenetaranov/fence-ipmilan/internal/fence"
	"github.com/eugenetaranov/fence-ipmilan/internal/power"
)

// DefaultPath is where ipmitool is looked up when no path is configured.
const DefaultPath = "/usr/bin/ipmitool"

// PasswordEnv is the variable ipmitool -E reads the password from.
const PasswordEnv = "IPMI_PASSWORD"

// privilegeLevels are the values ipmitool accepts for -L.
var privilegeLevels = map[string]bool{
	"callback":      true,
	"user":          true,
	"operator":      true,
	"administrator": true,
}

// Options describe the controller and how to reach it.
type Options struct {
	// Path is the ipmitool binary on the connector's side.
	Path string

	// Address is the controller's IP address or hostname.
	Address string

	// Port is the RMCP port; 0 leaves ipmitool's default.
	Port int

	Username string
	Password string

	// EnvPassword hands the password to ipmitool in IPMI_PASSWORD (-E)
	// instead of on its command line (-P).
	EnvPassword bool

	// Lanplus selects the IPMI v2.0 RMCP+ interface instead of IPMI v1.5.
	Lanplus bool

	// Cipher is the cipher suite ID passed with -C (lanplus only).
	Cipher string

	// Privilege is the session privilege level passed with -L.
	Privilege string
}

// Validate checks that the options can produce a usable command.
func (o Options) Validate() error {
	if o.Address == "" {
		return fmt.Errorf("controller address is required")
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("invalid controller port: %d", o.Port)
	}
	if o.Privilege != "" && !privilegeLevels[strings.ToLower(o.Privilege)] {
		return fmt.Errorf("invalid privilege level: %s (must be callback, user, operator, or administrator)", o.Privilege)
	}
	if o.Cipher != "" {
		if _, err := strconv.Atoi(o.Cipher); err != nil {
			return fmt.Errorf("invalid cipher suite: %s", o.Cipher)
		}
		if !o.Lanplus {
			return fmt.Errorf("cipher suite requires lanplus")
		}
	}
	return nil
}

// Transport runs ipmitool chassis power commands. Each call is bounded by
// timeout; an expired call kills the running ipmitool and reports a timeout.
type Transport struct {
	conn    connector.Connector
	opts    Options
	timeout time.Duration
	log     *zap.SugaredLogger
}

// Option configures the transport.
type Option func(*Transport)

// WithLogger sets the logger used for command tracing.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(t *Transport) {
		t.log = l
	}
}

// New creates a transport that runs commands through conn.
func New(conn connector.Connector, opts Options, timeout time.Duration, options ...Option) *Transport {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}

	t := &Transport{
		conn:    conn,
		opts:    opts,
		timeout: timeout,
		log:     zap.NewNop().Sugar(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// QueryStatus returns the raw output of "chassis power status".
func (t *Transport) QueryStatus(ctx context.Context) (string, error) {
	return t.run(ctx, "status")
}

// IssuePower runs "chassis power on" or "chassis power off".
func (t *Transport) IssuePower(ctx context.Context, action power.Action) error {
	switch action {
	case power.ActionOn, power.ActionOff:
	default:
		return fmt.Errorf("unsupported power command: %s", action)
	}

	_, err := t.run(ctx, string(action))
	return err
}

// Command returns the shell command line for a chassis power verb.
func (t *Transport) Command(verb string) string {
	return strings.Join(t.args(verb, false), " ")
}

// args builds the quoted argument list. Credentials are masked when redact is set.
func (t *Transport) args(verb string, redact bool) []string {
	iface := "lan"
	if t.opts.Lanplus {
		iface = "lanplus"
	}

	args := []string{connector.ShellQuote(t.opts.Path), "-I", iface, "-H", connector.ShellQuote(t.opts.Address)}

	if t.opts.Port > 0 {
		args = append(args, "-p", strconv.Itoa(t.opts.Port))
	}

	args = append(args, "-U", connector.ShellQuote(t.opts.Username))
	if t.opts.EnvPassword {
		args = append(args, "-E")
	} else {
		pass := t.opts.Password
		if redact && pass != "" {
			pass = "XXXX"
		}
		args = append(args, "-P", connector.ShellQuote(pass))
	}

	if t.opts.Cipher != "" {
		args = append(args, "-C", t.opts.Cipher)
	}
	if t.opts.Privilege != "" {
		args = append(args, "-L", strings.ToUpper(t.opts.Privilege))
	}

	return append(args, "chassis", "power", verb)
}

func (t *Transport) run(ctx context.Context, verb string) (string, error) {
	op := "power " + verb
	if verb == "status" {
		op = "status"
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.log.Debugw("Running ipmitool", "command", strings.Join(t.args(verb, true), " "), "via", t.conn.String())

	var execOpts []connector.ExecOption
	if t.opts.EnvPassword {
		execOpts = append(execOpts, connector.WithEnv(PasswordEnv, t.opts.Password))
	}

	result, err := t.conn.Execute(ctx, t.Command(verb), execOpts...)
	if err != nil {
		kind := fence.KindConnectionLost
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = fence.KindTimeout
		}
		return "", &fence.TransportError{Kind: kind, Op: op, Err: err}
	}

	if result.ExitCode != 0 {
		return "", &fence.TransportError{Kind: classifyExit(result.Stderr), Op: op, Err: &ExitError{
			ExitCode: result.ExitCode,
			Stderr:   strings.TrimSpace(result.Stderr),
		}}
	}

	return result.Stdout, nil
}

// ExitError reports a non-zero ipmitool exit status.
type ExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("ipmitool exited with code %d", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// unreachable are stderr fragments ipmitool prints when the controller
// cannot be reached at all.
var unreachable = []string{
	"unable to establish",
	"connection refused",
	"no route to host",
	"connection timed out",
	"get session challenge",
	"activate session",
	"address lookup",
}

// classifyExit separates an unreachable controller from one that answered
// but refused the request.
func classifyExit(stderr string) fence.TransportKind {
	s := strings.ToLower(stderr)
	for _, frag := range unreachable {
		if strings.Contains(s, frag) {
			return fence.KindConnectionLost
		}
	}
	return fence.KindProtocol
}

// Ensure Transport implements the fence.Transport interface.
var _ fence.Transport = (*Transport)(nil)
