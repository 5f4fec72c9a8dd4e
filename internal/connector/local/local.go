// Package local provides a connector for executing commands on the local machine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"time"

	"github.com/eugenetaranov/fence-ipmilan/internal/connector"
)

func init() {
	connector.Register("local", func(cfg connector.Config) (connector.Connector, error) {
		return New(), nil
	})
}

// waitDelay bounds how long Execute waits for output pipes after the command
// is killed, so a grandchild holding stdout cannot stall a timed-out call.
const waitDelay = 2 * time.Second

// Connector executes commands on the local machine.
type Connector struct {
	shell     string
	shellArgs []string
}

// Option configures the local connector.
type Option func(*Connector)

// WithShell sets a custom shell for command execution.
func WithShell(shell string, args ...string) Option {
	return func(c *Connector) {
		c.shell = shell
		c.shellArgs = args
	}
}

// New creates a new local connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		shell:     "/bin/sh",
		shellArgs: []string{"-c"},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the platform is supported.
func (c *Connector) Connect(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin", "linux", "freebsd":
		return nil
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Execute runs a command locally and returns the result.
// When ctx expires the process is killed and ctx.Err() is returned.
func (c *Connector) Execute(ctx context.Context, cmd string, opts ...connector.ExecOption) (*connector.Result, error) {
	execCmd := c.command(ctx, cmd, connector.NewExecConfig(opts))

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command interrupted: %w", ctxErr)
	}

	result := &connector.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
	}

	return result, nil
}

// command builds the shell invocation. Per-call variables are appended to the
// inherited environment.
func (c *Connector) command(ctx context.Context, cmd string, ec connector.ExecConfig) *exec.Cmd {
	args := append(append([]string{}, c.shellArgs...), cmd)
	execCmd := exec.CommandContext(ctx, c.shell, args...)
	execCmd.WaitDelay = waitDelay
	if len(ec.Env) > 0 {
		execCmd.Env = append(os.Environ(), ec.Environ()...)
	}
	return execCmd
}

// Close is a no-op for local connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
