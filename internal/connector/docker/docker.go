// Package docker provides a connector for executing commands in Docker containers.
// It is used when ipmitool is shipped in a tooling container rather than on the host.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/eugenetaranov/fence-ipmilan/internal/connector"
)

func init() {
	connector.Register("docker", func(cfg connector.Config) (connector.Connector, error) {
		if cfg.Container == "" {
			return nil, fmt.Errorf("docker connection requires a container name")
		}
		var opts []Option
		if cfg.User != "" {
			opts = append(opts, WithUser(cfg.User))
		}
		return New(cfg.Container, opts...), nil
	})
}

// waitDelay bounds how long Execute waits for output pipes after docker exec
// is killed.
const waitDelay = 2 * time.Second

// Connector executes commands inside Docker containers.
type Connector struct {
	container string
	user      string
	env       map[string]string
}

// Option configures the Docker connector.
type Option func(*Connector)

// WithUser sets the user for command execution.
func WithUser(user string) Option {
	return func(c *Connector) {
		c.user = user
	}
}

// WithEnv adds an environment variable for command execution.
func WithEnv(key, value string) Option {
	return func(c *Connector) {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[key] = value
	}
}

// New creates a new Docker connector for the specified container.
func New(container string, opts ...Option) *Connector {
	c := &Connector{
		container: container,
		env:       make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the container exists and is running.
func (c *Connector) Connect(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker command not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", c.container)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("container '%s' not found or not accessible: %w", c.container, err)
	}

	if strings.TrimSpace(string(output)) != "true" {
		return fmt.Errorf("container '%s' is not running", c.container)
	}

	return nil
}

// Execute runs a command inside the container.
func (c *Connector) Execute(ctx context.Context, cmd string, opts ...connector.ExecOption) (*connector.Result, error) {
	execCmd := c.command(ctx, cmd, connector.NewExecConfig(opts))

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command in container interrupted: %w", ctxErr)
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
			return nil, fmt.Errorf("failed to execute command in container: %w", err)
		}
	}

	return result, nil
}

// command builds the docker exec invocation. Per-call variables are named
// with "-e KEY" so docker copies their values from its own environment.
func (c *Connector) command(ctx context.Context, cmd string, ec connector.ExecConfig) *exec.Cmd {
	execCmd := exec.CommandContext(ctx, "docker", c.buildExecArgs(cmd, ec.EnvKeys())...)
	execCmd.WaitDelay = waitDelay
	if len(ec.Env) > 0 {
		execCmd.Env = append(os.Environ(), ec.Environ()...)
	}
	return execCmd
}

// buildExecArgs builds the docker exec command arguments. passEnv names
// variables forwarded from the docker client's environment.
func (c *Connector) buildExecArgs(cmd string, passEnv []string) []string {
	args := []string{"exec"}

	if c.user != "" {
		args = append(args, "-u", c.user)
	}

	// Sorted so the argument list is stable.
	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, c.env[k]))
	}
	for _, k := range passEnv {
		args = append(args, "-e", k)
	}

	args = append(args, c.container, "/bin/sh", "-c", cmd)

	return args
}

// Close is a no-op for Docker connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	desc := fmt.Sprintf("docker://%s", c.container)
	if c.user != "" {
		desc = fmt.Sprintf("docker://%s@%s", c.user, c.container)
	}
	return desc
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
