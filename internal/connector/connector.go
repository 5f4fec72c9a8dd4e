// Package connector defines the interface for executing commands where the
// management tooling lives: the local machine, a container, or a jump host.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Result holds the output from command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Connector is the interface for connecting to and executing commands on targets.
type Connector interface {
	// Connect establishes a connection to the target.
	Connect(ctx context.Context) error

	// Execute runs a command on the target and returns the result.
	// A non-zero exit status is reported through Result.ExitCode, not as an error.
	// An error means the command could not be run at all.
	Execute(ctx context.Context, cmd string, opts ...ExecOption) (*Result, error)

	// Close terminates the connection.
	Close() error

	// String returns a human-readable description of the connection.
	String() string
}

// Config holds common configuration for connectors.
type Config struct {
	// Host is the target hostname or IP address (ssh).
	Host string

	// Port is the target port (ssh, default 22).
	Port int

	// User is the username for authentication.
	User string

	// Password authenticates the user when no key is given.
	Password string

	// KeyFile is the path to a private key.
	KeyFile string

	// KnownHosts is the path to a known_hosts file used to verify the host key.
	// Host keys are not verified when empty.
	KnownHosts string

	// Container is the container name or ID (docker).
	Container string

	// Timeout is the connection timeout in seconds.
	Timeout int
}

// ExecConfig holds settings for a single Execute call.
type ExecConfig struct {
	// Env is exported to the command without appearing on any command line.
	Env map[string]string
}

// ExecOption configures a single Execute call.
type ExecOption func(*ExecConfig)

// WithEnv exports an environment variable to the command.
func WithEnv(key, value string) ExecOption {
	return func(c *ExecConfig) {
		if c.Env == nil {
			c.Env = make(map[string]string)
		}
		c.Env[key] = value
	}
}

// NewExecConfig applies opts to an empty ExecConfig.
func NewExecConfig(opts []ExecOption) ExecConfig {
	var c ExecConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// EnvKeys returns the environment variable names, sorted.
func (c ExecConfig) EnvKeys() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Environ returns the environment as KEY=value pairs in key order.
func (c ExecConfig) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for _, k := range c.EnvKeys() {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// Factory builds a connector from configuration.
type Factory func(cfg Config) (Connector, error)

var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Register adds a connector factory under name.
// It panics if the name is already registered.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("connector %q is already registered", name))
	}
	registry[name] = f
}

// New builds the connector registered under name.
func New(name string, cfg Config) (Connector, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown connection type: %s", name)
	}
	return f(cfg)
}

// List returns the names of all registered connectors, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShellQuote quotes a string for safe use in shell commands.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}
