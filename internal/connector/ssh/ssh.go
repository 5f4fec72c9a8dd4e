// Package ssh provides a connector for executing commands on a remote jump host
// that can reach the management network.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eugenetaranov/fence-ipmilan/internal/connector"
)

func init() {
	connector.Register("ssh", func(cfg connector.Config) (connector.Connector, error) {
		return New(cfg)
	})
}

const (
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
	defaultDialRetries = 3
	dialRetryInterval  = time.Second
)

// Connector executes commands on a remote host over SSH.
type Connector struct {
	addr        string
	user        string
	config      *ssh.ClientConfig
	dialRetries uint64

	mu     sync.Mutex
	client *ssh.Client
}

// Option configures the SSH connector.
type Option func(*Connector)

// WithDialRetries sets how many times a failed dial is retried.
func WithDialRetries(n uint64) Option {
	return func(c *Connector) {
		c.dialRetries = n
	}
}

// New creates a new SSH connector. It fails when no usable authentication
// method is configured.
func New(cfg connector.Config, opts ...Option) (*Connector, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh connection requires a host")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh connection requires a user")
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHosts, err)
		}
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	timeout := defaultDialTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	c := &Connector{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		user: cfg.User,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
		dialRetries: defaultDialRetries,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// authMethods prefers a private key and falls back to a password.
func authMethods(cfg connector.Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key %s: %w", cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("ssh connection requires a password or a key file")
	}
	return methods, nil
}

// Connect dials the remote host, retrying transient network failures.
// Authentication failures are not retried.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(dialRetryInterval), c.dialRetries),
		ctx,
	)

	client, err := backoff.RetryWithData(func() (*ssh.Client, error) {
		client, err := c.dial(ctx)
		if err != nil && isAuthError(err) {
			return nil, backoff.Permanent(err)
		}
		return client, err
	}, b)
	if err != nil {
		return fmt.Errorf("unable to connect to SSH server %s: %w", c.addr, err)
	}

	c.client = client
	return nil
}

func (c *Connector) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: c.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.addr, c.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// envName matches variable names the remote shell can read.
var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// withEnv wraps cmd so the remote shell reads per-call variables from stdin,
// one value per line in key order, and exports them.
func withEnv(cmd string, ec connector.ExecConfig) (string, string, error) {
	keys := ec.EnvKeys()
	if len(keys) == 0 {
		return cmd, "", nil
	}

	var script, stdin strings.Builder
	for _, k := range keys {
		v := ec.Env[k]
		if !envName.MatchString(k) {
			return "", "", fmt.Errorf("invalid environment variable name: %q", k)
		}
		if strings.ContainsAny(v, "\r\n") {
			return "", "", fmt.Errorf("environment variable %s contains a line break", k)
		}
		fmt.Fprintf(&script, "IFS= read -r %s && export %s && ", k, k)
		stdin.WriteString(v + "\n")
	}
	script.WriteString("{ " + cmd + "\n}")

	return script.String(), stdin.String(), nil
}

// Execute runs a command in a fresh session. When ctx expires the remote
// process is signalled and the session closed.
func (c *Connector) Execute(ctx context.Context, cmd string, opts ...connector.ExecOption) (*connector.Result, error) {
	cmd, stdin, err := withEnv(cmd, connector.NewExecConfig(opts))
	if err != nil {
		return nil, err
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, fmt.Errorf("remote command interrupted: %w", ctx.Err())
	case err = <-done:
	}

	result := &connector.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute remote command: %w", err)
	}

	return result, nil
}

// Close terminates the SSH connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("ssh://%s@%s", c.user, c.addr)
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
