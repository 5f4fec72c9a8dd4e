// Package main is the entrypoint for the fence-ipmilan CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Import connectors to register them
	_ "github.com/eugenetaranov/fence-ipmilan/internal/connector/docker"
	_ "github.com/eugenetaranov/fence-ipmilan/internal/connector/local"
	_ "github.com/eugenetaranov/fence-ipmilan/internal/connector/ssh"

	"github.com/eugenetaranov/fence-ipmilan/internal/config"
	"github.com/eugenetaranov/fence-ipmilan/internal/connector"
	"github.com/eugenetaranov/fence-ipmilan/internal/fence"
	"github.com/eugenetaranov/fence-ipmilan/internal/ipmi"
	"github.com/eugenetaranov/fence-ipmilan/internal/logger"
	"github.com/eugenetaranov/fence-ipmilan/internal/output"
	"github.com/eugenetaranov/fence-ipmilan/internal/power"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug     bool
	noColor   bool
	logLevel  string
	logFormat string
)

// Exit codes reported to the cluster manager.
const (
	exitSuccess = 0
	exitFailure = 1
	exitStatus  = 2
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitFailure)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fence-ipmilan",
	Short: "fence-ipmilan - IPMI LAN fence agent",
	Long: `fence-ipmilan drives a machine's power through its management controller
using ipmitool, and confirms that the requested power state was reached.

ipmitool can run locally, inside a Docker container, or on an SSH jump host.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceErrors: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output and debug-level logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(actionsCmd)
}

// runCmd executes a fence action
var runCmd = &cobra.Command{
	Use:   "run <status|on|off|reboot>",
	Short: "Run a fence action",
	Long: `Execute a fence action against a management controller.

The controller is described with flags, or with a device from an inventory
file. Flags override values from the inventory.

Exit status is 0 on success, 2 after a status query, and 1 on failure.

Examples:
  fence-ipmilan run status -a 10.0.0.10 -l admin -p secret
  fence-ipmilan run reboot -c devices.yaml --device node1
  fence-ipmilan run off -c devices.yaml --device node1 --connection ssh --ssh-host jump`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runFence,
}

func init() {
	addRunFlags(runCmd)
}

// addRunFlags registers the inventory selection and device flags.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("config", "c", "", "Device inventory file")
	f.String("device", "", "Device name in the inventory")
	f.StringP("ip", "a", "", "Controller address")
	f.Int("ipport", 0, "Controller RMCP port")
	f.StringP("username", "l", "", "Login name")
	f.StringP("password", "p", "", "Login password")
	f.String("password-env", "", "Environment variable holding the login password")
	f.String("ipmitool-path", "", "Path to ipmitool (default "+ipmi.DefaultPath+")")
	f.Bool("lanplus", true, "Use IPMI v2.0 (lanplus) interface")
	f.StringP("cipher", "C", "", "Cipher suite for lanplus")
	f.StringP("privlvl", "L", "", "Privilege level (callback, user, operator, administrator)")
	f.Int("power-timeout", fence.DefaultPowerTimeout, "Seconds to wait for a power state change")
	f.Int("power-wait", fence.DefaultPowerWait, "Seconds to wait after issuing a power command")
	f.Int("retry-on", fence.DefaultRetryOn, "Additional power on attempts")
	f.String("connection", "", "Where ipmitool runs: local, docker, or ssh (default local)")
	f.String("container", "", "Container running ipmitool (docker connection)")
	f.String("ssh-host", "", "Jump host (ssh connection)")
	f.Int("ssh-port", 0, "Jump host port (default 22)")
	f.String("ssh-user", "", "Jump host user")
	f.String("ssh-password", "", "Jump host password")
	f.String("ssh-key", "", "Jump host private key file")
	f.String("ssh-known-hosts", "", "known_hosts file for the jump host")
}

// deviceFromFlags returns a device holding only the flags set on the command line.
func deviceFromFlags(cmd *cobra.Command) (*config.Device, error) {
	f := cmd.Flags()
	d := &config.Device{}

	var err error
	str := func(name string, dst *string) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetInt(name)
		}
	}
	numPtr := func(name string, dst **int) {
		if err == nil && f.Changed(name) {
			var v int
			v, err = f.GetInt(name)
			*dst = &v
		}
	}

	str("ip", &d.IP)
	num("ipport", &d.IPPort)
	str("username", &d.Username)
	str("password", &d.Password)
	str("password-env", &d.PasswordEnv)
	str("ipmitool-path", &d.IPMIToolPath)
	str("cipher", &d.Cipher)
	str("privlvl", &d.Privilege)
	numPtr("power-timeout", &d.PowerTimeout)
	numPtr("power-wait", &d.PowerWait)
	numPtr("retry-on", &d.RetryOn)
	str("connection", &d.Connection)
	str("container", &d.Container)

	if err == nil && f.Changed("lanplus") {
		var v bool
		v, err = f.GetBool("lanplus")
		d.Lanplus = &v
	}

	ssh := &config.SSH{}
	str("ssh-host", &ssh.Host)
	num("ssh-port", &ssh.Port)
	str("ssh-user", &ssh.User)
	str("ssh-password", &ssh.Password)
	str("ssh-key", &ssh.KeyFile)
	str("ssh-known-hosts", &ssh.KnownHosts)
	if *ssh != (config.SSH{}) {
		d.SSH = ssh
	}

	if err != nil {
		return nil, err
	}
	return d, nil
}

// resolveDevice builds the device for this invocation from the inventory and flags.
func resolveDevice(cmd *cobra.Command) (*config.Device, error) {
	flagDevice, err := deviceFromFlags(cmd)
	if err != nil {
		return nil, err
	}

	configPath, _ := cmd.Flags().GetString("config")
	name, _ := cmd.Flags().GetString("device")

	if configPath == "" {
		if name != "" {
			return nil, fmt.Errorf("--device requires --config")
		}
		return flagDevice, flagDevice.Validate()
	}

	inv, err := config.ParseFile(configPath)
	if err != nil {
		return nil, err
	}

	if name == "" {
		if len(inv.Devices) != 1 {
			return nil, fmt.Errorf("inventory %s has %d devices, select one with --device", configPath, len(inv.Devices))
		}
		name = inv.Devices[0].Name
	}

	base, err := inv.Lookup(name)
	if err != nil {
		return nil, err
	}

	dev := config.Merge(base, flagDevice)
	if err := dev.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return dev, nil
}

func runFence(cmd *cobra.Command, args []string) error {
	action := args[0]

	out := output.New(cmd.OutOrStdout())
	out.SetErrorWriter(cmd.ErrOrStderr())
	out.SetColor(!noColor)
	out.SetDebug(debug)

	level := logLevel
	if debug {
		level = "debug"
	}
	zl, err := logger.New(cmd.ErrOrStderr(), level, logFormat)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()

	dev, err := resolveDevice(cmd)
	if err != nil {
		out.Error("%v", err)
		return &exitError{code: exitFailure}
	}

	// Setup context with signal handling
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	out.Start(action, dev.IP)

	result := fenceDevice(ctx, dev, action, log)

	out.Result(result, time.Since(start))
	return exitFor(result)
}

// fenceDevice connects to where ipmitool runs and executes action.
func fenceDevice(ctx context.Context, dev *config.Device, action string, log *zap.SugaredLogger) *fence.Result {
	timing := dev.Timing()
	timeout := time.Duration(timing.PowerTimeout) * time.Second

	if _, err := power.ParseAction(action); err != nil {
		return failureResult(fence.CategoryUnsupportedAction, err)
	}

	conn, err := connector.New(dev.GetConnection(), dev.ConnectorConfig())
	if err != nil {
		return connectFailure(err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	err = conn.Connect(connectCtx)
	cancel()
	if err != nil {
		return connectFailure(err)
	}
	defer conn.Close()

	log.Debugw("Connected", "connection", conn.String(), "device", dev.Name)

	tr := ipmi.New(conn, dev.IPMIOptions(), timeout, ipmi.WithLogger(log))
	return fence.New(tr, timing, fence.WithLogger(log)).Execute(ctx, action)
}

func connectFailure(err error) *fence.Result {
	cat := fence.CategoryConnectionLost
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		cat = fence.CategoryTimedOut
	}
	return failureResult(cat, err)
}

// failureResult reports an error raised before the controller was contacted.
func failureResult(cat fence.Category, err error) *fence.Result {
	return &fence.Result{
		Outcome:  fence.OutcomeFailure,
		State:    power.StateUnknown,
		Message:  cat.Message(),
		Category: cat,
		Detail:   err.Error(),
	}
}

// exitFor maps a result to the process exit status.
func exitFor(r *fence.Result) error {
	switch r.Outcome {
	case fence.OutcomeSuccess:
		return nil
	case fence.OutcomeStatus:
		return &exitError{code: exitStatus}
	default:
		return &exitError{code: exitFailure}
	}
}

// validateCmd validates inventories without running anything
var validateCmd = &cobra.Command{
	Use:   "validate <devices.yaml> [devices2.yaml ...]",
	Short: "Validate one or more device inventories",
	Long: `Parse and validate device inventories without contacting any controller.

This checks for:
  - Valid YAML syntax and known fields
  - Required fields (name, ip, username)
  - Connection settings
  - Timing values

Examples:
  fence-ipmilan validate devices.yaml
  fence-ipmilan validate *.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: validateInventories,
}

func validateInventories(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	var hasErrors bool

	for _, path := range args {
		if err := validateInventory(path); err != nil {
			fmt.Fprintf(w, "FAIL: %s - %v\n", path, err)
			hasErrors = true
		} else {
			fmt.Fprintf(w, "OK: %s\n", path)
		}
	}

	if hasErrors {
		return fmt.Errorf("one or more inventories failed validation")
	}

	fmt.Fprintf(w, "\nAll %d inventory file(s) valid.\n", len(args))
	return nil
}

func validateInventory(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("not found")
	}

	inv, err := config.ParseFile(path)
	if err != nil {
		return err
	}

	return inv.Validate()
}

// connectionsCmd lists available connectors
var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List available connection types",
	Long:  `Display the connection types ipmitool can be run through.`,
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		names := connector.List()
		if len(names) == 0 {
			fmt.Fprintln(w, "No connections registered.")
			return
		}

		fmt.Fprintln(w, "Available connections:")
		fmt.Fprintln(w)
		for _, name := range names {
			fmt.Fprintf(w, "  - %s\n", name)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Total: %d connections\n", len(names))
	},
}

// actionsCmd lists supported fence actions
var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List supported fence actions",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		for _, a := range power.Actions {
			fmt.Fprintln(w, a)
		}
	},
}
