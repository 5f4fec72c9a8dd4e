package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eugenetaranov/fence-ipmilan/internal/config"
	"github.com/eugenetaranov/fence-ipmilan/internal/fence"
	"github.com/eugenetaranov/fence-ipmilan/internal/power"
)

func newTestRunCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "run"}
	addRunFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func writeFile(t *testing.T, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

const inventory = `
defaults:
  username: admin
  password: secret
  power_timeout: 10
devices:
  - name: node1
    ip: 10.0.0.11
  - name: node2
    ip: 10.0.0.12
    lanplus: false
`

func TestExitFor(t *testing.T) {
	tests := []struct {
		outcome fence.Outcome
		want    int
	}{
		{fence.OutcomeSuccess, exitSuccess},
		{fence.OutcomeStatus, exitStatus},
		{fence.OutcomeFailure, exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			err := exitFor(&fence.Result{Outcome: tt.outcome})
			if tt.want == exitSuccess {
				assert.NoError(t, err)
				return
			}
			var ee *exitError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tt.want, ee.code)
		})
	}
}

func TestDeviceFromFlagsOnlyChanged(t *testing.T) {
	cmd := newTestRunCmd(t, "-a", "10.0.0.1", "-l", "admin", "--retry-on", "3", "--lanplus=false", "--ssh-host", "jump")

	d, err := deviceFromFlags(cmd)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", d.IP)
	assert.Equal(t, "admin", d.Username)
	require.NotNil(t, d.RetryOn)
	assert.Equal(t, 3, *d.RetryOn)
	assert.Nil(t, d.PowerTimeout)
	assert.Nil(t, d.PowerWait)
	require.NotNil(t, d.Lanplus)
	assert.False(t, *d.Lanplus)
	require.NotNil(t, d.SSH)
	assert.Equal(t, "jump", d.SSH.Host)
}

func TestDeviceFromFlagsNoSSH(t *testing.T) {
	d, err := deviceFromFlags(newTestRunCmd(t, "-a", "10.0.0.1"))
	require.NoError(t, err)
	assert.Nil(t, d.SSH)
	assert.Nil(t, d.Lanplus)
}

func TestResolveDevice(t *testing.T) {
	path := writeFile(t, "devices.yaml", inventory, 0o644)

	t.Run("flags only", func(t *testing.T) {
		d, err := resolveDevice(newTestRunCmd(t, "-a", "10.0.0.1", "-l", "admin"))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", d.IP)
		assert.Equal(t, fence.DefaultTiming(), d.Timing())
	})

	t.Run("flags missing address", func(t *testing.T) {
		_, err := resolveDevice(newTestRunCmd(t, "-l", "admin"))
		assert.Error(t, err)
	})

	t.Run("device without config", func(t *testing.T) {
		_, err := resolveDevice(newTestRunCmd(t, "--device", "node1"))
		assert.ErrorContains(t, err, "--device requires --config")
	})

	t.Run("inventory device with flag override", func(t *testing.T) {
		d, err := resolveDevice(newTestRunCmd(t, "-c", path, "--device", "node2", "--power-timeout", "5"))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.12", d.IP)
		assert.Equal(t, "admin", d.Username)
		assert.False(t, d.GetLanplus())
		assert.Equal(t, 5, d.Timing().PowerTimeout)
	})

	t.Run("inventory needs device selection", func(t *testing.T) {
		_, err := resolveDevice(newTestRunCmd(t, "-c", path))
		assert.ErrorContains(t, err, "select one with --device")
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := resolveDevice(newTestRunCmd(t, "-c", path, "--device", "node9"))
		assert.ErrorContains(t, err, "device not found")
	})
}

func TestResolveDeviceFlagsCompleteInventory(t *testing.T) {
	path := writeFile(t, "partial.yaml", "defaults:\n  username: admin\ndevices:\n  - name: n1\n", 0o644)

	_, err := resolveDevice(newTestRunCmd(t, "-c", path, "--device", "n1"))
	assert.ErrorContains(t, err, "address is required")

	d, err := resolveDevice(newTestRunCmd(t, "-c", path, "--device", "n1", "--ip", "10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", d.IP)
	assert.Equal(t, "admin", d.Username)
}

func TestFenceDeviceUnsupportedActionSkipsConnection(t *testing.T) {
	// A docker device without a running container would fail to connect.
	dev := &config.Device{IP: "10.0.0.1", Connection: "docker", Container: "fence-ipmilan-no-such-container"}

	result := fenceDevice(context.Background(), dev, "cycle", zap.NewNop().Sugar())

	assert.Equal(t, fence.OutcomeFailure, result.Outcome)
	assert.Equal(t, fence.CategoryUnsupportedAction, result.Category)
	assert.Equal(t, "Action not supported!", result.Message)
	assert.Equal(t, power.StateUnknown, result.State)
	assert.Contains(t, result.Detail, `"cycle"`)
}

func TestValidateInventories(t *testing.T) {
	good := writeFile(t, "good.yaml", inventory, 0o644)
	bad := writeFile(t, "bad.yaml", "devices:\n  - name: x\n", 0o644)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, validateInventories(cmd, []string{good}))
	assert.Contains(t, out.String(), "OK: "+good)
	assert.Contains(t, out.String(), "All 1 inventory file(s) valid.")

	out.Reset()
	err := validateInventories(cmd, []string{good, bad, filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
	assert.Contains(t, out.String(), "FAIL: "+bad)
	assert.Contains(t, out.String(), "missing.yaml - not found")
}

func TestListCommands(t *testing.T) {
	var out bytes.Buffer
	connectionsCmd.SetOut(&out)
	connectionsCmd.Run(connectionsCmd, nil)
	for _, name := range []string{"docker", "local", "ssh"} {
		assert.Contains(t, out.String(), "  - "+name)
	}

	out.Reset()
	actionsCmd.SetOut(&out)
	actionsCmd.Run(actionsCmd, nil)
	assert.Equal(t, "status\non\noff\nreboot\n", out.String())
}

// fakeIPMITool reports and records the chassis state in a file next to itself.
const fakeIPMITool = `#!/bin/sh
dir=$(dirname "$0")
for verb; do :; done
case "$verb" in
  status) echo "Chassis Power is $(cat "$dir/state")" ;;
  on) echo on > "$dir/state" ;;
  off) echo off > "$dir/state" ;;
  *) exit 1 ;;
esac
`

func TestRunLocal(t *testing.T) {
	tool := writeFile(t, "ipmitool", fakeIPMITool, 0o755)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(tool), "state"), []byte("on\n"), 0o644))

	run := func(action string) (int, string, string) {
		var stdout, stderr bytes.Buffer
		cmd := newTestRunCmd(t, "-a", "10.0.0.1", "-l", "admin", "-p", "secret",
			"--ipmitool-path", tool, "--power-wait", "0", "--power-timeout", "3")
		cmd.SetOut(&stdout)
		cmd.SetErr(&stderr)
		noColor = true

		err := runFence(cmd, []string{action})
		if err == nil {
			return exitSuccess, stdout.String(), stderr.String()
		}
		var ee *exitError
		require.True(t, errors.As(err, &ee), "unexpected error %v", err)
		return ee.code, stdout.String(), stderr.String()
	}

	code, stdout, _ := run("status")
	assert.Equal(t, exitStatus, code)
	assert.Equal(t, "Status: ON\n", stdout)

	code, stdout, _ = run("off")
	assert.Equal(t, exitSuccess, code)
	assert.Equal(t, "Success: Powered OFF\n", stdout)

	code, _, stderr := run("cycle")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "Action not supported!")
}

func TestRunConnectionFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := newTestRunCmd(t, "-a", "10.0.0.1", "-l", "admin", "--connection", "docker")
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	noColor = true

	err := runFence(cmd, []string{"status"})
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitFailure, ee.code)
	assert.Contains(t, stderr.String(), "docker connection requires 'container'")
}
