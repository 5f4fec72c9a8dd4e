package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/eugenetaranov/fence-ipmilan/internal/fence"
	"github.com/eugenetaranov/fence-ipmilan/internal/power"
)

func TestNewOutput(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	if o == nil {
		t.Fatal("expected non-nil Output")
	}
	if o.w != &buf || o.errw != &buf {
		t.Error("writers not set correctly")
	}
	if !o.useColor {
		t.Error("expected useColor to be true by default")
	}
}

func TestColorOutput(t *testing.T) {
	t.Run("color enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(true)

		result := o.color(colorGreen, "test")
		if !strings.Contains(result, "\033[32m") {
			t.Error("expected color code in output")
		}
		if !strings.Contains(result, "\033[0m") {
			t.Error("expected reset code in output")
		}
	})

	t.Run("color disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)

		result := o.color(colorGreen, "test")
		if result != "test" {
			t.Errorf("expected plain 'test', got %q", result)
		}
	})
}

func TestResult(t *testing.T) {
	tests := []struct {
		name    string
		result  *fence.Result
		debug   bool
		wantOut []string
		wantErr []string
	}{
		{
			name:    "success",
			result:  &fence.Result{Outcome: fence.OutcomeSuccess, Message: "Success: Powered OFF", State: power.StateOff},
			wantOut: []string{"Success: Powered OFF"},
		},
		{
			name:    "status",
			result:  &fence.Result{Outcome: fence.OutcomeStatus, Message: "Status: ON", State: power.StateOn},
			wantOut: []string{"Status: ON"},
		},
		{
			name: "failure with detail",
			result: &fence.Result{
				Outcome:  fence.OutcomeFailure,
				Message:  "Failed: Connection lost",
				Category: fence.CategoryConnectionLost,
				Detail:   "status: connection-lost: no route",
			},
			wantErr: []string{"Failed: Connection lost", "→", "no route"},
		},
		{
			name: "reboot with warning",
			result: &fence.Result{
				Outcome:  fence.OutcomeSuccess,
				Message:  "Success: Rebooted",
				Warnings: []string{"Failed: Timed out waiting to power ON"},
			},
			wantOut: []string{"Success: Rebooted"},
			wantErr: []string{"WARN", "Timed out waiting to power ON"},
		},
		{
			name:    "debug recap",
			result:  &fence.Result{Outcome: fence.OutcomeSuccess, Message: "Success: Already ON", State: power.StateOn},
			debug:   true,
			wantOut: []string{"RECAP", "outcome=success", "state=on", "1.50s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			o := New(&out)
			o.SetErrorWriter(&errOut)
			o.SetColor(false)
			o.SetDebug(tt.debug)

			o.Result(tt.result, 1500*time.Millisecond)

			for _, want := range tt.wantOut {
				if !strings.Contains(out.String(), want) {
					t.Errorf("expected stdout to contain %q, got %q", want, out.String())
				}
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(errOut.String(), want) {
					t.Errorf("expected stderr to contain %q, got %q", want, errOut.String())
				}
			}
			if len(tt.wantErr) == 0 && errOut.Len() != 0 {
				t.Errorf("expected empty stderr, got %q", errOut.String())
			}
		})
	}
}

func TestStart(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Start("reboot", "10.0.0.1")
	if buf.Len() != 0 {
		t.Errorf("expected no banner outside debug mode, got %q", buf.String())
	}

	o.SetDebug(true)
	o.Start("reboot", "10.0.0.1")
	if !strings.Contains(buf.String(), "FENCE reboot 10.0.0.1") {
		t.Errorf("expected banner, got %q", buf.String())
	}
}

func TestInfo(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Info("test %s %d", "message", 42)

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("expected INFO prefix")
	}
	if !strings.Contains(output, "test message 42") {
		t.Errorf("expected formatted message, got %q", output)
	}
}

func TestWarnAndErrorUseErrorWriter(t *testing.T) {
	var out, errOut bytes.Buffer
	o := New(&out)
	o.SetErrorWriter(&errOut)
	o.SetColor(false)

	o.Warn("warning %s", "here")
	o.Error("error: %v", "failed")

	if out.Len() != 0 {
		t.Errorf("expected nothing on stdout, got %q", out.String())
	}
	for _, want := range []string{"WARN warning here", "ERROR error: failed"} {
		if !strings.Contains(errOut.String(), want) {
			t.Errorf("expected %q in %q", want, errOut.String())
		}
	}
}

func TestDebugOutput(t *testing.T) {
	t.Run("debug enabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)
		o.SetDebug(true)

		o.Debug("debug %s", "info")

		if !strings.Contains(buf.String(), "DEBUG") {
			t.Error("expected DEBUG prefix when debug enabled")
		}
	})

	t.Run("debug disabled", func(t *testing.T) {
		var buf bytes.Buffer
		o := New(&buf)
		o.SetColor(false)
		o.SetDebug(false)

		o.Debug("debug %s", "info")

		if buf.String() != "" {
			t.Errorf("expected empty output when debug disabled, got %q", buf.String())
		}
	})
}
