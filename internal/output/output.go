// Package output provides formatted output for fence invocations.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eugenetaranov/fence-ipmilan/internal/fence"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Output handles formatted output.
type Output struct {
	w        io.Writer
	errw     io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler. Errors go to w until SetErrorWriter is called.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		errw:     w,
		useColor: true,
	}
}

// SetErrorWriter sets where failures and errors are written.
func (o *Output) SetErrorWriter(w io.Writer) {
	o.errw = w
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Start prints the invocation banner (debug mode only).
func (o *Output) Start(action, target string) {
	if !o.debug {
		return
	}
	o.printf("%s %s %s\n", o.color(colorBold, "FENCE"), action, o.color(colorGray, target))
	o.printf("%s\n", strings.Repeat("-", 60))
}

// Result prints the outcome of a fence invocation.
// Format: the result message on one line, followed by any warnings.
func (o *Output) Result(r *fence.Result, elapsed time.Duration) {
	switch r.Outcome {
	case fence.OutcomeSuccess:
		o.printf("%s\n", o.color(colorGreen, r.Message))
	case fence.OutcomeStatus:
		o.printf("%s\n", o.color(colorBlue, r.Message))
	default:
		o.errorf("%s\n", o.color(colorRed, r.Message))
		if r.Detail != "" {
			o.errorf("  %s %s\n", o.color(colorGray, "→"), r.Detail)
		}
	}

	for _, w := range r.Warnings {
		o.Warn("%s", w)
	}

	if o.debug {
		o.printf("%s %s\n", o.color(colorBold, "RECAP"), o.color(colorGray, fmt.Sprintf(
			"outcome=%s state=%s category=%s (%.2fs)", r.Outcome, r.State, r.Category, elapsed.Seconds())))
	}
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.errorf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.errorf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}

func (o *Output) errorf(format string, args ...any) {
	fmt.Fprintf(o.errw, format, args...)
}
