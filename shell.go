package cwndlab

//
// Running external commands
//

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
	"golang.org/x/sys/execabs"
)

// Shell runs external commands such as ip, tc, ethtool, and nft.
type Shell interface {
	// Output runs the given argv and returns its standard output. The
	// error is a [*CommandError] when the command exits with failure.
	Output(ctx context.Context, argv ...string) ([]byte, error)
}

// ErrNoCommandToExecute means that the command line is empty.
var ErrNoCommandToExecute = errors.New("cwndlab: no command to execute")

// CommandError is the error returned when a command fails.
type CommandError struct {
	// Argv is the command that failed.
	Argv []string

	// Stderr contains the command's standard error.
	Stderr string

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", quotedCommandLine(e.Argv...), msg)
}

// Unwrap allows using errors.Is and errors.As.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// LinuxShell is the [Shell] executing commands on the host. The zero
// value is invalid; please, make sure you set all MANDATORY fields.
type LinuxShell struct {
	// Logger is the MANDATORY logger.
	Logger Logger
}

var _ Shell = &LinuxShell{}

// Output implements Shell.
func (sh *LinuxShell) Output(ctx context.Context, argv ...string) ([]byte, error) {
	if len(argv) < 1 {
		return nil, ErrNoCommandToExecute
	}
	sh.Logger.Debugf("+ %s", quotedCommandLine(argv...))
	cmd := execabs.CommandContext(ctx, argv[0], argv[1:]...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, &CommandError{Argv: argv, Stderr: stderr.String(), Err: err}
	}
	return out, nil
}

// DryRunShell is a [Shell] that logs commands without running them.
type DryRunShell struct {
	// Logger is the MANDATORY logger.
	Logger Logger
}

var _ Shell = &DryRunShell{}

// Output implements Shell.
func (sh *DryRunShell) Output(ctx context.Context, argv ...string) ([]byte, error) {
	if len(argv) < 1 {
		return nil, ErrNoCommandToExecute
	}
	sh.Logger.Infof("+ %s", quotedCommandLine(argv...))
	return []byte{}, nil
}

// MockableShell is a mockable [Shell].
type MockableShell struct {
	MockOutput func(ctx context.Context, argv ...string) ([]byte, error)
}

var _ Shell = &MockableShell{}

// Output implements Shell.
func (sh *MockableShell) Output(ctx context.Context, argv ...string) ([]byte, error) {
	return sh.MockOutput(ctx, argv...)
}

// ShellOutputf formats a command line, splits it into an argv
// using shell quoting rules, and runs it.
func ShellOutputf(ctx context.Context, sh Shell, format string, v ...any) ([]byte, error) {
	argv, err := shlex.Split(fmt.Sprintf(format, v...))
	if err != nil {
		return nil, err
	}
	if len(argv) < 1 {
		return nil, ErrNoCommandToExecute
	}
	return sh.Output(ctx, argv...)
}

// ShellRunf is like [ShellOutputf] but ignores the output.
func ShellRunf(ctx context.Context, sh Shell, format string, v ...any) error {
	_, err := ShellOutputf(ctx, sh, format, v...)
	return err
}

// shellNetnsOutputf is like [ShellOutputf] but runs the command
// inside the given network namespace.
func shellNetnsOutputf(ctx context.Context, sh Shell, netns, format string, v ...any) ([]byte, error) {
	return ShellOutputf(ctx, sh, "ip netns exec %s "+format, append([]any{netns}, v...)...)
}

// shellNetnsRunf is like [shellNetnsOutputf] but ignores the output.
func shellNetnsRunf(ctx context.Context, sh Shell, netns, format string, v ...any) error {
	_, err := shellNetnsOutputf(ctx, sh, netns, format, v...)
	return err
}

// quotedCommandLine returns a quoted command line.
func quotedCommandLine(argv ...string) string {
	v := []string{}
	for _, a := range argv {
		v = append(v, maybeQuoteArg(a))
	}
	return strings.Join(v, " ")
}

// maybeQuoteArg quotes a command line argument if needed.
func maybeQuoteArg(a string) string {
	if strings.Contains(a, "\"") {
		a = strings.ReplaceAll(a, "\"", "\\\"")
	}
	if strings.Contains(a, " ") {
		a = "\"" + a + "\""
	}
	return a
}
