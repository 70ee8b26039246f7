package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (sync refused, scenarios failed)
	ExitCommandError = 2 // Command error (bad config, missing identity, unreadable files)
)

// ExitError carries the exit code a command should end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failure. Kind and CloseCode mirror the sync error
// taxonomy so scripts can branch on them.
type CLIError struct {
	Kind      string `json:"kind"`
	CloseCode int    `json:"closeCode,omitempty"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
}

// Success prints text, or data inside an ok envelope in JSON mode.
func (f *OutputFormatter) Success(text string, data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error prints err. A close code is reported for sync errors and for
// connections the server closed.
func (f *OutputFormatter) Error(err error) error {
	cliErr := describe(err)
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: &cliErr})
	}
	if cliErr.CloseCode != 0 {
		fmt.Fprintf(f.Writer, "Error [%s %d]: %s\n", cliErr.Kind, cliErr.CloseCode, cliErr.Message)
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", cliErr.Kind, cliErr.Message)
	}
	if f.Verbose && cliErr.Details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", cliErr.Details)
	}
	return nil
}

func describe(err error) CLIError {
	out := CLIError{Kind: string(syncerr.KindOf(err)), Message: err.Error()}
	var ce *wire.CloseError
	var se *syncerr.Error
	switch {
	case errors.As(err, &ce):
		out.Kind = "CONNECTION_CLOSED"
		out.CloseCode = int(ce.Code)
		if ce.Reason != "" {
			out.Details = ce.Reason
		}
	case errors.As(err, &se):
		out.CloseCode = int(se.Close)
	}
	return out
}

// VerboseLog prints a diagnostic line when verbose is set.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the writer for diagnostic output.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
