package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// usageError marks a flag/argument mistake so run() can map it to exit
// code 2 (0 ok, 1 error, 2 usage).
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func isUsageError(err error) bool {
	var ue *usageError
	return errors.As(err, &ue)
}

func toEnvelopeError(err error) *envelopeError {
	if code, ok := labrerr.CodeOf(err); ok {
		var details map[string]any
		var le *labrerr.Error
		if errors.As(err, &le) {
			details = le.Details
		}
		return &envelopeError{Code: string(code), Message: err.Error(), Details: details}
	}
	if isUsageError(err) {
		return &envelopeError{Code: "usage_error", Message: err.Error()}
	}
	return &envelopeError{Code: string(labrerr.CommandFailed), Message: err.Error()}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// newFlagSet returns a ContinueOnError FlagSet; parseFlags wraps its
// parse errors as usageError so they map to exit code 2.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return &usageError{err: err}
	}
	return nil
}
