package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	apperrors "github.com/matchops/localsync/internal/errors"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1 // operation failed
	exitUsage   = 2 // bad flags or arguments
	exitConfig  = 3 // configuration could not be loaded
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	Code    int
	Message string
	Err     error
}

func (e *exitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *exitError) Unwrap() error {
	return e.Err
}

func newExitError(code int, message string) *exitError {
	return &exitError{Code: code, Message: message}
}

func wrapExitError(code int, message string, err error) *exitError {
	return &exitError{Code: code, Message: message, Err: err}
}

// exitCode extracts the exit code from err; nil is success.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitFailure
}

// printer writes command results in the selected format. Text output is
// produced by the per-command render function.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string, w io.Writer) *printer {
	return &printer{format: format, w: w}
}

func (p *printer) print(data interface{}, text func(io.Writer) error) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(toPlain(data)); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(p.w)
	}
}

// toPlain round-trips data through JSON so YAML output uses the same field
// names as the JSON and REST representations.
func toPlain(data interface{}) interface{} {
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var plain interface{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return data
	}
	return plain
}

// errorBody is the structured form of a failed command.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// printError reports err in the selected format.
func (p *printer) printError(err error) {
	body := errorBody{Error: err.Error()}
	if code := apperrors.CodeOf(err); code != apperrors.ErrInternal {
		body.Code = string(code)
	}
	_ = p.print(body, func(w io.Writer) error {
		_, werr := fmt.Fprintf(w, "error: %s\n", body.Error)
		return werr
	})
}
