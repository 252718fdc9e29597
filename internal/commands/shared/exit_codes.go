// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/ferry/pkg/errors"
)

// Exit codes for ferry commands
const (
	ExitSuccess = 0
	// ExitFailed reports a permanent pipeline failure or a cancelled run.
	ExitFailed = 1
	// ExitInvalid reports a bad manifest or configuration; nothing ran.
	ExitInvalid = 2
	// ExitTempFail reports an infrastructure failure worth retrying the
	// whole run for (EX_TEMPFAIL from sysexits.h).
	ExitTempFail = 75
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for a failed run.
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitFailed, Message: msg, Cause: cause}
}

// NewInvalidError creates an error for a manifest or config problem.
func NewInvalidError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalid, Message: msg, Cause: cause}
}

// Silent returns an exit error that prints nothing. Commands use it after
// they already reported the problem, for example as JSON.
func Silent(code int) *ExitError {
	return &ExitError{Code: code}
}

// ExitCodeForKind maps a step error kind to the process exit code.
func ExitCodeForKind(kind pkgerrors.Kind) int {
	switch kind {
	case pkgerrors.KindTransient, pkgerrors.KindTransport:
		return ExitTempFail
	default:
		return ExitFailed
	}
}

// ExitCode returns the exit code err should produce.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch pkgerrors.Classify(err) {
	case pkgerrors.KindConfig:
		return ExitInvalid
	case pkgerrors.KindTransient, pkgerrors.KindTransport:
		return ExitTempFail
	}
	return ExitFailed
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

// PrintError writes err and any user-facing suggestion to w.
func PrintError(w io.Writer, err error) {
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(w, "Error:", msg)
	}
	printUserVisibleSuggestion(w, err)
}

// printUserVisibleSuggestion walks the error chain for a suggestion.
func printUserVisibleSuggestion(w io.Writer, err error) {
	suggestion := ""
	var (
		userErr pkgerrors.UserVisibleError
		verr    *pkgerrors.ValidationError
	)
	switch {
	case errors.As(err, &userErr) && userErr.IsUserVisible():
		suggestion = userErr.Suggestion()
	case errors.As(err, &verr):
		suggestion = verr.Suggestion
	}
	if suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
	}
}
