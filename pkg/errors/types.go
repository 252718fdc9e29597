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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents manifest or input validation failures.
// Use this for malformed manifests, bad step bindings, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "driver", "artifact", "step")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, bad driver config, or invalid settings.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "sandbox.image", "path")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Timeouts are transient: the orchestrator retries them under its policy.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "postgres query", "artifact download")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// TransientError marks an infrastructure failure that may succeed on retry,
// such as a rate limit or a dropped connection.
type TransientError struct {
	// Operation describes what failed
	Operation string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Operation, e.Cause)
	}
	return e.Operation
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// TransportError means the host/worker channel can no longer be trusted:
// the worker exited, a frame was corrupt, or heartbeats stopped.
// It is fatal for the whole run.
type TransportError struct {
	// Reason is a short machine-readable reason ("worker_exited", "corrupt_frame", "heartbeat_timeout", "closed")
	Reason string

	// Message describes the failure
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport error (%s)", e.Reason)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// DriverUnavailableError is returned when a driver was registered in a
// failed state because its preflight capability check did not pass.
type DriverUnavailableError struct {
	// Driver is the registry key
	Driver string

	// Reason is the machine-readable reason code (e.g., "missing_binary")
	Reason string

	// Detail describes what was missing
	Detail string
}

// Error implements the error interface.
func (e *DriverUnavailableError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("driver %s unavailable (%s): %s", e.Driver, e.Reason, e.Detail)
	}
	return fmt.Sprintf("driver %s unavailable (%s)", e.Driver, e.Reason)
}

// IsUserVisible implements UserVisibleError.
func (e *DriverUnavailableError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *DriverUnavailableError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *DriverUnavailableError) Suggestion() string {
	switch e.Reason {
	case "missing_package", "install_failed":
		return "Enable sandbox.allow_install or install the package in the sandbox image"
	case "missing_binary":
		return "Install the required binary or choose a sandbox image that provides it"
	case "missing_env":
		return "Export the required environment variable before running"
	default:
		return ""
	}
}
