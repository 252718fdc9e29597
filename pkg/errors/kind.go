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
	"context"
	"errors"
	"fmt"
)

// Kind is the error taxonomy shared by both execution adapters.
// It decides retry and propagation behavior.
type Kind string

const (
	// KindConfig is a bad manifest, driver config or missing driver. Never retried.
	KindConfig Kind = "config"

	// KindDriver is a business-logic failure inside a step. Never retried.
	KindDriver Kind = "driver"

	// KindTransport means the host/worker channel failed. Fatal for the run.
	KindTransport Kind = "transport"

	// KindTransient is a timeout or rate limit. Retried with backoff.
	KindTransient Kind = "transient"
)

// Retryable reports whether errors of this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// StepError is the structured form of a step failure. It is what crosses
// the transport boundary, so the local and sandboxed adapters report
// exactly the same shape.
type StepError struct {
	Kind    Kind     `json:"kind"`
	Message string   `json:"message"`
	Causes  []string `json:"causes,omitempty"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *StepError) ErrorType() string {
	return string(e.Kind)
}

// IsRetryable implements ErrorClassifier.
func (e *StepError) IsRetryable() bool {
	return e.Kind.Retryable()
}

// Classify maps an error onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return KindTransport
	}

	var (
		configErr     *ConfigError
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		unavailable   *DriverUnavailableError
	)
	if errors.As(err, &configErr) || errors.As(err, &validationErr) ||
		errors.As(err, &notFoundErr) || errors.As(err, &unavailable) {
		return KindConfig
	}

	var (
		timeoutErr   *TimeoutError
		transientErr *TransientError
	)
	if errors.As(err, &timeoutErr) || errors.As(err, &transientErr) {
		return KindTransient
	}

	// A step-level deadline is a timeout; a cancelled run is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var classifier ErrorClassifier
	if errors.As(err, &classifier) && classifier.IsRetryable() {
		return KindTransient
	}

	return KindDriver
}

// ToStepError converts any error into a StepError, preserving an existing
// StepError unchanged.
func ToStepError(err error) *StepError {
	if err == nil {
		return nil
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}
	return &StepError{
		Kind:    Classify(err),
		Message: err.Error(),
		Causes:  CauseChain(err),
	}
}
