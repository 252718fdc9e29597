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

package errors_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	ferryerrors "github.com/tombee/ferry/pkg/errors"
)

type retryableErr struct{}

func (retryableErr) Error() string     { return "rate limited" }
func (retryableErr) ErrorType() string { return "rate_limit" }
func (retryableErr) IsRetryable() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ferryerrors.Kind
	}{
		{"nil", nil, ""},
		{"plain error is driver", errors.New("division by zero"), ferryerrors.KindDriver},
		{"config", &ferryerrors.ConfigError{Reason: "bad"}, ferryerrors.KindConfig},
		{"validation", &ferryerrors.ValidationError{Message: "bad"}, ferryerrors.KindConfig},
		{"not found", &ferryerrors.NotFoundError{Resource: "driver", ID: "x"}, ferryerrors.KindConfig},
		{"driver unavailable", &ferryerrors.DriverUnavailableError{Driver: "x", Reason: "missing_binary"}, ferryerrors.KindConfig},
		{"timeout", &ferryerrors.TimeoutError{Operation: "query"}, ferryerrors.KindTransient},
		{"transient", &ferryerrors.TransientError{Operation: "download"}, ferryerrors.KindTransient},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), ferryerrors.KindTransient},
		{"cancelled is not transient", context.Canceled, ferryerrors.KindDriver},
		{"retryable classifier", retryableErr{}, ferryerrors.KindTransient},
		{"transport", &ferryerrors.TransportError{Reason: "closed"}, ferryerrors.KindTransport},
		{"wrapped step error", fmt.Errorf("exec: %w", &ferryerrors.StepError{Kind: ferryerrors.KindTransient}), ferryerrors.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ferryerrors.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindRetryable(t *testing.T) {
	for _, k := range []ferryerrors.Kind{ferryerrors.KindConfig, ferryerrors.KindDriver, ferryerrors.KindTransport} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
	if !ferryerrors.KindTransient.Retryable() {
		t.Error("transient should be retryable")
	}
}

func TestToStepError(t *testing.T) {
	if ferryerrors.ToStepError(nil) != nil {
		t.Error("ToStepError(nil) should be nil")
	}

	root := errors.New("connection refused")
	err := ferryerrors.Wrap(&ferryerrors.TransientError{Operation: "connect", Cause: root}, "extract orders")

	stepErr := ferryerrors.ToStepError(err)
	if stepErr.Kind != ferryerrors.KindTransient {
		t.Errorf("Kind = %q", stepErr.Kind)
	}
	if stepErr.Message != err.Error() {
		t.Errorf("Message = %q", stepErr.Message)
	}
	if len(stepErr.Causes) != 2 || stepErr.Causes[1] != "connection refused" {
		t.Errorf("Causes = %q", stepErr.Causes)
	}

	existing := &ferryerrors.StepError{Kind: ferryerrors.KindDriver, Message: "boom"}
	if got := ferryerrors.ToStepError(fmt.Errorf("wrap: %w", existing)); got != existing {
		t.Error("existing StepError should be returned unchanged")
	}
}
