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

import pkgerrors "github.com/tombee/ferry/pkg/errors"

// Error codes for machine-readable error responses
const (
	// Validation errors (E001-E099)
	ErrorCodeInvalidManifest  = "E001" // Manifest could not be parsed
	ErrorCodeSchemaViolation  = "E003" // Manifest structure is invalid
	ErrorCodeInvalidReference = "E004" // Unknown step or cycle
	ErrorCodeUnknownDriver    = "E005" // Driver not registered

	// Execution errors (E100-E199)
	ErrorCodeStepFailed      = "E103" // Step failed permanently
	ErrorCodeTransient       = "E105" // Transient failure after retries
	ErrorCodeTransportFailed = "E106" // Worker channel lost

	// Configuration errors (E200-E299)
	ErrorCodeInvalidConfig = "E202" // Invalid configuration

	// Resource errors (E400-E499)
	ErrorCodeFileNotFound = "E303" // File not found
	ErrorCodeInternal     = "E402" // Internal error
)

// ErrorCodeForKind maps a step error kind to its error code.
func ErrorCodeForKind(kind pkgerrors.Kind) string {
	switch kind {
	case pkgerrors.KindConfig:
		return ErrorCodeInvalidConfig
	case pkgerrors.KindTransient:
		return ErrorCodeTransient
	case pkgerrors.KindTransport:
		return ErrorCodeTransportFailed
	default:
		return ErrorCodeStepFailed
	}
}
