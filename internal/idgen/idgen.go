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

// Package idgen derives deterministic identifiers from logical parameters.
// It is the only place artifact and cache names come from.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// ID returns "<kind>-<16 hex digits>" for params. Map iteration order does
// not affect the result; slice order does.
func ID(kind string, params any) (string, error) {
	h, err := hashstructure.Hash(params, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing %s params: %w", kind, err)
	}
	return fmt.Sprintf("%s-%016x", kind, h), nil
}

// MustID is ID for params known to be hashable.
func MustID(kind string, params any) string {
	id, err := ID(kind, params)
	if err != nil {
		panic(err)
	}
	return id
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
