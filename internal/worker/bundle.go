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

package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tombee/ferry/pkg/errors"
)

// Bundle file names relative to the sandbox root.
const (
	ManifestFile = "manifest.json"
	DriversFile  = "drivers.yaml"
	ConfigDir    = "configs"
)

// BundleDigest hashes the uploaded files in sorted path order. Path and
// content are both covered, so a renamed file changes the digest.
func BundleDigest(files map[string][]byte) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00%d\x00", p, len(files[p]))
		h.Write(files[p])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReadBundle reads paths relative to root.
func ReadBundle(root string, paths []string) (map[string][]byte, error) {
	files := make(map[string][]byte, len(paths))
	for _, p := range paths {
		full, err := LocalPath(root, p)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, &errors.ConfigError{Key: "bundle", Reason: "reading " + p, Cause: err}
		}
		files[p] = data
	}
	return files, nil
}

// LocalPath joins a slash-separated relative path onto root, refusing
// paths that would leave it.
func LocalPath(root, rel string) (string, error) {
	native := filepath.FromSlash(rel)
	if !filepath.IsLocal(native) {
		return "", &errors.ConfigError{Key: "path", Reason: fmt.Sprintf("%q escapes the sandbox root", rel)}
	}
	return filepath.Join(root, native), nil
}

// ConfigPath is where the config of stepID is uploaded.
func ConfigPath(stepID string) string {
	return ConfigDir + "/" + stepID + ".json"
}

// EncodeConfig serializes a step config for upload.
func EncodeConfig(cfg map[string]any) ([]byte, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "step config is not serializable", Cause: err}
	}
	return data, nil
}

// DecodeConfig parses an uploaded step config.
func DecodeConfig(data []byte) (map[string]any, error) {
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "malformed step config", Cause: err}
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

// NormalizeConfig gives cfg the shape it has after crossing the
// transport, so drivers see identical values in every mode.
func NormalizeConfig(cfg map[string]any) (map[string]any, error) {
	data, err := EncodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	return DecodeConfig(data)
}
