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
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tombee/ferry/internal/config"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/registry"
)

// LoadConfig loads the configuration named by --config. A broken
// configuration is an invalid-input exit.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewInvalidError("", err)
	}
	return cfg, nil
}

// NewLogger builds the command logger from cfg. --verbose lowers the
// level to debug and --quiet raises it to error.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lc := &ferrylog.Config{
		Level:     cfg.Log.Level,
		Format:    ferrylog.Format(cfg.Log.Format),
		Output:    w,
		AddSource: cfg.Log.AddSource,
	}
	switch {
	case GetVerbose():
		lc.Level = "debug"
	case GetQuiet():
		lc.Level = "error"
	}
	return ferrylog.New(lc)
}

// LoadDriverSpecs reads every extra driver spec file listed in cfg.
func LoadDriverSpecs(cfg *config.Config) ([]registry.Spec, error) {
	var specs []registry.Spec
	for _, path := range cfg.Drivers.Specs {
		loaded, err := registry.LoadSpecFile(path)
		if err != nil {
			return nil, NewInvalidError(fmt.Sprintf("loading driver specs %s", path), err)
		}
		specs = append(specs, loaded...)
	}
	return specs, nil
}
