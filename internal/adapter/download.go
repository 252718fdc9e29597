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

package adapter

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"

	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/config"
)

// ArtifactName is the name download patterns match: <kind>/<step>/<key>.
func ArtifactName(ref artifact.Ref) string {
	return string(ref.Kind) + "/" + ref.StepID + "/" + ref.Key
}

// DownloadFilter decides which sandbox artifacts are pulled to the host.
type DownloadFilter struct {
	allow    []string
	deny     []string
	maxBytes int64
}

// NewDownloadFilter builds a filter from configuration. An empty allow
// list allows everything.
func NewDownloadFilter(cfg config.DownloadConfig) *DownloadFilter {
	return &DownloadFilter{allow: cfg.Allow, deny: cfg.Deny, maxBytes: cfg.MaxBytes}
}

// Allow reports whether the named artifact of the given size should be
// downloaded, and why not when it should not.
func (f *DownloadFilter) Allow(name string, size int64) (bool, string) {
	if len(f.allow) > 0 {
		if pattern := matchAny(f.allow, name); pattern == "" {
			return false, "not in allowed download patterns"
		}
	}
	if pattern := matchAny(f.deny, name); pattern != "" {
		return false, fmt.Sprintf("denied by pattern %q", pattern)
	}
	if f.maxBytes > 0 && size > f.maxBytes {
		return false, fmt.Sprintf("size %s exceeds download limit %s",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(f.maxBytes)))
	}
	return true, ""
}

// matchAny returns the first pattern matching name. Invalid patterns are
// rejected when the configuration is validated.
func matchAny(patterns []string, name string) string {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return pattern
		}
	}
	return ""
}

// lineLogger turns worker stderr into log records, one per line.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	buf    bytes.Buffer
}

func newLineLogger(logger *slog.Logger) *lineLogger {
	return &lineLogger{logger: logger}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// Keep the partial line for the next write.
			l.buf.Reset()
			l.buf.Write(line)
			return len(p), nil
		}
		l.emit(line)
	}
}

// Flush logs a trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.Bytes())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return
	}
	l.logger.Debug("worker output", slog.String("line", string(line)))
}
