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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	ferrylog "github.com/tombee/ferry/internal/log"
	ferryerrors "github.com/tombee/ferry/pkg/errors"
)

// Request is one command received by the worker.
type Request struct {
	ID      string
	Command string
	Payload json.RawMessage

	enc *Encoder
}

// Decode unmarshals the command params into v.
func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return &ferryerrors.ConfigError{Key: r.Command, Reason: "malformed params", Cause: err}
	}
	return nil
}

// Emit sends an event frame tied to this command.
func (r *Request) Emit(event string, fields map[string]any) error {
	return r.enc.Encode(&Message{
		Type:   TypeEvent,
		ID:     r.ID,
		Event:  event,
		Fields: fields,
		Time:   time.Now().UTC(),
	})
}

// Metric sends a metric frame tied to this command.
func (r *Request) Metric(name string, value float64, labels map[string]string) error {
	return r.enc.Encode(&Message{
		Type:   TypeMetric,
		ID:     r.ID,
		Metric: name,
		Value:  value,
		Labels: labels,
		Time:   time.Now().UTC(),
	})
}

// Handler serves one command. The returned value becomes the rpc_done
// payload; an error becomes its structured error.
type Handler func(ctx context.Context, req *Request) (any, error)

// ServerOptions configures a Server.
type ServerOptions struct {
	HeartbeatInterval time.Duration
	MaxLineBytes      int
	Logger            *slog.Logger
}

// Server is the worker side of the protocol. Commands are served one at
// a time in arrival order.
type Server struct {
	enc      *Encoder
	dec      *Decoder
	opts     ServerOptions
	logger   *slog.Logger
	handlers map[string]Handler
}

// NewServer creates a server reading commands from r and writing frames to w.
func NewServer(r io.Reader, w io.Writer, opts ServerOptions) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = ferrylog.Discard()
	}
	return &Server{
		enc:      NewEncoder(w),
		dec:      NewDecoder(r, opts.MaxLineBytes),
		opts:     opts,
		logger:   ferrylog.WithComponent(logger, "worker"),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for command.
func (s *Server) Handle(command string, h Handler) {
	s.handlers[command] = h
}

type frame struct {
	msg *Message
	err error
}

// Serve runs until the host closes its end of the stream, ctx is done, or
// a frame cannot be read. A clean end of stream returns nil.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frame)
	go func() {
		for {
			msg, err := s.dec.Decode()
			select {
			case frames <- frame{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.heartbeat(gctx)
	})
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case f := <-frames:
				if f.err != nil {
					if errors.Is(f.err, io.EOF) {
						s.logger.Debug("host closed stream")
						return nil
					}
					return fmt.Errorf("reading command: %w", f.err)
				}
				if err := s.dispatch(gctx, f.msg); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}

func (s *Server) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.enc.Encode(&Message{Type: TypeHeartbeat, Time: time.Now().UTC()}); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, msg *Message) error {
	if msg.Type != TypeExec {
		s.logger.Warn("ignoring unexpected frame", slog.String("type", string(msg.Type)))
		return nil
	}

	logger := s.logger.With(slog.String(ferrylog.CommandKey, msg.Command), slog.String("id", msg.ID))
	if err := s.enc.Encode(&Message{Type: TypeAck, ID: msg.ID, Time: time.Now().UTC()}); err != nil {
		return fmt.Errorf("sending ack: %w", err)
	}

	start := time.Now()
	result, err := s.invoke(ctx, &Request{ID: msg.ID, Command: msg.Command, Payload: msg.Payload, enc: s.enc})
	if err != nil {
		logger.Warn("command failed", ferrylog.Error(err))
	} else {
		logger.Debug("command completed", ferrylog.Duration(ferrylog.DurationKey, time.Since(start).Milliseconds()))
	}

	done, merr := NewDone(msg.ID, result, err)
	if merr != nil {
		done, _ = NewDone(msg.ID, nil, merr)
	}
	if err := s.enc.Encode(done); err != nil {
		return fmt.Errorf("sending done: %w", err)
	}
	return nil
}

func (s *Server) invoke(ctx context.Context, req *Request) (result any, err error) {
	h, ok := s.handlers[req.Command]
	if !ok {
		return nil, &ferryerrors.ConfigError{Key: "command", Reason: fmt.Sprintf("unknown command %q", req.Command)}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				slog.String(ferrylog.CommandKey, req.Command),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = nil
			err = &ferryerrors.StepError{
				Kind:    ferryerrors.KindDriver,
				Message: fmt.Sprintf("%s panicked: %v", req.Command, r),
			}
		}
	}()
	return h(ctx, req)
}
