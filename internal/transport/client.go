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
	"sync"
	"sync/atomic"
	"time"

	ferrylog "github.com/tombee/ferry/internal/log"
	ferryerrors "github.com/tombee/ferry/pkg/errors"
)

// Transport failure reasons.
const (
	ReasonWorkerExited     = "worker_exited"
	ReasonCorruptFrame     = "corrupt_frame"
	ReasonFrameTooLong     = "frame_too_long"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonProtocol         = "protocol_violation"
	ReasonVersionMismatch  = "version_mismatch"
	ReasonClosed           = "closed"
	ReasonWriteFailed      = "write_failed"
)

// MessageFunc observes event and metric frames for one call, in stream order.
type MessageFunc func(*Message)

// ClientOptions configures a Client.
type ClientOptions struct {
	// HeartbeatTimeout is the longest tolerated silence from the worker.
	// Zero disables the watchdog.
	HeartbeatTimeout time.Duration

	// MaxLineBytes bounds a single frame.
	MaxLineBytes int

	Logger *slog.Logger
}

type call struct {
	command   string
	onMessage MessageFunc
	acked     bool
	result    chan *Message
}

// Client is the host side of the protocol. Calls may be issued from
// several goroutines, though the orchestrator only ever has one in flight.
type Client struct {
	enc    *Encoder
	dec    *Decoder
	w      io.Writer
	opts   ClientOptions
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*call

	lastSeen atomic.Int64

	done     chan struct{}
	failOnce sync.Once
	err      error
}

// NewClient starts reading frames from r and writing commands to w.
// If w is an io.Closer it is closed by Close.
func NewClient(r io.Reader, w io.Writer, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = ferrylog.Discard()
	}
	c := &Client{
		enc:     NewEncoder(w),
		dec:     NewDecoder(r, opts.MaxLineBytes),
		w:       w,
		opts:    opts,
		logger:  ferrylog.WithComponent(logger, "transport"),
		pending: make(map[string]*call),
		done:    make(chan struct{}),
	}
	c.touch()

	go c.readLoop()
	if opts.HeartbeatTimeout > 0 {
		go c.watchdog()
	}
	return c
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Done is closed once the client has failed or been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the fatal error, or nil while the client is healthy.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close stops the client. In-flight and later calls fail with a
// transport error.
func (c *Client) Close() error {
	c.fail(&ferryerrors.TransportError{Reason: ReasonClosed, Message: "client closed"})
	if closer, ok := c.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[string]*call)
		c.mu.Unlock()
		close(c.done)

		var te *ferryerrors.TransportError
		if errors.As(err, &te) && te.Reason == ReasonClosed {
			c.logger.Debug("transport closed")
			return
		}
		c.logger.Error("transport failed", ferrylog.Error(err))
	})
}

// Call sends command and blocks until its rpc_done arrives, the transport
// fails, or ctx is done. Event and metric frames for the call are passed
// to onMessage in stream order. A failed command returns its *StepError.
func (c *Client) Call(ctx context.Context, command string, params any, onMessage MessageFunc) (json.RawMessage, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}

	msg, err := NewExec(command, params)
	if err != nil {
		return nil, err
	}
	pc := &call{command: command, onMessage: onMessage, result: make(chan *Message, 1)}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.pending[msg.ID] = pc
	c.mu.Unlock()

	ferrylog.Trace(c.logger, "sending command",
		slog.String(ferrylog.CommandKey, command),
		slog.String("id", msg.ID))

	if err := c.enc.Encode(msg); err != nil {
		c.fail(&ferryerrors.TransportError{Reason: ReasonWriteFailed, Message: "sending " + command, Cause: err})
		return nil, c.Err()
	}

	select {
	case done := <-pc.result:
		return doneResult(done)
	case <-c.done:
		select {
		case done := <-pc.result:
			return doneResult(done)
		default:
		}
		return nil, c.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func doneResult(msg *Message) (json.RawMessage, error) {
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg.Payload, nil
}

// Ping checks liveness and the protocol version.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	raw, err := c.Call(ctx, CommandPing, PingParams{Version: ProtocolVersion}, nil)
	if err != nil {
		return nil, err
	}
	var res PingResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding ping result: %w", err)
	}
	if res.Version != ProtocolVersion {
		err := &ferryerrors.TransportError{
			Reason:  ReasonVersionMismatch,
			Message: fmt.Sprintf("worker speaks protocol %q, host speaks %q", res.Version, ProtocolVersion),
		}
		c.fail(err)
		return nil, err
	}
	return &res, nil
}

func (c *Client) readLoop() {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			c.fail(decodeFailure(err))
			return
		}
		c.touch()

		if msg.Type == TypeHeartbeat {
			continue
		}
		if err := c.dispatch(msg); err != nil {
			c.fail(err)
			return
		}
	}
}

func decodeFailure(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return &ferryerrors.TransportError{Reason: ReasonWorkerExited, Message: "worker closed its output"}
	case errors.Is(err, ErrLineTooLong):
		return &ferryerrors.TransportError{Reason: ReasonFrameTooLong, Cause: err}
	case errors.Is(err, ErrInvalidMessage):
		return &ferryerrors.TransportError{Reason: ReasonCorruptFrame, Cause: err}
	default:
		return &ferryerrors.TransportError{Reason: ReasonWorkerExited, Message: "reading worker output", Cause: err}
	}
}

func (c *Client) dispatch(msg *Message) error {
	if msg.Type == TypeExec {
		return protocolError("worker sent rpc_exec %s", msg.ID)
	}

	c.mu.Lock()
	pc, ok := c.pending[msg.ID]
	if !ok {
		c.mu.Unlock()
		// Late frames for a call abandoned on cancellation.
		c.logger.Debug("dropping frame for unknown call",
			slog.String("type", string(msg.Type)),
			slog.String("id", msg.ID))
		return nil
	}

	switch msg.Type {
	case TypeAck:
		if pc.acked {
			c.mu.Unlock()
			return protocolError("duplicate rpc_ack for %s %s", pc.command, msg.ID)
		}
		pc.acked = true
		c.mu.Unlock()
		return nil
	case TypeDone:
		if !pc.acked {
			c.mu.Unlock()
			return protocolError("rpc_done before rpc_ack for %s %s", pc.command, msg.ID)
		}
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		pc.result <- msg
		return nil
	default:
		acked := pc.acked
		c.mu.Unlock()
		if !acked {
			return protocolError("%s before rpc_ack for %s %s", msg.Type, pc.command, msg.ID)
		}
		if pc.onMessage != nil {
			pc.onMessage(msg)
		}
		return nil
	}
}

func protocolError(format string, args ...any) error {
	return &ferryerrors.TransportError{Reason: ReasonProtocol, Message: fmt.Sprintf(format, args...)}
}

func (c *Client) watchdog() {
	timeout := c.opts.HeartbeatTimeout
	interval := timeout / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			silence := time.Since(time.Unix(0, c.lastSeen.Load()))
			if silence > timeout {
				c.fail(&ferryerrors.TransportError{
					Reason:  ReasonHeartbeatTimeout,
					Message: fmt.Sprintf("no frame from worker for %s", silence.Round(time.Millisecond)),
				})
				return
			}
		}
	}
}
