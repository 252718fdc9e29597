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
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferryerrors "github.com/tombee/ferry/pkg/errors"
)

type pipes struct {
	hostR   *io.PipeReader
	hostW   *io.PipeWriter
	workerR *io.PipeReader
	workerW *io.PipeWriter
}

func newPipes(t *testing.T) *pipes {
	t.Helper()
	p := &pipes{}
	p.workerR, p.hostW = io.Pipe()
	p.hostR, p.workerW = io.Pipe()
	t.Cleanup(func() {
		p.hostW.Close()
		p.workerW.Close()
	})
	return p
}

func startServer(t *testing.T, p *pipes, opts ServerOptions, register func(*Server)) {
	t.Helper()
	srv := NewServer(p.workerR, p.workerW, opts)
	register(srv)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		p.hostW.Close()
		p.workerW.Close()
		<-done
	})
}

func transportReason(t *testing.T, err error) string {
	t.Helper()
	var te *ferryerrors.TransportError
	require.True(t, errors.As(err, &te), "expected transport error, got %v", err)
	assert.Equal(t, ferryerrors.KindTransport, ferryerrors.Classify(err))
	return te.Reason
}

func TestCallDeliversEventsInOrder(t *testing.T) {
	p := newPipes(t)
	startServer(t, p, ServerOptions{HeartbeatInterval: time.Hour}, func(s *Server) {
		s.Handle("count", func(ctx context.Context, req *Request) (any, error) {
			var params struct{ N int }
			if err := req.Decode(&params); err != nil {
				return nil, err
			}
			for i := 0; i < params.N; i++ {
				if err := req.Emit("tick", map[string]any{"i": i}); err != nil {
					return nil, err
				}
			}
			if err := req.Metric("rows", float64(params.N), map[string]string{"step": "a"}); err != nil {
				return nil, err
			}
			return map[string]int{"total": params.N}, nil
		})
	})
	client := NewClient(p.hostR, p.hostW, ClientOptions{})
	defer client.Close()

	var ticks []int
	var metrics []string
	raw, err := client.Call(context.Background(), "count", map[string]int{"N": 50}, func(m *Message) {
		switch m.Type {
		case TypeEvent:
			ticks = append(ticks, int(m.Fields["i"].(float64)))
		case TypeMetric:
			// Metrics come after every event.
			assert.Len(t, ticks, 50)
			metrics = append(metrics, m.Metric)
		}
	})
	require.NoError(t, err)

	var result map[string]int
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, 50, result["total"])

	require.Len(t, ticks, 50)
	for i, got := range ticks {
		assert.Equal(t, i, got)
	}
	assert.Equal(t, []string{"rows"}, metrics)
}

func TestHandlerErrorsAreStructured(t *testing.T) {
	p := newPipes(t)
	startServer(t, p, ServerOptions{HeartbeatInterval: time.Hour}, func(s *Server) {
		s.Handle("slow", func(ctx context.Context, req *Request) (any, error) {
			return nil, ferryerrors.Wrap(&ferryerrors.TimeoutError{Operation: "query", Duration: time.Second}, "extract")
		})
		s.Handle("boom", func(ctx context.Context, req *Request) (any, error) {
			panic("nil map")
		})
		s.Handle("ok", func(ctx context.Context, req *Request) (any, error) {
			return "fine", nil
		})
	})
	client := NewClient(p.hostR, p.hostW, ClientOptions{})
	defer client.Close()
	ctx := context.Background()

	_, err := client.Call(ctx, "slow", nil, nil)
	var stepErr *ferryerrors.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, ferryerrors.KindTransient, stepErr.Kind)
	assert.Equal(t, "extract: query operation timed out after 1s", stepErr.Message)
	assert.Equal(t, []string{"query operation timed out after 1s"}, stepErr.Causes)

	_, err = client.Call(ctx, "boom", nil, nil)
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, ferryerrors.KindDriver, stepErr.Kind)
	assert.Contains(t, stepErr.Message, "nil map")

	_, err = client.Call(ctx, "nope", nil, nil)
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, ferryerrors.KindConfig, stepErr.Kind)

	// The worker keeps serving after failures.
	raw, err := client.Call(ctx, "ok", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"fine"`, string(raw))
	assert.NoError(t, client.Err())
}

func TestWorkerExitFailsCalls(t *testing.T) {
	p := newPipes(t)
	release := make(chan struct{})
	startServer(t, p, ServerOptions{HeartbeatInterval: time.Hour}, func(s *Server) {
		s.Handle("hang", func(ctx context.Context, req *Request) (any, error) {
			<-release
			return nil, nil
		})
	})
	defer close(release)
	client := NewClient(p.hostR, p.hostW, ClientOptions{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.workerW.Close()
	}()

	_, err := client.Call(context.Background(), "hang", nil, nil)
	require.Error(t, err)
	assert.Equal(t, ReasonWorkerExited, transportReason(t, err))

	_, err = client.Call(context.Background(), "hang", nil, nil)
	assert.Equal(t, ReasonWorkerExited, transportReason(t, err))
	<-client.Done()
}

// fakeWorker answers every rpc_exec by running reply with the frame encoder.
func fakeWorker(t *testing.T, p *pipes, reply func(enc *Encoder, w io.Writer, msg *Message)) {
	t.Helper()
	go func() {
		dec := NewDecoder(p.workerR, 0)
		enc := NewEncoder(p.workerW)
		for {
			msg, err := dec.Decode()
			if err != nil {
				return
			}
			reply(enc, p.workerW, msg)
		}
	}()
}

func TestHeartbeatSilenceIsFatal(t *testing.T) {
	p := newPipes(t)
	fakeWorker(t, p, func(enc *Encoder, _ io.Writer, msg *Message) {
		_ = enc.Encode(&Message{Type: TypeAck, ID: msg.ID})
	})
	client := NewClient(p.hostR, p.hostW, ClientOptions{HeartbeatTimeout: 60 * time.Millisecond})
	defer client.Close()

	start := time.Now()
	_, err := client.Call(context.Background(), "exec_step", nil, nil)
	require.Error(t, err)
	assert.Equal(t, ReasonHeartbeatTimeout, transportReason(t, err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHeartbeatsKeepLongCallsAlive(t *testing.T) {
	p := newPipes(t)
	startServer(t, p, ServerOptions{HeartbeatInterval: 10 * time.Millisecond}, func(s *Server) {
		s.Handle("slow", func(ctx context.Context, req *Request) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return "done", nil
		})
	})
	client := NewClient(p.hostR, p.hostW, ClientOptions{HeartbeatTimeout: 80 * time.Millisecond})
	defer client.Close()

	_, err := client.Call(context.Background(), "slow", nil, nil)
	require.NoError(t, err)
}

func TestCorruptFrames(t *testing.T) {
	tests := []struct {
		name   string
		opts   ClientOptions
		write  func(enc *Encoder, w io.Writer, msg *Message)
		reason string
	}{
		{
			name: "not json",
			write: func(enc *Encoder, w io.Writer, msg *Message) {
				_, _ = io.WriteString(w, "garbage\n")
			},
			reason: ReasonCorruptFrame,
		},
		{
			name: "unknown type",
			write: func(enc *Encoder, w io.Writer, msg *Message) {
				_, _ = io.WriteString(w, `{"type":"shout","id":"x"}`+"\n")
			},
			reason: ReasonCorruptFrame,
		},
		{
			name: "oversized line",
			opts: ClientOptions{MaxLineBytes: 1024},
			write: func(enc *Encoder, w io.Writer, msg *Message) {
				_ = enc.Encode(&Message{Type: TypeAck, ID: msg.ID})
				_ = enc.Encode(&Message{Type: TypeEvent, ID: msg.ID, Event: strings.Repeat("x", 4096)})
			},
			reason: ReasonFrameTooLong,
		},
		{
			name: "done before ack",
			write: func(enc *Encoder, w io.Writer, msg *Message) {
				_ = enc.Encode(&Message{Type: TypeDone, ID: msg.ID})
			},
			reason: ReasonProtocol,
		},
		{
			name: "duplicate ack",
			write: func(enc *Encoder, w io.Writer, msg *Message) {
				_ = enc.Encode(&Message{Type: TypeAck, ID: msg.ID})
				_ = enc.Encode(&Message{Type: TypeAck, ID: msg.ID})
			},
			reason: ReasonProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipes(t)
			fakeWorker(t, p, tt.write)
			client := NewClient(p.hostR, p.hostW, tt.opts)
			defer client.Close()

			_, err := client.Call(context.Background(), "ping", nil, nil)
			require.Error(t, err)
			assert.Equal(t, tt.reason, transportReason(t, err))
		})
	}
}

func TestCallCancellation(t *testing.T) {
	p := newPipes(t)
	block := make(chan struct{})
	startServer(t, p, ServerOptions{HeartbeatInterval: time.Hour}, func(s *Server) {
		s.Handle("block", func(ctx context.Context, req *Request) (any, error) {
			<-block
			return "late", nil
		})
		s.Handle("ok", func(ctx context.Context, req *Request) (any, error) {
			return "ok", nil
		})
	})
	client := NewClient(p.hostR, p.hostW, ClientOptions{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "block", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, client.Err())

	// The abandoned call's frames are dropped and the client stays usable.
	close(block)
	raw, err := client.Call(context.Background(), "ok", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(raw))
}

func TestPing(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{name: "matching", version: ProtocolVersion},
		{name: "mismatch", version: "0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipes(t)
			startServer(t, p, ServerOptions{HeartbeatInterval: time.Hour}, func(s *Server) {
				s.Handle(CommandPing, func(ctx context.Context, req *Request) (any, error) {
					return PingResult{Version: tt.version, PID: 42}, nil
				})
			})
			client := NewClient(p.hostR, p.hostW, ClientOptions{})
			defer client.Close()

			res, err := client.Ping(context.Background())
			if tt.wantErr {
				assert.Equal(t, ReasonVersionMismatch, transportReason(t, err))
				assert.Error(t, client.Err())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 42, res.PID)
		})
	}
}

func TestCloseFailsLaterCalls(t *testing.T) {
	p := newPipes(t)
	startServer(t, p, ServerOptions{HeartbeatInterval: time.Hour}, func(s *Server) {})
	client := NewClient(p.hostR, p.hostW, ClientOptions{})
	require.NoError(t, client.Close())

	_, err := client.Call(context.Background(), "ping", nil, nil)
	assert.Equal(t, ReasonClosed, transportReason(t, err))
}

func TestDecoder(t *testing.T) {
	input := "\n" + `{"type":"heartbeat","ts":"2025-01-01T00:00:00Z"}` + "\n\n" +
		`{"type":"rpc_exec","id":"1","command":"ping","ts":"2025-01-01T00:00:00Z"}` + "\n" +
		`{"type":"rpc_exec","id":"2","ts":"2025-01-01T00:00:00Z"}` + "\n"
	dec := NewDecoder(strings.NewReader(input), 0)

	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, msg.Type)

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Command)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecoderEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""), 0)
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}
