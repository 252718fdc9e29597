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

// Package transport implements the line-delimited JSON protocol between
// the host and a worker running inside a sandbox.
//
// Every line is one Message. The host sends rpc_exec; the worker answers
// with exactly one rpc_ack, any number of event and metric messages, and
// exactly one rpc_done, all carrying the command id. Heartbeats flow from
// the worker independently of commands.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	ferryerrors "github.com/tombee/ferry/pkg/errors"
)

// ProtocolVersion is exchanged on ping. Host and worker must match.
const ProtocolVersion = "1"

// Defaults for the liveness and framing limits.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
	DefaultMaxLineBytes      = 8 << 20
)

var (
	// ErrInvalidMessage is returned when a frame fails validation.
	ErrInvalidMessage = errors.New("transport: invalid message")

	// ErrLineTooLong is returned when a frame exceeds the size limit.
	ErrLineTooLong = errors.New("transport: line exceeds size limit")
)

// MessageType identifies the kind of frame.
type MessageType string

const (
	TypeExec      MessageType = "rpc_exec"
	TypeAck       MessageType = "rpc_ack"
	TypeDone      MessageType = "rpc_done"
	TypeEvent     MessageType = "event"
	TypeMetric    MessageType = "metric"
	TypeHeartbeat MessageType = "heartbeat"
)

// Commands understood by the worker.
const (
	CommandPing     = "ping"
	CommandPrepare  = "prepare"
	CommandExecStep = "exec_step"
	CommandCleanup  = "cleanup"
)

// Message is one protocol frame.
type Message struct {
	Type MessageType `json:"type"`

	// ID is the command id the frame belongs to. Heartbeats have none.
	ID string `json:"id,omitempty"`

	// Command is set on rpc_exec.
	Command string `json:"command,omitempty"`

	// Payload holds command params on rpc_exec and the result on rpc_done.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error is set on a failed rpc_done.
	Error *ferryerrors.StepError `json:"error,omitempty"`

	// Event and Fields are set on event frames.
	Event  string         `json:"event,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`

	// Metric, Value and Labels are set on metric frames.
	Metric string            `json:"metric,omitempty"`
	Value  float64           `json:"value,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`

	// Time is when the frame was produced.
	Time time.Time `json:"ts"`
}

// NewExec creates an rpc_exec frame with a fresh command id.
func NewExec(command string, params any) (*Message, error) {
	payload, err := marshalPayload(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    TypeExec,
		ID:      uuid.NewString(),
		Command: command,
		Payload: payload,
		Time:    time.Now().UTC(),
	}, nil
}

// NewDone creates the terminal frame for a command.
func NewDone(id string, result any, err error) (*Message, error) {
	msg := &Message{Type: TypeDone, ID: id, Time: time.Now().UTC()}
	if err != nil {
		msg.Error = ferryerrors.ToStepError(err)
		return msg, nil
	}
	payload, merr := marshalPayload(result)
	if merr != nil {
		return nil, merr
	}
	msg.Payload = payload
	return msg, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Validate checks that the frame is well-formed for its type.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeExec:
		if m.ID == "" || m.Command == "" {
			return fmt.Errorf("%w: rpc_exec needs id and command", ErrInvalidMessage)
		}
	case TypeAck, TypeDone:
		if m.ID == "" {
			return fmt.Errorf("%w: %s needs id", ErrInvalidMessage, m.Type)
		}
	case TypeEvent:
		if m.ID == "" || m.Event == "" {
			return fmt.Errorf("%w: event needs id and event", ErrInvalidMessage)
		}
	case TypeMetric:
		if m.ID == "" || m.Metric == "" {
			return fmt.Errorf("%w: metric needs id and metric", ErrInvalidMessage)
		}
	case TypeHeartbeat:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}
