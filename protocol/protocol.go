// Package protocol defines the messages exchanged between the coordinator and worker nodes.
// Every message is a JSON envelope {"event": ..., "data": ...} carried over a WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
)

// Event is the closed set of message kinds on the node link.
type Event string

const (
	Register           Event = "node:register"
	ServerConfig       Event = "server:config"
	ConfigReady        Event = "config:ready"
	DeviceInfo         Event = "device:info"
	DeviceInfoRequest  Event = "device:info:request"
	DeviceInfoResponse Event = "device:info:response"
	Heartbeat          Event = "heartbeat"
	NodeDisconnect     Event = "node:disconnect"
)

var known = map[Event]bool{
	Register:           true,
	ServerConfig:       true,
	ConfigReady:        true,
	DeviceInfo:         true,
	DeviceInfoRequest:  true,
	DeviceInfoResponse: true,
	Heartbeat:          true,
	NodeDisconnect:     true,
}

func (e Event) Valid() bool {
	return known[e]
}

type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope. A nil payload is sent as an empty object.
func Encode(ev Event, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev, err)
	}
	return json.Marshal(Envelope{Event: ev, Data: data})
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Event.Valid() {
		return Envelope{}, fmt.Errorf("unknown event %q", env.Event)
	}
	return env, nil
}

// Payload unmarshals the envelope data into v.
func (e Envelope) Payload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

type RegisterRequest struct {
	IP string `json:"ip"`
}

// ConfigPush is sent once a node is admitted. Intervals are milliseconds.
type ConfigPush struct {
	Name               string     `json:"name"`
	Type               node.Group `json:"type"`
	OS                 string     `json:"os"`
	Distance           float64    `json:"distance"`
	CollectionInterval int64      `json:"collectionInterval"`
	HeartbeatInterval  int64      `json:"heartbeatInterval"`
}

type StartCollecting struct {
	CollectionInterval int64 `json:"collectionInterval"`
}

type Disconnected struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
}
