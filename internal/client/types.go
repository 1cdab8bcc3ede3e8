// Package client is the viewer side of the streaming protocol: a
// connection manager that keeps a subscription alive across failures.
// Types mirror the server wire protocol without importing server packages.
package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of server message.
type MessageType string

const (
	MsgStream                  MessageType = "stream"
	MsgSubscriptionConfirmed   MessageType = "subscription_confirmed"
	MsgUnsubscriptionConfirmed MessageType = "unsubscription_confirmed"
	MsgStatus                  MessageType = "status"
	MsgFrequencyChanged        MessageType = "frequency_changed"
	MsgScenarioChanged         MessageType = "scenario_changed"
	MsgError                   MessageType = "error"
	MsgServerShutdown          MessageType = "server_shutdown"
)

// Message is any server message. Raw holds the full original record so
// consumers can decode type-specific fields.
type Message struct {
	Type    MessageType     `json:"type"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// ServerInfo mirrors the server_info block of streamed samples.
type ServerInfo struct {
	FrequencyHz      float64 `json:"frequency_hz"`
	ConnectedClients int     `json:"connected_clients"`
}

// Sample is one parsed measurement.
type Sample struct {
	Timestamp  time.Time   `json:"timestamp"`
	Seq        uint64      `json:"seq"`
	HR         float64     `json:"hr"`
	EDA        float64     `json:"eda"`
	HRV        float64     `json:"hrv"`
	Stress     float64     `json:"stress"`
	Scenario   string      `json:"scenario"`
	ServerInfo *ServerInfo `json:"server_info,omitempty"`
}

// FrequencyChanged is the reply to set_frequency.
type FrequencyChanged struct {
	OldFrequencyHz  float64 `json:"old_frequency_hz"`
	NewFrequencyHz  float64 `json:"new_frequency_hz"`
	IntervalSeconds float64 `json:"stream_interval_seconds"`
}

// ScenarioChanged is the reply to set_scenario.
type ScenarioChanged struct {
	Scenario string `json:"scenario"`
}

// SubscriptionConfirmed is the reply to subscribe.
type SubscriptionConfirmed struct {
	SessionID   string  `json:"session_id"`
	FrequencyHz float64 `json:"stream_frequency_hz"`
}

// StatusReply is the reply to status.
type StatusReply struct {
	Server struct {
		Running          bool    `json:"running"`
		UptimeSeconds    float64 `json:"uptime_seconds"`
		ConnectedClients int     `json:"connected_clients"`
		SessionID        string  `json:"session_id"`
		State            string  `json:"state"`
		FrequencyHz      float64 `json:"stream_frequency_hz"`
		SamplesGenerated uint64  `json:"samples_generated"`
		Scenario         string  `json:"scenario"`
	} `json:"server"`
}

// ErrorReply is an error reported by the server.
type ErrorReply struct {
	Message        string   `json:"message"`
	ValidScenarios []string `json:"valid_scenarios,omitempty"`
}

func parseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding server message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("server message without type")
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return m, nil
}

// Sample decodes the data of a stream message.
func (m Message) Sample() (Sample, error) {
	if m.Type != MsgStream {
		return Sample{}, fmt.Errorf("message type %q is not a sample", m.Type)
	}
	var s Sample
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return Sample{}, fmt.Errorf("decoding sample: %w", err)
	}
	return s, nil
}

// Decode unmarshals the full message into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Command is one client request.
type Command struct {
	Command  string   `json:"command"`
	Hz       *float64 `json:"hz,omitempty"`
	Scenario string   `json:"scenario,omitempty"`
}

func Once() Command        { return Command{Command: "once"} }
func Subscribe() Command   { return Command{Command: "subscribe"} }
func Unsubscribe() Command { return Command{Command: "unsubscribe"} }
func Status() Command      { return Command{Command: "status"} }

func SetFrequency(hz float64) Command {
	return Command{Command: "set_frequency", Hz: &hz}
}

func SetScenario(name string) Command {
	return Command{Command: "set_scenario", Scenario: name}
}
