package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/NISC-lab-unime/biofeedback-server/internal/export"
	"github.com/NISC-lab-unime/biofeedback-server/internal/procstat"
	"github.com/NISC-lab-unime/biofeedback-server/internal/sim"
)

// ErrProtocol marks a malformed or unknown command. It is reported to the
// sending session only and never closes the connection.
var ErrProtocol = errors.New("protocol error")

const (
	CmdOnce         = "once"
	CmdSubscribe    = "subscribe"
	CmdUnsubscribe  = "unsubscribe"
	CmdStatus       = "status"
	CmdSetFrequency = "set_frequency"
	CmdSetScenario  = "set_scenario"
)

// Commands lists every command the server understands.
var Commands = []string{CmdOnce, CmdSubscribe, CmdUnsubscribe, CmdStatus, CmdSetFrequency, CmdSetScenario}

// Command is one inbound client message.
type Command struct {
	Command  string          `json:"command"`
	Hz       json.RawMessage `json:"hz,omitempty"`
	Scenario string          `json:"scenario,omitempty"`
}

// ParseCommand decodes a client message and normalizes the command name.
func ParseCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: invalid JSON format", ErrProtocol)
	}
	c.Command = strings.ToLower(strings.TrimSpace(c.Command))
	if c.Command == "" {
		return Command{}, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	c.Scenario = strings.TrimSpace(c.Scenario)
	return c, nil
}

// Frequency returns the hz argument, which may be a JSON number or a
// numeric string.
func (c Command) Frequency() (float64, error) {
	raw := bytes.TrimSpace(c.Hz)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing hz", ErrProtocol)
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: invalid hz", ErrProtocol)
		}
	} else {
		s = string(raw)
	}
	hz, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || hz != hz {
		return 0, fmt.Errorf("%w: invalid frequency value %s, must be a number", ErrProtocol, raw)
	}
	return hz, nil
}

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

// ServerInfo is attached to streamed samples.
type ServerInfo struct {
	FrequencyHz      float64 `json:"frequency_hz"`
	ConnectedClients int     `json:"connected_clients"`
}

type SampleData struct {
	Timestamp  string      `json:"timestamp"`
	Seq        uint64      `json:"seq"`
	HR         float64     `json:"hr"`
	EDA        float64     `json:"eda"`
	HRV        float64     `json:"hrv"`
	Stress     float64     `json:"stress"`
	Scenario   string      `json:"scenario"`
	ServerInfo *ServerInfo `json:"server_info,omitempty"`
}

type StreamMessage struct {
	Type MessageType `json:"type"`
	Data SampleData  `json:"data"`
}

// NewStreamMessage serializes a sample. info is nil for one-shot replies.
func NewStreamMessage(s sim.Sample, info *ServerInfo) StreamMessage {
	r := export.RecordFrom(s)
	return StreamMessage{
		Type: MsgStream,
		Data: SampleData{
			Timestamp:  r.Timestamp.Format(time.RFC3339Nano),
			Seq:        r.Seq,
			HR:         r.HR,
			EDA:        r.EDA,
			HRV:        r.HRV,
			Stress:     r.Stress,
			Scenario:   r.Scenario,
			ServerInfo: info,
		},
	}
}

type SubscriptionMessage struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	FrequencyHz float64     `json:"stream_frequency_hz"`
	Message     string      `json:"message"`
}

type NoticeMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message,omitempty"`
}

type FrequencyChangedMessage struct {
	Type            MessageType `json:"type"`
	OldFrequencyHz  float64     `json:"old_frequency_hz"`
	NewFrequencyHz  float64     `json:"new_frequency_hz"`
	IntervalSeconds float64     `json:"stream_interval_seconds"`
	Message         string      `json:"message"`
}

type ScenarioChangedMessage struct {
	Type     MessageType `json:"type"`
	Scenario string      `json:"scenario"`
	Message  string      `json:"message"`
}

type ErrorMessage struct {
	Type              MessageType `json:"type"`
	Message           string      `json:"message"`
	ValidScenarios    []string    `json:"valid_scenarios,omitempty"`
	AvailableCommands []string    `json:"available_commands,omitempty"`
	CurrentFrequency  float64     `json:"current_frequency_hz,omitempty"`
}

type StatusMessage struct {
	Type   MessageType `json:"type"`
	Server StatusInfo  `json:"server"`
}

type StatusInfo struct {
	Running          bool                  `json:"running"`
	UptimeSeconds    float64               `json:"uptime_seconds"`
	ConnectedClients int                   `json:"connected_clients"`
	SessionID        string                `json:"session_id"`
	State            string                `json:"state"`
	FrequencyHz      float64               `json:"stream_frequency_hz"`
	SamplesGenerated uint64                `json:"samples_generated"`
	Scenario         string                `json:"scenario"`
	Baseline         sim.CalibrationStatus `json:"baseline"`
	Process          *procstat.Stats       `json:"process,omitempty"`
}
