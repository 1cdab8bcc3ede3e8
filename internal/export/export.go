// Package export writes session logs once a session ends. The format and
// location are chosen by the deployment: a JSON file per session, or rows
// in a SQLite database.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/NISC-lab-unime/biofeedback-server/internal/sim"
)

// Info is the session metadata written with every log.
type Info struct {
	SessionID        string    `json:"session_id"`
	StartTime        time.Time `json:"start_time"`
	DurationSeconds  float64   `json:"duration_seconds"`
	SamplesGenerated int       `json:"samples_generated"`
	FrequencyHz      float64   `json:"stream_frequency_hz"`
	Scenario         string    `json:"scenario"`
}

// Record is one logged sample.
type Record struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	HR        float64   `json:"hr"`
	EDA       float64   `json:"eda"`
	HRV       float64   `json:"hrv"`
	Stress    float64   `json:"stress"`
	Scenario  string    `json:"scenario"`
}

// Log is the ordered sample sequence of one session plus its metadata.
type Log struct {
	Info Info     `json:"session_info"`
	Data []Record `json:"data"`
}

// Exporter persists finished session logs.
type Exporter interface {
	Export(ctx context.Context, log Log) error
	Close() error
}

// RecordFrom converts a sample into its logged form, rounded the same way
// samples are rounded on the wire.
func RecordFrom(s sim.Sample) Record {
	return Record{
		Seq:       s.Seq,
		Timestamp: s.Timestamp.UTC(),
		HR:        Round(s.HR, 1),
		EDA:       Round(s.EDA, 3),
		HRV:       Round(s.HRV, 1),
		Stress:    Round(s.Stress, 1),
		Scenario:  s.Scenario,
	}
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// ReadJSON loads a log previously written by JSONExporter.
func ReadJSON(path string) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session log: %w", err)
	}
	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing session log: %w", err)
	}
	return &l, nil
}

// Discard drops every log. It is used when export is disabled.
type Discard struct{}

func (Discard) Export(context.Context, Log) error { return nil }
func (Discard) Close() error                      { return nil }
