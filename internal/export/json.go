package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const filePrefix = "biofeedback_session_"

// JSONExporter writes each log to its own file in dir.
type JSONExporter struct {
	dir string
}

// NewJSONExporter returns an exporter writing into dir. The directory is
// created on the first export.
func NewJSONExporter(dir string) *JSONExporter {
	return &JSONExporter{dir: dir}
}

// Dir returns the output directory.
func (e *JSONExporter) Dir() string {
	return e.dir
}

// Path returns the file a log is written to.
func (e *JSONExporter) Path(l Log) string {
	id := l.Info.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	stamp := l.Info.StartTime.UTC().Format("20060102_150405")
	return filepath.Join(e.dir, fmt.Sprintf("%s%s_%s.json", filePrefix, stamp, sanitize(id)))
}

// Export writes the log with a temp-file-then-rename so readers never see
// a partial file.
func (e *JSONExporter) Export(ctx context.Context, l Log) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}

	if l.Data == nil {
		l.Data = []Record{}
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session log: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(e.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, e.Path(l)); err != nil {
		return fmt.Errorf("renaming session log: %w", err)
	}
	committed = true
	return nil
}

func (e *JSONExporter) Close() error { return nil }

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, s)
}
