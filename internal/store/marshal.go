package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/gpuchan/internal/engine"
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// marshalErrors converts assertion errors to a JSON array.
// A nil slice is stored as [] so reads never see null.
func marshalErrors(errs []string) (string, error) {
	if errs == nil {
		errs = []string{}
	}
	return marshalJSON(errs)
}

// marshalStats converts per-channel queue statistics to a JSON object.
// encoding/json sorts map keys, so equal stats always serialize equally.
func marshalStats(stats map[string]engine.QueueStats) (string, error) {
	if stats == nil {
		stats = map[string]engine.QueueStats{}
	}
	return marshalJSON(stats)
}

func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder appends a newline
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

func unmarshalErrors(s string) ([]string, error) {
	var errs []string
	if err := json.Unmarshal([]byte(s), &errs); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	if len(errs) == 0 {
		return nil, nil
	}
	return errs, nil
}

func unmarshalStats(s string) (map[string]engine.QueueStats, error) {
	var stats map[string]engine.QueueStats
	if err := json.Unmarshal([]byte(s), &stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}
	return stats, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at %q: %w", s, err)
	}
	return t, nil
}
