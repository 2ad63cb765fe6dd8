package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn")
	log.Info("dropped")
	log.Warn("kept", "trip_id", "t1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "kept" || rec["trip_id"] != "t1" || rec["source"] == nil {
		t.Fatalf("unexpected record %v", rec)
	}
}
