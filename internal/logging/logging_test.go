package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, test := range tests {
		if got := ParseLevel(test.in); got != test.want {
			t.Errorf("ParseLevel(%q) = %v, expected %v", test.in, got, test.want)
		}
	}
}

func TestTraditionalHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "traditional")

	logger.Debug("hidden")
	logger.With("db", "data/db.wdb").WithGroup("scan").Warn("skipped file", "file", "broken.jpg")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Debug record should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] skipped file [db=data/db.wdb scan.file=broken.jpg]") {
		t.Errorf("Unexpected traditional output: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "json")
	LogArchive(logger, "saved", "db.wdb", 1234, 2048)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "database archive saved" {
		t.Errorf("Unexpected message: %v", record["msg"])
	}
	if record["entries"] != "1,234" || record["size"] != "2.0 KiB" {
		t.Errorf("Unexpected humanized fields: entries=%v size=%v", record["entries"], record["size"])
	}
}

func TestSetupWithFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	previous := slog.Default()
	defer slog.SetDefault(previous)

	logger, closer, err := Setup("info", "text", dir)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	LogGenerationComplete(logger, "data", 3, 1, 1500*time.Millisecond)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("Expected one log file, got %v, %v", files, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "database generation completed") {
		t.Errorf("Log file misses the record: %q", data)
	}
}
