package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf), DebugLevel)

	logger.With(Component("target")).Info("copied", Int("files", 2), Error(errors.New("slow")))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	for key, want := range map[string]any{
		"level":     "info",
		"message":   "copied",
		"component": "target",
		"files":     float64(2),
		"error":     "slow",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %v", key, entry[key], want)
		}
	}
}

func TestZerologLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf), WarnLevel)
	child := logger.With(String("k", "v"))

	child.Info("dropped")
	child.Warn("kept")
	if n := strings.Count(buf.String(), "\n"); n != 1 {
		t.Fatalf("lines = %d, want 1: %s", n, buf.String())
	}

	logger.SetLevel(TraceLevel)
	if !child.Enabled(TraceLevel) || child.GetLevel() != TraceLevel {
		t.Error("child did not follow the parent's level")
	}
	buf.Reset()
	child.Trace("chunk")
	if !strings.Contains(buf.String(), `"level":"trace"`) {
		t.Errorf("trace output = %s", buf.String())
	}
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsoleLogger(&buf, InfoLevel)
	logger.Info("replication done", ShardID(shardName("[logs][0]")))
	logger.Debug("not shown")

	out := buf.String()
	if !strings.Contains(out, "replication done") || !strings.Contains(out, "[logs][0]") {
		t.Errorf("console output = %q", out)
	}
	if strings.Contains(out, "not shown") {
		t.Errorf("debug line written at info level: %q", out)
	}
}
