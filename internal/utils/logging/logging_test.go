package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelGatesDebug(t *testing.T) {
	defer func() { Log = NewLogger(&LogOptions{Level: "info"}) }()

	Log = NewLogger(&LogOptions{Level: "warn"})
	if IsDebugEnabled() {
		t.Fatal("debug enabled at warn level")
	}

	Log = NewLogger(&LogOptions{Level: "debug"})
	if !IsDebugEnabled() {
		t.Fatal("debug disabled at debug level")
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	defer func() { Log = NewLogger(&LogOptions{Level: "info"}) }()

	Log = NewLogger(&LogOptions{Level: "chatty"})
	if IsDebugEnabled() {
		t.Fatal("invalid level should fall back to info")
	}
}

func TestFileSinkWritesJSON(t *testing.T) {
	defer func() { Log = NewLogger(&LogOptions{Level: "info"}) }()

	path := filepath.Join(t.TempDir(), "swarm.log")
	Log = NewLogger(&LogOptions{Level: "info", Format: "json", File: path})
	Info("member joined", "nodeID", 7)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(raw)
	if !strings.Contains(line, `"message":"member joined"`) || !strings.Contains(line, `"nodeID":7`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}
