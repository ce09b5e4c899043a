package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestForComponentBeforeInit(t *testing.T) {
	// Component loggers created before Init must not panic and must pick up
	// the real handler once Init runs.
	log := ForComponent(CompRegistry)
	log.Info("pre_init_event") // discarded, must not panic

	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug"})
	defer Shutdown()

	log.Info("post_init_event")

	data, err := os.ReadFile(filepath.Join(dir, "chatmux.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != CompRegistry {
		t.Errorf("component = %v, want %q", entry["component"], CompRegistry)
	}
	if entry["msg"] != "post_init_event" {
		t.Errorf("msg = %v, want post_init_event", entry["msg"])
	}
}

func TestInitWithoutLogDirDiscards(t *testing.T) {
	Init(Config{})
	defer Shutdown()

	// Must not panic or create files anywhere.
	Logger().Info("discarded")
}
