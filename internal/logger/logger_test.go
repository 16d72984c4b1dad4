package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")
	defer InitWithWriter(&buf, "INFO", "text")

	Info("document saved", KeyDocument, "doc-1", KeyVersion, 3)

	out := buf.String()
	if !strings.Contains(out, "document saved") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "document_id=doc-1") {
		t.Errorf("expected document_id field, got %q", out)
	}
}

func TestInitWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	defer SetFormat("text")

	Warn("lock expired", KeyLock, "lock-9")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "lock expired" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["lock_id"] != "lock-9" {
		t.Errorf("lock_id = %v", record["lock_id"])
	}
}

func TestSetLevel_FiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Debug("should not appear")
	if buf.Len() != 0 {
		t.Errorf("debug output was not filtered: %q", buf.String())
	}

	SetLevel("DEBUG")
	defer SetLevel("INFO")
	Debug("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("debug output missing after SetLevel(DEBUG): %q", buf.String())
	}
}

func TestSetLevel_IgnoresInvalid(t *testing.T) {
	SetLevel("INFO")
	SetLevel("NOISY") // no-op
	if Level(currentLevel.Load()) != LevelInfo {
		t.Error("invalid level changed the current level")
	}
}
