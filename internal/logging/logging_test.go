package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSONIncludesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", FormatJSON, &buf)
	logger.Info("step finished", RouteID("r-1"), StepID("s-1"), ChainID(10), Error(errors.New("boom")))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["route_id"] != "r-1" || entry["step_id"] != "s-1" {
		t.Fatalf("missing ids: %#v", entry)
	}
	if entry["chain_id"] != float64(10) || entry["error"] != "boom" {
		t.Fatalf("unexpected attrs: %#v", entry)
	}
}

func TestNewTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", FormatText, &buf)
	logger.Info("hidden")
	logger.Warn("shown", TxHash("0xabc"))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, "tx_hash=0xabc") {
		t.Fatalf("expected text attrs: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatal("expected debug")
	}
	if ParseLevel("bogus") != slog.LevelWarn {
		t.Fatal("expected warn fallback")
	}
}
