package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestInit_JSONOutputWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Str("foo", "bar").Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "hello" {
		t.Errorf("expected message %q, got %v", "hello", line["message"])
	}
	if line["foo"] != "bar" {
		t.Errorf("expected foo=bar, got %v", line["foo"])
	}
}

func TestInit_LevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info line to be filtered at error level, got %q", buf.String())
	}

	Logger.Error().Msg("should appear")
	if buf.Len() == 0 {
		t.Error("expected error line to pass the error-level filter")
	}
}

func TestInit_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("bogus"), JSONOutput: true, Output: &buf})

	Logger.Info().Msg("visible")
	if buf.Len() == 0 {
		t.Error("expected an unrecognized level to fall back to info, not suppress info lines")
	}
}

func TestWithComponent_TagsComponentField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("waiter").Info().Msg("tagged")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if line["component"] != "waiter" {
		t.Errorf("expected component=waiter, got %v", line["component"])
	}
}

func TestWithNodeID_TagsNodeIDField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithNodeID("n1").Info().Msg("tagged")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if line["node_id"] != "n1" {
		t.Errorf("expected node_id=n1, got %v", line["node_id"])
	}
}

func TestWithTerm_ChainsOntoExistingLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	base := WithComponent("node")
	WithTerm(base, 7).Info().Msg("tagged")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if line["component"] != "node" {
		t.Errorf("expected component to survive chaining, got %v", line["component"])
	}
	if line["term"] != float64(7) {
		t.Errorf("expected term=7, got %v", line["term"])
	}
}

func TestWithPeer_TagsPeerIDField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithPeer(Logger, "n2").Info().Msg("tagged")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if line["peer_id"] != "n2" {
		t.Errorf("expected peer_id=n2, got %v", line["peer_id"])
	}
}

func TestNop_DiscardsOutput(t *testing.T) {
	logger := Nop()
	// Nop loggers write to io.Discard; this just confirms the call doesn't
	// panic and returns a usable zerolog.Logger.
	logger.Info().Msg("nobody hears this")
}
