package gatekeep

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTelemetryWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	tm := NewTelemetry(TelemetryConfig{Path: path}, noopLogger{})

	tm.Emit(Event{Kind: EventEnqueue, ChatID: 1, MessageID: 10})
	tm.Emit(Event{Kind: EventAttempt, ChatID: 1, MessageID: 10, Outcome: "fail", At: time.Unix(5000, 0)})

	if err := tm.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var first, second Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}

	if first.Kind != EventEnqueue || first.ChatID != 1 {
		t.Fatalf("first event = %+v", first)
	}
	if first.At.IsZero() {
		t.Fatal("emit did not stamp the event time")
	}
	if second.Kind != EventAttempt || second.Outcome != "fail" {
		t.Fatalf("second event = %+v", second)
	}
	if !second.At.Equal(time.Unix(5000, 0)) {
		t.Fatalf("explicit timestamp was overwritten: %v", second.At)
	}
}

func TestTelemetryDisabledWithoutPath(t *testing.T) {
	tm := NewTelemetry(TelemetryConfig{}, noopLogger{})
	tm.Emit(Event{Kind: EventEnqueue})
	if err := tm.Close(); err != nil {
		t.Fatalf("close of disabled stream: %v", err)
	}
}

func TestMetricsDisabledIsNilSafe(t *testing.T) {
	var m *metrics
	m.incMessage()
	m.incChallenge(ReasonText)
	m.incDeleteAttempt(stageRetry, outcomeOK)
	m.setQueueDepth(1, 2)
	m.setTrustedUsers(3)
	m.incProfileFetch("ok")

	disabled := newMetrics(MetricsConfig{})
	disabled.incMessage()
	disabled.observeHandleDuration(time.Second)
}
