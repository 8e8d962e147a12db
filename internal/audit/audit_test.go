package audit

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/axonops/axonops-docstore/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDisabledReturnsNil(t *testing.T) {
	l, err := New(config.AuditConfig{}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if l != nil {
		t.Fatal("disabled audit returned a logger")
	}
	// A nil logger must be safe to use.
	l.Record(Event{Type: EventAuthSuccess})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(config.AuditConfig{Enabled: true, LogFile: path}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	l.Record(Event{Type: EventAuthSuccess, User: "u1", Remote: "127.0.0.1:4444"})
	l.Record(Event{Type: EventDBCreate, User: "u1", Database: "d1"})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventAuthSuccess || events[0].User != "u1" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Database != "d1" {
		t.Errorf("second event = %+v", events[1])
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestEventFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(config.AuditConfig{
		Enabled: true,
		LogFile: path,
		Events:  []string{EventAuthFailure},
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	l.Record(Event{Type: EventAuthSuccess, User: "u1"})
	l.Record(Event{Type: EventAuthFailure, User: "u1"})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q", data)
	}
	if ev.Type != EventAuthFailure {
		t.Errorf("event = %+v", ev)
	}
}
