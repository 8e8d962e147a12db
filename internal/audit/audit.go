// Package audit writes an append-only trail of security-relevant
// events: authentication results, database lifecycle, and destructive
// commands. Events go to a size-rotated JSON-line file, a syslog
// daemon, or both.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/RackSec/srslog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/axonops/axonops-docstore/internal/config"
)

// Event types recorded by the trail.
const (
	EventAuthSuccess   = "auth_success"
	EventAuthFailure   = "auth_failure"
	EventDBCreate      = "db_create"
	EventDBDelete      = "db_delete"
	EventSectionCreate = "section_create"
	EventPurge         = "purge"
)

// Event is one trail entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	User      string    `json:"user,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Database  string    `json:"database,omitempty"`
	Section   string    `json:"section,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Logger fans events out to the configured sinks. A nil Logger is
// valid and records nothing, so call sites need no enabled checks.
type Logger struct {
	mu      sync.Mutex
	file    io.WriteCloser
	syslog  *srslog.Writer
	events  map[string]bool
	slogger *slog.Logger
}

// New builds the trail from the audit settings. When cfg.Enabled is
// false it returns nil.
func New(cfg config.AuditConfig, logger *slog.Logger) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	l := &Logger{slogger: logger}

	if cfg.LogFile != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     90,
			Compress:   true,
		}
	}
	if cfg.Syslog.Enabled {
		w, err := srslog.Dial(cfg.Syslog.Network, cfg.Syslog.Address, srslog.LOG_INFO|srslog.LOG_AUTH, cfg.Syslog.Tag)
		if err != nil {
			if l.file != nil {
				l.file.Close()
			}
			return nil, fmt.Errorf("connect audit syslog: %w", err)
		}
		l.syslog = w
	}
	if len(cfg.Events) > 0 {
		l.events = make(map[string]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			l.events[e] = true
		}
	}
	return l, nil
}

// Record writes one event to every sink. Sink failures are logged and
// otherwise ignored; the trail never fails a command.
func (l *Logger) Record(ev Event) {
	if l == nil {
		return
	}
	if l.events != nil && !l.events[ev.Type] {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		l.slogger.Warn("audit event not serializable", slog.String("type", ev.Type), slog.String("error", err.Error()))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			l.slogger.Warn("audit file write failed", slog.String("error", err.Error()))
		}
	}
	if l.syslog != nil {
		if _, err := l.syslog.Write(line); err != nil {
			l.slogger.Warn("audit syslog write failed", slog.String("error", err.Error()))
		}
	}
}

// Close flushes and closes the sinks.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			first = err
		}
		l.file = nil
	}
	if l.syslog != nil {
		if err := l.syslog.Close(); err != nil && first == nil {
			first = err
		}
		l.syslog = nil
	}
	return first
}
