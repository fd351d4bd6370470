// Package logging writes the structured JSONL event stream the control
// plane uses in place of a human-readable log for orders, fills, and
// per-cycle decisions, and wires logrus for everything else.
package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one JSONL line. Every one of these fields must be present on
// write; zero values are filled in by ensureRequiredFields so a missing
// field never breaks a downstream parser.
type Record struct {
	Ts        int64       `json:"ts"`
	Event     string      `json:"event"`
	Intent    string      `json:"intent"`
	Source    string      `json:"source"`
	Mode      string      `json:"mode"`
	Reason    string      `json:"reason"`
	Leg       string      `json:"leg"`
	CycleID   string      `json:"cycle_id"`
	Data      interface{} `json:"data"`
	Res       interface{} `json:"res"`
	Simulated bool        `json:"simulated"`
}

func ensureRequiredFields(r Record) Record {
	if r.Ts == 0 {
		r.Ts = time.Now().UnixMilli()
	}
	if r.Event == "" {
		r.Event = "unknown"
	}
	if r.Intent == "" {
		r.Intent = "unknown"
	}
	if r.Source == "" {
		r.Source = "unknown"
	}
	if r.Mode == "" {
		r.Mode = "UNKNOWN"
	}
	if r.Reason == "" {
		r.Reason = "unknown"
	}
	if r.Leg == "" {
		r.Leg = "unknown"
	}
	if r.CycleID == "" {
		r.CycleID = "-"
	}
	if r.Data == nil {
		r.Data = map[string]interface{}{}
	}
	if r.Res == nil {
		r.Res = map[string]interface{}{}
	}
	return r
}

// Sink appends JSONL records to a single rotated file.
type Sink struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// NewSink opens (creating parent directories) a rotated JSONL sink at path.
func NewSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Sink{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		},
	}, nil
}

// Log writes one record, filling in any missing required fields.
func (s *Sink) Log(r Record) error {
	r = ensureRequiredFields(r)
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(line)
	return err
}

// Close flushes and closes the underlying rotated file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

// Sinks bundles the four JSONL streams the control plane emits to.
type Sinks struct {
	System   *Sink
	Orders   *Sink
	Fills    *Sink
	Decision *Sink
}

// NewSinks opens system.jsonl, orders.jsonl, fills.jsonl, and decision.jsonl
// under dir.
func NewSinks(dir string) (*Sinks, error) {
	system, err := NewSink(filepath.Join(dir, "system.jsonl"))
	if err != nil {
		return nil, err
	}
	orders, err := NewSink(filepath.Join(dir, "orders.jsonl"))
	if err != nil {
		return nil, err
	}
	fills, err := NewSink(filepath.Join(dir, "fills.jsonl"))
	if err != nil {
		return nil, err
	}
	decision, err := NewSink(filepath.Join(dir, "decision.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Sinks{System: system, Orders: orders, Fills: fills, Decision: decision}, nil
}

// Close closes all four sinks, returning the first error encountered.
func (s *Sinks) Close() error {
	var firstErr error
	for _, sink := range []*Sink{s.System, s.Orders, s.Fills, s.Decision} {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewLogger builds the human-readable logrus logger used for process-level
// messages, in the teacher's prefixed-formatter style.
func NewLogger(level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return l
}
