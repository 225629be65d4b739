package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TraceEvent is one line of the JSONL audit tail.
type TraceEvent struct {
	Type       string      `json:"type"` // command_log | plan_log
	Timestamp  time.Time   `json:"ts"`
	CommandLog *CommandLog `json:"command_log,omitempty"`
	PlanLog    *PlanLog    `json:"plan_log,omitempty"`
}

// TraceWriter appends finished log records to a JSONL file. It complements
// the store with a grep-able audit trail; a nil *TraceWriter is a no-op so
// the trace is strictly optional.
type TraceWriter struct {
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

// NewTraceWriter creates a trace writer that appends to the given file.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &TraceWriter{
		file:   f,
		writer: w,
		enc:    json.NewEncoder(w),
	}, nil
}

// WriteCommandLog appends a command log event and flushes to disk.
func (tw *TraceWriter) WriteCommandLog(log *CommandLog) error {
	if tw == nil {
		return nil
	}
	return tw.write(TraceEvent{Type: "command_log", Timestamp: time.Now(), CommandLog: log})
}

// WritePlanLog appends a plan log event and flushes to disk.
func (tw *TraceWriter) WritePlanLog(log *PlanLog) error {
	if tw == nil {
		return nil
	}
	return tw.write(TraceEvent{Type: "plan_log", Timestamp: time.Now(), PlanLog: log})
}

func (tw *TraceWriter) write(event TraceEvent) error {
	if err := tw.enc.Encode(event); err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	// Flush and sync at event boundaries
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("flush trace: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("sync trace: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	if tw == nil {
		return nil
	}
	if err := tw.writer.Flush(); err != nil {
		return err
	}
	return tw.file.Close()
}
