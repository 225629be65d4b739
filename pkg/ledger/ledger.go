// Package ledger records every command and flight plan execution. A log entry
// is created when a run starts and completed when it finishes; an entry
// without a finish date is a running one. The ledger also backs the parallel
// run guards and the zombie sweep.
package ledger

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandLog is the ledger record of one command execution.
type CommandLog struct {
	ID            string            `json:"id" yaml:"id"`
	Label         string            `json:"label,omitempty" yaml:"label,omitempty"`
	ServerRef     string            `json:"server" yaml:"server"`
	CommandRef    string            `json:"command" yaml:"command"`
	CommandAction string            `json:"command_action" yaml:"command_action"`
	PlanLogID     string            `json:"plan_log_id,omitempty" yaml:"plan_log_id,omitempty"`
	// TriggeredPlanLogID links a nested-plan command to the child plan log it
	// spawned.
	TriggeredPlanLogID string       `json:"triggered_plan_log_id,omitempty" yaml:"triggered_plan_log_id,omitempty"`
	StartDate          time.Time    `json:"start_date" yaml:"start_date"`
	FinishDate         *time.Time   `json:"finish_date,omitempty" yaml:"finish_date,omitempty"`
	Status             int          `json:"status" yaml:"status"`
	Code               string       `json:"code,omitempty" yaml:"code,omitempty"`
	Path               string       `json:"path,omitempty" yaml:"path,omitempty"`
	Response           string       `json:"response,omitempty" yaml:"response,omitempty"`
	Error              string       `json:"error,omitempty" yaml:"error,omitempty"`
	UseSudo            string       `json:"use_sudo,omitempty" yaml:"use_sudo,omitempty"`
	Condition          string       `json:"condition,omitempty" yaml:"condition,omitempty"`
	IsSkipped          bool         `json:"is_skipped,omitempty" yaml:"is_skipped,omitempty"`
	IsStopped          bool         `json:"is_stopped,omitempty" yaml:"is_stopped,omitempty"`
	VariableValues     map[string]string `json:"variable_values,omitempty" yaml:"variable_values,omitempty"`
}

// IsRunning reports whether the command has not finished yet.
func (l *CommandLog) IsRunning() bool {
	return l.FinishDate == nil
}

// Finish closes the log with the given result.
func (l *CommandLog) Finish(status int, response, errText string) {
	now := time.Now()
	l.FinishDate = &now
	l.Status = status
	l.Response = response
	l.Error = errText
}

// PlanLog is the ledger record of one flight plan run.
type PlanLog struct {
	ID        string `json:"id" yaml:"id"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
	ServerRef string `json:"server" yaml:"server"`
	PlanRef   string `json:"plan" yaml:"plan"`
	// ParentPlanLogID links a nested plan run to the plan that invoked it.
	ParentPlanLogID string     `json:"parent_plan_log_id,omitempty" yaml:"parent_plan_log_id,omitempty"`
	StartDate       time.Time  `json:"start_date" yaml:"start_date"`
	FinishDate      *time.Time `json:"finish_date,omitempty" yaml:"finish_date,omitempty"`
	Status          int        `json:"status" yaml:"status"`
	CustomMessage   string     `json:"custom_message,omitempty" yaml:"custom_message,omitempty"`
	IsStopped       bool       `json:"is_stopped,omitempty" yaml:"is_stopped,omitempty"`
	// ExecutedLine is the index of the line currently or last executed.
	ExecutedLine   int               `json:"executed_line" yaml:"executed_line"`
	VariableValues map[string]string `json:"variable_values,omitempty" yaml:"variable_values,omitempty"`
}

// IsRunning reports whether the plan has not finished yet.
func (l *PlanLog) IsRunning() bool {
	return l.FinishDate == nil
}

// Finish closes the log with the given status.
func (l *PlanLog) Finish(status int) {
	now := time.Now()
	l.FinishDate = &now
	l.Status = status
}

// Store persists and queries log records. Save inserts a new record or
// replaces the one with the same ID.
type Store interface {
	SaveCommandLog(log *CommandLog) error
	SavePlanLog(log *PlanLog) error
	// CommandLogByID and PlanLogByID return nil, nil for an unknown ID.
	CommandLogByID(id string) (*CommandLog, error)
	PlanLogByID(id string) (*PlanLog, error)

	// RunningCommandCount counts unfinished runs of a command on a server.
	RunningCommandCount(serverRef, commandRef string) (int, error)
	// RunningPlanCount counts unfinished runs of a plan on a server.
	RunningPlanCount(serverRef, planRef string) (int, error)
	// RunningCommandLogsForPlan returns unfinished command logs of a plan run.
	RunningCommandLogsForPlan(planLogID string) ([]*CommandLog, error)
	// ZombieCommandLogs returns unfinished command logs started before the
	// cutoff whose action is in actions.
	ZombieCommandLogs(cutoff time.Time, actions []string) ([]*CommandLog, error)

	Close() error
}

// NewID returns a fresh log record ID.
func NewID() string {
	return uuid.NewString()
}

// NewLabel creates a short random label, e.g. for child plan runs.
func NewLabel() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
