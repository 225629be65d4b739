// Package runner routes a command to its action-specific runner: remote
// shell over SSH, sandboxed script, file materialization from a template, or
// a nested flight plan. Every run terminates in a finished ledger entry; the
// runner never propagates execution faults as Go errors.
package runner

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ormasoftchile/flightdeck/pkg/ledger"
	"github.com/ormasoftchile/flightdeck/pkg/schema"
	"github.com/ormasoftchile/flightdeck/pkg/sshc"
	"github.com/ormasoftchile/flightdeck/pkg/status"
	"github.com/ormasoftchile/flightdeck/pkg/vars"
	"github.com/ormasoftchile/flightdeck/pkg/vault"
)

// Session is the slice of the SSH client the runners use. Satisfied by
// *sshc.Client; tests inject fakes.
type Session interface {
	Exec(command, sudo string) sshc.ExecResult
	Upload(data []byte, remotePath string) error
	Download(remotePath string) ([]byte, error)
	Exists(remotePath string) (bool, error)
}

// Dialer acquires a session for the given endpoint, typically through the
// sshc connection cache.
type Dialer func(opts sshc.Options) (Session, error)

// NestedPlanFunc runs a flight plan invoked by a plan-action command and
// returns its finished plan log. Injected by the engine to avoid the runner
// depending on the plan state machine.
type NestedPlanFunc func(plan *schema.FlightPlan, server *schema.Server, commandLog *ledger.CommandLog, values map[string]string) (*ledger.PlanLog, error)

// StatusSetter applies a command's server_status side effect.
type StatusSetter func(serverRef, newStatus string)

// Runner dispatches commands to action-specific runners.
type Runner struct {
	Lookup  schema.Lookup
	Store   ledger.Store
	Trace   *ledger.TraceWriter
	Dial    Dialer
	Secrets vault.Resolver
	Log     *logrus.Logger

	// RunPlan handles the nested plan action.
	RunPlan NestedPlanFunc
	// SetServerStatus handles the server_status side effect. Optional.
	SetServerStatus StatusSetter
	// FilesDir is the local directory remote files are pulled into.
	FilesDir string
	// DefaultTimeout is the SSH dial timeout applied when the server does
	// not configure one.
	DefaultTimeout time.Duration
}

// Options modify one command run.
type Options struct {
	// Path overrides the command's default run directory.
	Path string
	// Sudo overrides elevation: nil follows the server configuration, false
	// disables it for this run.
	Sudo *bool
	// PlanLogID ties the command log to a plan run.
	PlanLogID string
	// VariableValues are transient overrides for this run.
	VariableValues map[string]string
}

// Run executes a command on a server and returns its finished ledger entry.
// Guard refusals (incompatibility, parallel run) produce finished entries
// without executing anything.
func (r *Runner) Run(server *schema.Server, cmd *schema.Command, opts Options) (*ledger.CommandLog, error) {
	sudo := r.resolveSudo(server, opts.Sudo)

	// Compatibility guard.
	if !cmd.CompatibleWith(server.Reference) {
		return r.record(server, cmd, opts, status.CommandNotCompatible,
			"Command is not compatible with the server")
	}

	// Parallel run guard. Check-then-act on the store; a race between two
	// concurrent callers may admit both, which callers accept.
	if !cmd.AllowParallelRun {
		count, err := r.Store.RunningCommandCount(server.Reference, cmd.Reference)
		if err != nil {
			return nil, fmt.Errorf("query running commands: %w", err)
		}
		if count > 0 {
			return r.record(server, cmd, opts, status.AnotherCommandRunning,
				"Another instance of the command is already running")
		}
	}

	// Render code and path against server variables plus run overrides.
	varCtx := vars.NewContext(server.Variables, opts.VariableValues)
	renderedCode, err := varCtx.Render(cmd.Code)
	if err != nil {
		return r.record(server, cmd, opts, status.GeneralError,
			fmt.Sprintf("render command code: %v", err))
	}
	path := opts.Path
	if path == "" {
		path = cmd.Path
	}
	renderedPath, err := varCtx.Render(path)
	if err != nil {
		return r.record(server, cmd, opts, status.GeneralError,
			fmt.Sprintf("render command path: %v", err))
	}

	log := &ledger.CommandLog{
		ID:             ledger.NewID(),
		ServerRef:      server.Reference,
		CommandRef:     cmd.Reference,
		CommandAction:  cmd.Action,
		PlanLogID:      opts.PlanLogID,
		StartDate:      time.Now(),
		Code:           renderedCode,
		Path:           renderedPath,
		UseSudo:        sudo,
		VariableValues: varCtx.Values(),
	}
	if err := r.Store.SaveCommandLog(log); err != nil {
		return nil, fmt.Errorf("save command log: %w", err)
	}

	r.Log.WithFields(logrus.Fields{
		"server":  server.Reference,
		"command": cmd.Reference,
		"action":  cmd.Action,
		"log":     log.ID,
	}).Info("running command")

	scope := vault.Scope{ServerRef: server.Reference, PrincipalRef: server.PrincipalRef}
	switch cmd.Action {
	case schema.ActionShell:
		r.runShell(server, log, renderedCode, renderedPath, sudo, cmd.NoSplitForSudo, scope)
	case schema.ActionScript:
		r.runScript(server, log, renderedCode, varCtx, scope)
	case schema.ActionFile:
		r.runFile(server, cmd, log, varCtx)
	case schema.ActionPlan:
		r.runNestedPlan(server, cmd, log, varCtx)
	default:
		log.Finish(status.NoCommandRunnerFound, "",
			fmt.Sprintf("No runner found for command action %q", cmd.Action))
	}

	if err := r.Store.SaveCommandLog(log); err != nil {
		return nil, fmt.Errorf("save command log: %w", err)
	}
	r.Trace.WriteCommandLog(log)

	// Side effect: a successful command may move the server status.
	if cmd.ServerStatus != "" && log.Status == status.Success && r.SetServerStatus != nil {
		r.SetServerStatus(server.Reference, cmd.ServerStatus)
	}

	return log, nil
}

// resolveSudo populates the sudo mode from the server settings. Root never
// elevates; an explicit false disables elevation for the run.
func (r *Runner) resolveSudo(server *schema.Server, override *bool) string {
	if server.SSHUsername == "root" {
		return ""
	}
	if override != nil && !*override {
		return ""
	}
	return server.UseSudo
}

// record writes a finished log entry without executing anything.
func (r *Runner) record(server *schema.Server, cmd *schema.Command, opts Options, code int, errText string) (*ledger.CommandLog, error) {
	now := time.Now()
	log := &ledger.CommandLog{
		ID:             ledger.NewID(),
		ServerRef:      server.Reference,
		CommandRef:     cmd.Reference,
		CommandAction:  cmd.Action,
		PlanLogID:      opts.PlanLogID,
		StartDate:      now,
		FinishDate:     &now,
		Status:         code,
		Error:          errText,
		VariableValues: snapshotValues(opts.VariableValues),
	}
	if err := r.Store.SaveCommandLog(log); err != nil {
		return nil, fmt.Errorf("save command log: %w", err)
	}
	r.Trace.WriteCommandLog(log)
	return log, nil
}

// snapshotValues copies run values so a persisted entry never aliases a live
// map the caller keeps mutating.
func snapshotValues(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// RecordSkipped writes the ledger entry for a plan line skipped by its
// condition.
func (r *Runner) RecordSkipped(server *schema.Server, cmd *schema.Command, planLogID, condition string, values map[string]string) (*ledger.CommandLog, error) {
	now := time.Now()
	log := &ledger.CommandLog{
		ID:             ledger.NewID(),
		ServerRef:      server.Reference,
		CommandRef:     cmd.Reference,
		CommandAction:  cmd.Action,
		PlanLogID:      planLogID,
		StartDate:      now,
		FinishDate:     &now,
		Status:         status.PlanLineConditionCheckFailed,
		Error:          "Plan line condition check failed.",
		Condition:      condition,
		IsSkipped:      true,
		VariableValues: values,
	}
	if err := r.Store.SaveCommandLog(log); err != nil {
		return nil, fmt.Errorf("save command log: %w", err)
	}
	r.Trace.WriteCommandLog(log)
	return log, nil
}

// sshOptions maps a server definition to connection options.
func (r *Runner) sshOptions(server *schema.Server) sshc.Options {
	mode := sshc.ModePassword
	if server.SSHAuthMode == schema.AuthKey {
		mode = sshc.ModeKey
	}
	timeout := r.DefaultTimeout
	if server.ConnectionTimeout > 0 {
		timeout = time.Duration(server.ConnectionTimeout) * time.Second
	}
	return sshc.Options{
		Host:       server.Host,
		Port:       server.Port(),
		Username:   server.SSHUsername,
		Password:   server.SSHPassword,
		PrivateKey: server.SSHKey,
		HostKey:    server.HostKey,
		Mode:       mode,
		Timeout:    timeout,
	}
}

// runShell executes shell code over SSH: resolves secrets, shapes the code
// for sudo and the working directory, executes, aggregates and redacts.
func (r *Runner) runShell(server *schema.Server, log *ledger.CommandLog, code, path, sudo string, noSplit bool, scope vault.Scope) {
	parsed := vault.ParseCode(code, r.Secrets, scope)

	session, err := r.Dial(r.sshOptions(server))
	if err != nil {
		log.Finish(status.SSHConnectionError, "", vault.Redact(err.Error(), parsed.Values))
		return
	}

	commands := sshc.PrepareCommand(parsed.Code, path, sudo, noSplit)

	var statuses []int
	var response, errText string
	for _, command := range commands {
		result := session.Exec(command, sudo)
		statuses = append(statuses, result.Status)
		for _, line := range result.Response {
			response += line
		}
		for _, line := range result.Error {
			errText += line
		}
	}

	log.Finish(sshc.AggregateStatus(statuses),
		vault.Redact(response, parsed.Values),
		vault.Redact(errText, parsed.Values))
}

// runNestedPlan executes the plan action through the injected plan runner
// and carries the child plan result into the command log.
func (r *Runner) runNestedPlan(server *schema.Server, cmd *schema.Command, log *ledger.CommandLog, varCtx *vars.Context) {
	if r.RunPlan == nil {
		log.Finish(status.NoCommandRunnerFound, "", "No runner found for command action \"plan\"")
		return
	}
	plan, ok := r.Lookup.PlanByRef(cmd.FlightPlanRef)
	if !ok {
		log.Finish(status.NotFound, "", fmt.Sprintf("Flight plan %q not found", cmd.FlightPlanRef))
		return
	}

	planLog, err := r.RunPlan(plan, server, log, varCtx.Values())
	if err != nil {
		log.Finish(status.GeneralError, "", fmt.Sprintf("Flight plan running error %v", err))
		return
	}
	log.TriggeredPlanLogID = planLog.ID
	log.VariableValues = planLog.VariableValues
	if planLog.IsStopped {
		log.IsStopped = true
	}
	if planLog.Status != status.Success {
		log.Finish(planLog.Status, "", "Flight plan running error")
		return
	}
	log.Finish(status.Success, "", "")
}
