// Package engine is the orchestration core: it wires the command runner,
// the SSH connection cache, the ledger and the vault together, runs flight
// plans line by line, stops running work on request and sweeps command runs
// that outlived their timeout.
package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ormasoftchile/flightdeck/pkg/ledger"
	"github.com/ormasoftchile/flightdeck/pkg/runner"
	"github.com/ormasoftchile/flightdeck/pkg/schema"
	"github.com/ormasoftchile/flightdeck/pkg/sshc"
	"github.com/ormasoftchile/flightdeck/pkg/status"
	"github.com/ormasoftchile/flightdeck/pkg/vault"
)

// ErrNotFound marks a reference that resolves to nothing.
var ErrNotFound = errors.New("not found")

// Config collects the engine dependencies.
type Config struct {
	Lookup  schema.Lookup
	Store   ledger.Store
	Trace   *ledger.TraceWriter
	Secrets vault.Resolver
	Log     *logrus.Logger

	// FilesDir is where remote-sourced files are downloaded to.
	FilesDir string
	// DefaultSSHTimeout applies to servers without a connection timeout.
	DefaultSSHTimeout time.Duration
	// ZombieTimeout is the age after which an unfinished shell or script run
	// is considered dead. Zero disables the sweep.
	ZombieTimeout time.Duration

	// Dial overrides the SSH connection path. Tests inject fakes here; when
	// nil the engine dials through its connection cache.
	Dial runner.Dialer
}

// Engine runs commands and flight plans against registered servers.
type Engine struct {
	lookup  schema.Lookup
	store   ledger.Store
	trace   *ledger.TraceWriter
	secrets vault.Resolver
	log     *logrus.Logger

	manager       *sshc.Manager
	dial          runner.Dialer
	runner        *runner.Runner
	sshTimeout    time.Duration
	zombieTimeout time.Duration

	statusMu sync.Mutex
	statuses map[string]string
}

// New builds an engine and wires the runner to it.
func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	e := &Engine{
		lookup:        cfg.Lookup,
		store:         cfg.Store,
		trace:         cfg.Trace,
		secrets:       cfg.Secrets,
		log:           cfg.Log,
		manager:       sshc.NewManager(cfg.Log),
		sshTimeout:    cfg.DefaultSSHTimeout,
		zombieTimeout: cfg.ZombieTimeout,
		statuses:      make(map[string]string),
	}
	e.dial = cfg.Dial
	if e.dial == nil {
		e.dial = func(opts sshc.Options) (runner.Session, error) {
			return e.manager.Get(opts)
		}
	}
	e.runner = &runner.Runner{
		Lookup:          cfg.Lookup,
		Store:           cfg.Store,
		Trace:           cfg.Trace,
		Dial:            e.dial,
		Secrets:         cfg.Secrets,
		Log:             cfg.Log,
		RunPlan:         e.runNestedPlan,
		SetServerStatus: e.setServerStatus,
		FilesDir:        cfg.FilesDir,
		DefaultTimeout:  cfg.DefaultSSHTimeout,
	}
	return e
}

// Close tears down the cached SSH connections. The ledger store stays open;
// its owner closes it.
func (e *Engine) Close() {
	e.manager.CloseAll()
}

// RunCommand executes a single command on a server and returns its finished
// ledger entry.
func (e *Engine) RunCommand(serverRef, commandRef string, opts runner.Options) (*ledger.CommandLog, error) {
	server, ok := e.lookup.ServerByRef(serverRef)
	if !ok {
		return nil, fmt.Errorf("server %q: %w", serverRef, ErrNotFound)
	}
	cmd, ok := e.lookup.CommandByRef(commandRef)
	if !ok {
		return nil, fmt.Errorf("command %q: %w", commandRef, ErrNotFound)
	}
	return e.runner.Run(server, cmd, opts)
}

// RunPlan executes a flight plan on a server and returns its finished
// ledger entry.
func (e *Engine) RunPlan(serverRef, planRef string, values map[string]string) (*ledger.PlanLog, error) {
	server, ok := e.lookup.ServerByRef(serverRef)
	if !ok {
		return nil, fmt.Errorf("server %q: %w", serverRef, ErrNotFound)
	}
	plan, ok := e.lookup.PlanByRef(planRef)
	if !ok {
		return nil, fmt.Errorf("flight plan %q: %w", planRef, ErrNotFound)
	}
	return e.runPlan(plan, server, "", "", values)
}

// StopCommand marks a running command stopped and cascades the stop to its
// plan run and any nested plan it triggered. Stopping a finished command is
// a no-op.
func (e *Engine) StopCommand(logID string) error {
	log, err := e.store.CommandLogByID(logID)
	if err != nil {
		return err
	}
	if log == nil {
		return fmt.Errorf("command log %q: %w", logID, ErrNotFound)
	}
	// Stop is idempotent: a finished run has nothing left to stop.
	if !log.IsRunning() {
		return nil
	}
	e.stopCommandLog(log)
	if log.PlanLogID != "" {
		if plan, err := e.store.PlanLogByID(log.PlanLogID); err == nil && plan != nil && plan.IsRunning() {
			e.stopPlanLog(plan)
		}
	}
	return nil
}

// StopPlan marks a running plan stopped together with its running command
// logs and any nested plans underneath them.
func (e *Engine) StopPlan(logID string) error {
	log, err := e.store.PlanLogByID(logID)
	if err != nil {
		return err
	}
	if log == nil {
		return fmt.Errorf("plan log %q: %w", logID, ErrNotFound)
	}
	if !log.IsRunning() {
		return nil
	}
	e.stopPlanLog(log)
	return nil
}

func (e *Engine) stopCommandLog(log *ledger.CommandLog) {
	log.IsStopped = true
	log.Finish(status.CommandStopped, "", "Stopped by user")
	e.store.SaveCommandLog(log)
	e.trace.WriteCommandLog(log)
	if log.TriggeredPlanLogID == "" {
		return
	}
	if child, err := e.store.PlanLogByID(log.TriggeredPlanLogID); err == nil && child != nil && child.IsRunning() {
		e.stopPlanLog(child)
	}
}

func (e *Engine) stopPlanLog(log *ledger.PlanLog) {
	log.IsStopped = true
	log.CustomMessage = "Stopped by user"
	log.Finish(status.PlanStopped)
	e.store.SavePlanLog(log)
	e.trace.WritePlanLog(log)
	cmds, err := e.store.RunningCommandLogsForPlan(log.ID)
	if err != nil {
		return
	}
	for _, cmd := range cmds {
		e.stopCommandLog(cmd)
	}
}

// SweepZombies finishes shell and script runs that started before the
// zombie cutoff and never completed. Returns the entries it closed.
func (e *Engine) SweepZombies() ([]*ledger.CommandLog, error) {
	if e.zombieTimeout <= 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-e.zombieTimeout)
	logs, err := e.store.ZombieCommandLogs(cutoff, []string{schema.ActionShell, schema.ActionScript})
	if err != nil {
		return nil, fmt.Errorf("query zombie runs: %w", err)
	}
	for _, log := range logs {
		log.Finish(status.CommandTimedOut, "", status.TimeoutMessage)
		if err := e.store.SaveCommandLog(log); err != nil {
			return nil, fmt.Errorf("save command log: %w", err)
		}
		e.trace.WriteCommandLog(log)
		e.log.WithFields(logrus.Fields{
			"server":  log.ServerRef,
			"command": log.CommandRef,
			"log":     log.ID,
		}).Warn("terminated zombie command run")
	}
	return logs, nil
}

// FetchHostKey probes a server for its public host key and returns it
// base64 encoded, ready to be pinned in the server definition.
func (e *Engine) FetchHostKey(serverRef string) (string, error) {
	server, ok := e.lookup.ServerByRef(serverRef)
	if !ok {
		return "", fmt.Errorf("server %q: %w", serverRef, ErrNotFound)
	}
	return sshc.FetchHostKey(e.sshOptions(server))
}

// TestConnection opens an SSH session to the server and runs a probe
// command. Returns the probe output.
func (e *Engine) TestConnection(serverRef string) (string, error) {
	server, ok := e.lookup.ServerByRef(serverRef)
	if !ok {
		return "", fmt.Errorf("server %q: %w", serverRef, ErrNotFound)
	}
	session, err := e.dial(e.sshOptions(server))
	if err != nil {
		return "", err
	}
	result := session.Exec("uname -a", "")
	if result.Status != status.Success {
		return "", fmt.Errorf("connection test failed with status %d: %s",
			result.Status, strings.TrimSpace(strings.Join(result.Error, "")))
	}
	return strings.TrimSpace(strings.Join(result.Response, "")), nil
}

// ServerStatus returns the server's current status, taking command side
// effects applied during this process into account.
func (e *Engine) ServerStatus(serverRef string) string {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if s, ok := e.statuses[serverRef]; ok {
		return s
	}
	if server, ok := e.lookup.ServerByRef(serverRef); ok {
		return server.Status
	}
	return ""
}

func (e *Engine) setServerStatus(serverRef, newStatus string) {
	e.statusMu.Lock()
	e.statuses[serverRef] = newStatus
	e.statusMu.Unlock()
	e.log.WithFields(logrus.Fields{
		"server": serverRef,
		"status": newStatus,
	}).Info("server status changed")
}

func (e *Engine) sshOptions(server *schema.Server) sshc.Options {
	mode := sshc.ModePassword
	if server.SSHAuthMode == schema.AuthKey {
		mode = sshc.ModeKey
	}
	timeout := e.sshTimeout
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
