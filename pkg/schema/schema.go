// Package schema defines the Go struct types for servers, commands, flight
// plans and file templates, and provides strict YAML parsing for them.
package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Command actions. The action decides which runner executes the command.
const (
	ActionShell  = "shell"
	ActionFile   = "file"
	ActionScript = "script"
	ActionPlan   = "plan"
)

// Sudo modes configured on a server.
const (
	SudoNone            = ""
	SudoWithoutPassword = "n"
	SudoWithPassword    = "p"
)

// SSH auth modes.
const (
	AuthPassword = "p"
	AuthKey      = "k"
)

// Conflict policies for materializing a file that already exists.
const (
	FileSkip      = "skip"
	FileOverwrite = "overwrite"
	FileRaise     = "raise"
)

// File template sources. A "local" template is rendered locally and pushed to
// the server; a "remote" one is pulled from the server into local storage.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Plan line action verbs and plan on-error fallbacks.
const (
	ActionNext       = "n"  // run next line
	ActionExit       = "e"  // exit with the command exit code
	ActionExitCustom = "ec" // exit with a custom exit code
)

// Server statuses a command may set on success.
var ServerStatuses = []string{"stopped", "starting", "running", "stopping", "restarting"}

// Server is a registered host commands and plans run against.
type Server struct {
	Reference   string `yaml:"reference"`
	Name        string `yaml:"name,omitempty"`
	Host        string `yaml:"host"`
	SSHPort     int    `yaml:"ssh_port,omitempty"`
	SSHUsername string `yaml:"ssh_username"`
	SSHPassword string `yaml:"ssh_password,omitempty"`
	SSHKey      string `yaml:"ssh_key,omitempty"`  // private key PEM
	SSHAuthMode string `yaml:"ssh_auth_mode"`      // p | k
	UseSudo     string `yaml:"use_sudo,omitempty"` // "" | n | p
	HostKey     string `yaml:"host_key,omitempty"` // pinned public key, base64
	Status      string `yaml:"status,omitempty"`
	// ConnectionTimeout is the SSH dial timeout in seconds. Zero means the
	// engine default applies.
	ConnectionTimeout int `yaml:"connection_timeout,omitempty"`
	// Variables are persistent per-host values available to templates.
	Variables map[string]string `yaml:"variables,omitempty"`
	// PrincipalRef scopes secret resolution (owner of the host).
	PrincipalRef string `yaml:"principal,omitempty"`
}

// Port returns the SSH port, defaulting to 22.
func (s *Server) Port() int {
	if s.SSHPort == 0 {
		return 22
	}
	return s.SSHPort
}

// Command is a reusable unit of remote work.
type Command struct {
	Reference string `yaml:"reference"`
	Name      string `yaml:"name,omitempty"`
	Action    string `yaml:"action"`
	// Code is the shell code, script source or inline note depending on action.
	Code string `yaml:"code,omitempty"`
	// Path is the default directory the command runs in. May use {{ variables }}.
	Path             string   `yaml:"path,omitempty"`
	AllowParallelRun bool     `yaml:"allow_parallel_run,omitempty"`
	NoSplitForSudo   bool     `yaml:"no_split_for_sudo,omitempty"`
	// ServerRefs restricts the command to the listed servers. Empty means any.
	ServerRefs []string `yaml:"servers,omitempty"`
	// FileTemplateRef names the template for the file action.
	FileTemplateRef string `yaml:"file_template,omitempty"`
	IfFileExists    string `yaml:"if_file_exists,omitempty"` // skip | overwrite | raise
	// FlightPlanRef names the plan to run for the plan action.
	FlightPlanRef string `yaml:"flight_plan,omitempty"`
	// ServerStatus, when set, is written to the server after a successful run.
	ServerStatus string `yaml:"server_status,omitempty"`
}

// CompatibleWith reports whether the command may run on the server. A command
// with no server list runs anywhere.
func (c *Command) CompatibleWith(serverRef string) bool {
	if len(c.ServerRefs) == 0 {
		return true
	}
	for _, ref := range c.ServerRefs {
		if ref == serverRef {
			return true
		}
	}
	return false
}

// FileTemplate describes a file materialized on a server or pulled from it.
type FileTemplate struct {
	Reference string `yaml:"reference"`
	Name      string `yaml:"name,omitempty"`
	FileName  string `yaml:"file_name"`
	ServerDir string `yaml:"server_dir,omitempty"`
	Source    string `yaml:"source,omitempty"` // local | remote
	// Code is the template body rendered with server variables before upload.
	Code string `yaml:"code,omitempty"`
}

// FlightPlan is an ordered, branching sequence of plan lines.
type FlightPlan struct {
	Reference string `yaml:"reference"`
	Name      string `yaml:"name,omitempty"`
	// OnErrorAction applies when a line fails and no line action matches.
	OnErrorAction    string      `yaml:"on_error_action,omitempty"` // e | ec | n
	CustomExitCode   int         `yaml:"custom_exit_code,omitempty"`
	AllowParallelRun bool        `yaml:"allow_parallel_run,omitempty"`
	ServerRefs       []string    `yaml:"servers,omitempty"`
	Lines            []*PlanLine `yaml:"lines"`
}

// OnError returns the plan's on-error fallback, defaulting to exit with the
// command exit code.
func (p *FlightPlan) OnError() string {
	if p.OnErrorAction == "" {
		return ActionExit
	}
	return p.OnErrorAction
}

// CompatibleWith reports whether the plan may run on the server.
func (p *FlightPlan) CompatibleWith(serverRef string) bool {
	if len(p.ServerRefs) == 0 {
		return true
	}
	for _, ref := range p.ServerRefs {
		if ref == serverRef {
			return true
		}
	}
	return false
}

// PlanLine binds a command into a plan with an optional guard condition and
// result-driven branch actions.
type PlanLine struct {
	CommandRef string `yaml:"command"`
	// Path overrides the command's default run directory.
	Path    string `yaml:"path,omitempty"`
	UseSudo bool   `yaml:"use_sudo,omitempty"`
	// Condition guards execution, e.g. {{ app_version }} == "16.0".
	// An empty condition always passes.
	Condition string `yaml:"condition,omitempty"`
	// Actions are checked in order against the command exit code. The first
	// matching one decides what happens next; with no match the plan defaults
	// apply.
	Actions []*PlanLineAction `yaml:"actions,omitempty"`
}

// PlanLineAction maps a command result to the next plan step.
type PlanLineAction struct {
	// Condition is a comparison operator applied as <exit code> <op> <value>.
	Condition      string `yaml:"condition"` // == != > >= < <=
	Value          int    `yaml:"value"`
	Action         string `yaml:"action"` // n | e | ec
	CustomExitCode int    `yaml:"custom_exit_code,omitempty"`
	// VariableValues are applied to the run's variable context when this
	// action matches. They live in the run logs only.
	VariableValues map[string]string `yaml:"variable_values,omitempty"`
}

// Load parses a YAML document from r into out using strict field checking.
func Load(r io.Reader, out interface{}) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// LoadFile parses a YAML file into out using strict field checking.
func LoadFile(path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := Load(f, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
