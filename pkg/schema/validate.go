package schema

import (
	"fmt"
	"regexp"
)

// Lookup resolves entity references. Implementations are external to the
// engine: the bundled YAML inventory, or whatever catalog the embedding
// application keeps its definitions in.
type Lookup interface {
	ServerByRef(ref string) (*Server, bool)
	CommandByRef(ref string) (*Command, bool)
	PlanByRef(ref string) (*FlightPlan, bool)
	FileTemplateByRef(ref string) (*FileTemplate, bool)
}

// ValidationError is a single validation error with location context.
type ValidationError struct {
	Path    string `json:"path"` // e.g. "plan[deploy].lines[2]"
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// referenceRe is the allowed shape of entity references.
var referenceRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// actionConditionRe is the allowed shape of plan line action comparators.
var actionConditionRe = regexp.MustCompile(`^(==|!=|>|>=|<|<=)$`)

func errf(path, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// ValidateServer checks a server definition.
func ValidateServer(s *Server) []*ValidationError {
	var errs []*ValidationError
	path := fmt.Sprintf("server[%s]", s.Reference)

	if !referenceRe.MatchString(s.Reference) {
		errs = append(errs, errf(path, "invalid reference %q", s.Reference))
	}
	if s.Host == "" {
		errs = append(errs, errf(path, "host is required"))
	}
	if s.SSHUsername == "" {
		errs = append(errs, errf(path, "ssh_username is required"))
	}
	switch s.SSHAuthMode {
	case AuthPassword:
		if s.SSHPassword == "" {
			errs = append(errs, errf(path, "ssh_password is required for password auth"))
		}
	case AuthKey:
		if s.SSHKey == "" {
			errs = append(errs, errf(path, "ssh_key is required for key auth"))
		}
	default:
		errs = append(errs, errf(path, "unknown ssh_auth_mode %q", s.SSHAuthMode))
	}
	switch s.UseSudo {
	case SudoNone, SudoWithoutPassword, SudoWithPassword:
	default:
		errs = append(errs, errf(path, "unknown use_sudo mode %q", s.UseSudo))
	}
	return errs
}

// ValidateCommand checks a command definition and its action-specific fields.
func ValidateCommand(c *Command, lookup Lookup) []*ValidationError {
	var errs []*ValidationError
	path := fmt.Sprintf("command[%s]", c.Reference)

	if !referenceRe.MatchString(c.Reference) {
		errs = append(errs, errf(path, "invalid reference %q", c.Reference))
	}

	switch c.Action {
	case ActionShell, ActionScript:
		if c.Code == "" {
			errs = append(errs, errf(path, "code is required for action %q", c.Action))
		}
	case ActionFile:
		if c.FileTemplateRef == "" {
			errs = append(errs, errf(path, "file_template is required for the file action"))
		} else if lookup != nil {
			if _, ok := lookup.FileTemplateByRef(c.FileTemplateRef); !ok {
				errs = append(errs, errf(path, "unknown file template %q", c.FileTemplateRef))
			}
		}
		switch c.IfFileExists {
		case "", FileSkip, FileOverwrite, FileRaise:
		default:
			errs = append(errs, errf(path, "unknown if_file_exists policy %q", c.IfFileExists))
		}
	case ActionPlan:
		if c.FlightPlanRef == "" {
			errs = append(errs, errf(path, "flight_plan is required for the plan action"))
		} else if lookup != nil {
			if _, ok := lookup.PlanByRef(c.FlightPlanRef); !ok {
				errs = append(errs, errf(path, "unknown flight plan %q", c.FlightPlanRef))
			}
		}
	default:
		errs = append(errs, errf(path, "unknown action %q", c.Action))
	}

	if c.ServerStatus != "" {
		known := false
		for _, st := range ServerStatuses {
			if st == c.ServerStatus {
				known = true
				break
			}
		}
		if !known {
			errs = append(errs, errf(path, "unknown server_status %q", c.ServerStatus))
		}
	}
	return errs
}

// ValidatePlan checks a flight plan, its lines and their actions, and rejects
// plans that reach themselves through nested plan commands.
func ValidatePlan(p *FlightPlan, lookup Lookup) []*ValidationError {
	var errs []*ValidationError
	path := fmt.Sprintf("plan[%s]", p.Reference)

	if !referenceRe.MatchString(p.Reference) {
		errs = append(errs, errf(path, "invalid reference %q", p.Reference))
	}
	switch p.OnError() {
	case ActionNext, ActionExit, ActionExitCustom:
	default:
		errs = append(errs, errf(path, "unknown on_error_action %q", p.OnErrorAction))
	}

	for i, line := range p.Lines {
		linePath := fmt.Sprintf("%s.lines[%d]", path, i)
		if line.CommandRef == "" {
			errs = append(errs, errf(linePath, "command is required"))
			continue
		}
		var cmd *Command
		if lookup != nil {
			var ok bool
			cmd, ok = lookup.CommandByRef(line.CommandRef)
			if !ok {
				errs = append(errs, errf(linePath, "unknown command %q", line.CommandRef))
			}
		}
		for j, action := range line.Actions {
			actionPath := fmt.Sprintf("%s.actions[%d]", linePath, j)
			if !actionConditionRe.MatchString(action.Condition) {
				errs = append(errs, errf(actionPath, "unknown condition operator %q", action.Condition))
			}
			switch action.Action {
			case ActionNext, ActionExit, ActionExitCustom:
			default:
				errs = append(errs, errf(actionPath, "unknown action %q", action.Action))
			}
		}
		// Cycle check. The visited set tracks the current DFS path only, so
		// diamond-shaped reuse of a shared child plan stays legal.
		if cmd != nil && cmd.Action == ActionPlan && lookup != nil {
			onPath := map[string]bool{p.Reference: true}
			if cycle := findPlanCycle(cmd, onPath, lookup); cycle != "" {
				errs = append(errs, errf(linePath, "recursive plan call detected in plan %q", cycle))
			}
		}
	}
	return errs
}

// findPlanCycle walks nested plan commands depth-first and returns the
// reference of the first plan found on its own call path, or "" when the
// graph is acyclic. onPath is unwound when a subtree is left.
func findPlanCycle(cmd *Command, onPath map[string]bool, lookup Lookup) string {
	if cmd == nil || cmd.Action != ActionPlan || cmd.FlightPlanRef == "" {
		return ""
	}
	if onPath[cmd.FlightPlanRef] {
		return cmd.FlightPlanRef
	}
	child, ok := lookup.PlanByRef(cmd.FlightPlanRef)
	if !ok {
		return ""
	}
	onPath[cmd.FlightPlanRef] = true
	defer delete(onPath, cmd.FlightPlanRef)
	for _, line := range child.Lines {
		next, ok := lookup.CommandByRef(line.CommandRef)
		if !ok {
			continue
		}
		if cycle := findPlanCycle(next, onPath, lookup); cycle != "" {
			return cycle
		}
	}
	return ""
}
