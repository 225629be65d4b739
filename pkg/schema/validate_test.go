package schema

import (
	"strings"
	"testing"
)

type fakeLookup struct {
	servers   map[string]*Server
	commands  map[string]*Command
	plans     map[string]*FlightPlan
	templates map[string]*FileTemplate
}

func (l *fakeLookup) ServerByRef(ref string) (*Server, bool) {
	s, ok := l.servers[ref]
	return s, ok
}

func (l *fakeLookup) CommandByRef(ref string) (*Command, bool) {
	c, ok := l.commands[ref]
	return c, ok
}

func (l *fakeLookup) PlanByRef(ref string) (*FlightPlan, bool) {
	p, ok := l.plans[ref]
	return p, ok
}

func (l *fakeLookup) FileTemplateByRef(ref string) (*FileTemplate, bool) {
	t, ok := l.templates[ref]
	return t, ok
}

func hasError(errs []*ValidationError, fragment string) bool {
	for _, e := range errs {
		if strings.Contains(e.Error(), fragment) {
			return true
		}
	}
	return false
}

func TestValidateServerPasswordAuth(t *testing.T) {
	s := &Server{Reference: "db1", Host: "10.0.0.1", SSHUsername: "admin", SSHAuthMode: AuthPassword}
	errs := ValidateServer(s)
	if !hasError(errs, "ssh_password is required") {
		t.Errorf("expected missing password error, got %v", errs)
	}

	s.SSHPassword = "pw"
	if errs := ValidateServer(s); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateServerKeyAuth(t *testing.T) {
	s := &Server{Reference: "db1", Host: "10.0.0.1", SSHUsername: "admin", SSHAuthMode: AuthKey}
	if errs := ValidateServer(s); !hasError(errs, "ssh_key is required") {
		t.Errorf("expected missing key error, got %v", errs)
	}
}

func TestValidateServerUnknownSudoMode(t *testing.T) {
	s := &Server{Reference: "db1", Host: "h", SSHUsername: "u", SSHAuthMode: AuthPassword, SSHPassword: "pw", UseSudo: "x"}
	if errs := ValidateServer(s); !hasError(errs, "unknown use_sudo mode") {
		t.Errorf("expected sudo mode error, got %v", errs)
	}
}

func TestValidateCommandShellNeedsCode(t *testing.T) {
	c := &Command{Reference: "restart", Action: ActionShell}
	if errs := ValidateCommand(c, nil); !hasError(errs, "code is required") {
		t.Errorf("expected code error, got %v", errs)
	}
}

func TestValidateCommandFileNeedsTemplate(t *testing.T) {
	lookup := &fakeLookup{templates: map[string]*FileTemplate{}}
	c := &Command{Reference: "push_conf", Action: ActionFile, FileTemplateRef: "nginx"}
	if errs := ValidateCommand(c, lookup); !hasError(errs, "unknown file template") {
		t.Errorf("expected template error, got %v", errs)
	}
}

func TestValidateCommandUnknownServerStatus(t *testing.T) {
	c := &Command{Reference: "start", Action: ActionShell, Code: "systemctl start app", ServerStatus: "flying"}
	if errs := ValidateCommand(c, nil); !hasError(errs, "unknown server_status") {
		t.Errorf("expected server_status error, got %v", errs)
	}
}

func TestValidatePlanActionOperators(t *testing.T) {
	lookup := &fakeLookup{
		commands: map[string]*Command{
			"noop": {Reference: "noop", Action: ActionShell, Code: "true"},
		},
	}
	p := &FlightPlan{
		Reference: "deploy",
		Lines: []*PlanLine{
			{CommandRef: "noop", Actions: []*PlanLineAction{
				{Condition: "~=", Value: 0, Action: ActionNext},
				{Condition: "==", Value: 0, Action: "x"},
			}},
		},
	}
	errs := ValidatePlan(p, lookup)
	if !hasError(errs, "unknown condition operator") {
		t.Errorf("expected operator error, got %v", errs)
	}
	if !hasError(errs, `unknown action "x"`) {
		t.Errorf("expected action error, got %v", errs)
	}
}

// planLookup builds a lookup where each plan gets a companion plan-action
// command named run_<plan>.
func planLookup(plans ...*FlightPlan) *fakeLookup {
	lookup := &fakeLookup{
		commands: map[string]*Command{},
		plans:    map[string]*FlightPlan{},
	}
	for _, p := range plans {
		lookup.plans[p.Reference] = p
		lookup.commands["run_"+p.Reference] = &Command{
			Reference:     "run_" + p.Reference,
			Action:        ActionPlan,
			FlightPlanRef: p.Reference,
		}
	}
	return lookup
}

func TestValidatePlanDetectsCycle(t *testing.T) {
	a := &FlightPlan{Reference: "a", Lines: []*PlanLine{{CommandRef: "run_b"}}}
	b := &FlightPlan{Reference: "b", Lines: []*PlanLine{{CommandRef: "run_a"}}}
	lookup := planLookup(a, b)

	if errs := ValidatePlan(a, lookup); !hasError(errs, "recursive plan call") {
		t.Errorf("expected cycle error, got %v", errs)
	}
}

func TestValidatePlanDetectsSelfCycle(t *testing.T) {
	a := &FlightPlan{Reference: "a", Lines: []*PlanLine{{CommandRef: "run_a"}}}
	lookup := planLookup(a)

	if errs := ValidatePlan(a, lookup); !hasError(errs, "recursive plan call") {
		t.Errorf("expected cycle error, got %v", errs)
	}
}

func TestValidatePlanAcceptsDiamondReuse(t *testing.T) {
	// top calls left and right; both call shared. No cycle.
	shared := &FlightPlan{Reference: "shared"}
	left := &FlightPlan{Reference: "left", Lines: []*PlanLine{{CommandRef: "run_shared"}}}
	right := &FlightPlan{Reference: "right", Lines: []*PlanLine{{CommandRef: "run_shared"}}}
	top := &FlightPlan{Reference: "top", Lines: []*PlanLine{
		{CommandRef: "run_left"},
		{CommandRef: "run_right"},
	}}
	lookup := planLookup(shared, left, right, top)

	if errs := ValidatePlan(top, lookup); hasError(errs, "recursive plan call") {
		t.Errorf("diamond reuse flagged as cycle: %v", errs)
	}
}

func TestPlanOnErrorDefault(t *testing.T) {
	p := &FlightPlan{Reference: "p"}
	if got := p.OnError(); got != ActionExit {
		t.Errorf("OnError() = %q, want %q", got, ActionExit)
	}
}

func TestServerPortDefault(t *testing.T) {
	s := &Server{}
	if got := s.Port(); got != 22 {
		t.Errorf("Port() = %d, want 22", got)
	}
	s.SSHPort = 2222
	if got := s.Port(); got != 2222 {
		t.Errorf("Port() = %d, want 2222", got)
	}
}
