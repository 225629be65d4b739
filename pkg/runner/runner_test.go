package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ormasoftchile/flightdeck/pkg/ledger"
	"github.com/ormasoftchile/flightdeck/pkg/schema"
	"github.com/ormasoftchile/flightdeck/pkg/sshc"
	"github.com/ormasoftchile/flightdeck/pkg/status"
	"github.com/ormasoftchile/flightdeck/pkg/vault"
)

// fakeSession records executed commands and replays scripted results.
type fakeSession struct {
	commands []string
	results  []sshc.ExecResult
	files    map[string][]byte
}

func (s *fakeSession) Exec(command, sudo string) sshc.ExecResult {
	s.commands = append(s.commands, command)
	if len(s.results) > 0 {
		result := s.results[0]
		s.results = s.results[1:]
		return result
	}
	return sshc.ExecResult{Status: 0, Response: []string{"ok\n"}}
}

func (s *fakeSession) Upload(data []byte, remotePath string) error {
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	s.files[remotePath] = data
	return nil
}

func (s *fakeSession) Download(remotePath string) ([]byte, error) {
	data, ok := s.files[remotePath]
	if !ok {
		return nil, errNotExist
	}
	return data, nil
}

func (s *fakeSession) Exists(remotePath string) (bool, error) {
	_, ok := s.files[remotePath]
	return ok, nil
}

var errNotExist = &fileError{"file does not exist"}

type fileError struct{ msg string }

func (e *fileError) Error() string { return e.msg }

type fakeLookup struct {
	commands  map[string]*schema.Command
	plans     map[string]*schema.FlightPlan
	templates map[string]*schema.FileTemplate
}

func (l *fakeLookup) ServerByRef(ref string) (*schema.Server, bool) { return nil, false }

func (l *fakeLookup) CommandByRef(ref string) (*schema.Command, bool) {
	c, ok := l.commands[ref]
	return c, ok
}

func (l *fakeLookup) PlanByRef(ref string) (*schema.FlightPlan, bool) {
	p, ok := l.plans[ref]
	return p, ok
}

func (l *fakeLookup) FileTemplateByRef(ref string) (*schema.FileTemplate, bool) {
	t, ok := l.templates[ref]
	return t, ok
}

type fakeSecrets map[string]*vault.Secret

func (s fakeSecrets) SecretByRef(ref string) (*vault.Secret, bool) {
	secret, ok := s[ref]
	return secret, ok
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestRunner(session *fakeSession, lookup *fakeLookup) (*Runner, *ledger.MemoryStore) {
	store := ledger.NewMemoryStore()
	if lookup == nil {
		lookup = &fakeLookup{}
	}
	r := &Runner{
		Lookup:  lookup,
		Store:   store,
		Dial:    func(opts sshc.Options) (Session, error) { return session, nil },
		Secrets: fakeSecrets{},
		Log:     quietLogger(),
	}
	return r, store
}

func testServer() *schema.Server {
	return &schema.Server{
		Reference:   "db1",
		Host:        "10.0.0.1",
		SSHUsername: "admin",
		SSHPassword: "pw",
		SSHAuthMode: schema.AuthPassword,
		Variables:   map[string]string{"dir": "/opt/app"},
	}
}

func TestRunShellSuccess(t *testing.T) {
	session := &fakeSession{results: []sshc.ExecResult{
		{Status: 0, Response: []string{"done\n"}},
	}}
	r, _ := newTestRunner(session, nil)

	cmd := &schema.Command{Reference: "deploy", Action: schema.ActionShell, Code: "make deploy -C {{ dir }}"}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 0 {
		t.Errorf("status = %d, want 0", log.Status)
	}
	if log.Response != "done\n" {
		t.Errorf("response = %q", log.Response)
	}
	if log.Code != "make deploy -C /opt/app" {
		t.Errorf("rendered code = %q", log.Code)
	}
	if len(session.commands) != 1 || session.commands[0] != "make deploy -C /opt/app" {
		t.Errorf("executed = %v", session.commands)
	}
	if log.IsRunning() {
		t.Error("finished run still marked running")
	}
}

func TestRunShellAggregatesLastFailure(t *testing.T) {
	session := &fakeSession{results: []sshc.ExecResult{
		{Status: 0},
		{Status: 1, Error: []string{"first\n"}},
		{Status: 0},
		{Status: 4, Error: []string{"second\n"}},
		{Status: 0},
	}}
	r, _ := newTestRunner(session, nil)

	server := testServer()
	server.UseSudo = schema.SudoWithPassword
	cmd := &schema.Command{
		Reference: "steps",
		Action:    schema.ActionShell,
		Code:      "a && b && c && d && e",
	}
	log, err := r.Run(server, cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 4 {
		t.Errorf("status = %d, want 4", log.Status)
	}
	if log.Error != "first\nsecond\n" {
		t.Errorf("error = %q", log.Error)
	}
}

func TestRunShellRedactsSecrets(t *testing.T) {
	session := &fakeSession{results: []sshc.ExecResult{
		{Status: 1, Error: []string{"auth failed for s3cr3t\n"}},
	}}
	r, _ := newTestRunner(session, nil)
	r.Secrets = fakeSecrets{
		"TOKEN": {Reference: "TOKEN", Values: []vault.SecretValue{{Value: "s3cr3t"}}},
	}

	cmd := &schema.Command{
		Reference: "login",
		Action:    schema.ActionShell,
		Code:      "login --token #!flightdeck.secret.TOKEN!#",
	}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(log.Error, "s3cr3t") {
		t.Errorf("secret leaked into error: %q", log.Error)
	}
	if !strings.Contains(log.Error, vault.Placeholder) {
		t.Errorf("error missing placeholder: %q", log.Error)
	}
	// The secret reached the session unredacted.
	if !strings.Contains(session.commands[0], "s3cr3t") {
		t.Errorf("executed command missing resolved secret: %q", session.commands[0])
	}
}

func TestRunDialFailure(t *testing.T) {
	r, _ := newTestRunner(nil, nil)
	r.Dial = func(opts sshc.Options) (Session, error) {
		return nil, &fileError{"connect 10.0.0.1:22: refused"}
	}

	cmd := &schema.Command{Reference: "deploy", Action: schema.ActionShell, Code: "true"}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != status.SSHConnectionError {
		t.Errorf("status = %d, want %d", log.Status, status.SSHConnectionError)
	}
}

func TestRunCompatibilityGuard(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)

	cmd := &schema.Command{
		Reference:  "deploy",
		Action:     schema.ActionShell,
		Code:       "true",
		ServerRefs: []string{"web1"},
	}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != status.CommandNotCompatible {
		t.Errorf("status = %d, want %d", log.Status, status.CommandNotCompatible)
	}
	if log.IsRunning() {
		t.Error("guard record not finished")
	}
}

func TestGuardRecordSnapshotsValues(t *testing.T) {
	r, store := newTestRunner(&fakeSession{}, nil)

	values := map[string]string{"branch": "main"}
	cmd := &schema.Command{
		Reference:  "deploy",
		Action:     schema.ActionShell,
		Code:       "true",
		ServerRefs: []string{"web1"},
	}
	log, err := r.Run(testServer(), cmd, Options{VariableValues: values})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != status.CommandNotCompatible {
		t.Fatalf("status = %d, want %d", log.Status, status.CommandNotCompatible)
	}

	// A later mutation of the caller's map must not reach the stored entry.
	values["branch"] = "hotfix"
	got, _ := store.CommandLogByID(log.ID)
	if got.VariableValues["branch"] != "main" {
		t.Errorf("stored variable_values = %v, want the snapshot taken at record time", got.VariableValues)
	}
}

func TestRunParallelGuard(t *testing.T) {
	r, store := newTestRunner(&fakeSession{}, nil)

	running := &ledger.CommandLog{
		ID:            ledger.NewID(),
		ServerRef:     "db1",
		CommandRef:    "deploy",
		CommandAction: schema.ActionShell,
		StartDate:     time.Now(),
	}
	store.SaveCommandLog(running)

	cmd := &schema.Command{Reference: "deploy", Action: schema.ActionShell, Code: "true"}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != status.AnotherCommandRunning {
		t.Errorf("status = %d, want %d", log.Status, status.AnotherCommandRunning)
	}
}

func TestRunParallelAllowed(t *testing.T) {
	r, store := newTestRunner(&fakeSession{}, nil)

	running := &ledger.CommandLog{
		ID:            ledger.NewID(),
		ServerRef:     "db1",
		CommandRef:    "deploy",
		CommandAction: schema.ActionShell,
		StartDate:     time.Now(),
	}
	store.SaveCommandLog(running)

	cmd := &schema.Command{Reference: "deploy", Action: schema.ActionShell, Code: "true", AllowParallelRun: true}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 0 {
		t.Errorf("status = %d, want 0", log.Status)
	}
}

func TestRunUnknownAction(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)

	cmd := &schema.Command{Reference: "odd", Action: "teleport"}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != status.NoCommandRunnerFound {
		t.Errorf("status = %d, want %d", log.Status, status.NoCommandRunnerFound)
	}
}

func TestResolveSudo(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)
	server := testServer()
	server.UseSudo = schema.SudoWithoutPassword

	if got := r.resolveSudo(server, nil); got != schema.SudoWithoutPassword {
		t.Errorf("default sudo = %q, want %q", got, schema.SudoWithoutPassword)
	}

	off := false
	if got := r.resolveSudo(server, &off); got != "" {
		t.Errorf("disabled sudo = %q, want empty", got)
	}

	server.SSHUsername = "root"
	if got := r.resolveSudo(server, nil); got != "" {
		t.Errorf("root sudo = %q, want empty", got)
	}
}

func TestRunServerStatusSideEffect(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)
	var gotRef, gotStatus string
	r.SetServerStatus = func(serverRef, newStatus string) {
		gotRef, gotStatus = serverRef, newStatus
	}

	cmd := &schema.Command{Reference: "start", Action: schema.ActionShell, Code: "start", ServerStatus: "running"}
	if _, err := r.Run(testServer(), cmd, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotRef != "db1" || gotStatus != "running" {
		t.Errorf("status side effect = %q/%q, want db1/running", gotRef, gotStatus)
	}
}

func TestRunServerStatusSkippedOnFailure(t *testing.T) {
	session := &fakeSession{results: []sshc.ExecResult{{Status: 1}}}
	r, _ := newTestRunner(session, nil)
	called := false
	r.SetServerStatus = func(serverRef, newStatus string) { called = true }

	cmd := &schema.Command{Reference: "start", Action: schema.ActionShell, Code: "start", ServerStatus: "running"}
	if _, err := r.Run(testServer(), cmd, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if called {
		t.Error("status side effect applied on failed run")
	}
}

func TestRunScriptResult(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)

	cmd := &schema.Command{
		Reference: "check",
		Action:    schema.ActionScript,
		Code:      `server.host == "10.0.0.1" ? result(0, "host ok") : result(1, "wrong host")`,
	}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 0 {
		t.Errorf("status = %d, want 0", log.Status)
	}
	if log.Response != "host ok" {
		t.Errorf("response = %q", log.Response)
	}
}

func TestRunScriptFailureResult(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)

	cmd := &schema.Command{
		Reference: "check",
		Action:    schema.ActionScript,
		Code:      `result(2, "needs attention")`,
	}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 2 {
		t.Errorf("status = %d, want 2", log.Status)
	}
	if log.Error != "needs attention" {
		t.Errorf("error = %q", log.Error)
	}
}

func TestRunScriptSetsValues(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)

	cmd := &schema.Command{
		Reference: "mark",
		Action:    schema.ActionScript,
		Code:      `set_value("phase", "done")`,
	}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 0 {
		t.Errorf("status = %d, want 0", log.Status)
	}
	if log.VariableValues["phase"] != "done" {
		t.Errorf("variable_values = %v, want phase=done", log.VariableValues)
	}
}

func TestRunScriptCompileFault(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)

	cmd := &schema.Command{
		Reference: "bad",
		Action:    schema.ActionScript,
		Code:      `result(0,`,
	}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != status.ScriptError {
		t.Errorf("status = %d, want %d", log.Status, status.ScriptError)
	}
}

func TestRunFileUpload(t *testing.T) {
	session := &fakeSession{}
	lookup := &fakeLookup{templates: map[string]*schema.FileTemplate{
		"nginx": {
			Reference: "nginx",
			FileName:  "{{ app }}.conf",
			ServerDir: "/etc/nginx/conf.d",
			Source:    schema.SourceLocal,
			Code:      "server_name {{ app }};",
		},
	}}
	r, _ := newTestRunner(session, lookup)

	server := testServer()
	server.Variables["app"] = "shop"
	cmd := &schema.Command{Reference: "push_conf", Action: schema.ActionFile, FileTemplateRef: "nginx"}
	log, err := r.Run(server, cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 0 {
		t.Errorf("status = %d: %s", log.Status, log.Error)
	}
	data, ok := session.files["/etc/nginx/conf.d/shop.conf"]
	if !ok {
		t.Fatalf("file not uploaded, have %v", session.files)
	}
	if string(data) != "server_name shop;" {
		t.Errorf("uploaded body = %q", string(data))
	}
}

func TestRunFileSkipsExisting(t *testing.T) {
	session := &fakeSession{files: map[string][]byte{
		"/etc/nginx/conf.d/shop.conf": []byte("old"),
	}}
	lookup := &fakeLookup{templates: map[string]*schema.FileTemplate{
		"nginx": {Reference: "nginx", FileName: "shop.conf", ServerDir: "/etc/nginx/conf.d", Source: schema.SourceLocal, Code: "new"},
	}}
	r, _ := newTestRunner(session, lookup)

	cmd := &schema.Command{Reference: "push_conf", Action: schema.ActionFile, FileTemplateRef: "nginx", IfFileExists: schema.FileSkip}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 0 {
		t.Errorf("status = %d", log.Status)
	}
	if string(session.files["/etc/nginx/conf.d/shop.conf"]) != "old" {
		t.Error("existing file was overwritten despite skip policy")
	}
}

func TestRunFileRaisesOnExisting(t *testing.T) {
	session := &fakeSession{files: map[string][]byte{
		"/etc/nginx/conf.d/shop.conf": []byte("old"),
	}}
	lookup := &fakeLookup{templates: map[string]*schema.FileTemplate{
		"nginx": {Reference: "nginx", FileName: "shop.conf", ServerDir: "/etc/nginx/conf.d", Source: schema.SourceLocal, Code: "new"},
	}}
	r, _ := newTestRunner(session, lookup)

	cmd := &schema.Command{Reference: "push_conf", Action: schema.ActionFile, FileTemplateRef: "nginx", IfFileExists: schema.FileRaise}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != status.FileCreationFailed {
		t.Errorf("status = %d, want %d", log.Status, status.FileCreationFailed)
	}
}

func TestRunFileOverwrite(t *testing.T) {
	session := &fakeSession{files: map[string][]byte{
		"/etc/nginx/conf.d/shop.conf": []byte("old"),
	}}
	lookup := &fakeLookup{templates: map[string]*schema.FileTemplate{
		"nginx": {Reference: "nginx", FileName: "shop.conf", ServerDir: "/etc/nginx/conf.d", Source: schema.SourceLocal, Code: "new"},
	}}
	r, _ := newTestRunner(session, lookup)

	cmd := &schema.Command{Reference: "push_conf", Action: schema.ActionFile, FileTemplateRef: "nginx", IfFileExists: schema.FileOverwrite}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 0 {
		t.Errorf("status = %d", log.Status)
	}
	if string(session.files["/etc/nginx/conf.d/shop.conf"]) != "new" {
		t.Error("file not overwritten")
	}
}

func TestRunFileMissingTemplate(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)

	cmd := &schema.Command{Reference: "push_conf", Action: schema.ActionFile, FileTemplateRef: "gone"}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != status.FileCreationFailed {
		t.Errorf("status = %d, want %d", log.Status, status.FileCreationFailed)
	}
}

func TestRunFileDownload(t *testing.T) {
	session := &fakeSession{files: map[string][]byte{
		"/var/log/app/app.log": []byte("log body"),
	}}
	lookup := &fakeLookup{templates: map[string]*schema.FileTemplate{
		"applog": {Reference: "applog", FileName: "app.log", ServerDir: "/var/log/app", Source: schema.SourceRemote},
	}}
	r, _ := newTestRunner(session, lookup)
	r.FilesDir = t.TempDir()

	cmd := &schema.Command{Reference: "pull_log", Action: schema.ActionFile, FileTemplateRef: "applog", IfFileExists: schema.FileOverwrite}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 0 {
		t.Errorf("status = %d: %s", log.Status, log.Error)
	}
}

func TestRunNestedPlan(t *testing.T) {
	lookup := &fakeLookup{plans: map[string]*schema.FlightPlan{
		"deploy": {Reference: "deploy"},
	}}
	r, _ := newTestRunner(&fakeSession{}, lookup)

	var gotPlan string
	r.RunPlan = func(plan *schema.FlightPlan, server *schema.Server, commandLog *ledger.CommandLog, values map[string]string) (*ledger.PlanLog, error) {
		gotPlan = plan.Reference
		return &ledger.PlanLog{ID: "child", Status: 0, VariableValues: values}, nil
	}

	cmd := &schema.Command{Reference: "run_deploy", Action: schema.ActionPlan, FlightPlanRef: "deploy"}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotPlan != "deploy" {
		t.Errorf("plan ref = %q, want deploy", gotPlan)
	}
	if log.Status != 0 {
		t.Errorf("status = %d, want 0", log.Status)
	}
	if log.TriggeredPlanLogID != "child" {
		t.Errorf("triggered plan log = %q, want child", log.TriggeredPlanLogID)
	}
}

func TestRunNestedPlanFailure(t *testing.T) {
	lookup := &fakeLookup{plans: map[string]*schema.FlightPlan{
		"deploy": {Reference: "deploy"},
	}}
	r, _ := newTestRunner(&fakeSession{}, lookup)
	r.RunPlan = func(plan *schema.FlightPlan, server *schema.Server, commandLog *ledger.CommandLog, values map[string]string) (*ledger.PlanLog, error) {
		return &ledger.PlanLog{ID: "child", Status: 7}, nil
	}

	cmd := &schema.Command{Reference: "run_deploy", Action: schema.ActionPlan, FlightPlanRef: "deploy"}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != 7 {
		t.Errorf("status = %d, want 7", log.Status)
	}
}

func TestRunNestedPlanMissing(t *testing.T) {
	r, _ := newTestRunner(&fakeSession{}, nil)
	r.RunPlan = func(plan *schema.FlightPlan, server *schema.Server, commandLog *ledger.CommandLog, values map[string]string) (*ledger.PlanLog, error) {
		t.Fatal("plan runner called for a missing plan")
		return nil, nil
	}

	cmd := &schema.Command{Reference: "run_gone", Action: schema.ActionPlan, FlightPlanRef: "gone"}
	log, err := r.Run(testServer(), cmd, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.Status != status.NotFound {
		t.Errorf("status = %d, want %d", log.Status, status.NotFound)
	}
}
