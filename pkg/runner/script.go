package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/ormasoftchile/flightdeck/pkg/ledger"
	"github.com/ormasoftchile/flightdeck/pkg/schema"
	"github.com/ormasoftchile/flightdeck/pkg/status"
	"github.com/ormasoftchile/flightdeck/pkg/vars"
	"github.com/ormasoftchile/flightdeck/pkg/vault"
)

// runScript evaluates script code in a restricted sandbox. The program sees
// a fixed capability table and nothing else: read-only server facts, the
// run's custom values with get/set helpers, and a handful of pure helpers.
//
// A program reports its outcome through result(exit_code, message); with no
// result the run counts as success. Any compile or evaluation fault maps to
// the script error status, never to a Go error.
func (r *Runner) runScript(server *schema.Server, log *ledger.CommandLog, code string, varCtx *vars.Context, scope vault.Scope) {
	// Secrets in script code are substituted as quoted values so the code
	// stays a valid expression.
	parsed := vault.ParseCodeQuoted(code, r.Secrets, scope)

	env := map[string]interface{}{
		"server": map[string]interface{}{
			"reference": server.Reference,
			"name":      server.Name,
			"host":      server.Host,
			"status":    server.Status,
		},
		"custom_values": toInterfaceMap(varCtx.Values()),
		"value": func(name string) string {
			v, _ := varCtx.Get(name)
			return v
		},
		"set_value": func(name, value string) bool {
			varCtx.Set(name, value)
			return true
		},
		"result": func(exitCode int, message string) map[string]interface{} {
			return map[string]interface{}{"exit_code": exitCode, "message": message}
		},
		"now": func() string { return time.Now().UTC().Format(time.RFC3339) },
		"sha256": func(s string) string {
			h := sha256.Sum256([]byte(s))
			return hex.EncodeToString(h[:])
		},
		"to_json": func(v interface{}) string {
			b, _ := json.Marshal(v)
			return string(b)
		},
		"sprintf": fmt.Sprintf,
	}

	program, err := expr.Compile(parsed.Code, expr.Env(env))
	if err != nil {
		log.Finish(status.ScriptError, "", vault.Redact(err.Error(), parsed.Values))
		log.VariableValues = varCtx.Values()
		return
	}
	output, err := expr.Run(program, env)
	if err != nil {
		log.Finish(status.ScriptError, "", vault.Redact(err.Error(), parsed.Values))
		log.VariableValues = varCtx.Values()
		return
	}

	// Updated custom values stay with the run logs only.
	log.VariableValues = varCtx.Values()

	exitCode, message := scriptResult(output)
	message = vault.Redact(message, parsed.Values)
	if exitCode == status.Success {
		log.Finish(exitCode, message, "")
	} else {
		log.Finish(exitCode, "", message)
	}
}

// scriptResult interprets a program's output as {exit_code, message}. Any
// other shape counts as success with no message.
func scriptResult(output interface{}) (int, string) {
	m, ok := output.(map[string]interface{})
	if !ok {
		return status.Success, ""
	}
	exitCode := status.Success
	switch v := m["exit_code"].(type) {
	case int:
		exitCode = v
	case float64:
		exitCode = int(v)
	}
	message, _ := m["message"].(string)
	return exitCode, message
}

func toInterfaceMap(values map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
