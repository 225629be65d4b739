// Package status defines the signed integer status codes recorded in the run
// ledger and returned by execution operations. The values are a wire contract:
// external callers key retry and alerting logic on them, so they never change.
package status

// Success is the only success code. Every other terminal state carries one of
// the codes below or the raw remote exit code of the failing command.
const Success = 0

// Generic codes.
const (
	GeneralError = -100
	NotFound     = -101

	// SSHConnectionError deliberately reuses the HTTP 503 value so callers
	// can treat an unreachable host the same way as an unavailable service.
	SSHConnectionError = 503
)

// Command execution codes.
const (
	AnotherCommandRunning        = -201
	NoCommandRunnerFound         = -202
	ScriptError                  = -203
	PlanLineConditionCheckFailed = -205
	CommandTimedOut              = -206
	CommandNotCompatible         = -207
	CommandStopped               = -208
)

// Flight plan codes.
const (
	AnotherPlanRunning  = -301
	PlanIsEmpty         = -302
	PlanNotAssigned     = -303
	PlanLineNotAssigned = -304
	PlanNotCompatible   = -306
	PlanStopped         = -308
)

// File operation codes.
const (
	FileCreationFailed = -400
	FileUploadFailed   = -401
	FileDownloadFailed = -402
)

// TimeoutMessage is the canonical message recorded when a command is killed
// for exceeding its timeout.
const TimeoutMessage = "Command timed out and was terminated"

// messages maps codes to human-readable summaries for logs and CLI output.
var messages = map[int]string{
	Success:                      "success",
	GeneralError:                 "general error",
	NotFound:                     "record not found",
	SSHConnectionError:           "SSH connection error",
	AnotherCommandRunning:        "another command is already running",
	NoCommandRunnerFound:         "no runner found for command action",
	ScriptError:                  "script execution error",
	PlanLineConditionCheckFailed: "plan line condition check failed",
	CommandTimedOut:              TimeoutMessage,
	CommandNotCompatible:         "command is not compatible with server",
	CommandStopped:               "command stopped",
	AnotherPlanRunning:           "another flight plan is already running",
	PlanIsEmpty:                  "flight plan has no lines",
	PlanNotAssigned:              "no flight plan assigned",
	PlanLineNotAssigned:          "no flight plan line assigned",
	PlanNotCompatible:            "flight plan is not compatible with server",
	PlanStopped:                  "flight plan stopped",
	FileCreationFailed:           "file creation failed",
	FileUploadFailed:             "file upload failed",
	FileDownloadFailed:           "file download failed",
}

// Message returns a human-readable summary for a status code. Unknown codes
// (raw remote exit codes) report as remote command failures.
func Message(code int) string {
	if m, ok := messages[code]; ok {
		return m
	}
	if code > 0 {
		return "remote command failed"
	}
	return "unknown error"
}
