package engine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ormasoftchile/flightdeck/pkg/ledger"
	"github.com/ormasoftchile/flightdeck/pkg/runner"
	"github.com/ormasoftchile/flightdeck/pkg/schema"
	"github.com/ormasoftchile/flightdeck/pkg/status"
	"github.com/ormasoftchile/flightdeck/pkg/vars"
)

// runNestedPlan is the runner's hook for the plan command action. The child
// plan log links back to the invoking plan run and carries a fresh label so
// nested runs can be told apart.
func (e *Engine) runNestedPlan(plan *schema.FlightPlan, server *schema.Server, commandLog *ledger.CommandLog, values map[string]string) (*ledger.PlanLog, error) {
	return e.runPlan(plan, server, commandLog.PlanLogID, ledger.NewLabel(), values)
}

// runPlan drives a flight plan to completion: it walks the lines in order,
// skips those whose condition fails, runs the rest through the runner and
// follows the branch action the command result selects. Guard refusals
// produce a finished plan log without running any line.
func (e *Engine) runPlan(plan *schema.FlightPlan, server *schema.Server, parentPlanLogID, label string, values map[string]string) (*ledger.PlanLog, error) {
	if !e.planCompatible(plan, server.Reference, map[string]bool{}) {
		return e.recordPlan(plan, server, parentPlanLogID, label, values,
			status.PlanNotCompatible, "Flight plan is not compatible with the server")
	}
	if !plan.AllowParallelRun {
		count, err := e.store.RunningPlanCount(server.Reference, plan.Reference)
		if err != nil {
			return nil, fmt.Errorf("query running plans: %w", err)
		}
		if count > 0 {
			return e.recordPlan(plan, server, parentPlanLogID, label, values,
				status.AnotherPlanRunning, "Another instance of the flight plan is already running")
		}
	}
	if len(plan.Lines) == 0 {
		return e.recordPlan(plan, server, parentPlanLogID, label, values,
			status.PlanIsEmpty, "Flight plan has no lines")
	}

	overrides := make(map[string]string, len(values))
	for k, v := range values {
		overrides[k] = v
	}
	log := &ledger.PlanLog{
		ID:              ledger.NewID(),
		Label:           label,
		ServerRef:       server.Reference,
		PlanRef:         plan.Reference,
		ParentPlanLogID: parentPlanLogID,
		StartDate:       time.Now(),
		VariableValues:  copyValues(overrides),
	}
	if err := e.store.SavePlanLog(log); err != nil {
		return nil, fmt.Errorf("save plan log: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"server": server.Reference,
		"plan":   plan.Reference,
		"log":    log.ID,
	}).Info("running flight plan")

	anyRan := false
	line := 0
	for {
		// An external stop finishes the log in the store; observe it before
		// scheduling the next line.
		if current, err := e.store.PlanLogByID(log.ID); err == nil && current != nil && current.IsStopped {
			return current, nil
		}

		pl := plan.Lines[line]
		last := line == len(plan.Lines)-1
		log.ExecutedLine = line + 1

		cmd, ok := e.lookup.CommandByRef(pl.CommandRef)
		if !ok {
			log.CustomMessage = fmt.Sprintf("Command %q not found", pl.CommandRef)
			return e.finishPlan(log, true, status.PlanLineNotAssigned)
		}

		action := schema.ActionNext
		code := status.PlanLineConditionCheckFailed

		varCtx := vars.NewContext(server.Variables, overrides)
		pass := true
		if pl.Condition != "" {
			var err error
			pass, err = varCtx.EvalCondition(pl.Condition)
			if err != nil {
				pass = false
			}
		}
		if !pass {
			if _, err := e.runner.RecordSkipped(server, cmd, log.ID, pl.Condition, varCtx.Values()); err != nil {
				return nil, err
			}
		} else {
			anyRan = true
			cmdLog, err := e.runner.Run(server, cmd, runner.Options{
				Path:           pl.Path,
				Sudo:           &pl.UseSudo,
				PlanLogID:      log.ID,
				VariableValues: overrides,
			})
			if err != nil {
				return nil, err
			}
			if cmdLog.IsStopped {
				if current, serr := e.store.PlanLogByID(log.ID); serr == nil && current != nil && current.IsStopped {
					return current, nil
				}
				e.stopPlanLog(log)
				return log, nil
			}
			// The command may have changed values (script set_value, nested
			// plan overrides); later lines see them.
			for k, v := range cmdLog.VariableValues {
				overrides[k] = v
			}
			action, code = nextAction(plan, pl, last, cmdLog.Status, overrides)
		}

		log.VariableValues = copyValues(overrides)

		if action == schema.ActionNext && !last {
			if err := e.store.SavePlanLog(log); err != nil {
				return nil, fmt.Errorf("save plan log: %w", err)
			}
			line++
			continue
		}
		return e.finishPlan(log, anyRan, code)
	}
}

// planCompatible reports whether the plan and every command it can reach may
// run on the server, recursing into nested plans. seen guards against plan
// graphs revisiting a shared child.
func (e *Engine) planCompatible(plan *schema.FlightPlan, serverRef string, seen map[string]bool) bool {
	if !plan.CompatibleWith(serverRef) {
		return false
	}
	if seen[plan.Reference] {
		return true
	}
	seen[plan.Reference] = true
	for _, line := range plan.Lines {
		cmd, ok := e.lookup.CommandByRef(line.CommandRef)
		if !ok {
			continue
		}
		if !cmd.CompatibleWith(serverRef) {
			return false
		}
		if cmd.Action == schema.ActionPlan && cmd.FlightPlanRef != "" {
			child, ok := e.lookup.PlanByRef(cmd.FlightPlanRef)
			if ok && !e.planCompatible(child, serverRef, seen) {
				return false
			}
		}
	}
	return true
}

// nextAction resolves the step after a line's command finished. The first
// action whose comparison matches the exit code wins; with no match a zero
// exit continues and a non-zero one follows the plan's on-error fallback.
// A "continue" on the last line becomes an exit.
func nextAction(plan *schema.FlightPlan, line *schema.PlanLine, last bool, exitCode int, overrides map[string]string) (string, int) {
	action := ""
	code := exitCode
	for _, a := range line.Actions {
		match, err := vars.EvalComparison(exitCode, a.Condition, a.Value)
		if err != nil || !match {
			continue
		}
		action = a.Action
		if action == schema.ActionExitCustom {
			code = a.CustomExitCode
		}
		for k, v := range a.VariableValues {
			overrides[k] = v
		}
		break
	}
	if action == "" {
		if exitCode == status.Success {
			action = schema.ActionNext
		} else {
			action = plan.OnError()
			if action == schema.ActionExitCustom {
				code = plan.CustomExitCode
			}
		}
	}
	if action == schema.ActionNext && last {
		action = schema.ActionExit
	}
	return action, code
}

// finishPlan closes the plan log. A run where every line was skipped ends as
// an empty plan; a final skip code folds to success.
func (e *Engine) finishPlan(log *ledger.PlanLog, anyRan bool, code int) (*ledger.PlanLog, error) {
	if !anyRan && code == status.PlanLineConditionCheckFailed {
		code = status.PlanIsEmpty
	} else if code == status.PlanLineConditionCheckFailed {
		code = status.Success
	}
	log.Finish(code)
	if err := e.store.SavePlanLog(log); err != nil {
		return nil, fmt.Errorf("save plan log: %w", err)
	}
	e.trace.WritePlanLog(log)
	e.log.WithFields(logrus.Fields{
		"server": log.ServerRef,
		"plan":   log.PlanRef,
		"log":    log.ID,
		"status": log.Status,
	}).Info("flight plan finished")
	return log, nil
}

// recordPlan writes a finished plan log without running any line.
func (e *Engine) recordPlan(plan *schema.FlightPlan, server *schema.Server, parentPlanLogID, label string, values map[string]string, code int, message string) (*ledger.PlanLog, error) {
	now := time.Now()
	log := &ledger.PlanLog{
		ID:              ledger.NewID(),
		Label:           label,
		ServerRef:       server.Reference,
		PlanRef:         plan.Reference,
		ParentPlanLogID: parentPlanLogID,
		StartDate:       now,
		FinishDate:      &now,
		Status:          code,
		CustomMessage:   message,
		VariableValues:  copyValues(values),
	}
	if err := e.store.SavePlanLog(log); err != nil {
		return nil, fmt.Errorf("save plan log: %w", err)
	}
	e.trace.WritePlanLog(log)
	return log, nil
}

func copyValues(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
