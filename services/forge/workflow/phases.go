// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianForge/services/forge/observability"
	"github.com/AleutianAI/AleutianForge/services/forge/runner"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/classifier"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/escalation"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/personas"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/prompt"
)

// Per-call instructions appended to assembled prompts. The persona system
// prompts carry the standing role contract; these name the immediate
// deliverable.
const (
	designNote         = "Design the solution for the task above. Lay out the components, data flow, and algorithm choices. Do not write code."
	implementNote      = "Implement the architecture above completely. Reply with the full program in fenced code blocks, one block per file."
	reviewNote         = "Review the latest code above for correctness, completeness against the plan, and robustness."
	reviseNote         = "Apply every change the reviewer requested. Reply with the complete updated program in fenced code blocks."
	simulateNote       = "Mentally execute the latest code against the task. Walk through the main path and report which tests pass or fail."
	diagnoseNote       = "The tester reports failures above. Diagnose the code: list every concrete bug you find, or state that the code is clean."
	applyDiagnosisNote = "Apply every fix the debugger identified. Reply with the complete corrected program in fenced code blocks."
	reviewRepairNote   = "Re-review the corrected code above for remaining defects."
	inlineFixNote      = "Address the reviewer's objections. Reply with the complete corrected program in fenced code blocks."
	retestNote         = "Re-run your mental execution of the latest code and report which tests pass or fail now."
	rewriteNote        = "Implement the new architecture above from scratch. Do not reuse the failed code. Reply with the full program in fenced code blocks."
	reviewRewriteNote  = "Review the rewritten code above against the new architecture."
)

// Tier instructions for the repair prompt. Banners keyed to repeat and
// persistence counts are added by the builder itself.
const (
	quickFixInstruction   = "Diagnose the exact failure above and list every change required to fix it. Keep the working parts untouched."
	deepReviewInstruction = "Quick fixes have not resolved this. Re-derive the root cause from first principles and audit the entire program, not just the failing line."
)

// Graceful-ending messages for runs with nothing left to execute.
const (
	noArtifactMessage = "no code artifact could be extracted from the developer's latest output; nothing to execute"
	noEntryMessage    = "no runnable entry file among the staged artifacts; nothing to execute"
)

// runInitialBuild runs the linear architect/develop/review/test pipeline.
//
// Description:
//
//	The reviewer gets one shot at demanding changes; if it does, the
//	developer revises once before the tester's first pass. The phase ends
//	unconditionally into mental evolution, where the tester's verdict
//	decides whether any cycles run.
func (o *Orchestrator) runInitialBuild(ctx context.Context, r *run) error {
	plan, err := o.call(ctx, r, personas.Architect, o.builder.Build(r.task, r.env, nil, designNote))
	if err != nil {
		return err
	}
	r.plan = plan

	code, err := o.call(ctx, r, personas.Developer, o.builder.Build(r.task, r.env, r.history.Turns(), implementNote))
	if err != nil {
		return err
	}
	o.refreshArtifacts(ctx, r, personas.Developer, code)

	review, err := o.call(ctx, r, personas.Reviewer, o.builder.Build(r.task, r.env, r.history.Turns(), reviewNote))
	if err != nil {
		return err
	}
	r.lastReview = review

	if o.verdict(personas.Reviewer, review) == classifier.VerdictNeedsRevision {
		slog.Info("reviewer demands revision before first test")
		revised, err := o.call(ctx, r, personas.Developer, o.builder.Build(r.task, r.env, r.history.Turns(), reviseNote))
		if err != nil {
			return err
		}
		o.refreshArtifacts(ctx, r, personas.Developer, revised)
	}

	test, err := o.call(ctx, r, personas.Tester, o.builder.Build(r.task, r.env, r.history.Turns(), simulateNote))
	if err != nil {
		return err
	}
	r.lastTest = test
	return nil
}

// runMentalEvolution runs the bounded simulated debug loop.
//
// Description:
//
//	While the tester keeps reporting failures and the cycle cap has not
//	been hit: the debugger diagnoses (a clean declaration ends the loop
//	early), the developer fixes, the reviewer re-checks with one inline
//	fix round, and the tester re-tests. All of it is mental simulation;
//	nothing executes until the next phase.
func (o *Orchestrator) runMentalEvolution(ctx context.Context, r *run) error {
	for r.evolutionCycles < o.policy.MaxEvolutionCycles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.verdict(personas.Tester, r.lastTest) == classifier.VerdictPass {
			slog.Info("tester reports all tests passing",
				slog.Int("cycles", r.evolutionCycles),
			)
			return nil
		}

		r.evolutionCycles++
		o.emitter.Emit(events.TypeEvolutionCycle, events.EvolutionCycleData{
			Cycle: r.evolutionCycles,
			Label: "mental evolution",
		})
		slog.Info("mental evolution cycle",
			slog.Int("cycle", r.evolutionCycles),
			slog.Int("cap", o.policy.MaxEvolutionCycles),
		)

		diagnosis, err := o.call(ctx, r, personas.Debugger, o.builder.Build(r.task, r.env, r.history.Turns(), diagnoseNote))
		if err != nil {
			return err
		}
		if o.verdict(personas.Debugger, diagnosis) == classifier.VerdictClean {
			slog.Info("debugger declares the code clean, ending evolution early",
				slog.Int("cycles", r.evolutionCycles),
			)
			return nil
		}

		fix, err := o.call(ctx, r, personas.Developer, o.builder.Build(r.task, r.env, r.history.Turns(), applyDiagnosisNote))
		if err != nil {
			return err
		}
		o.refreshArtifacts(ctx, r, personas.Developer, fix)

		review, err := o.call(ctx, r, personas.Reviewer, o.builder.Build(r.task, r.env, r.history.Turns(), reviewRepairNote))
		if err != nil {
			return err
		}
		r.lastReview = review
		if o.verdict(personas.Reviewer, review) == classifier.VerdictNeedsRevision {
			inline, err := o.call(ctx, r, personas.Developer, o.builder.Build(r.task, r.env, r.history.Turns(), inlineFixNote))
			if err != nil {
				return err
			}
			o.refreshArtifacts(ctx, r, personas.Developer, inline)
		}

		retest, err := o.call(ctx, r, personas.Tester, o.builder.Build(r.task, r.env, r.history.Turns(), retestNote))
		if err != nil {
			return err
		}
		r.lastTest = retest
	}

	slog.Info("evolution cycle cap reached, proceeding to execution",
		slog.Int("cycles", r.evolutionCycles),
	)
	return nil
}

// runExecutionDebug runs the stage/execute/classify/escalate/repair loop.
//
// Description:
//
//	Loops without an attempt cap. Each iteration stages the current code
//	set, finds the entry file, executes it, and classifies the outcome.
//	Success ends the run. A failure is recorded in the error log and the
//	escalation policy picks the repair sequence: tiers 1 and 2 debug and
//	fix in place, tier 3 wipes the staging root and conversation history
//	and re-architects from the error log alone. Two things end the loop
//	without success and without error: no current code artifact, and no
//	runnable entry file.
//
// Outputs:
//
//	bool - True when an execution attempt passed classification.
//	string - Graceful-ending explanation when the bool is false.
//	error - Transport or environment failure, or ctx's error.
func (o *Orchestrator) runExecutionDebug(ctx context.Context, r *run) (bool, string, error) {
	if err := o.area.Reset(); err != nil {
		return false, "", err
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, "", err
		}
		if len(r.artifacts) == 0 {
			slog.Info("no code artifact to execute, ending run")
			return false, noArtifactMessage, nil
		}

		saved, err := o.area.SaveAll(r.artifacts)
		if err != nil {
			return false, "", err
		}
		paths := make([]string, len(saved))
		for i, f := range saved {
			paths[i] = f.Path
		}
		r.stagedFiles = paths
		o.emitter.Emit(events.TypeFilesSaved, events.FilesSavedData{
			Paths: paths,
			Root:  o.area.Root(),
		})

		entry, err := runner.FindEntry(paths)
		if err != nil {
			slog.Info("no runnable entry among staged files, ending run",
				slog.Any("files", paths),
			)
			return false, noEntryMessage, nil
		}
		r.entryFile = entry

		r.execCount++
		o.emitter.Emit(events.TypeExecutionStart, events.ExecutionStartData{
			TargetFile: entry,
			Attempt:    r.execCount,
		})
		slog.Info("executing staged code",
			slog.String("entry", entry),
			slog.Int("attempt", r.execCount),
		)

		res, err := o.exec.Run(ctx, o.area.Root(), entry)
		if err != nil {
			return false, "", fmt.Errorf("executing %s: %w", entry, err)
		}
		if err := ctx.Err(); err != nil {
			return false, "", err
		}

		outcome := o.classify.Classify(res.Stdout, !res.ExitedCleanly, res.Stderr)
		if o.metrics != nil {
			o.metrics.RecordExecution(metricOutcome(res, outcome), res.Duration.Seconds())
		}
		o.emitter.Emit(events.TypeExecutionResult, events.ExecutionResultData{
			Success:      outcome.Success,
			Stdout:       res.Stdout,
			Diagnostic:   outcome.Diagnostic,
			Attempt:      r.execCount,
			CreatedFiles: res.CreatedFiles,
		})

		if outcome.Success {
			slog.Info("execution passed",
				slog.Int("attempt", r.execCount),
				slog.Duration("duration", res.Duration),
			)
			return true, "", nil
		}

		r.failedAttempts++
		sig := r.tracker.Record(outcome.Diagnostic, r.failedAttempts)
		state := o.policy.Evaluate(
			r.failedAttempts,
			r.tracker.ConsecutiveRepeats(sig),
			len(r.tracker.UniqueErrors()),
			r.tracker.IsThrashing(),
		)
		if int(state.Tier) > r.highestTier {
			r.highestTier = int(state.Tier)
		}
		if o.metrics != nil {
			o.metrics.RecordEscalation(int(state.Tier))
		}
		slog.Info("execution failed",
			slog.Int("attempt", r.failedAttempts),
			slog.String("kind", string(outcome.Kind)),
			slog.String("signature", sig),
			slog.String("tier", state.Tier.String()),
			slog.Bool("thrashing", state.Thrashing),
		)

		label := "execution repair"
		if state.ReArchitect {
			label = "re-architecture"
		}
		o.emitter.Emit(events.TypeEvolutionCycle, events.EvolutionCycleData{
			Cycle:   r.failedAttempts,
			Tier:    int(state.Tier),
			Label:   label,
			Repeats: state.ConsecutiveRepeats,
		})

		if state.ReArchitect {
			if err := o.reArchitect(ctx, r); err != nil {
				return false, "", err
			}
		} else {
			if err := o.repair(ctx, r, state, outcome, res); err != nil {
				return false, "", err
			}
		}

		if err := o.transition(r, PhaseExecutionDebug); err != nil {
			return false, "", err
		}
	}
}

// repair runs the tier-1 or tier-2 repair sequence.
//
// Description:
//
//	The debugger gets the full repair context: plan, last review, exact
//	failing code, diagnostic and stdout, the numbered error history, and
//	the unique-error summary. The developer then applies the fixes. At
//	tier 2 a reviewer pass follows, with one inline fix round if it
//	objects.
func (o *Orchestrator) repair(ctx context.Context, r *run, state escalation.State, outcome classifier.Outcome, res runner.Result) error {
	instruction := quickFixInstruction
	if state.Tier == escalation.TierDeepReview {
		instruction = deepReviewInstruction
	}

	repairPrompt := o.builder.BuildRepair(prompt.RepairContext{
		Task:               r.task,
		Environment:        r.env,
		Plan:               r.plan,
		LastReview:         r.lastReview,
		Code:               r.codeText,
		Diagnostic:         outcome.Diagnostic,
		Stdout:             res.Stdout,
		Attempt:            state.Attempt,
		ConsecutiveRepeats: state.ConsecutiveRepeats,
		Log:                r.tracker.Log(),
		Unique:             r.tracker.UniqueErrors(),
		Instruction:        instruction,
	})
	if _, err := o.call(ctx, r, personas.Debugger, repairPrompt); err != nil {
		return err
	}

	fix, err := o.call(ctx, r, personas.Developer, o.builder.Build(r.task, r.env, r.history.Turns(), applyDiagnosisNote))
	if err != nil {
		return err
	}
	o.refreshArtifacts(ctx, r, personas.Developer, fix)

	if state.Tier != escalation.TierDeepReview {
		return nil
	}

	review, err := o.call(ctx, r, personas.Reviewer, o.builder.Build(r.task, r.env, r.history.Turns(), reviewRepairNote))
	if err != nil {
		return err
	}
	r.lastReview = review
	if o.verdict(personas.Reviewer, review) == classifier.VerdictNeedsRevision {
		inline, err := o.call(ctx, r, personas.Developer, o.builder.Build(r.task, r.env, r.history.Turns(), inlineFixNote))
		if err != nil {
			return err
		}
		o.refreshArtifacts(ctx, r, personas.Developer, inline)
	}
	return nil
}

// reArchitect runs the tier-3 reset sequence.
//
// Description:
//
//	Wipes the staging root and the conversation history, then rebuilds
//	from the error log alone: the architect redesigns without seeing the
//	old plan, the developer rewrites in full, and the reviewer checks
//	once. The loop resumes with a history of exactly those three turns.
//	The error log is never wiped.
func (o *Orchestrator) reArchitect(ctx context.Context, r *run) error {
	r.reArchitects++
	if err := o.area.Reset(); err != nil {
		return err
	}
	r.history.Clear()
	slog.Info("re-architecting from error history",
		slog.Int("attempt", r.failedAttempts),
		slog.Int("re_architecture", r.reArchitects),
		slog.Int("unique_errors", len(r.tracker.UniqueErrors())),
	)

	planPrompt := o.builder.BuildReArchitect(prompt.ReArchitectContext{
		Task:        r.task,
		Environment: r.env,
		Code:        r.codeText,
		Log:         r.tracker.Log(),
		Unique:      r.tracker.UniqueErrors(),
	})
	plan, err := o.call(ctx, r, personas.Architect, planPrompt)
	if err != nil {
		return err
	}
	r.plan = plan

	rewrite, err := o.call(ctx, r, personas.Developer, o.builder.Build(r.task, r.env, r.history.Turns(), rewriteNote))
	if err != nil {
		return err
	}
	o.refreshArtifacts(ctx, r, personas.Developer, rewrite)

	review, err := o.call(ctx, r, personas.Reviewer, o.builder.Build(r.task, r.env, r.history.Turns(), reviewRewriteNote))
	if err != nil {
		return err
	}
	r.lastReview = review
	// One check only at tier 3; an objection is noted but the loop resumes
	// with the fresh three-turn history either way.
	if o.verdict(personas.Reviewer, review) == classifier.VerdictNeedsRevision {
		slog.Warn("reviewer objects to the rewrite; proceeding to execution anyway")
	}
	return nil
}

// metricOutcome maps an execution result onto the metrics outcome label.
func metricOutcome(res runner.Result, out classifier.Outcome) observability.Outcome {
	if res.TimedOut {
		return observability.OutcomeTimeout
	}
	switch out.Kind {
	case classifier.KindClean:
		return observability.OutcomeSuccess
	case classifier.KindCrash:
		return observability.OutcomeCrash
	case classifier.KindHiddenError:
		return observability.OutcomeHiddenError
	case classifier.KindQuality:
		return observability.OutcomeQuality
	default:
		return observability.OutcomeCrash
	}
}
