package repo

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"flanes/internal/domain"
)

// EvaluatorSpec configures a single shell-evaluator per the config
// document's `evaluators` field (spec.md section 6). Args takes precedence
// over Command when both are set, matching original_source's audited fix
// for cross-platform command execution.
type EvaluatorSpec struct {
	Name             string   `json:"name" validate:"required"`
	Command          string   `json:"command,omitempty"`
	Args             []string `json:"args,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	Required         bool     `json:"required"`
	TimeoutSeconds   int      `json:"timeout_seconds,omitempty"`
}

// Evaluator is the polymorphic capability the repository core calls to
// judge a proposed transition: run and report, nothing more.
type Evaluator interface {
	Evaluate(ctx context.Context, t domain.Transition) ([]domain.EvaluationCheck, error)
}

// CommandEvaluator runs a fixed list of shell-command evaluators against a
// workspace directory, matching original_source/vex/evaluators.py's
// run_all_evaluators.
type CommandEvaluator struct {
	WorkspaceDir string
	Specs        []EvaluatorSpec
}

// NewCommandEvaluator constructs a CommandEvaluator bound to a workspace
// directory and its configured evaluator specs.
func NewCommandEvaluator(workspaceDir string, specs []EvaluatorSpec) *CommandEvaluator {
	return &CommandEvaluator{WorkspaceDir: workspaceDir, Specs: specs}
}

func (e *CommandEvaluator) Evaluate(ctx context.Context, _ domain.Transition) ([]domain.EvaluationCheck, error) {
	checks := make([]domain.EvaluationCheck, 0, len(e.Specs))
	for _, spec := range e.Specs {
		checks = append(checks, e.runOne(ctx, spec))
	}
	return checks, nil
}

func (e *CommandEvaluator) runOne(ctx context.Context, spec EvaluatorSpec) domain.EvaluationCheck {
	cwd := e.WorkspaceDir
	if spec.WorkingDirectory != "" {
		joined := filepath.Join(e.WorkspaceDir, spec.WorkingDirectory)
		rel, err := filepath.Rel(e.WorkspaceDir, joined)
		if err != nil || strings.HasPrefix(rel, "..") {
			return domain.EvaluationCheck{Name: spec.Name, Passed: false, Required: spec.Required,
				Detail: "working_directory escapes workspace"}
		}
		cwd = joined
	}

	var name string
	var args []string
	switch {
	case len(spec.Args) > 0:
		name, args = spec.Args[0], spec.Args[1:]
	case spec.Command != "":
		fields := strings.Fields(spec.Command)
		if len(fields) == 0 {
			return domain.EvaluationCheck{Name: spec.Name, Passed: false, Required: spec.Required,
				Detail: "command has no fields"}
		}
		name, args = fields[0], fields[1:]
	default:
		return domain.EvaluationCheck{Name: spec.Name, Passed: false, Required: spec.Required,
			Detail: "evaluator has no command or args specified"}
	}

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return domain.EvaluationCheck{Name: spec.Name, Passed: false, Required: spec.Required,
			Detail: "evaluator timed out"}
	}
	if err != nil {
		return domain.EvaluationCheck{Name: spec.Name, Passed: false, Required: spec.Required,
			Detail: strings.TrimSpace(stderr.String())}
	}
	return domain.EvaluationCheck{Name: spec.Name, Passed: true, Required: spec.Required}
}

// evaluatorFromConfig builds the configured CommandEvaluator bound to dir,
// used when Checkpoint's caller doesn't supply an Evaluator explicitly.
func (r *Repository) evaluatorFromConfig(dir string) Evaluator {
	if len(r.Config.Evaluators) == 0 {
		return nil
	}
	return NewCommandEvaluator(dir, r.Config.Evaluators)
}
