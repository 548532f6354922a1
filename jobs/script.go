package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/dagflow"
	"github.com/deepnoodle-ai/dagflow/retry"
	"github.com/deepnoodle-ai/dagflow/script"
)

// ScriptJob evaluates a compiled script. Script errors are deterministic, so
// they fail the job terminally.
type ScriptJob struct {
	code     string
	compiled script.Script
}

func newScriptJob(compiler script.Compiler) dagflow.Constructor {
	return func(params map[string]any) (dagflow.Performer, error) {
		code, _, err := stringParam(params, "code")
		if err != nil {
			return nil, err
		}
		if code == "" {
			return nil, errors.New("missing 'code' parameter")
		}
		compiled, err := compiler.Compile(context.Background(), code)
		if err != nil {
			return nil, fmt.Errorf("failed to compile script: %w", err)
		}
		return &ScriptJob{code: code, compiled: compiled}, nil
	}
}

func (s *ScriptJob) Perform(ctx context.Context, job *dagflow.Job) dagflow.Result {
	value, err := s.compiled.Evaluate(ctx, globals(job))
	if err != nil {
		if ctx.Err() != nil {
			return dagflow.FailedRetryable(err.Error())
		}
		return dagflow.ResultFromError(nil, retry.NewNonRecoverableError(err))
	}
	return dagflow.Succeeded(value.Value())
}

// TemplateJob renders a string template and outputs the result.
type TemplateJob struct {
	template *script.Template
}

func newTemplateJob(compiler script.Compiler) dagflow.Constructor {
	return func(params map[string]any) (dagflow.Performer, error) {
		raw, ok, err := stringParam(params, "template")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("missing 'template' parameter")
		}
		tmpl, err := script.NewTemplate(compiler, raw)
		if err != nil {
			return nil, err
		}
		return &TemplateJob{template: tmpl}, nil
	}
}

func (t *TemplateJob) Perform(ctx context.Context, job *dagflow.Job) dagflow.Result {
	out, err := t.template.Eval(ctx, globals(job))
	if err != nil {
		return dagflow.FailedTerminal(err.Error())
	}
	return dagflow.Succeeded(out)
}
