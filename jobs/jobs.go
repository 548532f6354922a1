// Package jobs provides the built-in job types. Register adds all of them to
// a registry:
//
//	script    evaluates params.code; the result becomes the job output
//	template  renders params.template, a string with ${expr} expressions
//	fail      fails with params.message, terminally if params.terminal is set
//	sleep     waits for params.duration
//	print     logs params.message and outputs it
//	http      performs an HTTP request described by its params
//
// Scripts and templates see two globals: params, the job's own params, and
// payloads, the outputs of its predecessors keyed by job type.
package jobs

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/dagflow"
	"github.com/deepnoodle-ai/dagflow/script"
)

type config struct {
	compiler   script.Compiler
	httpClient *http.Client
}

// Option configures the registered job types.
type Option func(*config)

// WithCompiler sets the script compiler used by script and template jobs.
// The compiler must know the params and payloads globals.
func WithCompiler(compiler script.Compiler) Option {
	return func(c *config) { c.compiler = compiler }
}

// WithHTTPClient sets the client used by http jobs.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}

// Register adds every built-in job type to reg.
func Register(reg *dagflow.Registry, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.compiler == nil {
		cfg.compiler = script.NewDefaultEngine()
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{}
	}
	reg.Register(ScriptType, newScriptJob(cfg.compiler))
	reg.Register(TemplateType, newTemplateJob(cfg.compiler))
	reg.Register(FailType, newFailJob)
	reg.Register(SleepType, newSleepJob)
	reg.Register(PrintType, newPrintJob)
	reg.Register(HTTPType, newHTTPJob(cfg.httpClient))
}

const (
	ScriptType   = "script"
	TemplateType = "template"
	FailType     = "fail"
	SleepType    = "sleep"
	PrintType    = "print"
	HTTPType     = "http"
)

// globals builds the script globals for one job execution. When several
// predecessors share a type their outputs are collected into a list.
func globals(job *dagflow.Job) map[string]any {
	byType := make(map[string][]any, len(job.Payloads))
	for _, p := range job.Payloads {
		byType[p.Type] = append(byType[p.Type], p.Output)
	}
	payloads := make(map[string]any, len(byType))
	for jobType, outputs := range byType {
		if len(outputs) == 1 {
			payloads[jobType] = outputs[0]
		} else {
			payloads[jobType] = outputs
		}
	}
	params := job.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"params":   params,
		"payloads": payloads,
	}
}

func stringParam(params map[string]any, key string) (string, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("param %q must be a string, got %T", key, v)
	}
	return s, true, nil
}

func boolParam(params map[string]any, key string) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %q must be a bool, got %T", key, v)
	}
	return b, nil
}

// durationParam accepts a Go duration string, a number of seconds or a
// time.Duration.
func durationParam(params map[string]any, key string) (time.Duration, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, true, fmt.Errorf("invalid %s format: %w", key, err)
		}
		return parsed, true, nil
	case time.Duration:
		return d, true, nil
	case float64:
		return time.Duration(d * float64(time.Second)), true, nil
	case int:
		return time.Duration(d) * time.Second, true, nil
	case int64:
		return time.Duration(d) * time.Second, true, nil
	default:
		return 0, true, fmt.Errorf("%s must be string, time.Duration or seconds, got %T", key, v)
	}
}
