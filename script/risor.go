package script

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorScript is a compiled Risor program.
type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

// Evaluate runs the script with the engine's globals overlaid by globals.
func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	maps.Copy(combined, s.engine.globals)
	maps.Copy(combined, globals)
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorEngine compiles Risor code. Every global name must be known at
// compile time, so the engine is created with the full set of globals and
// values passed to Evaluate only replace them.
type RisorEngine struct {
	globals map[string]any
}

func NewRisorEngine(globals map[string]any) *RisorEngine {
	return &RisorEngine{globals: globals}
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	globalNames := make([]string, 0, len(e.globals))
	for name := range e.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiled}, nil
}

// RisorValue wraps a Risor result object.
type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return ToGo(value.obj)
}

func (value *RisorValue) IsTruthy() bool {
	return Truthy(value.obj)
}

func (value *RisorValue) Items() ([]any, error) {
	return Items(value.obj)
}

func (value *RisorValue) String() string {
	switch v := value.obj.(type) {
	case *object.String:
		return v.Value()
	case *object.Int:
		return fmt.Sprintf("%d", v.Value())
	case *object.Float:
		return fmt.Sprintf("%g", v.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", v.Value())
	case *object.Time:
		return v.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(v.Value()))
		for _, item := range v.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, ", ")
	case *object.Map:
		keys := make([]string, 0, len(v.Value()))
		for k := range v.Value() {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]string, 0, len(keys))
		for _, k := range keys {
			items = append(items, fmt.Sprintf("%s: %s", k, (&RisorValue{obj: v.Value()[k]}).String()))
		}
		return strings.Join(items, ", ")
	default:
		return value.obj.Inspect()
	}
}

// DefaultGlobals returns the deterministic Risor builtins plus empty params
// and payloads maps.
func DefaultGlobals() map[string]any {
	safe := SafeGlobals()
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	globals["params"] = object.NewMap(map[string]object.Object{})
	globals["payloads"] = object.NewMap(map[string]object.Object{})
	return globals
}

// NewDefaultEngine returns an engine over DefaultGlobals.
func NewDefaultEngine() *RisorEngine {
	return NewRisorEngine(DefaultGlobals())
}
