package script

import (
	"fmt"
	"strings"

	"github.com/risor-io/risor/object"
)

// ToGo converts a Risor object to a Go value
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ToGo(value)
		}
		return result
	default:
		// Fallback to string representation
		return obj.Inspect()
	}
}

// Truthy reports whether a Risor object counts as true. Strings are false
// when empty or "false".
func Truthy(obj object.Object) bool {
	switch obj := obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0.0
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	default:
		return obj.IsTruthy()
	}
}

// Items flattens a Risor object into a list of Go values.
func Items(obj object.Object) ([]any, error) {
	switch o := obj.(type) {
	case *object.String, *object.Int, *object.Float, *object.Bool, *object.Time:
		return []any{ToGo(o)}, nil
	case *object.List:
		return flatten(o.Value())
	case *object.Set:
		items := make([]object.Object, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, item)
		}
		return flatten(items)
	case *object.Map:
		items := make([]object.Object, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, item)
		}
		return flatten(items)
	default:
		return nil, fmt.Errorf("unsupported risor result type: %T", obj)
	}
}

func flatten(items []object.Object) ([]any, error) {
	var values []any
	for _, item := range items {
		sub, err := Items(item)
		if err != nil {
			return nil, err
		}
		values = append(values, sub...)
	}
	return values, nil
}

// SafeGlobals returns the Risor builtin names that are deterministic and
// free of side effects.
func SafeGlobals() map[string]bool {
	return map[string]bool{
		"all":         true,
		"any":         true,
		"base64":      true,
		"bool":        true,
		"byte":        true,
		"bytes":       true,
		"chunk":       true,
		"coalesce":    true,
		"decode":      true,
		"encode":      true,
		"error":       true,
		"errorf":      true,
		"float":       true,
		"fmt":         true,
		"getattr":     true,
		"int":         true,
		"is_hashable": true,
		"iter":        true,
		"json":        true,
		"keys":        true,
		"len":         true,
		"list":        true,
		"map":         true,
		"math":        true,
		"regexp":      true,
		"reversed":    true,
		"set":         true,
		"sorted":      true,
		"sprintf":     true,
		"string":      true,
		"strings":     true,
		"try":         true,
		"type":        true,
	}
}
