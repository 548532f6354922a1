package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:  "plain string without template variables",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:  "single param",
			input: "Hello ${params.name}",
			globals: map[string]any{
				"params": map[string]any{"name": "Alice"},
			},
			want: "Hello Alice",
		},
		{
			name:  "params and payloads",
			input: "${params.greeting} ${payloads.Fetch.user}! The answer is ${40 + 2}",
			globals: map[string]any{
				"params":   map[string]any{"greeting": "Hello"},
				"payloads": map[string]any{"Fetch": map[string]any{"user": "Bob"}},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:  "expression yielding empty string keeps order",
			input: `[${""}][${"x"}]`,
			want:  "[][x]",
		},
		{
			name:  "nested expressions",
			input: "Result: ${1 + (2 * 3)}",
			want:  "Result: 7",
		},
		{
			name:        "unclosed brace",
			input:       "Hello ${name",
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression",
			input:       "Hello ${1 +}",
			wantErr:     true,
			errContains: "failed to compile template expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewTemplate(NewDefaultEngine(), tt.input)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			got, err := s.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestScriptValues(t *testing.T) {
	ctx := context.Background()
	engine := NewDefaultEngine()

	compiled, err := engine.Compile(ctx, `{"total": params.a + params.b, "items": [1, 2]}`)
	require.NoError(t, err)
	value, err := compiled.Evaluate(ctx, map[string]any{
		"params": map[string]any{"a": 2, "b": 3},
	})
	require.NoError(t, err)
	require.True(t, value.IsTruthy())

	out, ok := value.Value().(map[string]any)
	require.True(t, ok)
	require.Equal(t, int64(5), out["total"])
	require.Equal(t, []any{int64(1), int64(2)}, out["items"])

	compiled, err = engine.Compile(ctx, `[1, [2, 3]]`)
	require.NoError(t, err)
	value, err = compiled.Evaluate(ctx, nil)
	require.NoError(t, err)
	items, err := value.Items()
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, items)
	require.Equal(t, "1, 2, 3", value.String())
}

func TestTruthiness(t *testing.T) {
	ctx := context.Background()
	engine := NewDefaultEngine()
	cases := map[string]bool{
		`0`:       false,
		`1`:       true,
		`""`:      false,
		`"false"`: false,
		`"yes"`:   true,
		`[]`:      false,
		`{}`:      false,
		`nil`:     false,
	}
	for code, want := range cases {
		compiled, err := engine.Compile(ctx, code)
		require.NoError(t, err, code)
		value, err := compiled.Evaluate(ctx, nil)
		require.NoError(t, err, code)
		require.Equal(t, want, value.IsTruthy(), code)
	}
}

func TestRender(t *testing.T) {
	out, err := Render(context.Background(), NewDefaultEngine(), "n=${len(params.list)}", map[string]any{
		"params": map[string]any{"list": []any{"a", "b"}},
	})
	require.NoError(t, err)
	require.Equal(t, "n=2", out)
}
