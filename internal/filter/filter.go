// Package filter evaluates record predicates written in CEL, for example
// `tag == 20 && time >= 1000`.
package filter

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/holmberd/go-tracebuf/internal/buffer"
)

// Filter is a compiled record predicate. The zero Filter matches every record.
type Filter struct {
	prog cel.Program
	expr string
}

// New compiles expr. An empty expression yields a Filter that matches everything.
//
// The expression sees the variables tag, length, time and index as ints, and the
// record payload as bytes.
func New(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("tag", cel.IntType),
		cel.Variable("length", cel.IntType),
		cel.Variable("time", cel.IntType),
		cel.Variable("index", cel.IntType),
		cel.Variable("payload", cel.BytesType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("filter %q: %w", expr, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("filter %q: %w", expr, iss.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return Filter{}, fmt.Errorf("filter %q: result type is %s, want bool", expr, checked.OutputType())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, expr: expr}, nil
}

func (f Filter) Enabled() bool { return f.prog != nil }

func (f Filter) String() string { return f.expr }

// Match evaluates the predicate for a record and its payload.
func (f Filter) Match(rec buffer.Record, payload []byte) (bool, error) {
	if f.prog == nil {
		return true, nil
	}
	if payload == nil {
		payload = []byte{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"tag":     int64(rec.Tag),
		"length":  int64(rec.Length),
		"time":    int64(rec.Time),
		"index":   int64(rec.Index),
		"payload": payload,
	})
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.expr, err)
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}
