package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CEL support for the optional rule `expr` field. Programs are compiled once
// and cached; an expression sees the drift snapshot as {level, types}.

var (
	celOnce sync.Once
	celEnv  *cel.Env
	celErr  error

	prgMu    sync.RWMutex
	prgCache = map[string]cel.Program{}
)

func environment() (*cel.Env, error) {
	celOnce.Do(func() {
		celEnv, celErr = cel.NewEnv(
			cel.Variable("level", cel.StringType),
			cel.Variable("types", cel.ListType(cel.StringType)),
		)
	})
	return celEnv, celErr
}

func compile(expr string) (cel.Program, error) {
	prgMu.RLock()
	prg, ok := prgCache[expr]
	prgMu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := environment()
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program %q: %w", expr, err)
	}

	prgMu.Lock()
	prgCache[expr] = prg
	prgMu.Unlock()
	return prg, nil
}

func evalExpr(expr string, drift DriftSnapshot) (bool, error) {
	prg, err := compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"level": drift.Level,
		"types": drift.Types,
	})
	if err != nil {
		return false, fmt.Errorf("policy: eval %q: %w", expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expr %q did not yield bool", expr)
	}
	return allowed, nil
}
