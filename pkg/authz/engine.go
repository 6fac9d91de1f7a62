package authz

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Tuple is one directed grant: agent (or group) holds relation on object.
// Objects are node or scope identifiers; groups are "group:<name>".
type Tuple struct {
	Object   string `json:"object"`
	Relation string `json:"relation"`
	Subject  string `json:"subject"`
}

// Engine is an in-process relationship store used when no external permission
// service is configured. It supports direct grants and group expansion:
// granting a relation to "group:g" covers every member of g.
type Engine struct {
	mu     sync.RWMutex
	index  map[string]struct{}
	tuples []Tuple
}

func NewEngine() *Engine {
	return &Engine{index: map[string]struct{}{}}
}

// Grant adds a tuple. Idempotent.
func (e *Engine) Grant(t Tuple) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := tupleKey(t.Object, t.Relation, t.Subject)
	if _, ok := e.index[key]; ok {
		return
	}
	e.index[key] = struct{}{}
	e.tuples = append(e.tuples, t)
}

// Check reports whether user holds relation on object, directly or through
// group membership.
func (e *Engine) Check(_ context.Context, user, relation, object string) (Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.allowed(user, relation, object, map[string]bool{}) {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, Reason: "no grant"}, nil
}

func (e *Engine) allowed(user, relation, object string, visited map[string]bool) bool {
	if _, ok := e.index[tupleKey(object, relation, user)]; ok {
		return true
	}

	visit := object + "#" + relation
	if visited[visit] {
		return false
	}
	visited[visit] = true

	for _, t := range e.tuples {
		if t.Object != object || t.Relation != relation {
			continue
		}
		if strings.HasPrefix(t.Subject, "group:") &&
			e.allowed(user, "member", t.Subject, visited) {
			return true
		}
	}
	return false
}

func tupleKey(object, relation, subject string) string {
	return fmt.Sprintf("%s#%s@%s", object, relation, subject)
}

var _ Checker = (*Engine)(nil)
