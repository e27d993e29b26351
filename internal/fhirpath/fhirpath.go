// Package fhirpath evaluates FHIRPath expressions against FHIR resources
// represented as map[string]interface{}. It implements the subset of the
// FHIRPath specification required for search parameter extraction and
// subscription trigger criteria: path navigation (including choice-type
// elements such as value[x]), collection and string functions, comparison
// and boolean operators, type operators (is/as/ofType) and environment
// variables (%current, %previous, %resource).
//
// Expressions are compiled once into an immutable Expression and may be
// evaluated concurrently. A process-wide compile cache keyed by expression
// text is available through Cached.
package fhirpath

import (
	"fmt"
	"sync"
)

// Env carries named environment variables (%current, %previous, ...) into an
// evaluation. Keys are variable names without the leading '%'.
type Env map[string][]interface{}

// Expression is a compiled FHIRPath expression. It is immutable and safe for
// concurrent use.
type Expression struct {
	text string
	root *astNode
}

// Compile parses a FHIRPath expression into an Expression.
func Compile(expr string) (*Expression, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: tokenize %q: %w", expr, err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: parse %q: %w", expr, err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at position %d in %q", tok.value, tok.pos, expr)
	}
	return &Expression{text: expr, root: root}, nil
}

// MustCompile is Compile that panics on error, for static expressions.
func MustCompile(expr string) *Expression {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the original expression text.
func (e *Expression) String() string { return e.text }

// Evaluate runs the expression against a resource root. The result is a
// collection; an empty collection means the path resolved to nothing.
func (e *Expression) Evaluate(resource map[string]interface{}, env Env) ([]interface{}, error) {
	return e.EvaluateAt(resource, []interface{}{resource}, env)
}

// EvaluateAt runs the expression with an explicit input collection while
// keeping resource as the root for type-name resolution. This is used when
// re-evaluating sub-expressions against a previously extracted element, e.g.
// composite search parameter components.
func (e *Expression) EvaluateAt(resource map[string]interface{}, input []interface{}, env Env) ([]interface{}, error) {
	ctx := &evalContext{root: resource, env: env}
	out, err := ctx.eval(e.root, input)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval %q: %w", e.text, err)
	}
	return out, nil
}

// EvaluateBool evaluates the expression and collapses the result collection
// to a boolean using the FHIRPath singleton rules: empty is false, a single
// boolean is itself, anything else non-empty is true.
func (e *Expression) EvaluateBool(resource map[string]interface{}, env Env) (bool, error) {
	out, err := e.Evaluate(resource, env)
	if err != nil {
		return false, err
	}
	return ToBool(out), nil
}

// ToBool collapses a result collection to a boolean following the FHIRPath
// singleton evaluation rules.
func ToBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := Unwrap(coll[0]).(type) {
		case bool:
			return v
		case nil:
			return false
		default:
			return true
		}
	}
	return true
}

// TypedValue tags a value extracted through a choice-type element (value[x])
// or a type operator with its FHIR instance type, e.g. "Quantity" for a value
// reached through valueQuantity. Callers that care about the element type
// (the search evaluator's routing keys) inspect the tag; everything else
// should go through Unwrap.
type TypedValue struct {
	TypeName string
	Value    interface{}
}

// Unwrap strips a TypedValue tag, returning the raw value.
func Unwrap(v interface{}) interface{} {
	if tv, ok := v.(TypedValue); ok {
		return tv.Value
	}
	return v
}

// TypeNameOf returns the instance type tag of a value, or "" when untagged.
func TypeNameOf(v interface{}) string {
	if tv, ok := v.(TypedValue); ok {
		return tv.TypeName
	}
	return ""
}

// cache is the process-wide compile cache. Entries are immutable once
// inserted; the write lock is held only on first compile of an expression.
var cache = struct {
	mu sync.RWMutex
	m  map[string]*Expression
}{m: make(map[string]*Expression)}

// Cached compiles an expression through the process-wide cache.
func Cached(expr string) (*Expression, error) {
	cache.mu.RLock()
	e, ok := cache.m[expr]
	cache.mu.RUnlock()
	if ok {
		return e, nil
	}
	e, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	cache.mu.Lock()
	if prev, ok := cache.m[expr]; ok {
		e = prev
	} else {
		cache.m[expr] = e
	}
	cache.mu.Unlock()
	return e, nil
}
