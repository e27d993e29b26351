package fhirpath

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

func (ctx *evalContext) evalFunction(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	if node.kind == ndCall {
		return ctx.evalStandaloneFunction(name, node.children, input)
	}

	// Method-style: children[0] is the receiver, children[1:] the arguments.
	receiver := node.children[0]
	args := node.children[1:]

	receiverColl, err := ctx.eval(receiver, input)
	if err != nil {
		return nil, err
	}

	switch name {
	// Collection functions
	case "where":
		return ctx.fnWhere(receiverColl, args)
	case "exists":
		return ctx.fnExists(receiverColl, args)
	case "all":
		return ctx.fnAll(receiverColl, args)
	case "count":
		return []interface{}{int64(len(receiverColl))}, nil
	case "first":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{receiverColl[0]}, nil
	case "last":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{receiverColl[len(receiverColl)-1]}, nil
	case "tail":
		if len(receiverColl) <= 1 {
			return []interface{}{}, nil
		}
		return receiverColl[1:], nil
	case "empty":
		return []interface{}{len(receiverColl) == 0}, nil
	case "distinct":
		return ctx.fnDistinct(receiverColl), nil
	case "select":
		return ctx.fnSelect(receiverColl, args)
	case "ofType":
		return ctx.fnOfType(receiverColl, args)
	case "hasValue":
		return []interface{}{len(receiverColl) == 1 && Unwrap(receiverColl[0]) != nil}, nil
	case "not":
		return []interface{}{!ToBool(receiverColl)}, nil
	case "resolve":
		// Reference resolution is the store's concern; the reference element
		// itself is returned so "resolve() is Patient" can type-check it by
		// its target prefix.
		return receiverColl, nil
	case "extension":
		return ctx.fnExtension(receiverColl, args, input)

	// String functions
	case "startsWith":
		return ctx.fnStringPredicate(receiverColl, args, strings.HasPrefix)
	case "endsWith":
		return ctx.fnStringPredicate(receiverColl, args, strings.HasSuffix)
	case "contains":
		return ctx.fnStringPredicate(receiverColl, args, strings.Contains)
	case "matches":
		return ctx.fnMatches(receiverColl, args)
	case "length":
		return ctx.fnLength(receiverColl)
	case "upper":
		return ctx.fnStringTransform(receiverColl, strings.ToUpper)
	case "lower":
		return ctx.fnStringTransform(receiverColl, strings.ToLower)
	case "replace":
		return ctx.fnReplace(receiverColl, args, input)
	case "substring":
		return ctx.fnSubstring(receiverColl, args, input)
	case "toString":
		return ctx.fnStringTransform(receiverColl, func(s string) string { return s })

	// Type functions
	case "is":
		return ctx.fnIs(receiverColl, args)
	case "as":
		return ctx.fnAs(receiverColl, args)

	// Math functions
	case "abs":
		return ctx.fnMathUnary(receiverColl, math.Abs)
	case "ceiling":
		return ctx.fnMathUnary(receiverColl, math.Ceil)
	case "floor":
		return ctx.fnMathUnary(receiverColl, math.Floor)
	case "round":
		return ctx.fnMathUnary(receiverColl, math.Round)

	// Date/time functions
	case "toDate", "toDateTime":
		return ctx.fnToDateTime(receiverColl)

	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func (ctx *evalContext) evalStandaloneFunction(name string, args []*astNode, input []interface{}) ([]interface{}, error) {
	switch name {
	case "now":
		return []interface{}{time.Now().UTC()}, nil
	case "today":
		now := time.Now()
		return []interface{}{time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)}, nil
	case "iif":
		return ctx.fnIif(args, input)
	case "where":
		return ctx.fnWhere(input, args)
	case "exists":
		return ctx.fnExists(input, args)
	case "resolve":
		return input, nil
	case "extension":
		return ctx.fnExtension(input, args, input)
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

// ---------------------------------------------------------------------------
// Collection functions
// ---------------------------------------------------------------------------

func (ctx *evalContext) fnWhere(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	expr := args[0]
	var result []interface{}
	for _, item := range coll {
		val, err := ctx.eval(expr, []interface{}{item})
		if err != nil {
			return nil, err
		}
		if ToBool(val) {
			result = append(result, item)
		}
	}
	return result, nil
}

func (ctx *evalContext) fnExists(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{len(coll) > 0}, nil
	}
	expr := args[0]
	for _, item := range coll {
		val, err := ctx.eval(expr, []interface{}{item})
		if err != nil {
			return nil, err
		}
		if ToBool(val) {
			return []interface{}{true}, nil
		}
	}
	return []interface{}{false}, nil
}

func (ctx *evalContext) fnAll(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{true}, nil
	}
	expr := args[0]
	for _, item := range coll {
		val, err := ctx.eval(expr, []interface{}{item})
		if err != nil {
			return nil, err
		}
		if !ToBool(val) {
			return []interface{}{false}, nil
		}
	}
	return []interface{}{true}, nil
}

func (ctx *evalContext) fnDistinct(coll []interface{}) []interface{} {
	seen := make(map[string]bool)
	var result []interface{}
	for _, v := range coll {
		key := fmt.Sprintf("%v", Unwrap(v))
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result
}

func (ctx *evalContext) fnSelect(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	expr := args[0]
	var result []interface{}
	for _, item := range coll {
		val, err := ctx.eval(expr, []interface{}{item})
		if err != nil {
			return nil, err
		}
		result = append(result, val...)
	}
	return result, nil
}

func (ctx *evalContext) fnOfType(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	typeName := typeNameArg(args[0])
	var result []interface{}
	for _, item := range coll {
		if matchesType(item, typeName) {
			result = append(result, item)
		}
	}
	return result, nil
}

// fnExtension filters the receiver's extension array by url.
func (ctx *evalContext) fnExtension(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{}, nil
	}
	urlColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(urlColl) == 0 {
		return []interface{}{}, nil
	}
	wantURL := fmt.Sprintf("%v", Unwrap(urlColl[0]))

	var result []interface{}
	for _, item := range coll {
		for _, ext := range navigateField(item, "extension") {
			if m, ok := Unwrap(ext).(map[string]interface{}); ok {
				if u, _ := m["url"].(string); u == wantURL {
					result = append(result, ext)
				}
			}
		}
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// String functions
// ---------------------------------------------------------------------------

func (ctx *evalContext) fnStringPredicate(coll []interface{}, args []*astNode, fn func(string, string) bool) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	argColl, err := ctx.eval(args[0], coll)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return []interface{}{}, nil
	}
	s := fmt.Sprintf("%v", Unwrap(coll[0]))
	arg := fmt.Sprintf("%v", Unwrap(argColl[0]))
	return []interface{}{fn(s, arg)}, nil
}

func (ctx *evalContext) fnMatches(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	argColl, err := ctx.eval(args[0], coll)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return []interface{}{}, nil
	}
	s := fmt.Sprintf("%v", Unwrap(coll[0]))
	pattern := fmt.Sprintf("%v", Unwrap(argColl[0]))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return []interface{}{re.MatchString(s)}, nil
}

func (ctx *evalContext) fnLength(coll []interface{}) ([]interface{}, error) {
	if len(coll) == 0 {
		return []interface{}{}, nil
	}
	s := fmt.Sprintf("%v", Unwrap(coll[0]))
	return []interface{}{int64(len(s))}, nil
}

func (ctx *evalContext) fnStringTransform(coll []interface{}, fn func(string) string) ([]interface{}, error) {
	if len(coll) == 0 {
		return []interface{}{}, nil
	}
	s := fmt.Sprintf("%v", Unwrap(coll[0]))
	return []interface{}{fn(s)}, nil
}

func (ctx *evalContext) fnReplace(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) < 2 {
		return []interface{}{}, nil
	}
	patternColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	replacementColl, err := ctx.eval(args[1], input)
	if err != nil {
		return nil, err
	}
	if len(patternColl) == 0 || len(replacementColl) == 0 {
		return coll, nil
	}
	s := fmt.Sprintf("%v", Unwrap(coll[0]))
	pattern := fmt.Sprintf("%v", Unwrap(patternColl[0]))
	replacement := fmt.Sprintf("%v", Unwrap(replacementColl[0]))
	return []interface{}{strings.ReplaceAll(s, pattern, replacement)}, nil
}

func (ctx *evalContext) fnSubstring(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	startColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(startColl) == 0 {
		return []interface{}{}, nil
	}
	s := fmt.Sprintf("%v", Unwrap(coll[0]))
	startF, ok := toNumber(startColl[0])
	if !ok {
		return []interface{}{}, nil
	}
	start := int(startF)
	if start < 0 {
		start = 0
	}
	if start >= len(s) {
		return []interface{}{""}, nil
	}

	if len(args) >= 2 {
		lenColl, err := ctx.eval(args[1], input)
		if err != nil {
			return nil, err
		}
		if len(lenColl) > 0 {
			if lenF, ok := toNumber(lenColl[0]); ok {
				end := start + int(lenF)
				if end > len(s) {
					end = len(s)
				}
				return []interface{}{s[start:end]}, nil
			}
		}
	}

	return []interface{}{s[start:]}, nil
}

// ---------------------------------------------------------------------------
// Type functions
// ---------------------------------------------------------------------------

func (ctx *evalContext) fnIs(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{false}, nil
	}
	return []interface{}{matchesType(coll[0], typeNameArg(args[0]))}, nil
}

func (ctx *evalContext) fnAs(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	typeName := typeNameArg(args[0])
	var result []interface{}
	for _, item := range coll {
		if matchesType(item, typeName) {
			result = append(result, item)
		}
	}
	return result, nil
}

// typeNameArg extracts a type name from an is/as/ofType argument node, which
// the parser builds either as a path identifier or a string literal.
func typeNameArg(arg *astNode) string {
	switch arg.kind {
	case ndPath:
		return arg.value.(string)
	case ndDot:
		// qualified name such as FHIR.Quantity; the last segment counts
		if len(arg.children) == 2 && arg.children[1].kind == ndPath {
			return arg.children[1].value.(string)
		}
	case ndLiteral:
		return fmt.Sprintf("%v", arg.value)
	}
	return ""
}

// ---------------------------------------------------------------------------
// Math functions
// ---------------------------------------------------------------------------

func (ctx *evalContext) fnMathUnary(coll []interface{}, fn func(float64) float64) ([]interface{}, error) {
	if len(coll) == 0 {
		return []interface{}{}, nil
	}
	f, ok := toNumber(coll[0])
	if !ok {
		return []interface{}{}, nil
	}
	result := fn(f)
	if result == math.Trunc(result) && !math.IsInf(result, 0) && !math.IsNaN(result) {
		return []interface{}{int64(result)}, nil
	}
	return []interface{}{result}, nil
}

// ---------------------------------------------------------------------------
// Date/time functions
// ---------------------------------------------------------------------------

func (ctx *evalContext) fnToDateTime(coll []interface{}) ([]interface{}, error) {
	if len(coll) == 0 {
		return []interface{}{}, nil
	}
	if t, ok := toTime(coll[0]); ok {
		return []interface{}{t}, nil
	}
	return []interface{}{}, nil
}

// ---------------------------------------------------------------------------
// iif
// ---------------------------------------------------------------------------

func (ctx *evalContext) fnIif(args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(args) < 2 {
		return []interface{}{}, nil
	}
	condColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if ToBool(condColl) {
		return ctx.eval(args[1], input)
	}
	if len(args) >= 3 {
		return ctx.eval(args[2], input)
	}
	return []interface{}{}, nil
}
