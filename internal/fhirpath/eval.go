package fhirpath

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

type evalContext struct {
	root map[string]interface{}
	env  Env
}

// eval evaluates an AST node against an input collection and returns a result
// collection.
func (ctx *evalContext) eval(node *astNode, input []interface{}) ([]interface{}, error) {
	if node == nil {
		return input, nil
	}
	switch node.kind {
	case ndLiteral:
		return []interface{}{node.value}, nil

	case ndPath:
		return ctx.evalPath(node, input)

	case ndEnvVar:
		name := node.value.(string)
		if ctx.env == nil {
			return nil, fmt.Errorf("undefined environment variable %%%s", name)
		}
		coll, ok := ctx.env[name]
		if !ok {
			return nil, fmt.Errorf("undefined environment variable %%%s", name)
		}
		return coll, nil

	case ndDot:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ctx.eval(node.children[1], left)

	case ndIndex:
		coll, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idx := node.value.(int64)
		coll = flattenCollection(coll)
		if int(idx) < 0 || int(idx) >= len(coll) {
			return []interface{}{}, nil
		}
		return []interface{}{coll[int(idx)]}, nil

	case ndFunction, ndCall:
		return ctx.evalFunction(node, input)

	case ndTypeOp:
		return ctx.evalTypeOp(node, input)

	case ndCompare:
		return ctx.evalCompare(node, input)

	case ndAnd:
		return ctx.evalAnd(node, input)

	case ndOr:
		return ctx.evalOr(node, input)

	case ndImplies:
		return ctx.evalImplies(node, input)

	case ndUnion:
		return ctx.evalUnion(node, input)

	default:
		return nil, fmt.Errorf("unknown node kind %d", node.kind)
	}
}

// evalPath resolves an identifier against the input collection.
func (ctx *evalContext) evalPath(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	if name == "$this" {
		return input, nil
	}

	// An uppercase identifier names a resource type. It matches when the
	// root resource is of that type.
	if isTypeName(name) {
		if ctx.root != nil {
			rt, _ := ctx.root["resourceType"].(string)
			if rt == name {
				return []interface{}{ctx.root}, nil
			}
		}
		// Also allow matching items in the input collection (contained
		// resources, bundle entries).
		var result []interface{}
		for _, item := range input {
			if m, ok := Unwrap(item).(map[string]interface{}); ok {
				if rt, _ := m["resourceType"].(string); rt == name {
					result = append(result, item)
				}
			}
		}
		return result, nil
	}

	var result []interface{}
	for _, item := range input {
		result = append(result, navigateField(item, name)...)
	}
	return result, nil
}

// navigateField extracts a named field from a value. Choice-type elements are
// resolved by their JSON key: navigating "value" on a map holding
// "valueQuantity" yields the quantity tagged with its instance type.
func navigateField(item interface{}, field string) []interface{} {
	switch v := Unwrap(item).(type) {
	case map[string]interface{}:
		if val, ok := v[field]; ok {
			if arr, isArr := val.([]interface{}); isArr {
				return arr
			}
			return []interface{}{val}
		}
		// choice-type element: value → valueQuantity, effective → effectiveDateTime
		keys := make([]string, 0, len(v))
		for key := range v {
			if len(key) > len(field) && strings.HasPrefix(key, field) && unicode.IsUpper(rune(key[len(field)])) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		var out []interface{}
		for _, key := range keys {
			typeName := normalizeTypeSuffix(key[len(field):])
			if arr, isArr := v[key].([]interface{}); isArr {
				for _, it := range arr {
					out = append(out, TypedValue{TypeName: typeName, Value: it})
				}
			} else {
				out = append(out, TypedValue{TypeName: typeName, Value: v[key]})
			}
		}
		return out
	default:
		return nil
	}
}

// primitiveSuffixes maps the capitalized choice-type suffix of a FHIR
// primitive to its lowercase type name (valueString → string).
var primitiveSuffixes = map[string]string{
	"Base64Binary": "base64Binary",
	"Boolean":      "boolean",
	"Canonical":    "canonical",
	"Code":         "code",
	"Date":         "date",
	"DateTime":     "dateTime",
	"Decimal":      "decimal",
	"Id":           "id",
	"Instant":      "instant",
	"Integer":      "integer",
	"Integer64":    "integer64",
	"Markdown":     "markdown",
	"Oid":          "oid",
	"PositiveInt":  "positiveInt",
	"String":       "string",
	"Time":         "time",
	"UnsignedInt":  "unsignedInt",
	"Uri":          "uri",
	"Url":          "url",
	"Uuid":         "uuid",
}

func normalizeTypeSuffix(suffix string) string {
	if prim, ok := primitiveSuffixes[suffix]; ok {
		return prim
	}
	return suffix
}

func flattenCollection(coll []interface{}) []interface{} {
	var out []interface{}
	for _, item := range coll {
		if arr, ok := Unwrap(item).([]interface{}); ok {
			out = append(out, arr...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

// evalTypeOp handles the infix is/as operators.
func (ctx *evalContext) evalTypeOp(node *astNode, input []interface{}) ([]interface{}, error) {
	coll, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	typeName := node.children[1].value.(string)
	op := node.value.(string)

	if op == "is" {
		if len(coll) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{matchesType(coll[0], typeName)}, nil
	}

	// as: filter to matching items
	var result []interface{}
	for _, item := range coll {
		if matchesType(item, typeName) {
			result = append(result, item)
		}
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

func (ctx *evalContext) evalCompare(node *astNode, input []interface{}) ([]interface{}, error) {
	op, _ := node.value.(string)
	if op == "" {
		return nil, fmt.Errorf("comparison node missing operator")
	}

	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}

	// If either side is empty, the result is empty.
	if len(leftColl) == 0 || len(rightColl) == 0 {
		return []interface{}{}, nil
	}

	lv := Unwrap(leftColl[0])
	rv := Unwrap(rightColl[0])

	result, err := compareValues(lv, rv, op)
	if err != nil {
		return nil, err
	}
	return []interface{}{result}, nil
}

func compareValues(lv, rv interface{}, op string) (bool, error) {
	ln, lok := toNumber(lv)
	rn, rok := toNumber(rv)
	if lok && rok {
		return compareNumbers(ln, rn, op), nil
	}

	lb, lbOk := lv.(bool)
	rb, rbOk := rv.(bool)
	if lbOk && rbOk {
		switch op {
		case "=":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
		return false, nil
	}

	lt, ltOk := toTime(lv)
	rt, rtOk := toTime(rv)
	if ltOk && rtOk {
		return compareTimes(lt, rt, op), nil
	}

	ls := fmt.Sprintf("%v", lv)
	rs := fmt.Sprintf("%v", rv)

	switch op {
	case "=":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case ">":
		return ls > rs, nil
	case "<=":
		return ls <= rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := Unwrap(v).(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// toTime converts a value to a time.Time, accepting both parsed datetime
// literals and the date strings JSON resources carry.
func toTime(v interface{}) (time.Time, bool) {
	switch t := Unwrap(v).(type) {
	case time.Time:
		return t, true
	case string:
		if len(t) >= 4 && t[0] >= '0' && t[0] <= '9' {
			parsed, err := parseDateTimeLiteral(t)
			if err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func compareNumbers(l, r float64, op string) bool {
	switch op {
	case "=":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	case ">=":
		return l >= r
	}
	return false
}

func compareTimes(l, r time.Time, op string) bool {
	switch op {
	case "=":
		return l.Equal(r)
	case "!=":
		return !l.Equal(r)
	case "<":
		return l.Before(r)
	case ">":
		return l.After(r)
	case "<=":
		return !l.After(r)
	case ">=":
		return !l.Before(r)
	}
	return false
}

// ---------------------------------------------------------------------------
// Logical operators
// ---------------------------------------------------------------------------

func (ctx *evalContext) evalAnd(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if !ToBool(leftColl) {
		return []interface{}{false}, nil // short-circuit
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []interface{}{ToBool(rightColl)}, nil
}

func (ctx *evalContext) evalOr(node *astNode, input []interface{}) ([]interface{}, error) {
	op, _ := node.value.(string)
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	lb := ToBool(leftColl)
	if op == "or" && lb {
		return []interface{}{true}, nil // short-circuit
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	rb := ToBool(rightColl)
	if op == "xor" {
		return []interface{}{lb != rb}, nil
	}
	return []interface{}{lb || rb}, nil
}

func (ctx *evalContext) evalImplies(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if !ToBool(leftColl) {
		return []interface{}{true}, nil // false implies anything
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []interface{}{ToBool(rightColl)}, nil
}

func (ctx *evalContext) evalUnion(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var result []interface{}
	for _, v := range append(leftColl, rightColl...) {
		key := fmt.Sprintf("%v", Unwrap(v))
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result, nil
}

// matchesType reports whether a value is of the named FHIRPath type. Complex
// values reached through a choice-type element carry their instance type as a
// TypedValue tag; references are typed by their target prefix so that
// "resolve() is Patient" works without fetching the referent.
func matchesType(v interface{}, typeName string) bool {
	if tag := TypeNameOf(v); tag != "" && strings.EqualFold(tag, typeName) {
		return true
	}
	switch val := Unwrap(v).(type) {
	case string:
		switch strings.ToLower(typeName) {
		case "string", "code", "uri", "url", "canonical", "id", "markdown", "oid":
			return true
		case "date", "datetime", "instant":
			_, err := parseDateTimeLiteral(val)
			return err == nil
		}
		return false
	case bool:
		return strings.EqualFold(typeName, "boolean")
	case int, int64, int32:
		return strings.EqualFold(typeName, "integer")
	case float64:
		return strings.EqualFold(typeName, "decimal") || strings.EqualFold(typeName, "integer")
	case time.Time:
		low := strings.ToLower(typeName)
		return low == "date" || low == "datetime" || low == "instant"
	case map[string]interface{}:
		if rt, _ := val["resourceType"].(string); rt != "" {
			return rt == typeName
		}
		// Reference element: infer the referent type from "Type/id".
		if ref, ok := val["reference"].(string); ok {
			if idx := strings.Index(ref, "/"); idx > 0 && !strings.Contains(ref[:idx], ":") {
				return ref[:idx] == typeName
			}
		}
		return false
	default:
		return false
	}
}

// isTypeName returns true if the identifier names a FHIR type (uppercase
// first letter by convention).
func isTypeName(name string) bool {
	if len(name) == 0 {
		return false
	}
	return unicode.IsUpper(rune(name[0]))
}

// parseDateTimeLiteral parses the date/datetime formats FHIR resources use.
func parseDateTimeLiteral(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04Z07:00",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime %q", s)
}
