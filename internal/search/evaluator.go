package search

import (
	"strings"

	"github.com/fhirlite/fhirlite/internal/fhirpath"
)

// Resolver looks up a referenced resource in the same store. Chained
// parameters need it to evaluate the tail parameter against the referent.
type Resolver interface {
	Resolve(resourceType, id string) (map[string]interface{}, bool)
}

// Outcome reports which parameters decided a match and which the server had
// to ignore. Ignored parameter names go into the response bundle's
// OperationOutcome.
type Outcome struct {
	Match   bool
	Applied []string
	Ignored []string
}

// Evaluator matches resources against parsed search parameters. It is
// stateless apart from the reference resolver and safe for concurrent use.
type Evaluator struct {
	resolver Resolver
}

func NewEvaluator(resolver Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// Matches evaluates all parameters against the resource. Parameters AND
// together; comma-separated values within one parameter OR together. An
// ignored parameter never fails the match; it is only reported.
func (e *Evaluator) Matches(resource map[string]interface{}, params []*ParsedParameter) (Outcome, error) {
	out := Outcome{Match: true}
	for _, p := range params {
		if p.Ignored {
			out.Ignored = append(out.Ignored, p.Name)
			continue
		}
		matched, applied, err := e.matchParameter(resource, p)
		if err != nil {
			return Outcome{}, err
		}
		if !applied {
			out.Ignored = append(out.Ignored, p.Name)
			continue
		}
		out.Applied = append(out.Applied, p.Name)
		if !matched {
			out.Match = false
		}
	}
	return out, nil
}

// matchParameter evaluates a single parameter. The second return value is
// false when the server cannot apply the parameter against this resource
// shape and must report it as ignored.
func (e *Evaluator) matchParameter(resource map[string]interface{}, p *ParsedParameter) (bool, bool, error) {
	if p.Chained != nil {
		return e.matchChain(resource, p)
	}
	if len(p.Components) > 0 {
		return e.matchComposite(resource, p)
	}

	elems, err := p.Compiled.Evaluate(resource, nil)
	if err != nil {
		return false, false, err
	}

	if p.Modifier == ModifierMissing {
		present := len(elems) > 0
		for _, want := range p.Bools {
			if want != present {
				return true, true, nil
			}
		}
		return false, true, nil
	}

	// :not inverts token equality, and absent elements count as a match.
	if p.Modifier == ModifierNot {
		for _, elem := range elems {
			if m, ok := matchElement(p, ModifierNone, elem); ok && m {
				return false, true, nil
			}
		}
		return true, true, nil
	}

	if len(elems) == 0 {
		return false, true, nil
	}

	anySupported := false
	for _, elem := range elems {
		m, ok := matchElement(p, p.Modifier, elem)
		if !ok {
			continue
		}
		anySupported = true
		if m {
			return true, true, nil
		}
	}
	if !anySupported {
		return false, false, nil
	}
	return false, true, nil
}

// matchChain extracts the parameter's references and evaluates the chained
// tail against each resolvable referent.
func (e *Evaluator) matchChain(resource map[string]interface{}, p *ParsedParameter) (bool, bool, error) {
	if e.resolver == nil {
		return false, false, nil
	}
	elems, err := p.Compiled.Evaluate(resource, nil)
	if err != nil {
		return false, false, err
	}
	for _, elem := range elems {
		refType, refID, ok := localReference(elem)
		if !ok {
			continue
		}
		child, ok := p.Chained[refType]
		if !ok {
			continue
		}
		referent, ok := e.resolver.Resolve(refType, refID)
		if !ok {
			continue
		}
		matched, applied, err := e.matchParameter(referent, child)
		if err != nil {
			return false, false, err
		}
		if applied && matched {
			return true, true, nil
		}
	}
	return false, true, nil
}

// matchComposite requires every component to match within the same root
// element, so code-value-quantity cannot pair the code of one Observation
// component with the value of another.
func (e *Evaluator) matchComposite(resource map[string]interface{}, p *ParsedParameter) (bool, bool, error) {
	roots := []interface{}{resource}
	if p.Compiled != nil {
		var err error
		roots, err = p.Compiled.Evaluate(resource, nil)
		if err != nil {
			return false, false, err
		}
	}
	for _, root := range roots {
		all := true
		for _, comp := range p.Components {
			elems, err := comp.Compiled.EvaluateAt(resource, []interface{}{fhirpath.Unwrap(root)}, nil)
			if err != nil {
				return false, false, err
			}
			matched := false
			for _, elem := range elems {
				if m, ok := matchElement(comp.Parsed, comp.Parsed.Modifier, elem); ok && m {
					matched = true
					break
				}
			}
			if !matched {
				all = false
				break
			}
		}
		if all {
			return true, true, nil
		}
	}
	return false, true, nil
}

// localReference extracts a same-store resource type and id from a Reference
// element or a literal reference string.
func localReference(elem interface{}) (string, string, bool) {
	v := fhirpath.Unwrap(elem)
	ref := ""
	switch e := v.(type) {
	case string:
		ref = e
	case map[string]interface{}:
		ref, _ = e["reference"].(string)
	}
	if ref == "" {
		return "", "", false
	}
	if idx := strings.Index(ref, "://"); idx >= 0 {
		segs := strings.Split(ref[idx+3:], "/")
		if len(segs) < 2 {
			return "", "", false
		}
		ref = segs[len(segs)-2] + "/" + segs[len(segs)-1]
	}
	segs := strings.Split(ref, "/")
	if len(segs) != 2 || !isResourceTypeLiteral(segs[0]) {
		return "", "", false
	}
	return segs[0], segs[1], true
}

// matchElement routes one extracted element to the matcher for its inferred
// instance type. The modifier-specific key is tried first, then the plain
// key. ok is false when no matcher handles the combination; the parameter is
// then reported as ignored instead of silently failing.
func matchElement(p *ParsedParameter, m Modifier, elem interface{}) (bool, bool) {
	elemType := inferElementType(elem)
	if elemType == "" {
		return false, false
	}
	fn, ok := matchers[routingKey(p.Type, m, elemType)]
	if !ok && m != ModifierNone {
		fn, ok = matchers[routingKey(p.Type, ModifierNone, elemType)]
	}
	if !ok {
		return false, false
	}
	for i := range p.Values {
		if i < len(p.IgnoredValues) && p.IgnoredValues[i] {
			continue
		}
		if fn(p, i, fhirpath.Unwrap(elem)) {
			return true, true
		}
	}
	return false, true
}

// inferElementType names the FHIR instance type of an extracted element,
// from the choice-type tag when present and otherwise from the element's
// shape.
func inferElementType(elem interface{}) string {
	if tag := fhirpath.TypeNameOf(elem); tag != "" {
		return tag
	}
	switch v := fhirpath.Unwrap(elem).(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "decimal"
	case map[string]interface{}:
		return inferComplexType(v)
	}
	return ""
}

func inferComplexType(m map[string]interface{}) string {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := m[k]; ok {
				return true
			}
		}
		return false
	}
	switch {
	case has("coding"):
		return "CodeableConcept"
	case has("reference") || has("display") && has("identifier"):
		return "Reference"
	case has("code") && has("system"), has("code") && has("display"):
		return "Coding"
	case has("value") && has("unit"), has("value") && has("code"):
		return "Quantity"
	case has("value") && has("system"):
		// ContactPoint systems form a small closed set; everything else with
		// system+value is an Identifier.
		if s, _ := m["system"].(string); contactPointSystems[s] {
			return "ContactPoint"
		}
		return "Identifier"
	case has("system") && !has("value"):
		return "Identifier"
	case has("family") || has("given"):
		return "HumanName"
	case has("city") || has("line") || has("postalCode"):
		return "Address"
	case has("start") || has("end"):
		return "Period"
	case has("text"):
		return "CodeableConcept"
	}
	return ""
}

var contactPointSystems = map[string]bool{
	"phone": true, "fax": true, "email": true, "pager": true,
	"url": true, "sms": true, "other": true,
}
