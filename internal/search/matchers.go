package search

import (
	"strings"

	"github.com/shopspring/decimal"
)

// elementMatcher matches one extracted element against the parameter's i-th
// value. Elements arrive unwrapped.
type elementMatcher func(p *ParsedParameter, i int, elem interface{}) bool

// matchers is the dispatch table keyed by routingKey. Modifier-specific keys
// are listed only where the modifier changes which part of the element is
// compared; modifiers that reinterpret the value (exact, contains, below)
// are handled inside the plain matcher via p.Modifier.
var matchers = map[string]elementMatcher{
	"date-string":   matchDateElement,
	"date-date":     matchDateElement,
	"date-datetime": matchDateElement,
	"date-instant":  matchDateElement,
	"date-period":   matchDateElement,

	"number-decimal": matchNumberElement,
	"number-integer": matchNumberElement,

	"string-string":    matchStringElement,
	"string-humanname": matchHumanNameElement,
	"string-address":   matchAddressElement,

	"token-string":          matchTokenCode,
	"token-code":            matchTokenCode,
	"token-boolean":         matchTokenBoolean,
	"token-coding":          matchTokenCoding,
	"token-codeableconcept": matchTokenCodeableConcept,
	"token-identifier":      matchTokenIdentifier,
	"token-contactpoint":    matchTokenContactPoint,

	"token-text-coding":          matchTokenText,
	"token-text-codeableconcept": matchTokenText,
	"token-text-identifier":      matchTokenText,

	"token-of-type-identifier": matchTokenOfType,

	"reference-reference":            matchReferenceElement,
	"reference-string":               matchCanonicalElement,
	"reference-uri":                  matchCanonicalElement,
	"reference-identifier-reference": matchReferenceIdentifier,
	"reference-type-reference":       matchReferenceType,

	"quantity-quantity": matchQuantityElement,

	"uri-string": matchURIElement,
	"uri-uri":    matchURIElement,
}

// ============================================================
// date
// ============================================================

func matchDateElement(p *ParsedParameter, i int, elem interface{}) bool {
	var value DateRange
	switch v := elem.(type) {
	case string:
		r, err := ParseDateRange(v)
		if err != nil {
			return false
		}
		value = r
	case map[string]interface{}:
		r, ok := periodRange(v)
		if !ok {
			return false
		}
		value = r
	default:
		return false
	}
	return matchDateRange(p.Prefixes[i], value, p.DateRanges[i])
}

// ============================================================
// number
// ============================================================

func matchNumberElement(p *ParsedParameter, i int, elem interface{}) bool {
	value, ok := toDecimal(elem)
	if !ok {
		return false
	}
	return compareDecimal(p.Prefixes[i], value, p.Decimals[i])
}

func toDecimal(elem interface{}) (decimal.Decimal, bool) {
	switch v := elem.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func compareDecimal(prefix Prefix, value, query decimal.Decimal) bool {
	switch prefix {
	case PrefixEq:
		return value.Cmp(query) == 0
	case PrefixNe:
		return value.Cmp(query) != 0
	case PrefixGt, PrefixSa:
		return value.Cmp(query) > 0
	case PrefixLt, PrefixEb:
		return value.Cmp(query) < 0
	case PrefixGe:
		return value.Cmp(query) >= 0
	case PrefixLe:
		return value.Cmp(query) <= 0
	case PrefixAp:
		// within 10% of the query value
		tolerance := query.Abs().Mul(decimal.NewFromFloat(0.1))
		return value.Sub(query).Abs().Cmp(tolerance) <= 0
	}
	return false
}

// ============================================================
// string
// ============================================================

func matchStringElement(p *ParsedParameter, i int, elem interface{}) bool {
	s, ok := elem.(string)
	if !ok {
		return false
	}
	return matchStringValue(p.Modifier, s, p.Values[i])
}

func matchStringValue(m Modifier, value, query string) bool {
	switch m {
	case ModifierExact:
		return value == query
	case ModifierContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(query))
	default:
		return strings.HasPrefix(strings.ToLower(value), strings.ToLower(query))
	}
}

// matchHumanNameElement matches a string parameter against any part of a
// HumanName.
func matchHumanNameElement(p *ParsedParameter, i int, elem interface{}) bool {
	name, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	for _, part := range nameParts(name) {
		if matchStringValue(p.Modifier, part, p.Values[i]) {
			return true
		}
	}
	return false
}

func nameParts(name map[string]interface{}) []string {
	var parts []string
	for _, key := range []string{"family", "text"} {
		if s, ok := name[key].(string); ok {
			parts = append(parts, s)
		}
	}
	for _, key := range []string{"given", "prefix", "suffix"} {
		for _, v := range stringSlice(name[key]) {
			parts = append(parts, v)
		}
	}
	return parts
}

func matchAddressElement(p *ParsedParameter, i int, elem interface{}) bool {
	addr, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	var parts []string
	for _, key := range []string{"city", "district", "state", "postalCode", "country", "text"} {
		if s, ok := addr[key].(string); ok {
			parts = append(parts, s)
		}
	}
	parts = append(parts, stringSlice(addr["line"])...)
	for _, part := range parts {
		if matchStringValue(p.Modifier, part, p.Values[i]) {
			return true
		}
	}
	return false
}

// ============================================================
// token
// ============================================================

// matchTokenCode matches a bare code element. Such elements carry no system,
// so "system|code" queries cannot match them; "|code" and "code" can. Codes
// compare case-insensitively, same as matchSystemCode.
func matchTokenCode(p *ParsedParameter, i int, elem interface{}) bool {
	s, ok := elem.(string)
	if !ok {
		return false
	}
	tok := p.Tokens[i]
	if tok.SystemSpecified && tok.System != "" {
		return false
	}
	return strings.EqualFold(s, tok.Code)
}

func matchTokenBoolean(p *ParsedParameter, i int, elem interface{}) bool {
	b, ok := elem.(bool)
	if !ok {
		return false
	}
	tok := p.Tokens[i]
	if tok.SystemSpecified && tok.System != "" {
		return false
	}
	return strings.EqualFold(tok.Code, "true") == b
}

// matchSystemCode implements the shared system/code rules: a specified
// system must equal the element's system, "|code" requires the element to
// have no system, and an empty code ("system|") matches any code within the
// system. Codes compare case-insensitively.
func matchSystemCode(tok TokenValue, system, code string) bool {
	if tok.SystemSpecified {
		if tok.System == "" && system != "" {
			return false
		}
		if tok.System != "" && tok.System != system {
			return false
		}
	}
	if tok.Code == "" {
		return tok.SystemSpecified
	}
	return strings.EqualFold(code, tok.Code)
}

func matchTokenCoding(p *ParsedParameter, i int, elem interface{}) bool {
	coding, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	system, _ := coding["system"].(string)
	code, _ := coding["code"].(string)
	return matchSystemCode(p.Tokens[i], system, code)
}

func matchTokenCodeableConcept(p *ParsedParameter, i int, elem interface{}) bool {
	cc, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	codings, _ := cc["coding"].([]interface{})
	for _, c := range codings {
		if matchTokenCoding(p, i, c) {
			return true
		}
	}
	return false
}

func matchTokenIdentifier(p *ParsedParameter, i int, elem interface{}) bool {
	ident, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	system, _ := ident["system"].(string)
	value, _ := ident["value"].(string)
	return matchSystemCode(p.Tokens[i], system, value)
}

func matchTokenContactPoint(p *ParsedParameter, i int, elem interface{}) bool {
	cp, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	system, _ := cp["system"].(string)
	value, _ := cp["value"].(string)
	return matchSystemCode(p.Tokens[i], system, value)
}

// matchTokenText matches :text against the element's human-readable parts:
// CodeableConcept.text and coding displays, Coding.display, and
// Identifier.type.text. Case-insensitive substring match.
func matchTokenText(p *ParsedParameter, i int, elem interface{}) bool {
	m, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	query := strings.ToLower(p.Values[i])
	var texts []string
	if s, ok := m["text"].(string); ok {
		texts = append(texts, s)
	}
	if s, ok := m["display"].(string); ok {
		texts = append(texts, s)
	}
	if codings, ok := m["coding"].([]interface{}); ok {
		for _, c := range codings {
			if cm, ok := c.(map[string]interface{}); ok {
				if s, ok := cm["display"].(string); ok {
					texts = append(texts, s)
				}
			}
		}
	}
	if idType, ok := m["type"].(map[string]interface{}); ok {
		if s, ok := idType["text"].(string); ok {
			texts = append(texts, s)
		}
	}
	for _, t := range texts {
		if strings.Contains(strings.ToLower(t), query) {
			return true
		}
	}
	return false
}

// matchTokenOfType matches :of-type against an Identifier with the value
// form "type-system|type-code|value". All three parts are required.
func matchTokenOfType(p *ParsedParameter, i int, elem interface{}) bool {
	ident, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	parts := strings.SplitN(p.Values[i], "|", 3)
	if len(parts) != 3 || parts[2] == "" {
		return false
	}
	value, _ := ident["value"].(string)
	if !strings.EqualFold(value, parts[2]) {
		return false
	}
	idType, ok := ident["type"].(map[string]interface{})
	if !ok {
		return false
	}
	codings, _ := idType["coding"].([]interface{})
	for _, c := range codings {
		cm, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := cm["system"].(string)
		code, _ := cm["code"].(string)
		if system == parts[0] && strings.EqualFold(code, parts[1]) {
			return true
		}
	}
	return false
}

// ============================================================
// reference
// ============================================================

func matchReferenceElement(p *ParsedParameter, i int, elem interface{}) bool {
	ref, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	literal, _ := ref["reference"].(string)
	if literal == "" {
		return false
	}
	return matchReferenceLiteral(literal, p.References[i])
}

// matchReferenceLiteral compares a reference literal against a segmented
// query value. A full-URL query matches exactly; a Type/id query matches the
// same local form or a full URL with that tail; a bare id matches any type.
func matchReferenceLiteral(literal string, q SegmentedReference) bool {
	if q.URL != "" {
		return literal == q.URL
	}
	target := ParseReference(literal)
	if q.Version != "" && target.Version != q.Version {
		return false
	}
	if q.ResourceType != "" {
		return target.ResourceType == q.ResourceType && target.ID == q.ID
	}
	return target.ID == q.ID
}

// matchCanonicalElement matches canonical references, which are plain URI
// strings with an optional "|version" suffix.
func matchCanonicalElement(p *ParsedParameter, i int, elem interface{}) bool {
	s, ok := elem.(string)
	if !ok {
		return false
	}
	q := p.References[i]
	url, version := s, ""
	if idx := strings.LastIndex(s, "|"); idx >= 0 {
		url, version = s[:idx], s[idx+1:]
	}
	queryURL := q.URL
	if queryURL == "" {
		queryURL = p.Values[i]
		if idx := strings.LastIndex(queryURL, "|"); idx >= 0 {
			queryURL = queryURL[:idx]
		}
	}
	if url != queryURL {
		return false
	}
	return q.CanonicalVersion == "" || q.CanonicalVersion == version
}

// matchReferenceIdentifier matches :identifier against the reference's
// logical identifier instead of its literal.
func matchReferenceIdentifier(p *ParsedParameter, i int, elem interface{}) bool {
	ref, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	ident, ok := ref["identifier"].(map[string]interface{})
	if !ok {
		return false
	}
	system, _ := ident["system"].(string)
	value, _ := ident["value"].(string)
	return matchSystemCode(parseTokenValue(p.Values[i]), system, value)
}

// matchReferenceType handles subject:Patient=23, equivalent to
// subject=Patient/23.
func matchReferenceType(p *ParsedParameter, i int, elem interface{}) bool {
	ref, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	literal, _ := ref["reference"].(string)
	if literal == "" {
		return false
	}
	q := p.References[i]
	if q.ResourceType == "" {
		q = SegmentedReference{ResourceType: p.ModifierLiteral, ID: p.Values[i]}
	}
	return matchReferenceLiteral(literal, q)
}

// ============================================================
// quantity
// ============================================================

// matchQuantityElement matches a Quantity element. When the query names a
// system the element's system must equal it and, if the query also carries a
// code, the codes must agree; a code without a system matches the element's
// code or unit text. An empty query code within a system matches any code.
// No unit conversion is performed.
func matchQuantityElement(p *ParsedParameter, i int, elem interface{}) bool {
	qty, ok := elem.(map[string]interface{})
	if !ok {
		return false
	}
	q := p.Quantities[i]

	system, _ := qty["system"].(string)
	code, _ := qty["code"].(string)
	unit, _ := qty["unit"].(string)

	if q.System != "" {
		if system != q.System {
			return false
		}
		if q.Code != "" && !strings.EqualFold(code, q.Code) {
			return false
		}
	} else if q.Code != "" {
		if !strings.EqualFold(code, q.Code) && !strings.EqualFold(unit, q.Code) {
			return false
		}
	}

	value, ok := toDecimal(qty["value"])
	if !ok {
		return false
	}
	return compareDecimal(p.Prefixes[i], value, q.Value)
}

// ============================================================
// uri
// ============================================================

func matchURIElement(p *ParsedParameter, i int, elem interface{}) bool {
	s, ok := elem.(string)
	if !ok {
		return false
	}
	query := p.Values[i]
	switch p.Modifier {
	case ModifierBelow:
		return strings.HasPrefix(s, query)
	case ModifierAbove:
		return strings.HasPrefix(query, s)
	case ModifierContains:
		return strings.Contains(s, query)
	default:
		return s == query
	}
}
