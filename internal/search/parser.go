package search

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fhirlite/fhirlite/internal/fhirpath"
)

// TokenValue is a parsed token search value: "system|code", "|code",
// "system|" or a bare "code". SystemSpecified distinguishes "|code" (only
// entries without a system match) from "code" (any system matches).
type TokenValue struct {
	System          string
	Code            string
	SystemSpecified bool
}

// QuantityValue is a parsed quantity search value "value|system|code".
type QuantityValue struct {
	Value  decimal.Decimal
	System string
	Code   string
}

// SegmentedReference is a reference search value split into its addressable
// pieces.
type SegmentedReference struct {
	URL              string
	ResourceType     string
	ID               string
	Version          string
	CanonicalVersion string
}

// ReverseChainLink is the structural parse of a _has parameter:
// _has:Observation:subject:code=1234.
type ReverseChainLink struct {
	TargetType     string // resource type holding the reference
	ReferenceParam string // reference parameter on the target
	NextKey        string // remaining key: a parameter name or a nested _has
}

// CompositeComponent binds one component of a composite parameter to its
// relative expression and the parsed component value.
type CompositeComponent struct {
	Definition *Definition
	Compiled   *fhirpath.Expression
	Parsed     *ParsedParameter
}

// ParsedParameter is one structured search parameter from a query string.
// The typed value slices run parallel to Values and are populated only for
// the relevant parameter type. A parameter the server cannot apply is marked
// Ignored and skipped during evaluation rather than rejected.
type ParsedParameter struct {
	Name            string
	ModifierLiteral string
	Modifier        Modifier
	Type            ParamType
	Definition      *Definition

	Prefixes      []Prefix
	Values        []string
	IgnoredValues []bool

	Ints       []int64
	Decimals   []decimal.Decimal
	DateRanges []DateRange
	Tokens     []TokenValue
	Quantities []QuantityValue
	References []SegmentedReference
	Bools      []bool

	Expression string
	Compiled   *fhirpath.Expression

	Chained      map[string]*ParsedParameter // target resource type → child
	ReverseChain *ReverseChainLink
	Components   []*CompositeComponent

	Ignored       bool
	IgnoredReason string
}

// IncludeDirective is a parsed _include/_revinclude value
// "SourceType:param[:TargetType]".
type IncludeDirective struct {
	SourceType string
	Param      string
	TargetType string
	Iterate    bool
}

// Options carries the result-shaping parameters of a search: paging,
// includes, summary mode and system-search type partitions.
type Options struct {
	Count       int
	Offset      int
	Summary     string
	Total       string
	Sort        []string
	Includes    []IncludeDirective
	RevIncludes []IncludeDirective
	Types       []string
	Pretty      bool
}

// DefaultCount is the page size applied when a search names none.
const DefaultCount = 100

// resultParameters are handled as Options, not as filters.
var resultParameters = map[string]bool{
	"_count": true, "_offset": true, "_sort": true, "_include": true,
	"_revinclude": true, "_summary": true, "_total": true, "_type": true,
	"_format": true, "_pretty": true, "_elements": true, "_contained": true,
	"_containedType": true,
}

// Parse splits a raw query string into structured search parameters plus
// result options for searches against the given resource type. Unknown or
// unsupported parameters come back marked Ignored; only undecodable input is
// an error.
func Parse(resourceType, query string, reg *Registry) ([]*ParsedParameter, *Options, error) {
	opts := &Options{Count: DefaultCount}
	var params []*ParsedParameter

	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			return nil, nil, err
		}
		value := ""
		if len(kv) == 2 {
			value, err = url.QueryUnescape(strings.ReplaceAll(kv[1], "+", "%20"))
			if err != nil {
				return nil, nil, err
			}
		}

		baseKey := key
		if idx := strings.Index(baseKey, ":"); idx >= 0 && !strings.HasPrefix(baseKey, "_has:") {
			baseKey = baseKey[:idx]
		}
		if resultParameters[baseKey] {
			applyResultParameter(opts, baseKey, key, value)
			continue
		}

		params = append(params, parseOne(resourceType, key, value, reg))
	}

	return params, opts, nil
}

func applyResultParameter(opts *Options, baseKey, fullKey, value string) {
	switch baseKey {
	case "_count":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			opts.Count = n
		}
	case "_offset":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			opts.Offset = n
		}
	case "_summary":
		opts.Summary = value
	case "_total":
		opts.Total = value
	case "_sort":
		opts.Sort = append(opts.Sort, splitValues(value)...)
	case "_type":
		opts.Types = append(opts.Types, splitValues(value)...)
	case "_pretty":
		opts.Pretty = strings.EqualFold(value, "true")
	case "_include", "_revinclude":
		iterate := strings.HasSuffix(fullKey, ":iterate") || strings.HasSuffix(fullKey, ":recurse")
		for _, v := range splitValues(value) {
			parts := strings.Split(v, ":")
			if len(parts) < 2 {
				continue
			}
			dir := IncludeDirective{SourceType: parts[0], Param: parts[1], Iterate: iterate}
			if len(parts) > 2 {
				dir.TargetType = parts[2]
			}
			if baseKey == "_include" {
				opts.Includes = append(opts.Includes, dir)
			} else {
				opts.RevIncludes = append(opts.RevIncludes, dir)
			}
		}
	}
}

// parseOne parses a single key=value pair into a ParsedParameter.
func parseOne(resourceType, key, value string, reg *Registry) *ParsedParameter {
	// Reverse chain: _has:Type:refParam:param=value
	if strings.HasPrefix(key, "_has:") {
		return parseReverseChain(key, value)
	}

	name := key
	modifierLiteral := ""
	if idx := strings.Index(key, ":"); idx >= 0 {
		name = key[:idx]
		modifierLiteral = key[idx+1:]
	}

	// Chained parameter: refParam.targetParam (the modifier, if any, is a
	// target type restriction and sits before the first dot).
	if dot := strings.Index(name, "."); dot >= 0 {
		return parseChain(resourceType, key, value, reg)
	}

	def, ok := reg.Lookup(resourceType, name)
	if !ok {
		return &ParsedParameter{
			Name:            name,
			ModifierLiteral: modifierLiteral,
			Values:          splitValues(value),
			Ignored:         true,
			IgnoredReason:   "unknown search parameter",
		}
	}

	p := &ParsedParameter{
		Name:            name,
		ModifierLiteral: modifierLiteral,
		Type:            def.Type,
		Definition:      def,
		Expression:      def.Expression,
		Compiled:        def.Compiled,
	}

	modifier, allowed := ModifierAllowed(def.Type, modifierLiteral)
	p.Modifier = modifier
	if !allowed {
		p.Values = splitValues(value)
		p.Ignored = true
		p.IgnoredReason = "modifier :" + modifierLiteral + " is not valid for " + string(def.Type) + " parameters"
		return p
	}

	if def.Type == TypeComposite {
		parseCompositeValue(resourceType, p, value, reg)
		return p
	}

	parseValues(p, value)
	return p
}

// parseValues splits a comma-separated value list and populates the typed
// parallel arrays for the parameter's type.
func parseValues(p *ParsedParameter, value string) {
	values := splitValues(value)
	p.Values = values
	p.IgnoredValues = make([]bool, len(values))

	if p.Modifier == ModifierMissing {
		for _, v := range values {
			p.Bools = append(p.Bools, strings.HasPrefix(strings.ToLower(v), "t"))
		}
		return
	}

	for i, raw := range values {
		prefix, v := SplitPrefix(p.Type, raw)
		p.Prefixes = append(p.Prefixes, prefix)
		p.Values[i] = v

		switch p.Type {
		case TypeDate:
			r, err := ParseDateRange(v)
			if err != nil {
				p.IgnoredValues[i] = true
				p.DateRanges = append(p.DateRanges, DateRange{})
				continue
			}
			p.DateRanges = append(p.DateRanges, r)

		case TypeNumber:
			d, err := decimal.NewFromString(v)
			if err != nil {
				p.IgnoredValues[i] = true
				p.Decimals = append(p.Decimals, decimal.Zero)
				p.Ints = append(p.Ints, 0)
				continue
			}
			p.Decimals = append(p.Decimals, d)
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				p.Ints = append(p.Ints, n)
			} else {
				p.Ints = append(p.Ints, d.IntPart())
			}

		case TypeQuantity:
			q, ok := parseQuantityValue(v)
			if !ok {
				p.IgnoredValues[i] = true
				p.Quantities = append(p.Quantities, QuantityValue{})
				continue
			}
			p.Quantities = append(p.Quantities, q)

		case TypeToken:
			p.Tokens = append(p.Tokens, parseTokenValue(v))
			if b, err := strconv.ParseBool(v); err == nil {
				p.Bools = append(p.Bools, b)
			} else {
				p.Bools = append(p.Bools, false)
			}

		case TypeReference:
			p.References = append(p.References, ParseReference(v))
		}
	}
}

func parseTokenValue(v string) TokenValue {
	if idx := strings.Index(v, "|"); idx >= 0 {
		return TokenValue{System: v[:idx], Code: v[idx+1:], SystemSpecified: true}
	}
	return TokenValue{Code: v}
}

func parseQuantityValue(v string) (QuantityValue, bool) {
	parts := strings.SplitN(v, "|", 3)
	d, err := decimal.NewFromString(parts[0])
	if err != nil {
		return QuantityValue{}, false
	}
	q := QuantityValue{Value: d}
	if len(parts) > 1 {
		q.System = parts[1]
	}
	if len(parts) > 2 {
		q.Code = parts[2]
	}
	return q, true
}

// ParseReference splits a reference search value into its addressable
// pieces: "Type/id", a bare id, a full URL, urn:oid:/urn:uuid: forms, and
// canonical "url|version".
func ParseReference(v string) SegmentedReference {
	if strings.HasPrefix(v, "urn:oid:") || strings.HasPrefix(v, "urn:uuid:") {
		return SegmentedReference{URL: v}
	}

	canonicalVersion := ""
	if idx := strings.LastIndex(v, "|"); idx >= 0 {
		canonicalVersion = v[idx+1:]
		v = v[:idx]
	}

	ref := SegmentedReference{CanonicalVersion: canonicalVersion}

	if strings.Contains(v, "://") {
		ref.URL = v
		u, err := url.Parse(v)
		if err != nil {
			return ref
		}
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		// trailing .../Type/id or .../Type/id/_history/vid
		if len(segs) >= 4 && segs[len(segs)-2] == "_history" {
			ref.Version = segs[len(segs)-1]
			segs = segs[:len(segs)-2]
		}
		if len(segs) >= 2 && isResourceTypeLiteral(segs[len(segs)-2]) {
			ref.ResourceType = segs[len(segs)-2]
			ref.ID = segs[len(segs)-1]
		}
		return ref
	}

	segs := strings.Split(v, "/")
	switch {
	case len(segs) >= 4 && segs[2] == "_history":
		ref.ResourceType = segs[0]
		ref.ID = segs[1]
		ref.Version = segs[3]
	case len(segs) == 2:
		ref.ResourceType = segs[0]
		ref.ID = segs[1]
	default:
		ref.ID = v
	}
	return ref
}

// parseChain builds a chained parameter: subject.name=peter or
// subject:Patient.name=peter. One child parameter is nested per declared
// target type; evaluation picks the child matching the referent.
func parseChain(resourceType, key, value string, reg *Registry) *ParsedParameter {
	dot := strings.Index(key, ".")
	head, rest := key[:dot], key[dot+1:]

	headName := head
	typeRestriction := ""
	if idx := strings.Index(head, ":"); idx >= 0 {
		headName = head[:idx]
		typeRestriction = head[idx+1:]
	}

	def, ok := reg.Lookup(resourceType, headName)
	if !ok || def.Type != TypeReference {
		return &ParsedParameter{
			Name:          key,
			Values:        splitValues(value),
			Ignored:       true,
			IgnoredReason: "chained parameter root is not a reference parameter",
		}
	}

	p := &ParsedParameter{
		Name:            headName,
		ModifierLiteral: typeRestriction,
		Type:            TypeReference,
		Definition:      def,
		Expression:      def.Expression,
		Compiled:        def.Compiled,
		Values:          splitValues(value),
		Chained:         make(map[string]*ParsedParameter),
	}

	targets := def.Targets
	if typeRestriction != "" {
		if !isResourceTypeLiteral(typeRestriction) {
			p.Ignored = true
			p.IgnoredReason = "chained parameter type restriction must be a resource type"
			return p
		}
		targets = []string{typeRestriction}
	}
	if len(targets) == 0 {
		p.Ignored = true
		p.IgnoredReason = "reference parameter declares no chain targets"
		return p
	}

	resolved := false
	for _, target := range targets {
		child := parseOne(target, rest, value, reg)
		if child.Ignored {
			continue
		}
		p.Chained[target] = child
		resolved = true
	}
	if !resolved {
		p.Ignored = true
		p.IgnoredReason = "chained parameter " + rest + " is not defined on any target type"
	}
	return p
}

// parseReverseChain parses _has structurally. Reverse chain evaluation is
// not implemented; the parameter is recorded and ignored.
func parseReverseChain(key, value string) *ParsedParameter {
	parts := strings.SplitN(strings.TrimPrefix(key, "_has:"), ":", 3)
	p := &ParsedParameter{
		Name:          key,
		Values:        splitValues(value),
		Ignored:       true,
		IgnoredReason: "_has parameters are not supported",
	}
	if len(parts) == 3 {
		p.ReverseChain = &ReverseChainLink{
			TargetType:     parts[0],
			ReferenceParam: parts[1],
			NextKey:        parts[2],
		}
	}
	return p
}

// parseCompositeValue splits a composite value on '$' and binds one child
// parameter per declared component.
func parseCompositeValue(resourceType string, p *ParsedParameter, value string, reg *Registry) {
	def := p.Definition
	p.Values = splitValues(value)
	p.IgnoredValues = make([]bool, len(p.Values))

	if len(def.Components) == 0 {
		p.Ignored = true
		p.IgnoredReason = "composite parameter declares no components"
		return
	}

	// Composite OR values are uncommon; each comma-separated value would
	// need its own component set. Only the first value is applied.
	componentValues := strings.Split(p.Values[0], "$")
	if len(componentValues) != len(def.Components) {
		p.Ignored = true
		p.IgnoredReason = "composite value component count mismatch"
		return
	}

	for i, comp := range def.Components {
		compName := resolveComponentName(comp.Definition)
		compDef, ok := reg.Lookup(resourceType, compName)
		if !ok {
			p.Ignored = true
			p.IgnoredReason = "composite component " + compName + " is not a known parameter"
			return
		}
		compiled, err := fhirpath.Cached(comp.Expression)
		if err != nil {
			p.Ignored = true
			p.IgnoredReason = "composite component expression does not compile"
			return
		}
		child := &ParsedParameter{
			Name:       compName,
			Type:       compDef.Type,
			Definition: compDef,
		}
		parseValues(child, componentValues[i])
		p.Components = append(p.Components, &CompositeComponent{
			Definition: compDef,
			Compiled:   compiled,
			Parsed:     child,
		})
	}
}

// splitValues splits a comma-separated value list, honoring backslash
// escaping of commas.
func splitValues(value string) []string {
	if value == "" {
		return []string{""}
	}
	if !strings.Contains(value, "\\") {
		return strings.Split(value, ",")
	}
	var out []string
	var sb strings.Builder
	escaped := false
	for _, r := range value {
		switch {
		case escaped:
			sb.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			out = append(out, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	out = append(out, sb.String())
	return out
}
