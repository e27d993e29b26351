package search

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fhirlite/fhirlite/internal/fhirpath"
)

// Component is one sub-parameter of a composite search parameter. Definition
// names the component parameter (by canonical URL or code) and Expression is
// the FHIRPath relative to the composite root.
type Component struct {
	Definition string
	Expression string
}

// Definition is a registered search parameter: the code used in query
// strings, the FHIRPath that extracts the searched element, and the resource
// types it applies to.
type Definition struct {
	Name       string
	URL        string
	Type       ParamType
	Expression string
	Compiled   *fhirpath.Expression
	Base       []string
	Targets    []string // reference parameters: allowed target resource types
	Components []Component
}

// Registry holds the active search parameter definitions for one tenant,
// keyed by resource type, plus the framework-defined common parameters that
// apply to every resource.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]map[string]*Definition
	common map[string]*Definition
}

// commonParameters apply to all resource types.
var commonParameters = []*Definition{
	{Name: "_id", Type: TypeToken, Expression: "id"},
	{Name: "_lastUpdated", Type: TypeDate, Expression: "meta.lastUpdated"},
	{Name: "_profile", Type: TypeURI, Expression: "meta.profile"},
	{Name: "_security", Type: TypeToken, Expression: "meta.security"},
	{Name: "_source", Type: TypeURI, Expression: "meta.source"},
	{Name: "_tag", Type: TypeToken, Expression: "meta.tag"},
}

// NewRegistry creates a registry pre-seeded with the common parameters.
func NewRegistry() *Registry {
	r := &Registry{
		byType: make(map[string]map[string]*Definition),
		common: make(map[string]*Definition, len(commonParameters)),
	}
	for _, def := range commonParameters {
		d := *def
		d.Compiled = fhirpath.MustCompile(d.Expression)
		r.common[d.Name] = &d
	}
	return r
}

// Register compiles the definition's expression and adds it for every base
// resource type. Composite parameters may have an empty expression when all
// components are absolute.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("search parameter without code")
	}
	if len(def.Base) == 0 {
		return fmt.Errorf("search parameter %q without base", def.Name)
	}
	if def.Expression != "" {
		compiled, err := fhirpath.Cached(def.Expression)
		if err != nil {
			return fmt.Errorf("compile expression for %q: %w", def.Name, err)
		}
		def.Compiled = compiled
	} else if def.Type != TypeComposite {
		return fmt.Errorf("search parameter %q without expression", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, base := range def.Base {
		m, ok := r.byType[base]
		if !ok {
			m = make(map[string]*Definition)
			r.byType[base] = m
		}
		m[def.Name] = def
	}
	return nil
}

// RegisterFromResource registers a SearchParameter resource.
func (r *Registry) RegisterFromResource(sp map[string]interface{}) (*Definition, error) {
	code, _ := sp["code"].(string)
	typeCode, _ := sp["type"].(string)
	paramType, ok := ParseParamType(typeCode)
	if !ok {
		return nil, fmt.Errorf("search parameter %q has unknown type %q", code, typeCode)
	}
	expression, _ := sp["expression"].(string)

	def := &Definition{
		Name:       code,
		Type:       paramType,
		Expression: expression,
	}
	if u, _ := sp["url"].(string); u != "" {
		def.URL = u
	}
	for _, b := range stringSlice(sp["base"]) {
		def.Base = append(def.Base, b)
	}
	for _, t := range stringSlice(sp["target"]) {
		def.Targets = append(def.Targets, t)
	}
	if comps, ok := sp["component"].([]interface{}); ok {
		for _, c := range comps {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			comp := Component{}
			comp.Definition, _ = cm["definition"].(string)
			comp.Expression, _ = cm["expression"].(string)
			def.Components = append(def.Components, comp)
		}
	}

	if err := r.Register(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Remove drops a definition from every base type it was registered for.
func (r *Registry) Remove(name string, base []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range base {
		delete(r.byType[b], name)
	}
}

// Lookup resolves a parameter name for a resource type: per-type definitions
// first, then the common parameters.
func (r *Registry) Lookup(resourceType, name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.byType[resourceType]; ok {
		if def, ok := m[name]; ok {
			return def, true
		}
	}
	// "Resource"-level definitions apply to every type.
	if m, ok := r.byType["Resource"]; ok {
		if def, ok := m[name]; ok {
			return def, true
		}
	}
	def, ok := r.common[name]
	return def, ok
}

// ParamsFor lists the definitions registered for a resource type, common
// parameters included, sorted by name. Used to build the capability
// statement.
func (r *Registry) ParamsFor(resourceType string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]*Definition)
	for name, def := range r.common {
		seen[name] = def
	}
	if m, ok := r.byType["Resource"]; ok {
		for name, def := range m {
			seen[name] = def
		}
	}
	if m, ok := r.byType[resourceType]; ok {
		for name, def := range m {
			seen[name] = def
		}
	}
	out := make([]*Definition, 0, len(seen))
	for _, def := range seen {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CommonParamCount is the number of framework-defined common parameters.
func (r *Registry) CommonParamCount() int {
	return len(commonParameters)
}

func stringSlice(v interface{}) []string {
	var out []string
	switch val := v.(type) {
	case []interface{}:
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = append(out, val)
	}
	return out
}

// resolveComponentName extracts the parameter code a composite component
// refers to: either a bare code or the tail of a canonical URL such as
// http://hl7.org/fhir/SearchParameter/Observation-code.
func resolveComponentName(definition string) string {
	if idx := strings.LastIndex(definition, "/"); idx >= 0 {
		definition = definition[idx+1:]
	}
	if idx := strings.LastIndex(definition, "-"); idx >= 0 {
		return definition[idx+1:]
	}
	return definition
}
