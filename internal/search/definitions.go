// Package search implements FHIR search: parameter definitions, query string
// parsing, and in-memory evaluation of parsed parameters against resources
// via compiled FHIRPath expressions.
package search

import (
	"strings"
)

// ParamType is a FHIR search parameter type.
type ParamType string

const (
	TypeNumber    ParamType = "number"
	TypeDate      ParamType = "date"
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeReference ParamType = "reference"
	TypeComposite ParamType = "composite"
	TypeQuantity  ParamType = "quantity"
	TypeURI       ParamType = "uri"
	TypeSpecial   ParamType = "special"
)

// ParseParamType maps a SearchParameter.type code to a ParamType.
func ParseParamType(code string) (ParamType, bool) {
	switch ParamType(strings.ToLower(code)) {
	case TypeNumber, TypeDate, TypeString, TypeToken, TypeReference,
		TypeComposite, TypeQuantity, TypeURI, TypeSpecial:
		return ParamType(strings.ToLower(code)), true
	}
	return "", false
}

// Modifier is a FHIR search modifier.
type Modifier string

const (
	ModifierNone         Modifier = ""
	ModifierMissing      Modifier = "missing"
	ModifierExact        Modifier = "exact"
	ModifierContains     Modifier = "contains"
	ModifierNot          Modifier = "not"
	ModifierText         Modifier = "text"
	ModifierTextAdvanced Modifier = "text-advanced"
	ModifierIn           Modifier = "in"
	ModifierNotIn        Modifier = "not-in"
	ModifierBelow        Modifier = "below"
	ModifierAbove        Modifier = "above"
	ModifierType         Modifier = "type" // :{ResourceType} on reference parameters
	ModifierIdentifier   Modifier = "identifier"
	ModifierOfType       Modifier = "of-type"
	ModifierCodeText     Modifier = "code-text"
	ModifierIterate      Modifier = "iterate"
)

// modifiersByType is the authoritative modifier x parameter-type
// compatibility table. The :{ResourceType} modifier on reference parameters
// is handled separately because its literal is a type name.
var modifiersByType = map[ParamType][]Modifier{
	TypeDate:     {ModifierMissing},
	TypeNumber:   {ModifierMissing},
	TypeQuantity: {ModifierMissing},
	TypeReference: {
		ModifierAbove, ModifierBelow, ModifierCodeText, ModifierIdentifier,
		ModifierIn, ModifierMissing, ModifierNotIn, ModifierText,
		ModifierTextAdvanced,
	},
	TypeString: {ModifierContains, ModifierExact, ModifierMissing, ModifierText},
	TypeToken: {
		ModifierAbove, ModifierBelow, ModifierCodeText, ModifierIn,
		ModifierMissing, ModifierNot, ModifierNotIn, ModifierOfType,
		ModifierText, ModifierTextAdvanced,
	},
	TypeURI: {
		ModifierAbove, ModifierBelow, ModifierContains, ModifierIn,
		ModifierMissing, ModifierNot, ModifierNotIn, ModifierOfType,
		ModifierText, ModifierTextAdvanced,
	},
	TypeComposite: {ModifierMissing},
	TypeSpecial:   {ModifierMissing},
}

// ModifierAllowed reports whether a modifier literal is valid for a parameter
// type. A resource type name (e.g. ":Patient") is valid only on reference
// parameters.
func ModifierAllowed(t ParamType, literal string) (Modifier, bool) {
	if literal == "" {
		return ModifierNone, true
	}
	if t == TypeReference && isResourceTypeLiteral(literal) {
		return ModifierType, true
	}
	m := Modifier(strings.ToLower(literal))
	for _, allowed := range modifiersByType[t] {
		if m == allowed {
			return m, true
		}
	}
	return m, false
}

func isResourceTypeLiteral(literal string) bool {
	if literal == "" {
		return false
	}
	c := literal[0]
	return c >= 'A' && c <= 'Z'
}

// Prefix is a two-letter comparison prefix on number, date and quantity
// search values.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

// typesWithPrefixes is the set of parameter types whose values may carry a
// comparison prefix.
var typesWithPrefixes = map[ParamType]bool{
	TypeNumber:   true,
	TypeDate:     true,
	TypeQuantity: true,
}

// SplitPrefix extracts the comparison prefix from a raw search value,
// defaulting to eq. Types without prefix support return the value untouched.
func SplitPrefix(t ParamType, raw string) (Prefix, string) {
	if !typesWithPrefixes[t] || len(raw) < 2 {
		return PrefixEq, raw
	}
	switch p := Prefix(strings.ToLower(raw[:2])); p {
	case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
		return p, raw[2:]
	}
	return PrefixEq, raw
}

// routingKey builds the evaluator dispatch key for an extracted element:
// "{paramType}[-{modifier}]-{elementType}", all lowercase. The evaluator
// first looks up the key with the modifier and falls back to the modifierless
// key, so only modifier-specific handlers need dedicated registrations.
func routingKey(t ParamType, m Modifier, elementType string) string {
	if m == ModifierNone {
		return string(t) + "-" + strings.ToLower(elementType)
	}
	return string(t) + "-" + string(m) + "-" + strings.ToLower(elementType)
}
