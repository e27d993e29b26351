// Package subscriptions implements the topic-based subscription pipeline:
// parsing SubscriptionTopic and Subscription resources, evaluating resource
// triggers against store mutations, and assembling notification bundles for
// delivery channels.
package subscriptions

import (
	"fmt"

	"github.com/fhirlite/fhirlite/internal/fhirpath"
)

// ResourceTrigger is one trigger definition of a topic, scoped to a resource
// type.
type ResourceTrigger struct {
	Description  string
	Interactions map[string]bool // create, update, delete

	QueryPrevious string
	QueryCurrent  string
	RequireBoth   bool
	CreateResult  string // test-passes or test-fails
	DeleteResult  string

	Criteria *fhirpath.Expression // fhirPathCriteria, compiled once
}

// EventTrigger is a named-event trigger. Event triggers are indexed but not
// fired by the store pipeline; they exist for completeness of the parsed
// model.
type EventTrigger struct {
	Event       string
	Description string
}

// FilterSpec declares a filter parameter subscriptions on this topic may
// use.
type FilterSpec struct {
	ResourceType string
	Param        string
	Comparators  []string
	Modifiers    []string
}

// NotificationShape declares which related resources ride along with a
// notification focus.
type NotificationShape struct {
	Include    []string
	RevInclude []string
}

// Topic is a parsed SubscriptionTopic.
type Topic struct {
	ID  string
	URL string

	ResourceTriggers map[string][]ResourceTrigger
	EventTriggers    map[string][]EventTrigger
	AllowedFilters   map[string][]FilterSpec
	Shapes           map[string]NotificationShape
}

// ParseTopic parses a SubscriptionTopic resource. The R5 shape is accepted
// for every tenant version.
func ParseTopic(resource map[string]interface{}) (*Topic, error) {
	if rt, _ := resource["resourceType"].(string); rt != "SubscriptionTopic" {
		return nil, fmt.Errorf("expected a SubscriptionTopic, got %q", rt)
	}
	url, _ := resource["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("subscription topic has no url")
	}
	t := &Topic{
		URL:              url,
		ResourceTriggers: make(map[string][]ResourceTrigger),
		EventTriggers:    make(map[string][]EventTrigger),
		AllowedFilters:   make(map[string][]FilterSpec),
		Shapes:           make(map[string]NotificationShape),
	}
	t.ID, _ = resource["id"].(string)

	triggers, _ := resource["resourceTrigger"].([]interface{})
	for i, item := range triggers {
		tm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		resType, _ := tm["resource"].(string)
		resType = typeTail(resType)
		if resType == "" {
			return nil, fmt.Errorf("resourceTrigger %d has no resource", i)
		}
		trigger := ResourceTrigger{
			Interactions: make(map[string]bool),
		}
		trigger.Description, _ = tm["description"].(string)
		for _, v := range stringList(tm["supportedInteraction"]) {
			trigger.Interactions[v] = true
		}
		if len(trigger.Interactions) == 0 {
			// No declared interactions means all of them.
			trigger.Interactions["create"] = true
			trigger.Interactions["update"] = true
			trigger.Interactions["delete"] = true
		}
		if qc, ok := tm["queryCriteria"].(map[string]interface{}); ok {
			trigger.QueryPrevious, _ = qc["previous"].(string)
			trigger.QueryCurrent, _ = qc["current"].(string)
			trigger.RequireBoth, _ = qc["requireBoth"].(bool)
			trigger.CreateResult, _ = qc["resultForCreate"].(string)
			trigger.DeleteResult, _ = qc["resultForDelete"].(string)
		}
		if expr, _ := tm["fhirPathCriteria"].(string); expr != "" {
			compiled, err := fhirpath.Cached(expr)
			if err != nil {
				return nil, fmt.Errorf("resourceTrigger %d: compile fhirPathCriteria: %w", i, err)
			}
			trigger.Criteria = compiled
		}
		t.ResourceTriggers[resType] = append(t.ResourceTriggers[resType], trigger)
	}

	events, _ := resource["eventTrigger"].([]interface{})
	for _, item := range events {
		em, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		resType := typeTail(stringOf(em["resource"]))
		trigger := EventTrigger{}
		trigger.Description, _ = em["description"].(string)
		if ev, ok := em["event"].(map[string]interface{}); ok {
			if codings, ok := ev["coding"].([]interface{}); ok && len(codings) > 0 {
				if cm, ok := codings[0].(map[string]interface{}); ok {
					trigger.Event, _ = cm["code"].(string)
				}
			}
		}
		t.EventTriggers[resType] = append(t.EventTriggers[resType], trigger)
	}

	filters, _ := resource["canFilterBy"].([]interface{})
	for _, item := range filters {
		fm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		spec := FilterSpec{
			ResourceType: typeTail(stringOf(fm["resource"])),
			Comparators:  stringList(fm["comparator"]),
			Modifiers:    stringList(fm["modifier"]),
		}
		spec.Param, _ = fm["filterParameter"].(string)
		t.AllowedFilters[spec.ResourceType] = append(t.AllowedFilters[spec.ResourceType], spec)
	}

	shapes, _ := resource["notificationShape"].([]interface{})
	for _, item := range shapes {
		sm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		resType := typeTail(stringOf(sm["resource"]))
		t.Shapes[resType] = NotificationShape{
			Include:    stringList(sm["include"]),
			RevInclude: stringList(sm["revInclude"]),
		}
	}

	return t, nil
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func stringList(v interface{}) []string {
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

// typeTail reduces a canonical type reference such as
// http://hl7.org/fhir/StructureDefinition/Encounter to the bare type name.
func typeTail(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[i+1:]
		}
	}
	return s
}
