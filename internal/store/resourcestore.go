package store

import (
	"sync"
)

// EventKind is the mutation kind carried by a store event.
type EventKind int

const (
	EventCreated EventKind = iota
	EventUpdated
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "create"
	case EventUpdated:
		return "update"
	case EventDeleted:
		return "delete"
	}
	return "unknown"
}

// Event is raised after a committed mutation. Resource is the state after
// the mutation (nil for deletes); Previous is the before-image for updates
// and deletes.
type Event struct {
	Kind         EventKind
	ResourceType string
	ResourceID   string
	Resource     map[string]interface{}
	Previous     map[string]interface{}
}

// conformanceTypes are resource types whose instances configure server
// behavior rather than carry clinical data. Stores holding them are expected
// to stay small.
var conformanceTypes = map[string]bool{
	"SearchParameter":     true,
	"StructureDefinition": true,
	"ValueSet":            true,
	"CodeSystem":          true,
	"CapabilityStatement": true,
	"OperationDefinition": true,
	"SubscriptionTopic":   true,
	"CompartmentDefinition": true,
}

// typesWithoutIdentifier lists resource types that lack Resource.identifier.
// Everything else is treated as identifiable.
var typesWithoutIdentifier = map[string]bool{
	"Binary":           true,
	"Bundle":           true,
	"OperationOutcome": true,
	"Parameters":       true,
}

// typesWithName lists resource types carrying a searchable name element.
var typesWithName = map[string]bool{
	"Patient":       true,
	"Practitioner":  true,
	"Person":        true,
	"RelatedPerson": true,
	"Organization":  true,
	"Location":      true,
}

// resourceStore holds the instances of one resource type for one tenant.
// Reads proceed in parallel; writes take the exclusive lock for this type
// only. Mutations report the before-image so callers can raise events.
type resourceStore struct {
	mu           sync.RWMutex
	resourceType string

	// derived once at construction
	conformance  bool
	identifiable bool
	named        bool

	resources map[string]map[string]interface{}
}

func newResourceStore(resourceType string) *resourceStore {
	return &resourceStore{
		resourceType: resourceType,
		conformance:  conformanceTypes[resourceType],
		identifiable: !typesWithoutIdentifier[resourceType],
		named:        typesWithName[resourceType],
		resources:    make(map[string]map[string]interface{}),
	}
}

// Get returns the current instance for id.
func (rs *resourceStore) Get(id string) (map[string]interface{}, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.resources[id]
	return r, ok
}

// Insert adds a new instance. With allowOverwrite false an existing id is a
// conflict; with it true the call degrades to a replace and reports the
// previous instance.
func (rs *resourceStore) Insert(id string, resource map[string]interface{}, allowOverwrite bool) (map[string]interface{}, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	prev, exists := rs.resources[id]
	if exists && !allowOverwrite {
		return nil, errf(KindConflict, "%s/%s already exists", rs.resourceType, id)
	}
	rs.resources[id] = resource
	return prev, nil
}

// Replace swaps the instance for id, reporting the before-image.
func (rs *resourceStore) Replace(id string, resource map[string]interface{}) (map[string]interface{}, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	prev, ok := rs.resources[id]
	rs.resources[id] = resource
	return prev, ok
}

// Remove deletes the instance for id. Removing an absent id is a no-op.
func (rs *resourceStore) Remove(id string) (map[string]interface{}, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	prev, ok := rs.resources[id]
	if ok {
		delete(rs.resources, id)
	}
	return prev, ok
}

// Values returns a snapshot of the current instances. The slice is fresh;
// the instances themselves are shared and must be treated as read-only.
func (rs *resourceStore) Values() []map[string]interface{} {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]map[string]interface{}, 0, len(rs.resources))
	for _, r := range rs.resources {
		out = append(out, r)
	}
	return out
}

// Len reports the number of stored instances.
func (rs *resourceStore) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.resources)
}

// snapshot copies the id map for transaction rollback. Instances are shared;
// only the map header is duplicated, which is enough because committed
// instances are never mutated in place.
func (rs *resourceStore) snapshot() map[string]map[string]interface{} {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(rs.resources))
	for id, r := range rs.resources {
		out[id] = r
	}
	return out
}

// restore replaces the id map with a previously taken snapshot.
func (rs *resourceStore) restore(snap map[string]map[string]interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.resources = snap
}
