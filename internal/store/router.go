package store

import (
	"regexp"
	"strings"
)

// Interaction is a FHIR REST interaction code derived from verb + path.
type Interaction int

const (
	InteractionUnknown Interaction = iota
	SystemCapabilities
	SystemSearch
	SystemBundle
	SystemDeleteConditional
	SystemOperation
	TypeCreate
	TypeSearch
	TypeDeleteConditional
	TypeOperation
	InstanceRead
	InstanceUpdate
	InstancePatch
	InstanceDelete
	InstanceReadHistory
	InstanceReadVersion
	InstanceOperation
	CompartmentSearch
	CompartmentTypeSearch
)

func (i Interaction) String() string {
	switch i {
	case SystemCapabilities:
		return "capabilities"
	case SystemSearch:
		return "search-system"
	case SystemBundle:
		return "batch/transaction"
	case SystemDeleteConditional:
		return "delete-conditional-system"
	case SystemOperation:
		return "operation-system"
	case TypeCreate:
		return "create"
	case TypeSearch:
		return "search-type"
	case TypeDeleteConditional:
		return "delete-conditional-type"
	case TypeOperation:
		return "operation-type"
	case InstanceRead:
		return "read"
	case InstanceUpdate:
		return "update"
	case InstancePatch:
		return "patch"
	case InstanceDelete:
		return "delete"
	case InstanceReadHistory:
		return "history-instance"
	case InstanceReadVersion:
		return "vread"
	case InstanceOperation:
		return "operation-instance"
	case CompartmentSearch:
		return "search-compartment"
	case CompartmentTypeSearch:
		return "search-compartment-type"
	}
	return "unknown"
}

// Route is the outcome of classifying one request against the interaction
// table: the interaction plus the path segments it extracted.
type Route struct {
	Interaction     Interaction
	ResourceType    string
	ID              string
	VersionID       string
	Operation       string // without the leading $
	CompartmentType string // second type in /{type}/{id}/{type2}
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

func validID(s string) bool { return idPattern.MatchString(s) }

// A resource type segment starts with an uppercase ASCII letter.
func looksLikeType(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}

func isOperation(s string) bool { return strings.HasPrefix(s, "$") && len(s) > 1 }

// ParseRoute classifies (verb, path) into a FHIR interaction. The path is
// relative to the tenant base (no leading tenant route). hasQuery
// distinguishes conditional deletes from plain type-level deletes, which are
// not routable. A false return means no interaction matched and the caller
// answers 404.
func ParseRoute(verb, path string, hasQuery bool) (*Route, bool) {
	verb = strings.ToUpper(verb)
	path = strings.Trim(path, "/")

	var segs []string
	if path != "" {
		segs = strings.Split(path, "/")
	}

	switch len(segs) {
	case 0:
		switch verb {
		case "GET":
			return &Route{Interaction: SystemSearch}, true
		case "POST":
			return &Route{Interaction: SystemBundle}, true
		case "DELETE":
			if hasQuery {
				return &Route{Interaction: SystemDeleteConditional}, true
			}
		}
		return nil, false

	case 1:
		seg := segs[0]
		if seg == "metadata" && verb == "GET" {
			return &Route{Interaction: SystemCapabilities}, true
		}
		if isOperation(seg) && (verb == "GET" || verb == "POST") {
			return &Route{Interaction: SystemOperation, Operation: seg[1:]}, true
		}
		if !looksLikeType(seg) {
			return nil, false
		}
		switch verb {
		case "POST":
			return &Route{Interaction: TypeCreate, ResourceType: seg}, true
		case "GET":
			return &Route{Interaction: TypeSearch, ResourceType: seg}, true
		case "DELETE":
			if hasQuery {
				return &Route{Interaction: TypeDeleteConditional, ResourceType: seg}, true
			}
		}
		return nil, false

	case 2:
		resourceType, second := segs[0], segs[1]
		if !looksLikeType(resourceType) {
			return nil, false
		}
		if isOperation(second) && (verb == "GET" || verb == "POST") {
			return &Route{Interaction: TypeOperation, ResourceType: resourceType, Operation: second[1:]}, true
		}
		if !validID(second) {
			return nil, false
		}
		switch verb {
		case "GET":
			return &Route{Interaction: InstanceRead, ResourceType: resourceType, ID: second}, true
		case "PUT":
			return &Route{Interaction: InstanceUpdate, ResourceType: resourceType, ID: second}, true
		case "PATCH":
			return &Route{Interaction: InstancePatch, ResourceType: resourceType, ID: second}, true
		case "DELETE":
			return &Route{Interaction: InstanceDelete, ResourceType: resourceType, ID: second}, true
		}
		return nil, false

	case 3:
		resourceType, id, third := segs[0], segs[1], segs[2]
		if !looksLikeType(resourceType) || !validID(id) {
			return nil, false
		}
		if third == "_history" && verb == "GET" {
			return &Route{Interaction: InstanceReadHistory, ResourceType: resourceType, ID: id}, true
		}
		if isOperation(third) && (verb == "GET" || verb == "POST") {
			return &Route{Interaction: InstanceOperation, ResourceType: resourceType, ID: id, Operation: third[1:]}, true
		}
		if verb == "GET" {
			if third == "*" {
				return &Route{Interaction: CompartmentSearch, ResourceType: resourceType, ID: id}, true
			}
			if looksLikeType(third) {
				return &Route{Interaction: CompartmentTypeSearch, ResourceType: resourceType, ID: id, CompartmentType: third}, true
			}
		}
		return nil, false

	case 4:
		resourceType, id := segs[0], segs[1]
		if !looksLikeType(resourceType) || !validID(id) {
			return nil, false
		}
		if segs[2] == "_history" && verb == "GET" && validID(segs[3]) {
			return &Route{Interaction: InstanceReadVersion, ResourceType: resourceType, ID: id, VersionID: segs[3]}, true
		}
		return nil, false
	}

	return nil, false
}
