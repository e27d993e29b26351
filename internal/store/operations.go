package store

import (
	"context"
	"net/http"
)

// operationFunc implements one named operation. resourceType and id are
// empty at the levels where they do not apply.
type operationFunc func(s *Store, ctx context.Context, resourceType, id string, body map[string]interface{}) *Response

var operations = map[string]operationFunc{
	"validate": opValidate,
}

// Operation dispatches a named $operation at system, type or instance
// level.
func (s *Store) Operation(ctx context.Context, name, resourceType, id string, body map[string]interface{}) *Response {
	if resourceType != "" {
		if _, err := s.storeFor(resourceType); err != nil {
			return errorResponse(err)
		}
	}
	op, ok := operations[name]
	if !ok {
		return errorResponse(errf(KindNotFound, "operation $%s is not supported", name))
	}
	return op(s, ctx, resourceType, id, body)
}

// opValidate performs minimal structural validation: the body must be a
// resource (or a Parameters wrapper around one) whose resourceType is known
// to the tenant and matches the url type when one is given.
func opValidate(s *Store, ctx context.Context, resourceType, id string, body map[string]interface{}) *Response {
	resource := body
	if rt, _ := body["resourceType"].(string); rt == "Parameters" {
		resource = parametersResource(body)
	}
	if resource == nil {
		return errorResponse(errf(KindMalformedInput, "$validate requires a resource"))
	}
	rt, _ := resource["resourceType"].(string)
	if rt == "" {
		return &Response{
			Status:   http.StatusOK,
			Resource: Outcome("error", "structure", "resource has no resourceType"),
		}
	}
	if _, ok := s.types[rt]; !ok {
		return &Response{
			Status:   http.StatusOK,
			Resource: Outcome("error", "not-supported", "resource type "+rt+" is not supported by this tenant"),
		}
	}
	if resourceType != "" && rt != resourceType {
		return &Response{
			Status:   http.StatusOK,
			Resource: Outcome("error", "invalid", "resource type "+rt+" does not match url type "+resourceType),
		}
	}
	if rid, ok := resource["id"].(string); ok && rid != "" && !validID(rid) {
		return &Response{
			Status:   http.StatusOK,
			Resource: Outcome("error", "invalid", "invalid resource id "+rid),
		}
	}
	return &Response{
		Status:   http.StatusOK,
		Resource: Outcome("information", "informational", "validation successful"),
	}
}

// parametersResource extracts the "resource" parameter from a Parameters
// wrapper.
func parametersResource(params map[string]interface{}) map[string]interface{} {
	list, _ := params["parameter"].([]interface{})
	for _, item := range list {
		pm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if name, _ := pm["name"].(string); name != "resource" {
			continue
		}
		if r, ok := pm["resource"].(map[string]interface{}); ok {
			return r
		}
	}
	return nil
}
