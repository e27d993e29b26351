package store

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type bundleEntry struct {
	index       int
	fullURL     string
	resource    map[string]interface{}
	method      string
	url         string
	ifMatch     string
	ifNoneMatch string
	ifNoneExist string
}

// methodOrder is the transaction processing order: deletes first, then
// creates, updates, patches, and reads last.
func methodOrder(method string) int {
	switch method {
	case "DELETE":
		return 0
	case "POST":
		return 1
	case "PUT":
		return 2
	case "PATCH":
		return 3
	case "GET":
		return 4
	case "HEAD":
		return 5
	}
	return 6
}

func parseBundleEntries(body map[string]interface{}) ([]*bundleEntry, error) {
	raw, _ := body["entry"].([]interface{})
	entries := make([]*bundleEntry, 0, len(raw))
	for i, item := range raw {
		em, ok := item.(map[string]interface{})
		if !ok {
			return nil, errf(KindMalformedInput, "entry %d is not an object", i)
		}
		e := &bundleEntry{index: i}
		e.fullURL, _ = em["fullUrl"].(string)
		e.resource, _ = em["resource"].(map[string]interface{})
		req, ok := em["request"].(map[string]interface{})
		if !ok {
			return nil, errf(KindMalformedInput, "entry %d has no request", i)
		}
		e.method, _ = req["method"].(string)
		e.method = strings.ToUpper(e.method)
		e.url, _ = req["url"].(string)
		e.ifMatch, _ = req["ifMatch"].(string)
		e.ifNoneMatch, _ = req["ifNoneMatch"].(string)
		e.ifNoneExist, _ = req["ifNoneExist"].(string)
		if e.method == "" || e.url == "" {
			return nil, errf(KindMalformedInput, "entry %d request needs method and url", i)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ProcessBundle executes a batch or transaction bundle. Batch entries are
// independent; a transaction either applies every entry or none.
func (s *Store) ProcessBundle(ctx context.Context, body map[string]interface{}) *Response {
	if body == nil {
		return errorResponse(errf(KindMalformedInput, "bundle body required"))
	}
	if rt, _ := body["resourceType"].(string); rt != "Bundle" {
		return errorResponse(errf(KindMalformedInput, "expected a Bundle, got %q", rt))
	}
	bundleType, _ := body["type"].(string)
	entries, err := parseBundleEntries(body)
	if err != nil {
		return errorResponse(err)
	}

	switch bundleType {
	case "transaction":
		return s.processTransaction(ctx, entries)
	case "batch":
		return s.processBatch(ctx, entries)
	default:
		return errorResponse(errf(KindMalformedInput, "bundle type %q is not processable", bundleType))
	}
}

func sortedByMethod(entries []*bundleEntry) []*bundleEntry {
	out := make([]*bundleEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return methodOrder(out[i].method) < methodOrder(out[j].method)
	})
	return out
}

// rewriteLocalReferences assigns ids to POST entries addressed by urn
// fullUrls and rewrites every reference to those urns into Type/id form.
func rewriteLocalReferences(entries []*bundleEntry) {
	replacements := make(map[string]string)
	for _, e := range entries {
		if e.method != "POST" || e.resource == nil {
			continue
		}
		if !strings.HasPrefix(e.fullURL, "urn:") {
			continue
		}
		rt, _ := e.resource["resourceType"].(string)
		if rt == "" {
			continue
		}
		id := uuid.NewString()
		e.resource = copyResource(e.resource)
		e.resource["id"] = id
		replacements[e.fullURL] = rt + "/" + id
	}
	if len(replacements) == 0 {
		return
	}
	for _, e := range entries {
		if e.resource != nil {
			rewriteReferences(e.resource, replacements)
		}
	}
}

func rewriteReferences(v interface{}, replacements map[string]string) {
	switch val := v.(type) {
	case map[string]interface{}:
		if ref, ok := val["reference"].(string); ok {
			if to, ok := replacements[ref]; ok {
				val["reference"] = to
			}
		}
		for _, item := range val {
			rewriteReferences(item, replacements)
		}
	case []interface{}:
		for _, item := range val {
			rewriteReferences(item, replacements)
		}
	}
}

func (s *Store) processTransaction(ctx context.Context, entries []*bundleEntry) *Response {
	rewriteLocalReferences(entries)

	s.txMu.Lock()

	// Copy-on-first-touch snapshots per type enable all-or-nothing rollback.
	snapshots := make(map[string]map[string]map[string]interface{})
	touch := func(resourceType string) {
		if _, done := snapshots[resourceType]; done {
			return
		}
		if rs, ok := s.types[resourceType]; ok {
			snapshots[resourceType] = rs.snapshot()
		}
	}

	responses := make([]*Response, len(entries))
	var events []Event
	for _, e := range sortedByMethod(entries) {
		resp, evs := s.execEntry(ctx, e, touch)
		responses[e.index] = resp
		if resp.Status >= 400 {
			for t, snap := range snapshots {
				s.types[t].restore(snap)
			}
			s.txMu.Unlock()
			s.logger.Debug().Int("entry", e.index).Int("status", resp.Status).Msg("transaction rolled back")
			return resp
		}
		events = append(events, evs...)
	}
	for _, ev := range events {
		s.afterCommit(ev)
	}
	s.txMu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return bundleResponse("transaction-response", responses)
}

func (s *Store) processBatch(ctx context.Context, entries []*bundleEntry) *Response {
	s.txMu.RLock()
	responses := make([]*Response, len(entries))
	var events []Event
	for _, e := range sortedByMethod(entries) {
		resp, evs := s.execEntry(ctx, e, func(string) {})
		responses[e.index] = resp
		if resp.Status < 400 {
			events = append(events, evs...)
		}
	}
	for _, ev := range events {
		s.afterCommit(ev)
	}
	s.txMu.RUnlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return bundleResponse("batch-response", responses)
}

// execEntry runs one bundle entry through the lock-free interaction
// internals. The tenant lock is already held by the caller.
func (s *Store) execEntry(ctx context.Context, e *bundleEntry, touch func(string)) (*Response, []Event) {
	path, query := e.url, ""
	if idx := strings.Index(e.url, "?"); idx >= 0 {
		path, query = e.url[:idx], e.url[idx+1:]
	}
	path = strings.Trim(path, "/")

	route, ok := ParseRoute(e.method, path, query != "")
	if !ok {
		// Conditional update: PUT {type}?{query}.
		if e.method == "PUT" && looksLikeType(path) && !strings.Contains(path, "/") && query != "" {
			return s.execConditionalUpdate(ctx, path, query, e, touch)
		}
		return errorResponse(errf(KindNotFound, "no interaction matches %s %s", e.method, e.url)), nil
	}

	switch route.Interaction {
	case TypeCreate:
		touch(route.ResourceType)
		opts := CreateOptions{IfNoneExist: e.ifNoneExist}
		if _, hasID := e.resource["id"]; hasID && strings.HasPrefix(e.fullURL, "urn:") {
			opts.AllowExistingID = true
		}
		resp, ev := s.create(ctx, route.ResourceType, e.resource, opts)
		return resp, eventSlice(ev)
	case InstanceUpdate:
		touch(route.ResourceType)
		resp, ev := s.update(ctx, route.ResourceType, route.ID, e.resource, UpdateOptions{
			IfMatch:     e.ifMatch,
			IfNoneMatch: e.ifNoneMatch,
			AllowCreate: true,
		})
		return resp, eventSlice(ev)
	case InstanceDelete:
		touch(route.ResourceType)
		resp, ev := s.remove(route.ResourceType, route.ID)
		return resp, eventSlice(ev)
	case TypeDeleteConditional:
		return s.execConditionalDelete(ctx, route.ResourceType, query, touch)
	case InstanceRead:
		return s.Read(ctx, route.ResourceType, route.ID, ReadOptions{IfNoneMatch: e.ifNoneMatch}), nil
	case TypeSearch:
		return s.Search(ctx, route.ResourceType, query), nil
	case SystemCapabilities:
		return s.Metadata(ctx), nil
	default:
		return errorResponse(errf(KindMalformedInput, "interaction %s is not allowed inside a bundle", route.Interaction)), nil
	}
}

func (s *Store) execConditionalUpdate(ctx context.Context, resourceType, query string, e *bundleEntry, touch func(string)) (*Response, []Event) {
	matches, err := s.matchQuery(ctx, resourceType, query)
	if err != nil {
		return errorResponse(err), nil
	}
	touch(resourceType)
	switch len(matches) {
	case 0:
		resp, ev := s.create(ctx, resourceType, e.resource, CreateOptions{})
		return resp, eventSlice(ev)
	case 1:
		id, _ := matches[0]["id"].(string)
		resp, ev := s.update(ctx, resourceType, id, withID(e.resource, id), UpdateOptions{AllowCreate: false})
		return resp, eventSlice(ev)
	default:
		return errorResponse(errf(KindPreconditionFailed, "conditional update matched %d resources", len(matches))), nil
	}
}

func (s *Store) execConditionalDelete(ctx context.Context, resourceType, query string, touch func(string)) (*Response, []Event) {
	matches, err := s.matchQuery(ctx, resourceType, query)
	if err != nil {
		return errorResponse(err), nil
	}
	touch(resourceType)
	var events []Event
	for _, m := range matches {
		id, _ := m["id"].(string)
		if _, ev := s.remove(resourceType, id); ev != nil {
			events = append(events, *ev)
		}
	}
	return &Response{Status: http.StatusNoContent}, events
}

func withID(resource map[string]interface{}, id string) map[string]interface{} {
	out := copyResource(resource)
	out["id"] = id
	return out
}

func eventSlice(ev *Event) []Event {
	if ev == nil {
		return nil
	}
	return []Event{*ev}
}

func bundleResponse(bundleType string, responses []*Response) *Response {
	entries := make([]interface{}, 0, len(responses))
	for _, resp := range responses {
		response := map[string]interface{}{
			"status": strconv.Itoa(resp.Status) + " " + http.StatusText(resp.Status),
		}
		if resp.ETag != "" {
			response["etag"] = resp.ETag
		}
		if resp.Location != "" {
			response["location"] = resp.Location
		}
		if !resp.LastModified.IsZero() {
			response["lastModified"] = resp.LastModified.Format("2006-01-02T15:04:05Z07:00")
		}
		if resp.Outcome != nil {
			response["outcome"] = resp.Outcome
		}
		entry := map[string]interface{}{"response": response}
		if resp.Resource != nil {
			entry["resource"] = resp.Resource
		}
		entries = append(entries, entry)
	}
	return &Response{
		Status: http.StatusOK,
		Resource: map[string]interface{}{
			"resourceType": "Bundle",
			"id":           uuid.NewString(),
			"type":         bundleType,
			"entry":        entries,
		},
	}
}
