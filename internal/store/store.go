package store

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirlite/fhirlite/internal/fhirpath"
	"github.com/fhirlite/fhirlite/internal/search"
)

// Tenant is the immutable configuration of one isolated store instance.
type Tenant struct {
	Route         string
	FHIRVersion   string // R4, R4B, R5
	BaseURL       string
	ResourceTypes []string // empty means the full set for the FHIR version
}

// Response is the outcome of one interaction, ready for the transport layer
// to serialize.
type Response struct {
	Status       int
	Resource     map[string]interface{}
	Outcome      map[string]interface{}
	ETag         string
	LastModified time.Time
	Location     string
}

func errorResponse(err error) *Response {
	status := http.StatusInternalServerError
	if se, ok := err.(*Error); ok {
		status = se.Kind.HTTPStatus()
	}
	return &Response{Status: status, Outcome: OutcomeForError(err)}
}

const eventBuffer = 256

// Store is the versioned FHIR store for one tenant. All interactions are
// safe for concurrent use. Normal interactions take the tenant lock shared;
// transaction bundles take it exclusively so they can roll back.
type Store struct {
	tenant       Tenant
	logger       zerolog.Logger
	enabledTypes []string

	txMu  sync.RWMutex
	types map[string]*resourceStore

	registry  *search.Registry
	evaluator *search.Evaluator

	events     chan Event
	subscribed atomic.Bool
	closeOnce  sync.Once

	capRevision atomic.Uint64
	capMu       sync.Mutex
	capBuilt    uint64
	capCached   map[string]interface{}
}

// NewStore builds a tenant store with the builtin search parameters
// registered and one per-type store for every enabled resource type.
func NewStore(tenant Tenant, logger zerolog.Logger) *Store {
	enabled := tenant.ResourceTypes
	if len(enabled) == 0 {
		enabled = ResourceTypesForVersion(tenant.FHIRVersion)
	}
	s := &Store{
		tenant:       tenant,
		logger:       logger.With().Str("tenant", tenant.Route).Logger(),
		enabledTypes: enabled,
		types:        make(map[string]*resourceStore, len(enabled)),
		registry:     search.NewRegistry(),
		events:       make(chan Event, eventBuffer),
	}
	for _, t := range enabled {
		s.types[t] = newResourceStore(t)
	}
	search.RegisterBuiltins(s.registry)
	s.evaluator = search.NewEvaluator(s)
	s.capRevision.Store(1)
	return s
}

// Tenant returns the store's configuration.
func (s *Store) Tenant() Tenant { return s.tenant }

// Registry exposes the tenant's search parameter registry.
func (s *Store) Registry() *search.Registry { return s.registry }

// Subscribe hands out the store's event stream. Once subscribed, mutations
// block when the buffer is full, applying backpressure to the writer that
// caused the event.
func (s *Store) Subscribe() <-chan Event {
	s.subscribed.Store(true)
	return s.events
}

// Close shuts the event stream down.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *Store) emit(ev Event) {
	if !s.subscribed.Load() {
		return
	}
	s.events <- ev
}

// Resolve implements search.Resolver for chained parameters and lets the
// subscription engine read referents.
func (s *Store) Resolve(resourceType, id string) (map[string]interface{}, bool) {
	rs, ok := s.types[resourceType]
	if !ok {
		return nil, false
	}
	return rs.Get(id)
}

// Snapshot returns the current instances of one type.
func (s *Store) Snapshot(resourceType string) []map[string]interface{} {
	rs, ok := s.types[resourceType]
	if !ok {
		return nil
	}
	return rs.Values()
}

func (s *Store) storeFor(resourceType string) (*resourceStore, error) {
	rs, ok := s.types[resourceType]
	if !ok {
		return nil, errf(KindUnsupportedType, "resource type %q is not supported by this tenant", resourceType)
	}
	return rs, nil
}

// ============================================================
// metadata helpers
// ============================================================

func nowUTC() time.Time { return time.Now().UTC() }

func weakETag(versionID string) string { return `W/"` + versionID + `"` }

func setMeta(resource map[string]interface{}, versionID string, at time.Time) {
	meta, _ := resource["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
		resource["meta"] = meta
	}
	meta["versionId"] = versionID
	meta["lastUpdated"] = at.Format(time.RFC3339)
}

func resourceVersion(resource map[string]interface{}) string {
	if meta, ok := resource["meta"].(map[string]interface{}); ok {
		if v, ok := meta["versionId"].(string); ok {
			return v
		}
	}
	return ""
}

func resourceLastUpdated(resource map[string]interface{}) time.Time {
	if meta, ok := resource["meta"].(map[string]interface{}); ok {
		if v, ok := meta["lastUpdated"].(string); ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// copyResource deep-copies a resource so stored state is never aliased by
// request or response bodies.
func copyResource(resource map[string]interface{}) map[string]interface{} {
	if resource == nil {
		return nil
	}
	return copyValue(resource).(map[string]interface{})
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// afterCommit reacts to committed mutations of conformance resources:
// SearchParameter changes update the registry and invalidate the capability
// statement.
func (s *Store) afterCommit(ev Event) {
	if ev.ResourceType != "SearchParameter" {
		return
	}
	switch ev.Kind {
	case EventCreated, EventUpdated:
		if ev.Kind == EventUpdated && ev.Previous != nil {
			s.unregisterSearchParameter(ev.Previous)
		}
		if _, err := s.registry.RegisterFromResource(ev.Resource); err != nil {
			s.logger.Warn().Err(err).Str("id", ev.ResourceID).Msg("search parameter not registered")
		}
	case EventDeleted:
		s.unregisterSearchParameter(ev.Previous)
	}
	s.capRevision.Add(1)
}

func (s *Store) unregisterSearchParameter(sp map[string]interface{}) {
	if sp == nil {
		return
	}
	code, _ := sp["code"].(string)
	var base []string
	if b, ok := sp["base"].([]interface{}); ok {
		for _, item := range b {
			if t, ok := item.(string); ok {
				base = append(base, t)
			}
		}
	}
	s.registry.Remove(code, base)
}

// ============================================================
// metadata
// ============================================================

// Metadata returns the tenant's CapabilityStatement. The statement is
// rebuilt lazily after search parameter changes.
func (s *Store) Metadata(ctx context.Context) *Response {
	rev := s.capRevision.Load()
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if s.capCached == nil || s.capBuilt != rev {
		s.capCached = s.buildCapability()
		s.capBuilt = rev
	}
	return &Response{Status: http.StatusOK, Resource: s.capCached}
}

// ============================================================
// instance interactions
// ============================================================

// CreateOptions carries the conditional-create header and the id policy.
type CreateOptions struct {
	IfNoneExist     string
	AllowExistingID bool
}

// Create implements the FHIR create interaction, including conditional
// create via If-None-Exist.
func (s *Store) Create(ctx context.Context, resourceType string, body map[string]interface{}, opts CreateOptions) *Response {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	resp, ev := s.create(ctx, resourceType, body, opts)
	if ev != nil {
		s.afterCommit(*ev)
		s.emit(*ev)
	}
	return resp
}

// TryCreate is the fast path without event fan-out, for internal
// bookkeeping and seeding.
func (s *Store) TryCreate(ctx context.Context, resourceType string, body map[string]interface{}, opts CreateOptions) *Response {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	resp, ev := s.create(ctx, resourceType, body, opts)
	if ev != nil {
		s.afterCommit(*ev)
	}
	return resp
}

func (s *Store) create(ctx context.Context, resourceType string, body map[string]interface{}, opts CreateOptions) (*Response, *Event) {
	rs, err := s.storeFor(resourceType)
	if err != nil {
		return errorResponse(err), nil
	}
	if body == nil {
		return errorResponse(errf(KindMalformedInput, "create requires a resource body")), nil
	}
	if bt, _ := body["resourceType"].(string); bt != resourceType {
		return errorResponse(errf(KindMalformedInput, "body resourceType %q does not match url type %q", bt, resourceType)), nil
	}

	if opts.IfNoneExist != "" {
		matches, err := s.matchQuery(ctx, resourceType, opts.IfNoneExist)
		if err != nil {
			return errorResponse(err), nil
		}
		switch len(matches) {
		case 0:
			// fall through to create
		case 1:
			existing := matches[0]
			version := resourceVersion(existing)
			return &Response{
				Status:       http.StatusOK,
				Resource:     copyResource(existing),
				ETag:         weakETag(version),
				LastModified: resourceLastUpdated(existing),
				Location:     resourceType + "/" + existing["id"].(string),
			}, nil
		default:
			return errorResponse(errf(KindPreconditionFailed, "If-None-Exist matched %d resources", len(matches))), nil
		}
	}

	resource := copyResource(body)
	id, _ := resource["id"].(string)
	if !opts.AllowExistingID || id == "" {
		id = uuid.NewString()
		resource["id"] = id
	}
	if !validID(id) {
		return errorResponse(errf(KindMalformedInput, "invalid resource id %q", id)), nil
	}

	now := nowUTC()
	setMeta(resource, "1", now)
	if _, err := rs.Insert(id, resource, false); err != nil {
		return errorResponse(err), nil
	}

	s.logger.Debug().Str("type", resourceType).Str("id", id).Msg("resource created")
	resp := &Response{
		Status:       http.StatusCreated,
		Resource:     copyResource(resource),
		ETag:         weakETag("1"),
		LastModified: now,
		Location:     resourceType + "/" + id,
	}
	return resp, &Event{Kind: EventCreated, ResourceType: resourceType, ResourceID: id, Resource: resource}
}

// ReadOptions carries the conditional-read headers.
type ReadOptions struct {
	IfNoneMatch     string
	IfModifiedSince string
}

// Read implements the FHIR read interaction.
func (s *Store) Read(ctx context.Context, resourceType, id string, opts ReadOptions) *Response {
	rs, err := s.storeFor(resourceType)
	if err != nil {
		return errorResponse(err)
	}
	resource, ok := rs.Get(id)
	if !ok {
		return errorResponse(errf(KindNotFound, "%s/%s not found", resourceType, id))
	}
	version := resourceVersion(resource)
	lastUpdated := resourceLastUpdated(resource)

	if opts.IfNoneMatch != "" && opts.IfNoneMatch == weakETag(version) {
		return &Response{Status: http.StatusNotModified, ETag: weakETag(version), LastModified: lastUpdated}
	}
	if opts.IfModifiedSince != "" {
		if since, err := http.ParseTime(opts.IfModifiedSince); err == nil && !lastUpdated.After(since) {
			return &Response{Status: http.StatusNotModified, ETag: weakETag(version), LastModified: lastUpdated}
		}
	}
	return &Response{
		Status:       http.StatusOK,
		Resource:     copyResource(resource),
		ETag:         weakETag(version),
		LastModified: lastUpdated,
	}
}

// TryRead is the fast path used by the subscription pipeline.
func (s *Store) TryRead(resourceType, id string) (map[string]interface{}, bool) {
	resource, ok := s.Resolve(resourceType, id)
	if !ok {
		return nil, false
	}
	return copyResource(resource), true
}

// ReadVersion implements vread. Only the latest version of each resource is
// retained, so any other version id answers 404.
func (s *Store) ReadVersion(ctx context.Context, resourceType, id, versionID string) *Response {
	rs, err := s.storeFor(resourceType)
	if err != nil {
		return errorResponse(err)
	}
	resource, ok := rs.Get(id)
	if !ok || resourceVersion(resource) != versionID {
		return errorResponse(errf(KindNotFound, "%s/%s version %s not found", resourceType, id, versionID))
	}
	return &Response{
		Status:       http.StatusOK,
		Resource:     copyResource(resource),
		ETag:         weakETag(versionID),
		LastModified: resourceLastUpdated(resource),
	}
}

// History implements the instance history interaction. With latest-only
// retention the bundle holds at most the current version.
func (s *Store) History(ctx context.Context, resourceType, id string) *Response {
	rs, err := s.storeFor(resourceType)
	if err != nil {
		return errorResponse(err)
	}
	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "history",
	}
	resource, ok := rs.Get(id)
	if !ok {
		bundle["total"] = float64(0)
		bundle["entry"] = []interface{}{}
		return &Response{Status: http.StatusOK, Resource: bundle}
	}
	bundle["total"] = float64(1)
	bundle["entry"] = []interface{}{
		map[string]interface{}{
			"fullUrl":  s.fullURL(resourceType, id),
			"resource": copyResource(resource),
			"request": map[string]interface{}{
				"method": "PUT",
				"url":    resourceType + "/" + id,
			},
			"response": map[string]interface{}{
				"status": "200 OK",
				"etag":   weakETag(resourceVersion(resource)),
			},
		},
	}
	return &Response{Status: http.StatusOK, Resource: bundle}
}

// UpdateOptions carries the precondition headers and the update-as-create
// policy.
type UpdateOptions struct {
	IfMatch     string
	IfNoneMatch string
	AllowCreate bool
}

// Update implements the FHIR update interaction with version increments and
// If-Match preconditions.
func (s *Store) Update(ctx context.Context, resourceType, id string, body map[string]interface{}, opts UpdateOptions) *Response {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	resp, ev := s.update(ctx, resourceType, id, body, opts)
	if ev != nil {
		s.afterCommit(*ev)
		s.emit(*ev)
	}
	return resp
}

// TryUpdate is the fast path without event fan-out.
func (s *Store) TryUpdate(ctx context.Context, resourceType, id string, body map[string]interface{}, opts UpdateOptions) *Response {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	resp, ev := s.update(ctx, resourceType, id, body, opts)
	if ev != nil {
		s.afterCommit(*ev)
	}
	return resp
}

func (s *Store) update(ctx context.Context, resourceType, id string, body map[string]interface{}, opts UpdateOptions) (*Response, *Event) {
	rs, err := s.storeFor(resourceType)
	if err != nil {
		return errorResponse(err), nil
	}
	if body == nil {
		return errorResponse(errf(KindMalformedInput, "update requires a resource body")), nil
	}
	if bt, _ := body["resourceType"].(string); bt != resourceType {
		return errorResponse(errf(KindMalformedInput, "body resourceType %q does not match url type %q", bt, resourceType)), nil
	}
	if bid, _ := body["id"].(string); bid != "" && bid != id {
		return errorResponse(errf(KindMalformedInput, "body id %q does not match url id %q", bid, id)), nil
	}
	if !validID(id) {
		return errorResponse(errf(KindMalformedInput, "invalid resource id %q", id)), nil
	}

	current, exists := rs.Get(id)

	if opts.IfNoneMatch == "*" && exists {
		return errorResponse(errf(KindPreconditionFailed, "%s/%s already exists", resourceType, id)), nil
	}
	if opts.IfMatch != "" {
		if !exists {
			return errorResponse(errf(KindNotFound, "%s/%s not found", resourceType, id)), nil
		}
		if opts.IfMatch != weakETag(resourceVersion(current)) {
			return errorResponse(errf(KindPreconditionFailed, "If-Match %s does not match current version", opts.IfMatch)), nil
		}
	}

	resource := copyResource(body)
	resource["id"] = id
	now := nowUTC()

	if !exists {
		if !opts.AllowCreate {
			return errorResponse(errf(KindNotFound, "%s/%s not found", resourceType, id)), nil
		}
		setMeta(resource, "1", now)
		if _, err := rs.Insert(id, resource, false); err != nil {
			return errorResponse(err), nil
		}
		resp := &Response{
			Status:       http.StatusCreated,
			Resource:     copyResource(resource),
			ETag:         weakETag("1"),
			LastModified: now,
			Location:     resourceType + "/" + id,
		}
		return resp, &Event{Kind: EventCreated, ResourceType: resourceType, ResourceID: id, Resource: resource}
	}

	next := nextVersion(resourceVersion(current))
	setMeta(resource, next, now)
	prev, _ := rs.Replace(id, resource)

	s.logger.Debug().Str("type", resourceType).Str("id", id).Str("version", next).Msg("resource updated")
	resp := &Response{
		Status:       http.StatusOK,
		Resource:     copyResource(resource),
		ETag:         weakETag(next),
		LastModified: now,
		Location:     resourceType + "/" + id,
	}
	return resp, &Event{Kind: EventUpdated, ResourceType: resourceType, ResourceID: id, Resource: resource, Previous: prev}
}

func nextVersion(current string) string {
	n, err := strconv.Atoi(current)
	if err != nil || n < 1 {
		return "1"
	}
	return strconv.Itoa(n + 1)
}

// Delete implements the FHIR delete interaction. Deleting an absent
// resource succeeds; delete is idempotent.
func (s *Store) Delete(ctx context.Context, resourceType, id string) *Response {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	resp, ev := s.remove(resourceType, id)
	if ev != nil {
		s.afterCommit(*ev)
		s.emit(*ev)
	}
	return resp
}

// TryDelete is the fast path without event fan-out.
func (s *Store) TryDelete(ctx context.Context, resourceType, id string) *Response {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	resp, ev := s.remove(resourceType, id)
	if ev != nil {
		s.afterCommit(*ev)
	}
	return resp
}

func (s *Store) remove(resourceType, id string) (*Response, *Event) {
	rs, err := s.storeFor(resourceType)
	if err != nil {
		return errorResponse(err), nil
	}
	prev, existed := rs.Remove(id)
	resp := &Response{Status: http.StatusNoContent}
	if !existed {
		return resp, nil
	}
	s.logger.Debug().Str("type", resourceType).Str("id", id).Msg("resource deleted")
	return resp, &Event{Kind: EventDeleted, ResourceType: resourceType, ResourceID: id, Previous: prev}
}

// ============================================================
// search
// ============================================================

const cancelCheckInterval = 256

// matchQuery runs a query against one type and returns the matching stored
// instances. Used by search and by conditional interactions.
func (s *Store) matchQuery(ctx context.Context, resourceType, query string) ([]map[string]interface{}, error) {
	rs, err := s.storeFor(resourceType)
	if err != nil {
		return nil, err
	}
	params, _, err := search.Parse(resourceType, query, s.registry)
	if err != nil {
		return nil, errf(KindMalformedInput, "malformed query: %v", err)
	}
	var matches []map[string]interface{}
	for i, resource := range rs.Values() {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errf(KindCancelled, "search cancelled")
			}
		}
		out, err := s.evaluator.Matches(resource, params)
		if err != nil {
			return nil, errf(KindInternal, "search evaluation: %v", err)
		}
		if out.Match {
			matches = append(matches, resource)
		}
	}
	return matches, nil
}

// Search implements the FHIR search-type interaction, returning a searchset
// bundle.
func (s *Store) Search(ctx context.Context, resourceType, query string) *Response {
	rs, err := s.storeFor(resourceType)
	if err != nil {
		return errorResponse(err)
	}
	params, opts, err := search.Parse(resourceType, query, s.registry)
	if err != nil {
		return errorResponse(errf(KindMalformedInput, "malformed query: %v", err))
	}

	matches, ignored, err := s.evaluate(ctx, rs.Values(), params)
	if err != nil {
		return errorResponse(err)
	}
	return s.searchsetResponse(resourceType, matches, ignored, opts)
}

// TrySearch is the fast path for internal callers.
func (s *Store) TrySearch(ctx context.Context, resourceType, query string) ([]map[string]interface{}, error) {
	return s.matchQuery(ctx, resourceType, query)
}

// SystemSearch searches across every enabled type, optionally partitioned by
// _type.
func (s *Store) SystemSearch(ctx context.Context, query string) *Response {
	// Parse once against the Resource pseudo-type to pick up the result
	// options; per-type parses below resolve the type-scoped parameters.
	_, opts, err := search.Parse("Resource", query, s.registry)
	if err != nil {
		return errorResponse(errf(KindMalformedInput, "malformed query: %v", err))
	}

	types := opts.Types
	if len(types) == 0 {
		types = s.enabledTypes
	}

	var matches []map[string]interface{}
	ignoredSet := map[string]bool{}
	for _, t := range types {
		rs, ok := s.types[t]
		if !ok || rs.Len() == 0 {
			continue
		}
		params, _, err := search.Parse(t, query, s.registry)
		if err != nil {
			return errorResponse(errf(KindMalformedInput, "malformed query: %v", err))
		}
		m, ign, err := s.evaluate(ctx, rs.Values(), params)
		if err != nil {
			return errorResponse(err)
		}
		matches = append(matches, m...)
		for _, name := range ign {
			ignoredSet[name] = true
		}
	}
	var ignored []string
	for name := range ignoredSet {
		ignored = append(ignored, name)
	}
	sort.Strings(ignored)
	return s.searchsetResponse("", matches, ignored, opts)
}

func (s *Store) evaluate(ctx context.Context, candidates []map[string]interface{}, params []*search.ParsedParameter) ([]map[string]interface{}, []string, error) {
	var matches []map[string]interface{}
	var ignored []string
	for i, resource := range candidates {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, errf(KindCancelled, "search cancelled")
			}
		}
		out, err := s.evaluator.Matches(resource, params)
		if err != nil {
			return nil, nil, errf(KindInternal, "search evaluation: %v", err)
		}
		if i == 0 {
			ignored = out.Ignored
		}
		if out.Match {
			matches = append(matches, resource)
		}
	}
	if len(candidates) == 0 {
		// No instances to evaluate against; report structurally ignored
		// parameters anyway.
		for _, p := range params {
			if p.Ignored {
				ignored = append(ignored, p.Name)
			}
		}
	}
	return matches, ignored, nil
}

func (s *Store) fullURL(resourceType, id string) string {
	base := strings.TrimRight(s.tenant.BaseURL, "/")
	if base == "" {
		return resourceType + "/" + id
	}
	return base + "/" + resourceType + "/" + id
}

// searchsetResponse assembles the searchset bundle: sorted, paged matches,
// include/revinclude entries, and an outcome entry for ignored parameters.
func (s *Store) searchsetResponse(resourceType string, matches []map[string]interface{}, ignored []string, opts *search.Options) *Response {
	sortMatches(matches, opts.Sort)

	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "searchset",
		"total":        float64(len(matches)),
	}

	if opts.Summary == "count" {
		return &Response{Status: http.StatusOK, Resource: bundle}
	}

	page := matches
	if opts.Offset > 0 {
		if opts.Offset >= len(page) {
			page = nil
		} else {
			page = page[opts.Offset:]
		}
	}
	if opts.Count >= 0 && opts.Count < len(page) {
		page = page[:opts.Count]
	}

	var entries []interface{}
	for _, resource := range page {
		rt, _ := resource["resourceType"].(string)
		id, _ := resource["id"].(string)
		entries = append(entries, map[string]interface{}{
			"fullUrl":  s.fullURL(rt, id),
			"resource": copyResource(resource),
			"search":   map[string]interface{}{"mode": "match"},
		})
	}

	for _, inc := range s.resolveIncludes(resourceType, page, opts) {
		rt, _ := inc["resourceType"].(string)
		id, _ := inc["id"].(string)
		entries = append(entries, map[string]interface{}{
			"fullUrl":  s.fullURL(rt, id),
			"resource": copyResource(inc),
			"search":   map[string]interface{}{"mode": "include"},
		})
	}

	if len(ignored) > 0 {
		entries = append(entries, map[string]interface{}{
			"resource": Outcome("information", "not-supported",
				"ignored search parameters: "+strings.Join(ignored, ", ")),
			"search": map[string]interface{}{"mode": "outcome"},
		})
	}

	if entries == nil {
		entries = []interface{}{}
	}
	bundle["entry"] = entries
	return &Response{Status: http.StatusOK, Resource: bundle}
}

func sortMatches(matches []map[string]interface{}, keys []string) {
	// Deterministic default ordering by type then id.
	sort.SliceStable(matches, func(i, j int) bool {
		ti, _ := matches[i]["resourceType"].(string)
		tj, _ := matches[j]["resourceType"].(string)
		if ti != tj {
			return ti < tj
		}
		ii, _ := matches[i]["id"].(string)
		ij, _ := matches[j]["id"].(string)
		return ii < ij
	})
	// Apply _sort keys last-to-first so the first key dominates.
	for k := len(keys) - 1; k >= 0; k-- {
		key := keys[k]
		desc := strings.HasPrefix(key, "-")
		key = strings.TrimPrefix(key, "-")
		var rank func(r map[string]interface{}) string
		switch key {
		case "_id":
			rank = func(r map[string]interface{}) string { s, _ := r["id"].(string); return s }
		case "_lastUpdated":
			rank = func(r map[string]interface{}) string {
				return resourceLastUpdated(r).Format(time.RFC3339Nano)
			}
		default:
			continue
		}
		sort.SliceStable(matches, func(i, j int) bool {
			a, b := rank(matches[i]), rank(matches[j])
			if desc {
				return a > b
			}
			return a < b
		})
	}
}

// resolveIncludes collects _include and _revinclude entries for a result
// page, deduplicated by Type/Id and excluding resources already in the page.
func (s *Store) resolveIncludes(resourceType string, page []map[string]interface{}, opts *search.Options) []map[string]interface{} {
	if len(opts.Includes) == 0 && len(opts.RevIncludes) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(page))
	for _, r := range page {
		rt, _ := r["resourceType"].(string)
		id, _ := r["id"].(string)
		seen[rt+"/"+id] = true
	}

	var out []map[string]interface{}
	add := func(r map[string]interface{}) {
		rt, _ := r["resourceType"].(string)
		id, _ := r["id"].(string)
		key := rt + "/" + id
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, r)
	}

	for _, dir := range opts.Includes {
		if resourceType != "" && dir.SourceType != resourceType {
			continue
		}
		def, ok := s.registry.Lookup(dir.SourceType, dir.Param)
		if !ok || def.Type != search.TypeReference {
			continue
		}
		for _, r := range page {
			refs, err := def.Compiled.Evaluate(r, nil)
			if err != nil {
				continue
			}
			for _, ref := range refs {
				rt, id, ok := referenceTarget(ref)
				if !ok {
					continue
				}
				if dir.TargetType != "" && rt != dir.TargetType {
					continue
				}
				if target, ok := s.Resolve(rt, id); ok {
					add(target)
				}
			}
		}
	}

	for _, dir := range opts.RevIncludes {
		def, ok := s.registry.Lookup(dir.SourceType, dir.Param)
		if !ok || def.Type != search.TypeReference {
			continue
		}
		rs, ok := s.types[dir.SourceType]
		if !ok {
			continue
		}
		for _, candidate := range rs.Values() {
			refs, err := def.Compiled.Evaluate(candidate, nil)
			if err != nil {
				continue
			}
			for _, ref := range refs {
				rt, id, ok := referenceTarget(ref)
				if !ok {
					continue
				}
				if pageContains(page, rt, id) {
					add(candidate)
					break
				}
			}
		}
	}
	return out
}

func pageContains(page []map[string]interface{}, resourceType, id string) bool {
	for _, r := range page {
		rt, _ := r["resourceType"].(string)
		rid, _ := r["id"].(string)
		if rt == resourceType && rid == id {
			return true
		}
	}
	return false
}

// referenceTarget extracts Type/Id from a Reference element or literal.
func referenceTarget(elem interface{}) (string, string, bool) {
	var literal string
	switch v := fhirpath.Unwrap(elem).(type) {
	case string:
		literal = v
	case map[string]interface{}:
		literal, _ = v["reference"].(string)
	}
	if literal == "" {
		return "", "", false
	}
	segs := strings.Split(literal, "/")
	if len(segs) < 2 {
		return "", "", false
	}
	rt, id := segs[len(segs)-2], segs[len(segs)-1]
	if !looksLikeType(rt) {
		return "", "", false
	}
	return rt, id, true
}

// ============================================================
// conditional delete
// ============================================================

// ConditionalDelete deletes resources matching a query. With allowMultiple
// false, more than one match is a precondition failure.
func (s *Store) ConditionalDelete(ctx context.Context, resourceType, query string, allowMultiple bool) *Response {
	s.txMu.RLock()
	matches, err := s.matchQuery(ctx, resourceType, query)
	if err != nil {
		s.txMu.RUnlock()
		return errorResponse(err)
	}
	if len(matches) > 1 && !allowMultiple {
		s.txMu.RUnlock()
		return errorResponse(errf(KindPreconditionFailed, "conditional delete matched %d resources", len(matches)))
	}
	var events []Event
	for _, m := range matches {
		id, _ := m["id"].(string)
		if _, ev := s.remove(resourceType, id); ev != nil {
			s.afterCommit(*ev)
			events = append(events, *ev)
		}
	}
	s.txMu.RUnlock()
	for _, ev := range events {
		s.emit(ev)
	}
	return &Response{Status: http.StatusNoContent}
}

// SystemConditionalDelete applies a conditional delete across every enabled
// type.
func (s *Store) SystemConditionalDelete(ctx context.Context, query string, allowMultiple bool) *Response {
	_, opts, err := search.Parse("Resource", query, s.registry)
	if err != nil {
		return errorResponse(errf(KindMalformedInput, "malformed query: %v", err))
	}
	types := opts.Types
	if len(types) == 0 {
		types = s.enabledTypes
	}
	for _, t := range types {
		rs, ok := s.types[t]
		if !ok || rs.Len() == 0 {
			continue
		}
		if resp := s.ConditionalDelete(ctx, t, query, allowMultiple); resp.Status >= 400 {
			return resp
		}
	}
	return &Response{Status: http.StatusNoContent}
}

// ============================================================
// compartment search
// ============================================================

// CompartmentSearch implements /{type}/{id}/{type2} and /{type}/{id}/*:
// resources of the target type(s) holding a reference to the compartment
// instance, further filtered by the query.
func (s *Store) CompartmentSearch(ctx context.Context, resourceType, id, targetType, query string) *Response {
	rs, err := s.storeFor(resourceType)
	if err != nil {
		return errorResponse(err)
	}
	if _, ok := rs.Get(id); !ok {
		return errorResponse(errf(KindNotFound, "%s/%s not found", resourceType, id))
	}

	targets := s.enabledTypes
	if targetType != "" {
		if _, err := s.storeFor(targetType); err != nil {
			return errorResponse(err)
		}
		targets = []string{targetType}
	}

	compartmentRef := resourceType + "/" + id
	var matches []map[string]interface{}
	var ignored []string
	var opts *search.Options
	for _, t := range targets {
		trs, ok := s.types[t]
		if !ok || trs.Len() == 0 || t == resourceType {
			continue
		}
		params, o, err := search.Parse(t, query, s.registry)
		if err != nil {
			return errorResponse(errf(KindMalformedInput, "malformed query: %v", err))
		}
		opts = o
		for _, candidate := range trs.Values() {
			if !holdsReference(candidate, compartmentRef) {
				continue
			}
			out, err := s.evaluator.Matches(candidate, params)
			if err != nil {
				return errorResponse(errf(KindInternal, "search evaluation: %v", err))
			}
			ignored = out.Ignored
			if out.Match {
				matches = append(matches, candidate)
			}
		}
	}
	if opts == nil {
		_, opts, _ = search.Parse("Resource", query, s.registry)
	}
	return s.searchsetResponse(targetType, matches, ignored, opts)
}

// holdsReference walks the resource looking for a reference literal equal to
// target.
func holdsReference(v interface{}, target string) bool {
	switch val := v.(type) {
	case map[string]interface{}:
		if ref, ok := val["reference"].(string); ok {
			if ref == target || strings.HasSuffix(ref, "/"+target) {
				return true
			}
		}
		for _, item := range val {
			if holdsReference(item, target) {
				return true
			}
		}
	case []interface{}:
		for _, item := range val {
			if holdsReference(item, target) {
				return true
			}
		}
	}
	return false
}

// ============================================================
// dispatch
// ============================================================

// Request is the transport-independent request handed to Dispatch.
type Request struct {
	Verb            string
	Path            string
	Query           string
	Body            map[string]interface{}
	IfMatch         string
	IfNoneMatch     string
	IfModifiedSince string
	IfNoneExist     string
}

// Dispatch classifies the request and runs the matching interaction. An
// unroutable request answers 404.
func (s *Store) Dispatch(ctx context.Context, req *Request) *Response {
	route, ok := ParseRoute(req.Verb, req.Path, req.Query != "")
	if !ok {
		return errorResponse(errf(KindNotFound, "no interaction matches %s %s", req.Verb, req.Path))
	}

	switch route.Interaction {
	case SystemCapabilities:
		return s.Metadata(ctx)
	case SystemSearch:
		return s.SystemSearch(ctx, req.Query)
	case SystemBundle:
		return s.ProcessBundle(ctx, req.Body)
	case SystemDeleteConditional:
		return s.SystemConditionalDelete(ctx, req.Query, false)
	case SystemOperation:
		return s.Operation(ctx, route.Operation, "", "", req.Body)
	case TypeCreate:
		return s.Create(ctx, route.ResourceType, req.Body, CreateOptions{IfNoneExist: req.IfNoneExist})
	case TypeSearch:
		return s.Search(ctx, route.ResourceType, req.Query)
	case TypeDeleteConditional:
		return s.ConditionalDelete(ctx, route.ResourceType, req.Query, false)
	case TypeOperation:
		return s.Operation(ctx, route.Operation, route.ResourceType, "", req.Body)
	case InstanceRead:
		return s.Read(ctx, route.ResourceType, route.ID, ReadOptions{
			IfNoneMatch:     req.IfNoneMatch,
			IfModifiedSince: req.IfModifiedSince,
		})
	case InstanceUpdate:
		return s.Update(ctx, route.ResourceType, route.ID, req.Body, UpdateOptions{
			IfMatch:     req.IfMatch,
			IfNoneMatch: req.IfNoneMatch,
			AllowCreate: true,
		})
	case InstancePatch:
		return errorResponse(errf(KindUnsupportedType, "patch is not supported"))
	case InstanceDelete:
		return s.Delete(ctx, route.ResourceType, route.ID)
	case InstanceReadHistory:
		return s.History(ctx, route.ResourceType, route.ID)
	case InstanceReadVersion:
		return s.ReadVersion(ctx, route.ResourceType, route.ID, route.VersionID)
	case InstanceOperation:
		return s.Operation(ctx, route.Operation, route.ResourceType, route.ID, req.Body)
	case CompartmentSearch:
		return s.CompartmentSearch(ctx, route.ResourceType, route.ID, "", req.Query)
	case CompartmentTypeSearch:
		return s.CompartmentSearch(ctx, route.ResourceType, route.ID, route.CompartmentType, req.Query)
	}
	return errorResponse(errf(KindInternal, "unhandled interaction %v", route.Interaction))
}
