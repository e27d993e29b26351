package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirlite/fhirlite/internal/fhirpath"
	"github.com/fhirlite/fhirlite/internal/search"
	"github.com/fhirlite/fhirlite/internal/store"
)

// Notifier delivers an assembled notification bundle over the
// subscription's channel. Delivery transports are external to the engine.
type Notifier interface {
	Notify(ctx context.Context, sub *Subscription, bundle map[string]interface{})
}

// Engine consumes store events, maintains the topic and subscription
// indexes, evaluates triggers and filters, and hands notification bundles to
// the notifier.
type Engine struct {
	logger    zerolog.Logger
	store     *store.Store
	evaluator *search.Evaluator
	notifier  Notifier

	mu           sync.RWMutex
	topics       map[string]*Topic // by canonical url
	topicsByType map[string][]*Topic
	subsByTopic  map[string][]*Subscription
	subsByID     map[string]*Subscription
}

func NewEngine(st *store.Store, notifier Notifier, logger zerolog.Logger) *Engine {
	return &Engine{
		logger:       logger.With().Str("component", "subscriptions").Logger(),
		store:        st,
		evaluator:    search.NewEvaluator(st),
		notifier:     notifier,
		topics:       make(map[string]*Topic),
		topicsByType: make(map[string][]*Topic),
		subsByTopic:  make(map[string][]*Subscription),
		subsByID:     make(map[string]*Subscription),
	}
}

// Run consumes the store's event stream until the stream closes or the
// context is cancelled. Topics and subscriptions already in the store are
// registered before the stream is consumed.
func (e *Engine) Run(ctx context.Context) {
	events := e.store.Subscribe()
	e.bootstrap()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.HandleEvent(ctx, ev)
		}
	}
}

// bootstrap registers SubscriptionTopic and Subscription resources that
// reached the store without an event, such as seeds loaded through the
// fast-path create. Registration is idempotent, so a resource surfacing in
// both the snapshot and the event stream is handled once.
func (e *Engine) bootstrap() {
	for _, resource := range e.store.Snapshot("SubscriptionTopic") {
		id, _ := resource["id"].(string)
		e.handleTopicEvent(store.Event{
			Kind:         store.EventCreated,
			ResourceType: "SubscriptionTopic",
			ResourceID:   id,
			Resource:     resource,
		})
	}
	for _, resource := range e.store.Snapshot("Subscription") {
		id, _ := resource["id"].(string)
		e.handleSubscriptionEvent(store.Event{
			Kind:         store.EventCreated,
			ResourceType: "Subscription",
			ResourceID:   id,
			Resource:     resource,
		})
	}
}

// HandleEvent processes one store event: topic and subscription resources
// maintain the indexes, everything else is evaluated against the registered
// triggers.
func (e *Engine) HandleEvent(ctx context.Context, ev store.Event) {
	switch ev.ResourceType {
	case "SubscriptionTopic":
		e.handleTopicEvent(ev)
	case "Subscription":
		e.handleSubscriptionEvent(ev)
	default:
		e.evaluateTriggers(ctx, ev)
	}
}

func (e *Engine) handleTopicEvent(ev store.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.Kind == store.EventDeleted || ev.Kind == store.EventUpdated {
		if prev := ev.Previous; prev != nil {
			if url, _ := prev["url"].(string); url != "" {
				delete(e.topics, url)
			}
		}
	}
	if ev.Kind != store.EventDeleted {
		topic, err := ParseTopic(ev.Resource)
		if err != nil {
			e.logger.Warn().Err(err).Str("id", ev.ResourceID).Msg("subscription topic rejected")
		} else {
			e.topics[topic.URL] = topic
			e.logger.Info().Str("url", topic.URL).Msg("subscription topic registered")
		}
	}
	e.rebuildIndexesLocked()
}

func (e *Engine) handleSubscriptionEvent(ev store.Event) {
	e.mu.Lock()
	e.dropSubscriptionLocked(ev.ResourceID)
	if ev.Kind == store.EventDeleted {
		e.mu.Unlock()
		return
	}

	sub, err := ParseSubscription(ev.Resource)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn().Err(err).Str("id", ev.ResourceID).Msg("subscription rejected")
		return
	}
	if _, known := e.topics[sub.TopicURL]; !known {
		sub.Status = "error"
		e.logger.Warn().Str("id", sub.ID).Str("topic", sub.TopicURL).Msg("subscription references unknown topic")
	}
	e.subsByID[sub.ID] = sub
	e.subsByTopic[sub.TopicURL] = append(e.subsByTopic[sub.TopicURL], sub)
	status := sub.Status
	e.mu.Unlock()

	e.logger.Info().
		Str("id", sub.ID).
		Str("topic", sub.TopicURL).
		Str("channel", sub.ChannelType).
		Str("status", status).
		Msg("subscription registered")
	if status == "error" {
		e.writeStoredStatus(sub.ID, "error")
	}
}

func (e *Engine) dropSubscriptionLocked(id string) {
	sub, ok := e.subsByID[id]
	if !ok {
		return
	}
	delete(e.subsByID, id)
	list := e.subsByTopic[sub.TopicURL]
	for i, s := range list {
		if s.ID == id {
			e.subsByTopic[sub.TopicURL] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// rebuildIndexesLocked rebuilds the per-type topic index atomically. Called
// with the write lock held whenever topics change.
func (e *Engine) rebuildIndexesLocked() {
	byType := make(map[string][]*Topic)
	for _, topic := range e.topics {
		for resType := range topic.ResourceTriggers {
			byType[resType] = append(byType[resType], topic)
		}
	}
	e.topicsByType = byType
}

// Subscription returns the parsed subscription for an id.
func (e *Engine) Subscription(id string) (*Subscription, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sub, ok := e.subsByID[id]
	return sub, ok
}

// ChangeSubscriptionStatus is the single point where subscription status
// transitions are recorded, both in the engine and on the stored resource.
func (e *Engine) ChangeSubscriptionStatus(id, status string) bool {
	e.mu.Lock()
	sub, ok := e.subsByID[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	old := sub.Status
	sub.Status = status
	e.mu.Unlock()

	e.logger.Info().Str("id", id).Str("from", old).Str("to", status).Msg("subscription status changed")
	e.writeStoredStatus(id, status)
	return true
}

// writeStoredStatus patches the stored Subscription resource through the
// fast path so the transition does not re-enter the pipeline.
func (e *Engine) writeStoredStatus(id, status string) {
	resource, ok := e.store.TryRead("Subscription", id)
	if !ok {
		return
	}
	resource["status"] = status
	resp := e.store.TryUpdate(context.Background(), "Subscription", id, resource, store.UpdateOptions{})
	if resp.Status >= 400 {
		e.logger.Warn().Str("id", id).Int("status", resp.Status).Msg("stored subscription status not updated")
	}
}

// ============================================================
// trigger evaluation
// ============================================================

func (e *Engine) evaluateTriggers(ctx context.Context, ev store.Event) {
	e.mu.RLock()
	topics := append([]*Topic(nil), e.topicsByType[ev.ResourceType]...)
	e.mu.RUnlock()

	for _, topic := range topics {
		fired := false
		for _, trigger := range topic.ResourceTriggers[ev.ResourceType] {
			if e.triggerFires(trigger, ev) {
				fired = true
				break
			}
		}
		if !fired {
			continue
		}
		e.notifySubscribers(ctx, topic, ev)
	}
}

func (e *Engine) triggerFires(t ResourceTrigger, ev store.Event) bool {
	if !t.Interactions[ev.Kind.String()] {
		return false
	}

	if t.QueryCurrent != "" {
		if ev.Kind == store.EventDeleted {
			if t.DeleteResult == "test-fails" {
				return false
			}
		} else if !e.matchQuery(ev.ResourceType, t.QueryCurrent, ev.Resource) {
			return false
		}
	}

	if t.QueryPrevious != "" && (t.RequireBoth || t.QueryCurrent == "") {
		if ev.Kind == store.EventCreated {
			if t.CreateResult == "test-fails" {
				return false
			}
		} else if ev.Previous == nil || !e.matchQuery(ev.ResourceType, t.QueryPrevious, ev.Previous) {
			return false
		}
	}

	if t.Criteria != nil {
		env := fhirpath.Env{}
		if ev.Resource != nil {
			env["current"] = []interface{}{ev.Resource}
		}
		if ev.Previous != nil {
			env["previous"] = []interface{}{ev.Previous}
		}
		base := ev.Resource
		if base == nil {
			base = ev.Previous
		}
		ok, err := t.Criteria.EvaluateBool(base, env)
		if err != nil {
			e.logger.Warn().Err(err).Msg("fhirpath trigger criteria failed")
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// matchQuery evaluates a search query string against a single resource.
func (e *Engine) matchQuery(resourceType, query string, resource map[string]interface{}) bool {
	params, _, err := search.Parse(resourceType, query, e.store.Registry())
	if err != nil {
		return false
	}
	out, err := e.evaluator.Matches(resource, params)
	if err != nil {
		return false
	}
	return out.Match
}

func (e *Engine) notifySubscribers(ctx context.Context, topic *Topic, ev store.Event) {
	e.mu.RLock()
	subs := append([]*Subscription(nil), e.subsByTopic[topic.URL]...)
	statuses := make([]string, len(subs))
	for i, sub := range subs {
		statuses[i] = sub.Status
	}
	e.mu.RUnlock()

	focus := ev.Resource
	if focus == nil {
		focus = ev.Previous
	}
	if focus == nil {
		return
	}

	for i, sub := range subs {
		status := statuses[i]
		if status == "requested" && e.ChangeSubscriptionStatus(sub.ID, "active") {
			status = "active"
		}
		if status != "active" {
			continue
		}

		passed := true
		for _, f := range sub.filtersFor(ev.ResourceType) {
			if !e.matchQuery(ev.ResourceType, f.query(), focus) {
				passed = false
				break
			}
		}
		if !passed {
			continue
		}

		additional := e.resolveShape(topic, ev.ResourceType, focus)
		record := e.recordEvent(sub, ev, additional)
		bundle := e.notificationBundle(sub, record, focus, additional, "event-notification")

		e.logger.Debug().
			Str("subscription", sub.ID).
			Int64("event", record.Number).
			Str("focus", record.Focus).
			Msg("subscription event")
		if e.notifier != nil {
			e.notifier.Notify(ctx, sub, bundle)
		}
	}
}

func (e *Engine) recordEvent(sub *Subscription, ev store.Event, additional []map[string]interface{}) EventRecord {
	refs := make([]string, 0, len(additional))
	for _, r := range additional {
		rt, _ := r["resourceType"].(string)
		id, _ := r["id"].(string)
		refs = append(refs, rt+"/"+id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sub.EventCount++
	record := EventRecord{
		Number:            sub.EventCount,
		Timestamp:         time.Now().UTC(),
		Focus:             ev.ResourceType + "/" + ev.ResourceID,
		AdditionalContext: refs,
	}
	sub.Events = append(sub.Events, record)
	sub.lastDelivery = record.Timestamp
	return record
}

// resolveShape resolves the topic's notificationShape includes for the
// focus, deduplicated by Type/Id.
func (e *Engine) resolveShape(topic *Topic, resourceType string, focus map[string]interface{}) []map[string]interface{} {
	shape, ok := topic.Shapes[resourceType]
	if !ok {
		return nil
	}
	focusID, _ := focus["id"].(string)
	seen := map[string]bool{resourceType + "/" + focusID: true}
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

	for _, inc := range shape.Include {
		sourceType, param, ok := splitIncludeDirective(inc)
		if !ok || sourceType != resourceType {
			continue
		}
		def, ok := e.store.Registry().Lookup(sourceType, param)
		if !ok || def.Type != search.TypeReference || def.Compiled == nil {
			continue
		}
		refs, err := def.Compiled.Evaluate(focus, nil)
		if err != nil {
			continue
		}
		for _, ref := range refs {
			rt, id, ok := referencePieces(ref)
			if !ok {
				continue
			}
			if target, ok := e.store.Resolve(rt, id); ok {
				add(target)
			}
		}
	}

	for _, rev := range shape.RevInclude {
		sourceType, param, ok := splitIncludeDirective(rev)
		if !ok {
			continue
		}
		def, ok := e.store.Registry().Lookup(sourceType, param)
		if !ok || def.Type != search.TypeReference || def.Compiled == nil {
			continue
		}
		target := resourceType + "/" + focusID
		for _, candidate := range e.store.Snapshot(sourceType) {
			refs, err := def.Compiled.Evaluate(candidate, nil)
			if err != nil {
				continue
			}
			for _, ref := range refs {
				rt, id, ok := referencePieces(ref)
				if ok && rt+"/"+id == target {
					add(candidate)
					break
				}
			}
		}
	}
	return out
}

// splitIncludeDirective splits "Encounter:patient" into its type and
// parameter.
func splitIncludeDirective(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func referencePieces(elem interface{}) (string, string, bool) {
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
	for i := len(literal) - 1; i >= 0; i-- {
		if literal[i] == '/' {
			return literal[:i], literal[i+1:], literal[:i] != ""
		}
	}
	return "", "", false
}

// ============================================================
// heartbeat and timeout bookkeeping
// ============================================================

// EmitHeartbeats sends a heartbeat bundle for every active subscription
// whose heartbeat period has elapsed without a delivery.
func (e *Engine) EmitHeartbeats(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var due []*Subscription
	for _, sub := range e.subsByID {
		if sub.Status != "active" || sub.Heartbeat <= 0 {
			continue
		}
		if sub.lastDelivery.IsZero() || now.Sub(sub.lastDelivery) >= sub.Heartbeat {
			sub.lastDelivery = now
			due = append(due, sub)
		}
	}
	e.mu.Unlock()

	for _, sub := range due {
		bundle := e.notificationBundle(sub, EventRecord{}, nil, nil, "heartbeat")
		e.logger.Debug().Str("subscription", sub.ID).Msg("heartbeat")
		if e.notifier != nil {
			e.notifier.Notify(ctx, sub, bundle)
		}
	}
}

// CheckTimeouts marks subscriptions whose delivery window lapsed as errored.
func (e *Engine) CheckTimeouts(now time.Time) {
	e.mu.RLock()
	var lapsed []string
	for id, sub := range e.subsByID {
		if sub.Status != "active" || sub.Timeout <= 0 || sub.lastDelivery.IsZero() {
			continue
		}
		if now.Sub(sub.lastDelivery) > sub.Timeout {
			lapsed = append(lapsed, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range lapsed {
		e.ChangeSubscriptionStatus(id, "error")
	}
}
