package subscriptions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirlite/fhirlite/internal/store"
)

type captureNotifier struct {
	mu      sync.Mutex
	bundles []map[string]interface{}
	subs    []string
}

func (c *captureNotifier) Notify(_ context.Context, sub *Subscription, bundle map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles = append(c.bundles, bundle)
	c.subs = append(c.subs, sub.ID)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bundles)
}

func (c *captureNotifier) last() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bundles) == 0 {
		return nil
	}
	return c.bundles[len(c.bundles)-1]
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *captureNotifier) {
	t.Helper()
	st := store.NewStore(store.Tenant{
		Route:       "test",
		FHIRVersion: "R5",
		BaseURL:     "http://example.org/fhir/test",
		ResourceTypes: []string{
			"Patient", "Encounter", "Observation",
			"Subscription", "SubscriptionTopic",
		},
	}, zerolog.Nop())
	notifier := &captureNotifier{}
	return NewEngine(st, notifier, zerolog.Nop()), st, notifier
}

func restHookSubscriptionJSON(id, topic string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Subscription",
		"id":           id,
		"status":       "active",
		"topic":        topic,
		"channelType":  map[string]interface{}{"code": "rest-hook"},
		"endpoint":     "https://receiver.example.org/hook",
	}
}

// registerFixtures installs the encounter topic and one active subscription
// through the engine, persisting the subscription so status writes land.
func registerFixtures(t *testing.T, e *Engine, st *store.Store) {
	t.Helper()
	ctx := context.Background()

	topicBody := encounterTopicJSON()
	if resp := st.Create(ctx, "SubscriptionTopic", topicBody, store.CreateOptions{AllowExistingID: true}); resp.Status != http.StatusCreated {
		t.Fatalf("topic create status = %d", resp.Status)
	}
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventCreated, ResourceType: "SubscriptionTopic",
		ResourceID: "encounter-end", Resource: topicBody,
	})

	subBody := restHookSubscriptionJSON("sub1", "http://example.org/topics/encounter-end")
	if resp := st.Create(ctx, "Subscription", subBody, store.CreateOptions{AllowExistingID: true}); resp.Status != http.StatusCreated {
		t.Fatalf("subscription create status = %d", resp.Status)
	}
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventCreated, ResourceType: "Subscription",
		ResourceID: "sub1", Resource: subBody,
	})

	sub, ok := e.Subscription("sub1")
	if !ok {
		t.Fatal("subscription not registered")
	}
	if sub.Status != "active" {
		t.Fatalf("subscription status = %q", sub.Status)
	}
}

func encounterJSON(id, status string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Encounter",
		"id":           id,
		"status":       status,
		"subject":      map[string]interface{}{"reference": "Patient/123"},
	}
}

func TestEngineEncounterLifecycle(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	ctx := context.Background()
	registerFixtures(t, e, st)
	st.Create(ctx, "Patient", map[string]interface{}{"resourceType": "Patient", "id": "123"}, store.CreateOptions{AllowExistingID: true})

	// Create is not a supported interaction for this trigger.
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventCreated, ResourceType: "Encounter",
		ResourceID: "enc1", Resource: encounterJSON("enc1", "in-progress"),
	})
	if notifier.count() != 0 {
		t.Fatalf("create fired %d notifications, want 0", notifier.count())
	}

	// An unrelated status change matches neither criterion.
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "on-hold"),
		Previous: encounterJSON("enc1", "in-progress"),
	})
	if notifier.count() != 0 {
		t.Fatalf("non-matching update fired %d notifications, want 0", notifier.count())
	}

	// in-progress to finished satisfies both criteria: exactly one event.
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "finished"),
		Previous: encounterJSON("enc1", "in-progress"),
	})
	if notifier.count() != 1 {
		t.Fatalf("lifecycle update fired %d notifications, want 1", notifier.count())
	}

	bundle := notifier.last()
	if bundle["type"] != "subscription-notification" {
		t.Errorf("bundle type = %v", bundle["type"])
	}
	entries := bundle["entry"].([]interface{})
	if len(entries) < 2 {
		t.Fatalf("got %d entries, want status plus focus", len(entries))
	}

	status := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if status["resourceType"] != "SubscriptionStatus" {
		t.Fatalf("first entry is %v, want SubscriptionStatus", status["resourceType"])
	}
	if status["type"] != "event-notification" {
		t.Errorf("status type = %v", status["type"])
	}
	if status["eventsSinceSubscriptionStart"] != "1" {
		t.Errorf("eventsSinceSubscriptionStart = %v", status["eventsSinceSubscriptionStart"])
	}
	events := status["notificationEvent"].([]interface{})
	event := events[0].(map[string]interface{})
	if event["eventNumber"] != "1" {
		t.Errorf("eventNumber = %v", event["eventNumber"])
	}
	focus := event["focus"].(map[string]interface{})
	if focus["reference"] != "Encounter/enc1" {
		t.Errorf("focus = %v", focus["reference"])
	}

	// Full-resource content carries the encounter itself.
	second := entries[1].(map[string]interface{})
	res := second["resource"].(map[string]interface{})
	if res["resourceType"] != "Encounter" || res["id"] != "enc1" {
		t.Errorf("second entry resource = %v/%v", res["resourceType"], res["id"])
	}

	// A repeat of the final state no longer matches previous.
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "finished"),
		Previous: encounterJSON("enc1", "finished"),
	})
	if notifier.count() != 1 {
		t.Errorf("repeat update fired extra notifications, total %d", notifier.count())
	}
}

func TestEngineNotificationShapeIncludes(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	ctx := context.Background()
	registerFixtures(t, e, st)
	st.Create(ctx, "Patient", map[string]interface{}{"resourceType": "Patient", "id": "123"}, store.CreateOptions{AllowExistingID: true})

	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "finished"),
		Previous: encounterJSON("enc1", "in-progress"),
	})

	entries := notifier.last()["entry"].([]interface{})
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want status, focus and included patient", len(entries))
	}
	included := entries[2].(map[string]interface{})["resource"].(map[string]interface{})
	if included["resourceType"] != "Patient" || included["id"] != "123" {
		t.Errorf("included resource = %v/%v", included["resourceType"], included["id"])
	}
}

func TestEngineUnknownTopic(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	ctx := context.Background()

	subBody := restHookSubscriptionJSON("orphan", "http://example.org/topics/missing")
	st.Create(ctx, "Subscription", subBody, store.CreateOptions{AllowExistingID: true})
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventCreated, ResourceType: "Subscription",
		ResourceID: "orphan", Resource: subBody,
	})

	sub, ok := e.Subscription("orphan")
	if !ok {
		t.Fatal("subscription not registered")
	}
	if sub.Status != "error" {
		t.Errorf("status = %q, want error", sub.Status)
	}
	stored, _ := st.TryRead("Subscription", "orphan")
	if stored["status"] != "error" {
		t.Errorf("stored status = %v, want error", stored["status"])
	}

	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "finished"),
		Previous: encounterJSON("enc1", "in-progress"),
	})
	if notifier.count() != 0 {
		t.Errorf("errored subscription received %d notifications", notifier.count())
	}
}

func TestEngineFilters(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	ctx := context.Background()
	registerFixtures(t, e, st)

	// Narrow the subscription to one patient.
	subBody := restHookSubscriptionJSON("sub1", "http://example.org/topics/encounter-end")
	subBody["filterBy"] = []interface{}{
		map[string]interface{}{
			"resourceType":    "Encounter",
			"filterParameter": "patient",
			"value":           "Patient/999",
		},
	}
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Subscription",
		ResourceID: "sub1", Resource: subBody,
		Previous: restHookSubscriptionJSON("sub1", "http://example.org/topics/encounter-end"),
	})

	// The trigger fires but the filter rejects Patient/123.
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "finished"),
		Previous: encounterJSON("enc1", "in-progress"),
	})
	if notifier.count() != 0 {
		t.Fatalf("filtered event fired %d notifications, want 0", notifier.count())
	}

	matching := encounterJSON("enc2", "finished")
	matching["subject"] = map[string]interface{}{"reference": "Patient/999"}
	previous := encounterJSON("enc2", "in-progress")
	previous["subject"] = map[string]interface{}{"reference": "Patient/999"}
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc2",
		Resource: matching, Previous: previous,
	})
	if notifier.count() != 1 {
		t.Errorf("matching event fired %d notifications, want 1", notifier.count())
	}
}

func TestEngineTopicDeleteStopsTriggers(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	ctx := context.Background()
	registerFixtures(t, e, st)

	e.HandleEvent(ctx, store.Event{
		Kind: store.EventDeleted, ResourceType: "SubscriptionTopic",
		ResourceID: "encounter-end", Previous: encounterTopicJSON(),
	})
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "finished"),
		Previous: encounterJSON("enc1", "in-progress"),
	})
	if notifier.count() != 0 {
		t.Errorf("deleted topic still fired %d notifications", notifier.count())
	}
}

func TestEngineRequestedSubscriptionActivates(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	ctx := context.Background()
	registerFixtures(t, e, st)

	subBody := restHookSubscriptionJSON("sub2", "http://example.org/topics/encounter-end")
	subBody["status"] = "requested"
	st.Create(ctx, "Subscription", subBody, store.CreateOptions{AllowExistingID: true})
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventCreated, ResourceType: "Subscription",
		ResourceID: "sub2", Resource: subBody,
	})

	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "finished"),
		Previous: encounterJSON("enc1", "in-progress"),
	})

	sub, _ := e.Subscription("sub2")
	if sub.Status != "active" {
		t.Errorf("status = %q, want active after first delivery", sub.Status)
	}
	stored, _ := st.TryRead("Subscription", "sub2")
	if stored["status"] != "active" {
		t.Errorf("stored status = %v, want active", stored["status"])
	}
	// Both sub1 and the newly activated sub2 receive the event.
	if notifier.count() != 2 {
		t.Errorf("got %d notifications, want 2", notifier.count())
	}
}

func TestEngineContentLevels(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	ctx := context.Background()
	registerFixtures(t, e, st)

	subBody := restHookSubscriptionJSON("sub1", "http://example.org/topics/encounter-end")
	subBody["content"] = "id-only"
	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Subscription",
		ResourceID: "sub1", Resource: subBody,
		Previous: restHookSubscriptionJSON("sub1", "http://example.org/topics/encounter-end"),
	})

	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "finished"),
		Previous: encounterJSON("enc1", "in-progress"),
	})
	if notifier.count() != 1 {
		t.Fatalf("got %d notifications, want 1", notifier.count())
	}
	entries := notifier.last()["entry"].([]interface{})
	focusEntry := entries[1].(map[string]interface{})
	if _, hasResource := focusEntry["resource"]; hasResource {
		t.Error("id-only notification carries a resource body")
	}
	if focusEntry["fullUrl"] != "http://example.org/fhir/test/Encounter/enc1" {
		t.Errorf("fullUrl = %v", focusEntry["fullUrl"])
	}
}

func TestEngineHeartbeat(t *testing.T) {
	e, st, notifier := newTestEngine(t)
	registerFixtures(t, e, st)

	e.EmitHeartbeats(context.Background(), time.Now())
	// No heartbeat period configured, so nothing is due.
	if notifier.count() != 0 {
		t.Fatalf("got %d heartbeats without a period", notifier.count())
	}

	sub, _ := e.Subscription("sub1")
	sub.Heartbeat = time.Minute
	e.EmitHeartbeats(context.Background(), time.Now())
	if notifier.count() != 1 {
		t.Fatalf("got %d heartbeats, want 1", notifier.count())
	}
	status := notifier.last()["entry"].([]interface{})[0].(map[string]interface{})["resource"].(map[string]interface{})
	if status["type"] != "heartbeat" {
		t.Errorf("status type = %v", status["type"])
	}

	// Inside the period nothing further is sent.
	e.EmitHeartbeats(context.Background(), time.Now())
	if notifier.count() != 1 {
		t.Errorf("heartbeat repeated inside the period, total %d", notifier.count())
	}
}

func TestEngineTimeout(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	registerFixtures(t, e, st)

	e.HandleEvent(ctx, store.Event{
		Kind: store.EventUpdated, ResourceType: "Encounter", ResourceID: "enc1",
		Resource: encounterJSON("enc1", "finished"),
		Previous: encounterJSON("enc1", "in-progress"),
	})
	sub, _ := e.Subscription("sub1")
	sub.Timeout = time.Second

	e.CheckTimeouts(time.Now())
	if sub.Status != "active" {
		t.Fatalf("status = %q before the window lapsed", sub.Status)
	}
	e.CheckTimeouts(time.Now().Add(time.Minute))
	if sub.Status != "error" {
		t.Errorf("status = %q, want error after timeout", sub.Status)
	}
}

func TestDispatcherRestHook(t *testing.T) {
	type received struct {
		auth        string
		contentType string
		bundleType  string
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var bundle map[string]interface{}
		json.Unmarshal(body, &bundle)
		bt, _ := bundle["type"].(string)
		got <- received{
			auth:        r.Header.Get("Authorization"),
			contentType: r.Header.Get("Content-Type"),
			bundleType:  bt,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(1, 8, zerolog.Nop())
	defer d.Close()

	sub := &Subscription{
		ID:          "sub1",
		ChannelType: "rest-hook",
		Endpoint:    server.URL,
		Parameters:  map[string][]string{"Authorization": {"Bearer secret"}},
	}
	d.Notify(context.Background(), sub, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "subscription-notification",
	})

	select {
	case r := <-got:
		if r.auth != "Bearer secret" {
			t.Errorf("Authorization = %q", r.auth)
		}
		if r.contentType != "application/fhir+json" {
			t.Errorf("Content-Type = %q", r.contentType)
		}
		if r.bundleType != "subscription-notification" {
			t.Errorf("bundle type = %q", r.bundleType)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestDispatcherErrorHandler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	errored := make(chan string, 1)
	d := NewDispatcher(1, 8, zerolog.Nop(), WithErrorHandler(func(id string) {
		errored <- id
	}))
	defer d.Close()

	sub := &Subscription{ID: "failing", ChannelType: "rest-hook", Endpoint: server.URL}
	d.Notify(context.Background(), sub, map[string]interface{}{"resourceType": "Bundle"})

	select {
	case id := <-errored:
		if id != "failing" {
			t.Errorf("errored subscription = %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("error handler never ran")
	}
}
