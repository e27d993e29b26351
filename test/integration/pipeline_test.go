package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirlite/fhirlite/internal/store"
	"github.com/fhirlite/fhirlite/internal/subscriptions"
)

type collector struct {
	mu      sync.Mutex
	bundles []map[string]interface{}
}

func (c *collector) Notify(_ context.Context, _ *subscriptions.Subscription, bundle map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles = append(c.bundles, bundle)
}

func (c *collector) snapshot() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.bundles...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

// TestSubscriptionPipeline exercises the full path: resources written
// through the store surface as events, the engine evaluates the topic
// trigger, and the notifier receives exactly one notification bundle.
func TestSubscriptionPipeline(t *testing.T) {
	host := store.NewHost(zerolog.Nop())
	st, err := host.AddTenant(store.Tenant{
		Route:       "main",
		FHIRVersion: "R5",
		BaseURL:     "http://example.org/fhir/main",
		ResourceTypes: []string{
			"Patient", "Encounter", "Subscription", "SubscriptionTopic",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	sink := &collector{}
	engine := subscriptions.NewEngine(st, sink, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	topic := map[string]interface{}{
		"resourceType": "SubscriptionTopic",
		"id":           "encounter-end",
		"url":          "http://example.org/topics/encounter-end",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":             "Encounter",
				"supportedInteraction": []interface{}{"update"},
				"queryCriteria": map[string]interface{}{
					"previous":    "status=in-progress",
					"current":     "status=finished",
					"requireBoth": true,
				},
			},
		},
	}
	if resp := st.Create(ctx, "SubscriptionTopic", topic, store.CreateOptions{AllowExistingID: true}); resp.Status != http.StatusCreated {
		t.Fatalf("topic create status = %d", resp.Status)
	}

	sub := map[string]interface{}{
		"resourceType": "Subscription",
		"id":           "end-watcher",
		"status":       "active",
		"topic":        "http://example.org/topics/encounter-end",
		"channelType":  map[string]interface{}{"code": "rest-hook"},
		"endpoint":     "https://receiver.example.org/hook",
	}
	if resp := st.Create(ctx, "Subscription", sub, store.CreateOptions{AllowExistingID: true}); resp.Status != http.StatusCreated {
		t.Fatalf("subscription create status = %d", resp.Status)
	}
	waitFor(t, func() bool {
		s, ok := engine.Subscription("end-watcher")
		return ok && s.Status == "active"
	})

	encounter := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "enc1",
		"status":       "in-progress",
	}
	if resp := st.Create(ctx, "Encounter", encounter, store.CreateOptions{AllowExistingID: true}); resp.Status != http.StatusCreated {
		t.Fatalf("encounter create status = %d", resp.Status)
	}

	finished := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "enc1",
		"status":       "finished",
	}
	if resp := st.Update(ctx, "Encounter", "enc1", finished, store.UpdateOptions{}); resp.Status != http.StatusOK {
		t.Fatalf("encounter update status = %d", resp.Status)
	}

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })
	bundle := sink.snapshot()[0]
	if bundle["type"] != "subscription-notification" {
		t.Errorf("bundle type = %v", bundle["type"])
	}
	entries := bundle["entry"].([]interface{})
	status := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if status["eventsSinceSubscriptionStart"] != "1" {
		t.Errorf("eventsSinceSubscriptionStart = %v", status["eventsSinceSubscriptionStart"])
	}

	// A second unrelated update fires nothing more.
	again := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "enc1",
		"status":       "finished",
	}
	st.Update(ctx, "Encounter", "enc1", again, store.UpdateOptions{})
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.snapshot()); got != 1 {
		t.Errorf("got %d notifications, want 1", got)
	}
}

// TestSeededSubscriptionNotifies covers topics and subscriptions that reach
// the store through seeding, which bypasses the event stream: the engine
// must still register them on startup and notify on later mutations.
func TestSeededSubscriptionNotifies(t *testing.T) {
	dir := t.TempDir()
	topic := map[string]interface{}{
		"resourceType": "SubscriptionTopic",
		"id":           "seeded-topic",
		"url":          "http://example.org/topics/encounter-end",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":             "Encounter",
				"supportedInteraction": []interface{}{"update"},
				"queryCriteria": map[string]interface{}{
					"current": "status=finished",
				},
			},
		},
	}
	sub := map[string]interface{}{
		"resourceType": "Subscription",
		"id":           "seeded-watcher",
		"status":       "active",
		"topic":        "http://example.org/topics/encounter-end",
		"channelType":  map[string]interface{}{"code": "rest-hook"},
		"endpoint":     "https://receiver.example.org/hook",
	}
	for name, resource := range map[string]map[string]interface{}{
		"topic.json":        topic,
		"subscription.json": sub,
	} {
		raw, _ := json.Marshal(resource)
		if err := os.WriteFile(filepath.Join(dir, name), raw, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	host := store.NewHost(zerolog.Nop())
	st, err := host.AddTenant(store.Tenant{
		Route:       "seeded-subs",
		FHIRVersion: "R5",
		BaseURL:     "http://example.org/fhir/seeded-subs",
		ResourceTypes: []string{
			"Encounter", "Subscription", "SubscriptionTopic",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := host.LoadDirectory(ctx, "seeded-subs", dir); err != nil {
		t.Fatal(err)
	}
	host.Wait()

	sink := &collector{}
	engine := subscriptions.NewEngine(st, sink, zerolog.Nop())
	go engine.Run(ctx)
	waitFor(t, func() bool {
		s, ok := engine.Subscription("seeded-watcher")
		return ok && s.Status == "active"
	})

	encounter := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "enc1",
		"status":       "in-progress",
	}
	if resp := st.Create(ctx, "Encounter", encounter, store.CreateOptions{AllowExistingID: true}); resp.Status != http.StatusCreated {
		t.Fatalf("encounter create status = %d", resp.Status)
	}
	finished := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "enc1",
		"status":       "finished",
	}
	if resp := st.Update(ctx, "Encounter", "enc1", finished, store.UpdateOptions{}); resp.Status != http.StatusOK {
		t.Fatalf("encounter update status = %d", resp.Status)
	}

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })
	bundle := sink.snapshot()[0]
	if bundle["type"] != "subscription-notification" {
		t.Errorf("bundle type = %v", bundle["type"])
	}
}

// TestSeedDirectory loads resources from disk into a tenant, including a
// collection bundle, and verifies they are searchable.
func TestSeedDirectory(t *testing.T) {
	dir := t.TempDir()
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "seeded",
		"gender":       "female",
	}
	raw, _ := json.Marshal(patient)
	if err := os.WriteFile(filepath.Join(dir, "patient.json"), raw, 0o600); err != nil {
		t.Fatal(err)
	}
	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry": []interface{}{
			map[string]interface{}{"resource": map[string]interface{}{
				"resourceType": "Observation",
				"id":           "obs1",
				"status":       "final",
				"subject":      map[string]interface{}{"reference": "Patient/seeded"},
			}},
		},
	}
	raw, _ = json.Marshal(bundle)
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), raw, 0o600); err != nil {
		t.Fatal(err)
	}

	host := store.NewHost(zerolog.Nop())
	_, err := host.AddTenant(store.Tenant{
		Route:         "seeded",
		FHIRVersion:   "R4",
		BaseURL:       "http://example.org/fhir/seeded",
		ResourceTypes: []string{"Patient", "Observation"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	ctx := context.Background()
	if err := host.LoadDirectory(ctx, "seeded", dir); err != nil {
		t.Fatal(err)
	}
	host.Wait()

	st, _ := host.Tenant("seeded")
	if _, ok := st.Resolve("Patient", "seeded"); !ok {
		t.Error("seeded patient not found")
	}
	resp := st.Search(ctx, "Observation", "subject=Patient/seeded")
	if resp.Resource["total"] != float64(1) {
		t.Errorf("observation search total = %v", resp.Resource["total"])
	}
}

// TestTenantIsolation verifies resources of one tenant are invisible to
// another.
func TestTenantIsolation(t *testing.T) {
	host := store.NewHost(zerolog.Nop())
	a, _ := host.AddTenant(store.Tenant{
		Route: "a", FHIRVersion: "R4",
		BaseURL:       "http://example.org/fhir/a",
		ResourceTypes: []string{"Patient"},
	})
	b, _ := host.AddTenant(store.Tenant{
		Route: "b", FHIRVersion: "R4",
		BaseURL:       "http://example.org/fhir/b",
		ResourceTypes: []string{"Patient"},
	})
	defer host.Close()

	ctx := context.Background()
	a.Create(ctx, "Patient", map[string]interface{}{"resourceType": "Patient", "id": "only-a"}, store.CreateOptions{AllowExistingID: true})

	if _, ok := a.Resolve("Patient", "only-a"); !ok {
		t.Error("patient missing from its own tenant")
	}
	if _, ok := b.Resolve("Patient", "only-a"); ok {
		t.Error("patient leaked across tenants")
	}
}
