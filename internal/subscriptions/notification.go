package subscriptions

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// notificationBundle assembles a subscription-notification bundle. The first
// entry is always a SubscriptionStatus; further entries depend on the
// subscription's content level.
func (e *Engine) notificationBundle(sub *Subscription, record EventRecord, focus map[string]interface{}, additional []map[string]interface{}, notificationType string) map[string]interface{} {
	e.mu.RLock()
	status := sub.Status
	eventsSoFar := sub.EventCount
	e.mu.RUnlock()

	statusResource := map[string]interface{}{
		"resourceType":                 "SubscriptionStatus",
		"id":                           uuid.NewString(),
		"status":                       status,
		"type":                         notificationType,
		"eventsSinceSubscriptionStart": strconv.FormatInt(eventsSoFar, 10),
		"subscription": map[string]interface{}{
			"reference": "Subscription/" + sub.ID,
		},
		"topic": sub.TopicURL,
	}
	if notificationType == "event-notification" {
		event := map[string]interface{}{
			"eventNumber": strconv.FormatInt(record.Number, 10),
			"timestamp":   record.Timestamp.Format(time.RFC3339),
			"focus": map[string]interface{}{
				"reference": record.Focus,
			},
		}
		if len(record.AdditionalContext) > 0 {
			var ctxRefs []interface{}
			for _, ref := range record.AdditionalContext {
				ctxRefs = append(ctxRefs, map[string]interface{}{"reference": ref})
			}
			event["additionalContext"] = ctxRefs
		}
		statusResource["notificationEvent"] = []interface{}{event}
	}

	entries := []interface{}{
		map[string]interface{}{
			"fullUrl":  "urn:uuid:" + uuid.NewString(),
			"resource": statusResource,
		},
	}

	if notificationType == "event-notification" && focus != nil {
		base := e.store.Tenant().BaseURL
		payload := append([]map[string]interface{}{focus}, additional...)
		switch sub.Content {
		case ContentEmpty:
			// Status entry only; receivers re-query for details.
		case ContentIDOnly:
			for _, r := range payload {
				entries = append(entries, map[string]interface{}{
					"fullUrl": base + "/" + resourceRef(r),
				})
			}
		default: // full-resource
			for _, r := range payload {
				entries = append(entries, map[string]interface{}{
					"fullUrl":  base + "/" + resourceRef(r),
					"resource": r,
				})
			}
		}
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "subscription-notification",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry":        entries,
	}
}

func resourceRef(r map[string]interface{}) string {
	rt, _ := r["resourceType"].(string)
	id, _ := r["id"].(string)
	return rt + "/" + id
}
