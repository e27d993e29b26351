package subscriptions

import (
	"fmt"
	"strings"
	"time"
)

// Content levels for notification payloads.
const (
	ContentEmpty        = "empty"
	ContentIDOnly       = "id-only"
	ContentFullResource = "full-resource"
)

// Filter is one subscription filter, applied to the focus resource as an
// extra search parameter.
type Filter struct {
	ResourceType string
	Param        string
	Comparator   string
	Modifier     string
	Value        string
}

// query renders the filter as a search query fragment.
func (f Filter) query() string {
	key := f.Param
	if f.Modifier != "" {
		key += ":" + f.Modifier
	}
	value := f.Value
	if f.Comparator != "" && f.Comparator != "eq" {
		value = f.Comparator + value
	}
	return key + "=" + value
}

// EventRecord is one generated notification event of a subscription.
type EventRecord struct {
	Number            int64
	Timestamp         time.Time
	Focus             string // Type/Id reference
	AdditionalContext []string
}

// Subscription is a parsed Subscription resource plus its runtime event
// bookkeeping. The engine's lock guards the mutable fields.
type Subscription struct {
	ID       string
	TopicURL string

	ChannelType string // rest-hook, websocket
	Endpoint    string
	ContentType string
	Content     string
	Heartbeat   time.Duration
	Timeout     time.Duration
	MaxEvents   int

	Parameters map[string][]string
	Filters    map[string][]Filter // keyed by resource type, "*" for any

	Status     string
	EventCount int64
	Events     []EventRecord

	lastDelivery time.Time
}

// ParseSubscription parses a Subscription resource, accepting both the R5
// shape (topic + filterBy + channelType) and the R4 rest-hook shape
// (criteria + channel).
func ParseSubscription(resource map[string]interface{}) (*Subscription, error) {
	if rt, _ := resource["resourceType"].(string); rt != "Subscription" {
		return nil, fmt.Errorf("expected a Subscription, got %q", rt)
	}
	sub := &Subscription{
		Content:    ContentFullResource,
		Parameters: make(map[string][]string),
		Filters:    make(map[string][]Filter),
	}
	sub.ID, _ = resource["id"].(string)
	sub.Status, _ = resource["status"].(string)
	if sub.Status == "" {
		sub.Status = "requested"
	}

	if topic, _ := resource["topic"].(string); topic != "" {
		parseR5Subscription(resource, sub)
	} else if err := parseR4Subscription(resource, sub); err != nil {
		return nil, err
	}

	if sub.TopicURL == "" {
		return nil, fmt.Errorf("subscription names no topic")
	}
	if sub.ChannelType == "" {
		return nil, fmt.Errorf("subscription names no channel type")
	}
	return sub, nil
}

func parseR5Subscription(resource map[string]interface{}, sub *Subscription) {
	sub.TopicURL, _ = resource["topic"].(string)
	if ct, ok := resource["channelType"].(map[string]interface{}); ok {
		sub.ChannelType, _ = ct["code"].(string)
	}
	sub.Endpoint, _ = resource["endpoint"].(string)
	sub.ContentType, _ = resource["contentType"].(string)
	if c, _ := resource["content"].(string); c != "" {
		sub.Content = c
	}
	if v, ok := resource["heartbeatPeriod"].(float64); ok {
		sub.Heartbeat = time.Duration(v) * time.Second
	}
	if v, ok := resource["timeout"].(float64); ok {
		sub.Timeout = time.Duration(v) * time.Second
	}
	if v, ok := resource["maxCount"].(float64); ok {
		sub.MaxEvents = int(v)
	}

	params, _ := resource["parameter"].([]interface{})
	for _, item := range params {
		pm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := pm["name"].(string)
		value, _ := pm["value"].(string)
		if name != "" {
			sub.Parameters[name] = append(sub.Parameters[name], value)
		}
	}

	filters, _ := resource["filterBy"].([]interface{})
	for _, item := range filters {
		fm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		f := Filter{}
		f.ResourceType = typeTail(stringOf(fm["resourceType"]))
		f.Param, _ = fm["filterParameter"].(string)
		f.Comparator, _ = fm["comparator"].(string)
		f.Modifier, _ = fm["modifier"].(string)
		f.Value, _ = fm["value"].(string)
		if f.ResourceType == "" {
			f.ResourceType = "*"
		}
		sub.Filters[f.ResourceType] = append(sub.Filters[f.ResourceType], f)
	}
}

// parseR4Subscription handles the R4 backport shape: the topic canonical in
// criteria, filters in _criteria-style query strings, and the channel
// element.
func parseR4Subscription(resource map[string]interface{}, sub *Subscription) error {
	criteria, _ := resource["criteria"].(string)
	if strings.HasPrefix(criteria, "http://") || strings.HasPrefix(criteria, "https://") {
		sub.TopicURL = criteria
	} else if criteria != "" {
		// Plain R4 criteria "Type?param=value": the query becomes a filter
		// set; a backported topic url must arrive via extension.
		resourceType, query, _ := strings.Cut(criteria, "?")
		for _, pair := range strings.Split(query, "&") {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || key == "" {
				continue
			}
			f := Filter{ResourceType: resourceType, Value: value}
			f.Param, f.Modifier, _ = strings.Cut(key, ":")
			sub.Filters[resourceType] = append(sub.Filters[resourceType], f)
		}
	}

	for _, item := range listOf(resource["extension"]) {
		em, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		url, _ := em["url"].(string)
		if strings.HasSuffix(url, "backport-topic-canonical") {
			if v, _ := em["valueUri"].(string); v != "" {
				sub.TopicURL = v
			}
			if v, _ := em["valueCanonical"].(string); v != "" {
				sub.TopicURL = v
			}
		}
		if strings.HasSuffix(url, "backport-payload-content") {
			if v, _ := em["valueCode"].(string); v != "" {
				sub.Content = v
			}
		}
	}

	channel, _ := resource["channel"].(map[string]interface{})
	if channel == nil {
		return fmt.Errorf("r4 subscription has no channel")
	}
	sub.ChannelType, _ = channel["type"].(string)
	sub.Endpoint, _ = channel["endpoint"].(string)
	sub.ContentType, _ = channel["payload"].(string)
	for _, h := range stringList(channel["header"]) {
		name, value, ok := strings.Cut(h, ":")
		if ok {
			sub.Parameters[strings.TrimSpace(name)] = append(sub.Parameters[strings.TrimSpace(name)], strings.TrimSpace(value))
		}
	}
	return nil
}

func listOf(v interface{}) []interface{} {
	l, _ := v.([]interface{})
	return l
}

// filtersFor collects the filters applying to a resource type, including
// wildcard filters.
func (s *Subscription) filtersFor(resourceType string) []Filter {
	out := append([]Filter(nil), s.Filters[resourceType]...)
	out = append(out, s.Filters["*"]...)
	return out
}
