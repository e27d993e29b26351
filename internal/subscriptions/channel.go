package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SocketHub is the delivery surface for websocket channels. The transport
// layer provides the implementation; the dispatcher only needs a broadcast.
type SocketHub interface {
	BroadcastSubscription(subscriptionID string, payload []byte)
}

// dispatchJob is one queued delivery.
type dispatchJob struct {
	sub    *Subscription
	bundle map[string]interface{}
}

// Dispatcher fans notification bundles out to their channels through a
// bounded queue and a fixed worker pool, so slow endpoints never block the
// event pipeline.
type Dispatcher struct {
	logger     zerolog.Logger
	httpClient *http.Client
	hub        SocketHub

	jobs    chan dispatchJob
	wg      sync.WaitGroup
	once    sync.Once
	onError func(subscriptionID string)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient overrides the rest-hook delivery client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithSocketHub attaches the websocket broadcast surface.
func WithSocketHub(hub SocketHub) DispatcherOption {
	return func(d *Dispatcher) { d.hub = hub }
}

// WithErrorHandler registers a callback invoked after a failed delivery,
// typically Engine.ChangeSubscriptionStatus wired to "error".
func WithErrorHandler(fn func(subscriptionID string)) DispatcherOption {
	return func(d *Dispatcher) { d.onError = fn }
}

// NewDispatcher creates a dispatcher with the given number of workers and a
// bounded queue. Workers exit when Close is called.
func NewDispatcher(workers, queueSize int, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		jobs:       make(chan dispatchJob, queueSize),
	}
	for _, o := range opts {
		o(d)
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify enqueues a delivery. A full queue drops the notification rather
// than blocking the engine; receivers recover through eventsSinceSubscriptionStart.
func (d *Dispatcher) Notify(_ context.Context, sub *Subscription, bundle map[string]interface{}) {
	select {
	case d.jobs <- dispatchJob{sub: sub, bundle: bundle}:
	default:
		d.logger.Warn().Str("subscription", sub.ID).Msg("dispatch queue full, notification dropped")
	}
}

// Close drains the queue and stops the workers.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.jobs) })
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.deliver(job.sub, job.bundle)
	}
}

func (d *Dispatcher) deliver(sub *Subscription, bundle map[string]interface{}) {
	var err error
	switch sub.ChannelType {
	case "rest-hook":
		err = d.deliverRestHook(sub, bundle)
	case "websocket":
		err = d.deliverWebsocket(sub, bundle)
	default:
		d.logger.Warn().Str("subscription", sub.ID).Str("channel", sub.ChannelType).Msg("unsupported channel type")
		return
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("subscription", sub.ID).Msg("delivery failed")
		if d.onError != nil {
			d.onError(sub.ID)
		}
		return
	}
	d.logger.Debug().Str("subscription", sub.ID).Str("channel", sub.ChannelType).Msg("notification delivered")
}

func (d *Dispatcher) deliverRestHook(sub *Subscription, bundle map[string]interface{}) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, sub.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	contentType := sub.ContentType
	if contentType == "" {
		contentType = "application/fhir+json"
	}
	req.Header.Set("Content-Type", contentType)
	for name, values := range sub.Parameters {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &deliveryError{status: resp.StatusCode}
	}
	return nil
}

func (d *Dispatcher) deliverWebsocket(sub *Subscription, bundle map[string]interface{}) error {
	if d.hub == nil {
		return errNoHub
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	d.hub.BroadcastSubscription(sub.ID, payload)
	return nil
}

type deliveryError struct {
	status int
}

func (e *deliveryError) Error() string {
	return "endpoint returned status " + strconv.Itoa(e.status)
}

var errNoHub = errors.New("no websocket hub attached")
