// Package forwarder delivers confirmed traffic events to a downstream HTTP
// collector.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/highway"
	"github.com/banshee-data/traffic.report/internal/httputil"
	"github.com/banshee-data/traffic.report/internal/monitoring"
)

// Counters are cumulative delivery totals.
type Counters struct {
	Enqueued  int64
	Delivered int64
	Dropped   int64
	Retries   int64
	GivenUp   int64
}

// Forwarder buffers events and posts them as JSON, one request per event,
// from a single delivery goroutine. The buffer is bounded: when the
// downstream cannot keep pace new events are dropped with a counter rather
// than blocking the pipeline worker. It implements highway.EventSink.
type Forwarder struct {
	url     string
	client  httputil.HTTPClient
	queue   chan highway.Event
	retries int
	backoff time.Duration

	mu       sync.Mutex
	counters Counters
}

// New builds a forwarder posting to url. client may be nil, in which case the
// default HTTP client is used.
func New(url string, tuning *config.TuningConfig, client httputil.HTTPClient) *Forwarder {
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second})
	}
	return &Forwarder{
		url:     url,
		client:  client,
		queue:   make(chan highway.Event, tuning.GetForwardBufferSize()),
		retries: tuning.GetForwardRetryBudget(),
		backoff: tuning.GetForwardBackoff(),
	}
}

// Emit queues one event for delivery. Never blocks; a full buffer drops the
// event and counts it.
func (f *Forwarder) Emit(ev highway.Event) {
	select {
	case f.queue <- ev:
		f.count(func(n *Counters) { n.Enqueued++ })
	default:
		f.count(func(n *Counters) { n.Dropped++ })
		monitoring.Logf("[forwarder] buffer full, dropped %s event %s", ev.Type, ev.EventID)
	}
}

// drainGrace bounds the shutdown flush: events still queued when it expires
// are dropped with a counter.
const drainGrace = 5 * time.Second

// Run delivers queued events until ctx is done, then flushes what is still
// queued inside the drain grace period.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			f.drain()
			monitoring.Logf("[forwarder] stopped, %d events delivered", f.Counters().Delivered)
			return
		case ev := <-f.queue:
			f.deliver(ctx, ev)
		}
	}
}

// drain flushes queued events on shutdown. Delivery runs under a fresh
// deadline since the run context is already canceled.
func (f *Forwarder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	for {
		select {
		case ev := <-f.queue:
			if ctx.Err() != nil {
				f.count(func(n *Counters) { n.Dropped++ })
				monitoring.Logf("[forwarder] shutdown grace expired, dropped %s event %s", ev.Type, ev.EventID)
				continue
			}
			f.deliver(ctx, ev)
		default:
			return
		}
	}
}

// deliver posts one event, retrying transient failures up to the retry
// budget. A 4xx response is treated as permanent and not retried.
func (f *Forwarder) deliver(ctx context.Context, ev highway.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		monitoring.Logf("[forwarder] marshal event %s: %v", ev.EventID, err)
		return
	}

	for attempt := 0; ; attempt++ {
		err := f.post(ctx, body)
		if err == nil {
			f.count(func(n *Counters) { n.Delivered++ })
			return
		}
		if permanent(err) || attempt >= f.retries {
			f.count(func(n *Counters) { n.GivenUp++ })
			monitoring.Logf("[forwarder] giving up on %s event %s after %d attempts: %v",
				ev.Type, ev.EventID, attempt+1, err)
			return
		}
		f.count(func(n *Counters) { n.Retries++ })
		select {
		case <-ctx.Done():
			f.count(func(n *Counters) { n.GivenUp++ })
			monitoring.Logf("[forwarder] %s event %s abandoned mid-retry: %v", ev.Type, ev.EventID, ctx.Err())
			return
		case <-time.After(f.backoff * time.Duration(attempt+1)):
		}
	}
}

// permanentError marks a delivery failure that retrying cannot fix.
type permanentError struct{ status int }

func (e *permanentError) Error() string {
	return fmt.Sprintf("downstream rejected event: status %d", e.status)
}

func permanent(err error) bool {
	_, ok := err.(*permanentError)
	return ok
}

func (f *Forwarder) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("downstream returned status %d", resp.StatusCode)
	}
}

func (f *Forwarder) count(fn func(*Counters)) {
	f.mu.Lock()
	fn(&f.counters)
	f.mu.Unlock()
}

// Counters returns a copy of the forwarder's totals.
func (f *Forwarder) Counters() Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters
}
