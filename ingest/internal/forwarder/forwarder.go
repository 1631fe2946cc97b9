package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taxstream/taxstream/ingest/internal/metrics"
	"github.com/taxstream/taxstream/ingest/internal/stats"
	"github.com/taxstream/taxstream/pkg/types"
)

// ErrStatus is returned by Send when the compute service answers with a
// non-2xx status.
var ErrStatus = errors.New("unexpected status")

// HeaderRequestID carries the per-forward id, also logged on both sides.
const HeaderRequestID = "X-Request-Id"

// maxErrBody caps how much of an error reply is kept for the log.
const maxErrBody = 512

// Options configures a Forwarder. Zero values fall back to defaults.
type Options struct {
	// URL is the compute endpoint, e.g. http://compute:8080/api/compute.
	URL string

	// Timeout bounds one request including the reply. Default 10s.
	Timeout time.Duration

	// MaxInflight caps forwards started and not yet finished. Default 256.
	MaxInflight int

	// AuthHeader and AuthKey, when both set, are attached to every request.
	AuthHeader string
	AuthKey    string

	Client  *http.Client
	Metrics *metrics.Metrics
	Stats   stats.Recorder
}

// Forwarder POSTs records to the compute service without waiting for the
// reply on the caller's goroutine.
type Forwarder struct {
	client     *http.Client
	url        string
	timeout    time.Duration
	authHeader string
	authKey    string

	slots chan struct{}
	wg    sync.WaitGroup

	m     *metrics.Metrics
	stats stats.Recorder
}

// New returns a Forwarder for opts.
func New(opts Options) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 256
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.Stats == nil {
		opts.Stats = stats.Nop{}
	}
	return &Forwarder{
		client:     opts.Client,
		url:        opts.URL,
		timeout:    opts.Timeout,
		authHeader: opts.AuthHeader,
		authKey:    opts.AuthKey,
		slots:      make(chan struct{}, opts.MaxInflight),
		m:          opts.Metrics,
		stats:      opts.Stats,
	}
}

// Forward starts delivery of rec and returns without waiting for the reply.
// It blocks only while MaxInflight forwards are running; if ctx ends first
// the record is dropped and ctx.Err() is returned. Once started, a forward is
// independent of ctx and its outcome is only logged.
func (f *Forwarder) Forward(ctx context.Context, rec *types.PropertyRecord) error {
	select {
	case f.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	f.wg.Add(1)
	f.m.Inflight.Inc()
	go func() {
		defer func() {
			f.m.Inflight.Dec()
			<-f.slots
			f.wg.Done()
		}()
		f.deliver(context.WithoutCancel(ctx), rec)
	}()
	return nil
}

func (f *Forwarder) deliver(ctx context.Context, rec *types.PropertyRecord) {
	reqID := uuid.NewString()

	start := time.Now()
	err := f.Send(ctx, reqID, rec)
	f.m.ForwardLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		f.m.Forwards.WithLabelValues(metrics.OutcomeForwardFailed).Inc()
		f.stats.Record(ctx, metrics.OutcomeForwardFailed)
		slog.Warn("forwarder: forward failed",
			"property_id", rec.PropertyID,
			"request_id", reqID,
			"err", err,
		)
		return
	}

	f.m.Forwards.WithLabelValues(metrics.OutcomeForwarded).Inc()
	f.stats.Record(ctx, metrics.OutcomeForwarded)
	slog.Debug("forwarder: forwarded",
		"property_id", rec.PropertyID,
		"request_id", reqID,
	)
}

// Send POSTs rec as JSON and waits for the reply. The response body is
// discarded on success.
func (f *Forwarder) Send(ctx context.Context, reqID string, rec *types.PropertyRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("forwarder: encode record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forwarder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if reqID != "" {
		req.Header.Set(HeaderRequestID, reqID)
	}
	if f.authHeader != "" && f.authKey != "" {
		req.Header.Set(f.authHeader, f.authKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forwarder: http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return fmt.Errorf("forwarder: %w %d: %s", ErrStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Wait blocks until every started forward has finished or ctx ends.
func (f *Forwarder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("forwarder: %d forwards still in flight: %w", len(f.slots), ctx.Err())
	}
}
