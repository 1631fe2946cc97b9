package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taxstream/taxstream/ingest/internal/metrics"
	"github.com/taxstream/taxstream/ingest/internal/stats"
	"github.com/taxstream/taxstream/pkg/types"
)

const (
	// writeTimeout is the deadline for control frames sent to a client.
	writeTimeout = 5 * time.Second

	// maxLoggedPayload caps how much of a rejected frame ends up in the log.
	maxLoggedPayload = 512

	defaultReadLimit = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	// Producers are not browsers; origin is not checked.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Forwarder starts delivery of one record. It may block for backpressure and
// returns an error only when the record was not handed off.
type Forwarder interface {
	Forward(ctx context.Context, rec *types.PropertyRecord) error
}

// Options configures a Gateway. Zero values fall back to defaults.
type Options struct {
	// ReadLimit is the largest accepted frame in bytes. Default 1 MiB.
	ReadLimit int64

	// IdleTimeout closes a connection silent for this long. Zero disables it.
	IdleTimeout time.Duration

	Metrics *metrics.Metrics
	Stats   stats.Recorder
}

// Gateway accepts WebSocket producers and hands every decodable record to a
// Forwarder. A bad frame is logged and skipped; it never closes the connection.
type Gateway struct {
	fwd  Forwarder
	opts Options

	// ctx ends when Run returns; it aborts connections blocked on backpressure.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	conns map[*client]struct{}
	wg    sync.WaitGroup
}

// client represents one connected producer.
type client struct {
	id   string
	conn *websocket.Conn
}

// New creates a Gateway forwarding through fwd.
func New(fwd Forwarder, opts Options) *Gateway {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.Stats == nil {
		opts.Stats = stats.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		fwd:    fwd,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then sends a going-away close frame to
// every connected producer. Use Wait to block until their loops have ended.
func (g *Gateway) Run(ctx context.Context) {
	<-ctx.Done()

	// Cancelling under mu orders shutdown against register: a connection is
	// either in conns for closeAll or refused.
	g.mu.Lock()
	g.cancel()
	g.mu.Unlock()

	g.closeAll()
}

// Wait blocks until Run has started shutdown and every connection loop has
// returned, or until ctx ends.
func (g *Gateway) Wait(ctx context.Context) error {
	select {
	case <-g.ctx.Done():
	case <-ctx.Done():
		return fmt.Errorf("gateway: not shut down: %w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: %d connections still open: %w", g.Count(), ctx.Err())
	}
}

// ServeHTTP upgrades the request to WebSocket and runs the connection loop.
// It blocks until the producer disconnects or the gateway shuts down.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		slog.Debug("gateway: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	if !g.register(c) {
		return
	}
	defer g.unregister(c)

	slog.Info("gateway: producer connected", "conn_id", c.id, "remote", r.RemoteAddr)
	g.readLoop(c)
	slog.Info("gateway: producer disconnected", "conn_id", c.id)
}

// Count returns the number of currently connected producers.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// --- internal ---------------------------------------------------------------

// register adds c to the registry. It reports false, after sending a
// going-away close frame, when the gateway is already shutting down.
func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		goAway(c)
		c.conn.Close()
		return false
	}
	g.wg.Add(1)
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	g.opts.Metrics.ConnectionsTotal.Inc()
	g.opts.Metrics.Connections.Inc()
	return true
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	c.conn.Close()
	g.opts.Metrics.Connections.Dec()
	g.wg.Done()
}

func (g *Gateway) closeAll() {
	g.mu.RLock()
	targets := make([]*client, 0, len(g.conns))
	for c := range g.conns {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	for _, c := range targets {
		if err := goAway(c); err != nil {
			c.conn.Close()
		}
	}
}

func goAway(c *client) error {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// readLoop processes frames in arrival order.
func (g *Gateway) readLoop(c *client) {
	c.conn.SetReadLimit(g.opts.ReadLimit)
	c.conn.SetPingHandler(g.pingHandler(c))

	for {
		if g.opts.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(g.opts.IdleTimeout)) //nolint:errcheck
		}

		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				slog.Warn("gateway: read failed, closing connection", "conn_id", c.id, "err", err)
			}
			return
		}

		if !g.handleFrame(c, kind, data) {
			return
		}
	}
}

// pingHandler answers a ping with a pong carrying the same payload. A ping
// counts as activity and pushes the idle deadline forward.
func (g *Gateway) pingHandler(c *client) func(string) error {
	return func(appData string) error {
		if g.opts.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(g.opts.IdleTimeout)) //nolint:errcheck
		}
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	}
}

// handleFrame decodes one data frame and forwards the record. It reports
// false only when the gateway is shutting down.
func (g *Gateway) handleFrame(c *client, kind int, data []byte) bool {
	m := g.opts.Metrics

	frameKind := metrics.FrameText
	if kind == websocket.BinaryMessage {
		frameKind = metrics.FrameBinary
	}
	m.Frames.WithLabelValues(frameKind).Inc()

	if !utf8.Valid(data) {
		m.Rejected.WithLabelValues(metrics.OutcomeUndecodable).Inc()
		g.opts.Stats.Record(g.ctx, metrics.OutcomeUndecodable)
		slog.Warn("gateway: frame is not valid UTF-8, skipping",
			"conn_id", c.id,
			"kind", frameKind,
			"bytes", len(data),
		)
		return true
	}

	rec, err := types.DecodeRecord(data)
	if err != nil {
		m.Rejected.WithLabelValues(metrics.OutcomeMalformed).Inc()
		g.opts.Stats.Record(g.ctx, metrics.OutcomeMalformed)
		slog.Warn("gateway: malformed record, skipping",
			"conn_id", c.id,
			"payload", truncate(data, maxLoggedPayload),
			"err", err,
		)
		return true
	}

	if err := g.fwd.Forward(g.ctx, rec); err != nil {
		slog.Warn("gateway: record dropped",
			"conn_id", c.id,
			"property_id", rec.PropertyID,
			"err", err,
		)
		return g.ctx.Err() == nil
	}
	return true
}

// truncate returns at most n bytes of b without splitting a rune.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]) + "..."
}
