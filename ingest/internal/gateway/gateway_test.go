package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/taxstream/taxstream/ingest/internal/forwarder"
	"github.com/taxstream/taxstream/ingest/internal/gateway"
	"github.com/taxstream/taxstream/ingest/internal/metrics"
	"github.com/taxstream/taxstream/pkg/types"
)

const validRecord = `{
	"property_id": "P-100",
	"owner_name": "Jane Doe",
	"address": {"street": "1 Main St", "city": "Riverside", "state": "CA", "zip": "92501"},
	"assessed_value": 450000,
	"location_code": "RIV-CA",
	"is_overdue": false,
	"last_payment_unix": null
}`

func recordJSON(id string) string {
	return strings.Replace(validRecord, "P-100", id, 1)
}

// --- helpers ----------------------------------------------------------------

// fakeForwarder records every record handed to it.
type fakeForwarder struct {
	got chan *types.PropertyRecord
	err error
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{got: make(chan *types.PropertyRecord, 64)}
}

func (f *fakeForwarder) Forward(_ context.Context, rec *types.PropertyRecord) error {
	if f.err != nil {
		return f.err
	}
	f.got <- rec
	return nil
}

func (f *fakeForwarder) next(t *testing.T) *types.PropertyRecord {
	t.Helper()
	select {
	case rec := <-f.got:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no record forwarded")
		return nil
	}
}

func (f *fakeForwarder) none(t *testing.T) {
	t.Helper()
	select {
	case rec := <-f.got:
		t.Fatalf("unexpected forward: %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

// startGateway serves gw on an httptest server and returns its ws:// URL.
func startGateway(t *testing.T, gw *gateway.Gateway) string {
	t.Helper()
	srv := httptest.NewServer(gw)
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, kind int, payload string) {
	t.Helper()
	if err := conn.WriteMessage(kind, []byte(payload)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// waitCount polls gw.Count until it equals want.
func waitCount(t *testing.T, gw *gateway.Gateway, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gw.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Count: got %d, want %d", gw.Count(), want)
}

// --- frames -----------------------------------------------------------------

func TestGateway_TextFrameForwarded(t *testing.T) {
	fwd := newFakeForwarder()
	conn := dial(t, startGateway(t, gateway.New(fwd, gateway.Options{})))

	send(t, conn, websocket.TextMessage, validRecord)

	rec := fwd.next(t)
	if rec.PropertyID != "P-100" {
		t.Errorf("property_id: got %q, want P-100", rec.PropertyID)
	}
	if rec.Address.City != "Riverside" || rec.AssessedValue != 450000 || rec.LocationCode != "RIV-CA" {
		t.Errorf("record: got %+v", rec)
	}
	if rec.LastPaymentUnix != nil {
		t.Errorf("last_payment_unix: got %v, want nil", *rec.LastPaymentUnix)
	}
}

func TestGateway_BinaryUTF8FrameForwarded(t *testing.T) {
	fwd := newFakeForwarder()
	conn := dial(t, startGateway(t, gateway.New(fwd, gateway.Options{})))

	send(t, conn, websocket.BinaryMessage, recordJSON("B-1"))

	if rec := fwd.next(t); rec.PropertyID != "B-1" {
		t.Errorf("property_id: got %q, want B-1", rec.PropertyID)
	}
}

func TestGateway_MalformedFrameSkipped(t *testing.T) {
	fwd := newFakeForwarder()
	conn := dial(t, startGateway(t, gateway.New(fwd, gateway.Options{})))

	send(t, conn, websocket.TextMessage, "hello")
	send(t, conn, websocket.TextMessage, `{"property_id":"X"}`)
	send(t, conn, websocket.TextMessage, recordJSON("after-bad"))

	if rec := fwd.next(t); rec.PropertyID != "after-bad" {
		t.Errorf("property_id: got %q, want after-bad", rec.PropertyID)
	}
	fwd.none(t)
}

func TestGateway_InvalidUTF8BinarySkipped(t *testing.T) {
	fwd := newFakeForwarder()
	conn := dial(t, startGateway(t, gateway.New(fwd, gateway.Options{})))

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xfe, 0xfd}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	send(t, conn, websocket.TextMessage, recordJSON("after-binary"))

	if rec := fwd.next(t); rec.PropertyID != "after-binary" {
		t.Errorf("property_id: got %q, want after-binary", rec.PropertyID)
	}
	fwd.none(t)
}

func TestGateway_OrderPreservedPerConnection(t *testing.T) {
	fwd := newFakeForwarder()
	conn := dial(t, startGateway(t, gateway.New(fwd, gateway.Options{})))

	ids := []string{"1", "2", "3", "4", "5"}
	for _, id := range ids {
		send(t, conn, websocket.TextMessage, recordJSON(id))
	}
	for _, want := range ids {
		if got := fwd.next(t).PropertyID; got != want {
			t.Fatalf("order: got %q, want %q", got, want)
		}
	}
}

func TestGateway_ForwardErrorKeepsConnectionOpen(t *testing.T) {
	fwd := newFakeForwarder()
	fwd.err = errors.New("pool closed")
	gw := gateway.New(fwd, gateway.Options{})
	conn := dial(t, startGateway(t, gw))

	send(t, conn, websocket.TextMessage, validRecord)
	send(t, conn, websocket.TextMessage, validRecord)
	waitCount(t, gw, 1)
}

func TestGateway_PingAnsweredWithPong(t *testing.T) {
	fwd := newFakeForwarder()
	conn := dial(t, startGateway(t, gateway.New(fwd, gateway.Options{})))

	pong := make(chan string, 1)
	conn.SetPongHandler(func(appData string) error {
		pong <- appData
		return nil
	})
	// Control frames are only processed while reading.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl ping: %v", err)
	}

	select {
	case got := <-pong:
		if got != "hb" {
			t.Errorf("pong payload: got %q, want hb", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
	fwd.none(t)
}

func TestGateway_MetricsCounted(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	fwd := newFakeForwarder()
	gw := gateway.New(fwd, gateway.Options{Metrics: m})
	conn := dial(t, startGateway(t, gw))

	send(t, conn, websocket.TextMessage, "nope")
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xc3, 0x28}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	send(t, conn, websocket.TextMessage, validRecord)
	fwd.next(t)

	if got := testutil.ToFloat64(m.Frames.WithLabelValues(metrics.FrameText)); got != 2 {
		t.Errorf("frames{text}: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Frames.WithLabelValues(metrics.FrameBinary)); got != 1 {
		t.Errorf("frames{binary}: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Rejected.WithLabelValues(metrics.OutcomeMalformed)); got != 1 {
		t.Errorf("rejected{malformed}: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Rejected.WithLabelValues(metrics.OutcomeUndecodable)); got != 1 {
		t.Errorf("rejected{undecodable}: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Connections); got != 1 {
		t.Errorf("connections: got %v, want 1", got)
	}
}

// --- connections ------------------------------------------------------------

func TestGateway_CountMultipleConnections(t *testing.T) {
	gw := gateway.New(newFakeForwarder(), gateway.Options{})
	wsURL := startGateway(t, gw)

	for i := 0; i < 3; i++ {
		dial(t, wsURL)
	}
	waitCount(t, gw, 3)
}

func TestGateway_CountDecreasesOnDisconnect(t *testing.T) {
	gw := gateway.New(newFakeForwarder(), gateway.Options{})
	conn := dial(t, startGateway(t, gw))
	waitCount(t, gw, 1)

	conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitCount(t, gw, 0)
}

func TestGateway_ConnectionsIndependent(t *testing.T) {
	fwd := newFakeForwarder()
	gw := gateway.New(fwd, gateway.Options{})
	wsURL := startGateway(t, gw)

	a := dial(t, wsURL)
	b := dial(t, wsURL)
	waitCount(t, gw, 2)

	a.Close()
	waitCount(t, gw, 1)

	send(t, b, websocket.TextMessage, recordJSON("from-b"))
	if rec := fwd.next(t); rec.PropertyID != "from-b" {
		t.Errorf("property_id: got %q, want from-b", rec.PropertyID)
	}
}

func TestGateway_IdleTimeoutClosesConnection(t *testing.T) {
	gw := gateway.New(newFakeForwarder(), gateway.Options{IdleTimeout: 300 * time.Millisecond})
	dial(t, startGateway(t, gw))
	waitCount(t, gw, 1)
	waitCount(t, gw, 0)
}

func TestGateway_PingsKeepIdleConnectionOpen(t *testing.T) {
	gw := gateway.New(newFakeForwarder(), gateway.Options{IdleTimeout: 300 * time.Millisecond})
	conn := dial(t, startGateway(t, gw))
	waitCount(t, gw, 1)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Ten pings over one second, each well inside the idle window.
	for i := 0; i < 10; i++ {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
		time.Sleep(100 * time.Millisecond)
		if n := gw.Count(); n != 1 {
			t.Fatalf("after ping %d: Count got %d, want 1", i, n)
		}
	}

	// Once the pings stop the idle timeout applies again.
	waitCount(t, gw, 0)
}

func TestGateway_RefusesConnectionsAfterShutdown(t *testing.T) {
	gw := gateway.New(newFakeForwarder(), gateway.Options{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gw.Run(ctx)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err == nil {
		t.Fatal("dial after shutdown: expected error, got nil")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("dial after shutdown: got %v, want 503", resp)
	}
	if n := gw.Count(); n != 0 {
		t.Errorf("Count: got %d, want 0", n)
	}
}

func TestGateway_WaitBeforeShutdownTimesOut(t *testing.T) {
	gw := gateway.New(newFakeForwarder(), gateway.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := gw.Wait(ctx); err == nil {
		t.Error("Wait before Run: expected error, got nil")
	}
}

func TestGateway_OversizedFrameClosesConnection(t *testing.T) {
	gw := gateway.New(newFakeForwarder(), gateway.Options{ReadLimit: 64})
	conn := dial(t, startGateway(t, gw))
	waitCount(t, gw, 1)

	send(t, conn, websocket.TextMessage, validRecord)
	waitCount(t, gw, 0)
}

func TestGateway_RunCancelClosesConnections(t *testing.T) {
	gw := gateway.New(newFakeForwarder(), gateway.Options{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitCount(t, gw, 1)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage: got %v, want going-away close", err)
	}
	conn.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := gw.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := gw.Count(); n != 0 {
		t.Errorf("Count after shutdown: got %d, want 0", n)
	}
}

func TestGateway_NonWebSocketRequest_Returns400(t *testing.T) {
	gw := gateway.New(newFakeForwarder(), gateway.Options{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

// --- with forwarder ---------------------------------------------------------

func TestGateway_ForwardsToComputeEndpoint(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	compute := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/compute" {
			t.Errorf("request: got %s %s", r.Method, r.URL.Path)
		}
		var rec types.PropertyRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		ids = append(ids, rec.PropertyID)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"property_id":"x","computed_tax":1,"owner":"o","message":"m"}`)) //nolint:errcheck
	}))
	defer compute.Close()

	fwd := forwarder.New(forwarder.Options{URL: compute.URL + "/api/compute", MaxInflight: 4})
	conn := dial(t, startGateway(t, gateway.New(fwd, gateway.Options{})))

	send(t, conn, websocket.TextMessage, "garbage")
	for _, id := range []string{"a", "b", "c"} {
		send(t, conn, websocket.TextMessage, recordJSON(id))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(ids)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fwd.Wait(ctx); err != nil {
		t.Fatalf("forwarder Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 3 {
		t.Fatalf("compute received %d records, want 3: %v", len(ids), ids)
	}
}
