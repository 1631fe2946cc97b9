package stats

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// captureHook records pipelined commands instead of sending them.
type captureHook struct {
	mu   sync.Mutex
	cmds [][]interface{}
}

func (h *captureHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, fmt.Errorf("dial disabled in tests")
	}
}

func (h *captureHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.cmds = append(h.cmds, cmd.Args())
		return nil
	}
}

func (h *captureHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, c := range cmds {
			h.cmds = append(h.cmds, c.Args())
		}
		return nil
	}
}

func (h *captureHook) recorded() [][]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]interface{}(nil), h.cmds...)
}

// newCaptured returns a Redis recorder whose client never touches the network.
func newCaptured(t *testing.T, prefix string, ttl time.Duration, at time.Time) (*Redis, *captureHook) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { rdb.Close() })
	hook := &captureHook{}
	rdb.AddHook(hook)

	s := NewRedis(rdb, prefix, ttl)
	s.now = func() time.Time { return at }
	return s, hook
}

func TestKeys(t *testing.T) {
	at := time.Date(2024, 3, 9, 17, 4, 59, 0, time.FixedZone("PST", -8*3600))
	total, minute := Keys("taxstream:ingest", at)
	if total != "taxstream:ingest:total" {
		t.Errorf("total: got %q", total)
	}
	// Buckets are keyed in UTC.
	if minute != "taxstream:ingest:minute:202403100104" {
		t.Errorf("minute: got %q, want taxstream:ingest:minute:202403100104", minute)
	}
}

func TestNewRedis_TrimsPrefix(t *testing.T) {
	s := NewRedis(nil, ":tx:", time.Minute)
	if s.prefix != "tx" {
		t.Errorf("prefix: got %q, want tx", s.prefix)
	}
}

func TestRecord_NilSafe(t *testing.T) {
	var s *Redis
	s.Record(context.Background(), "forwarded")
	NewRedis(nil, "p", 0).Record(context.Background(), "forwarded")
	Nop{}.Record(context.Background(), "forwarded")
}

func TestRecord_UnreachableRedisDoesNotBlock(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	s := NewRedis(rdb, "p", time.Minute)

	start := time.Now()
	s.Record(context.Background(), "malformed")
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Record took %v with Redis down", d)
	}
}

// --- Record -----------------------------------------------------------------

func TestRecord_IncrementsTotalAndMinuteBucket(t *testing.T) {
	at := time.Date(2024, 3, 10, 1, 4, 30, 0, time.UTC)
	s, hook := newCaptured(t, "taxstream:ingest", 2*time.Hour, at)

	s.Record(context.Background(), "forwarded")

	want := [][]interface{}{
		{"hincrby", "taxstream:ingest:total", "forwarded", int64(1)},
		{"hincrby", "taxstream:ingest:minute:202403100104", "forwarded", int64(1)},
		{"expire", "taxstream:ingest:minute:202403100104", int64(7200)},
	}
	if got := hook.recorded(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands:\n got %v\nwant %v", got, want)
	}
}

func TestRecord_NoExpireWithoutTTL(t *testing.T) {
	at := time.Date(2024, 3, 10, 1, 4, 30, 0, time.UTC)
	s, hook := newCaptured(t, "p", 0, at)

	s.Record(context.Background(), "malformed")

	want := [][]interface{}{
		{"hincrby", "p:total", "malformed", int64(1)},
		{"hincrby", "p:minute:202403100104", "malformed", int64(1)},
	}
	if got := hook.recorded(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands:\n got %v\nwant %v", got, want)
	}
}

func TestRecord_EmptyOutcomeSkipped(t *testing.T) {
	s, hook := newCaptured(t, "p", time.Minute, time.Now())
	s.Record(context.Background(), "")
	if got := hook.recorded(); len(got) != 0 {
		t.Errorf("commands: got %v, want none", got)
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "127.0.0.1:1", "", 0); err == nil {
		t.Fatal("expected error dialing a closed port, got nil")
	}
}
