package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordTimeout bounds one pipeline round trip.
const recordTimeout = 250 * time.Millisecond

// Recorder counts ingest outcomes.
type Recorder interface {
	Record(ctx context.Context, outcome string)
}

// Nop discards every outcome.
type Nop struct{}

func (Nop) Record(context.Context, string) {}

// Redis writes outcome counters through a go-redis client.
type Redis struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis returns a Recorder writing under prefix. ttl <= 0 keeps minute
// buckets forever.
func NewRedis(rdb redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	return &Redis{
		rdb:    rdb,
		prefix: strings.Trim(prefix, ":"),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Dial connects to addr and verifies the server answers PING.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("stats: ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Keys returns the cumulative and per-minute hash keys for an event at t.
func Keys(prefix string, t time.Time) (total, minute string) {
	return prefix + ":total", fmt.Sprintf("%s:minute:%s", prefix, t.UTC().Format("200601021504"))
}

// Record increments outcome in both hashes. Failures are logged at debug.
func (s *Redis) Record(ctx context.Context, outcome string) {
	if s == nil || s.rdb == nil || outcome == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	totalKey, minuteKey := Keys(s.prefix, s.now())

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, outcome, 1)
	pipe.HIncrBy(ctx, minuteKey, outcome, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Debug("stats: record failed", "outcome", outcome, "err", err)
	}
}
