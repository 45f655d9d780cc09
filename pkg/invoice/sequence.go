package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Sequencer hands out the per-month invoice sequence number
type Sequencer interface {
	Next(ctx context.Context, month time.Time) (int64, error)
}

// Counter counts invoices created in the calendar month of month
type Counter interface {
	CountInvoicesInMonth(ctx context.Context, month time.Time) (int, error)
}

// CountSequencer derives the next number from the invoices already created this
// month. Two concurrent generators can observe the same count.
type CountSequencer struct {
	counter Counter
}

// NewCountSequencer creates a count-based sequencer
func NewCountSequencer(counter Counter) *CountSequencer {
	return &CountSequencer{counter: counter}
}

// Next returns count + 1
func (s *CountSequencer) Next(ctx context.Context, month time.Time) (int64, error) {
	n, err := s.counter.CountInvoicesInMonth(ctx, month)
	if err != nil {
		return 0, fmt.Errorf("failed to count invoices: %w", err)
	}
	return int64(n) + 1, nil
}

// sequenceKeyTTL keeps a month's counter around past the month boundary
const sequenceKeyTTL = 62 * 24 * time.Hour

// RedisSequencer allocates numbers with INCR on a per-month key. The key is
// seeded from the stored count the first time a month is seen, so switching
// from CountSequencer does not reuse numbers.
type RedisSequencer struct {
	client *redis.Client
	seed   Counter
	prefix string
}

// NewRedisSequencer creates a Redis-backed sequencer
func NewRedisSequencer(client *redis.Client, seed Counter) *RedisSequencer {
	return &RedisSequencer{client: client, seed: seed, prefix: "callmeter:invoice-seq:"}
}

// Next atomically increments the month's counter
func (s *RedisSequencer) Next(ctx context.Context, month time.Time) (int64, error) {
	key := s.prefix + month.Format("200601")

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check sequence key: %w", err)
	}
	if exists == 0 {
		var start int
		if s.seed != nil {
			if start, err = s.seed.CountInvoicesInMonth(ctx, month); err != nil {
				return 0, fmt.Errorf("failed to seed sequence: %w", err)
			}
		}
		// a concurrent seeder may win the SETNX; both seed the same count
		if err := s.client.SetNX(ctx, key, start, sequenceKeyTTL).Err(); err != nil {
			return 0, fmt.Errorf("failed to seed sequence key: %w", err)
		}
	}

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}
	return n, nil
}

// FormatNumber renders INV-{YYYY}{MM}-{seq:04d}
func FormatNumber(month time.Time, seq int64) string {
	return fmt.Sprintf("INV-%s-%04d", month.Format("200601"), seq)
}
