package counter

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	webhookOutcomesKey = "creditgate:counters:webhook_outcomes"
	creditUsageKey     = "creditgate:counters:credit_usage"
)

// Counters tracks operational totals in Redis hashes so every instance adds
// to the same numbers. Without a client it counts in process memory.
type Counters struct {
	rdb *redis.Client

	mu    sync.Mutex
	local map[string]map[string]int64
}

func New(rdb *redis.Client) *Counters {
	return &Counters{rdb: rdb, local: make(map[string]map[string]int64)}
}

// AddWebhookOutcome counts one processed delivery by outcome (applied, duplicate, ...).
func (c *Counters) AddWebhookOutcome(ctx context.Context, outcome string) error {
	return c.incr(ctx, webhookOutcomesKey, outcome, 1)
}

// AddCreditUsage counts consume calls: "consumed", "unlimited" or "insufficient".
func (c *Counters) AddCreditUsage(ctx context.Context, kind string) error {
	return c.incr(ctx, creditUsageKey, kind, 1)
}

type Snapshot struct {
	WebhookOutcomes map[string]int64 `json:"webhook_outcomes"`
	CreditUsage     map[string]int64 `json:"credit_usage"`
}

func (c *Counters) Snapshot(ctx context.Context) (*Snapshot, error) {
	outcomes, err := c.read(ctx, webhookOutcomesKey)
	if err != nil {
		return nil, err
	}
	usage, err := c.read(ctx, creditUsageKey)
	if err != nil {
		return nil, err
	}
	return &Snapshot{WebhookOutcomes: outcomes, CreditUsage: usage}, nil
}

func (c *Counters) incr(ctx context.Context, key, field string, by int64) error {
	if c == nil || field == "" {
		return nil
	}
	if c.rdb != nil {
		return c.rdb.HIncrBy(ctx, key, field, by).Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local[key] == nil {
		c.local[key] = make(map[string]int64)
	}
	c.local[key][field] += by
	return nil
}

func (c *Counters) read(ctx context.Context, key string) (map[string]int64, error) {
	out := make(map[string]int64)
	if c == nil {
		return out, nil
	}
	if c.rdb == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		for k, v := range c.local[key] {
			out[k] = v
		}
		return out, nil
	}
	data, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}
