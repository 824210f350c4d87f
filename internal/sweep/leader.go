package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLeaderKey is the Redis key holding the sweep lease.
const DefaultLeaderKey = "leader:time_margin_sweep"

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// LeaderLease is a Redis-backed LeaderGate: the instance holding the key sweeps, others skip.
// If the leader dies the key expires after ttl and another instance takes over.
type LeaderLease struct {
	client     *redis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

// NewLeaderLease creates a lease. ttl should be a few sweep intervals long.
func NewLeaderLease(client *redis.Client, instanceID, key string, ttl time.Duration) *LeaderLease {
	if key == "" {
		key = DefaultLeaderKey
	}
	return &LeaderLease{client: client, instanceID: instanceID, key: key, ttl: ttl}
}

// Acquire takes the lease if it is free or renews it if this instance already holds it.
func (l *LeaderLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return renewed == 1, nil
}

// Release gives up the lease if this instance holds it.
func (l *LeaderLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err()
}
