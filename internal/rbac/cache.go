package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "rbac:decisions:version"
	// BumpChannel receives the new version after every invalidation.
	BumpChannel = "rbac.bump"
)

// DecisionCache stores permission decisions in Redis under a global version.
// Any write to roles, bindings or assignments must call Bump; old entries
// then become unreachable and expire on their TTL. After a failed Bump the
// cache hands out no keys until a retried bump succeeds.
type DecisionCache struct {
	client *redis.Client
	ttl    time.Duration
	owed   atomic.Bool
}

// ErrInvalidationPending reports that a failed bump has not been retried yet.
var ErrInvalidationPending = errors.New("rbac: decision cache invalidation pending")

// NewDecisionCache instantiates the cache helper. A zero ttl disables caching.
func NewDecisionCache(client *redis.Client, ttl time.Duration) *DecisionCache {
	return &DecisionCache{client: client, ttl: ttl}
}

func (c *DecisionCache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// Version returns the current cache version, initialising when missing.
func (c *DecisionCache) Version(ctx context.Context) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Key composes the cache key for a query under the current version.
func (c *DecisionCache) Key(ctx context.Context, q Query) (string, error) {
	if c.enabled() && c.owed.Load() {
		if err := c.Bump(ctx); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidationPending, err)
		}
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	parts := []string{
		"rbac", "decision", strconv.FormatInt(ver, 10),
		strconv.FormatInt(q.UserID, 10),
		q.Permission,
		strconv.FormatInt(q.Scope.OrganizationID, 10),
		strconv.FormatInt(q.Scope.DepartmentID, 10),
		strconv.FormatInt(q.Scope.ProjectID, 10),
		q.ResourceID,
	}
	return strings.Join(parts, ":"), nil
}

// Get loads a cached decision. The boolean is false on a miss.
func (c *DecisionCache) Get(ctx context.Context, key string) (Decision, bool, error) {
	if !c.enabled() {
		return Decision{}, false, nil
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var d Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return Decision{}, false, fmt.Errorf("rbac: decode cached decision: %w", err)
	}
	return d, true, nil
}

// Set stores a decision under key.
func (c *DecisionCache) Set(ctx context.Context, key string, d Decision) error {
	if !c.enabled() {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Bump invalidates every cached decision by incrementing the version and
// publishing it on BumpChannel.
func (c *DecisionCache) Bump(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		c.owed.Store(true)
		return err
	}
	c.owed.Store(false)
	return c.client.Publish(ctx, BumpChannel, strconv.FormatInt(ver, 10)).Err()
}
