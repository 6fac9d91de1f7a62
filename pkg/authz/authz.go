// Package authz is the governance-side client for the external permission
// service. Decisions are cached in Redis with a short TTL; when the service
// is unreachable an optional permissive fallback keeps the swarm moving.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Checker is the external permission service contract:
// check(user, relation, object).
type Checker interface {
	Check(ctx context.Context, user, relation, object string) (Decision, error)
}

// Options configures the client.
type Options struct {
	// PermissiveFallback allows the check when the service errors.
	PermissiveFallback bool
	// CacheTTL bounds how long a cached decision is honored.
	CacheTTL time.Duration
}

// Client wraps a Checker with caching and the fallback rule.
type Client struct {
	checker  Checker
	cache    *redis.Client
	opts     Options
	log      *slog.Logger
}

// NewClient builds the client. cache may be nil to disable caching.
func NewClient(checker Checker, cache *redis.Client, opts Options, log *slog.Logger) *Client {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{checker: checker, cache: cache, opts: opts, log: log}
}

func cacheKey(user, relation, object string) string {
	return fmt.Sprintf("authz:%s:%s:%s", user, relation, object)
}

// Check answers whether user has relation on object. Only allows are cached;
// a denial is always re-verified against the live service.
func (c *Client) Check(ctx context.Context, user, relation, object string) (Decision, error) {
	if c.checker == nil {
		// No service wired: the swarm runs open. Deployments that need
		// enforcement must configure a checker.
		return Decision{Allowed: true}, nil
	}

	key := cacheKey(user, relation, object)
	if c.cache != nil {
		if val, err := c.cache.Get(ctx, key).Result(); err == nil && val == "1" {
			return Decision{Allowed: true, Reason: "cached"}, nil
		}
	}

	dec, err := c.checker.Check(ctx, user, relation, object)
	if err != nil {
		if c.opts.PermissiveFallback {
			c.log.Warn("permission service unavailable, permissive fallback",
				"user", user, "relation", relation, "object", object, "error", err)
			return Decision{Allowed: true, Reason: "permissive_fallback"}, nil
		}
		return Decision{}, fmt.Errorf("authz: check %s/%s/%s: %w", user, relation, object, err)
	}

	if dec.Allowed && c.cache != nil {
		if err := c.cache.Set(ctx, key, "1", c.opts.CacheTTL).Err(); err != nil {
			c.log.Debug("authz cache set failed", "error", err)
		}
	}
	return dec, nil
}
