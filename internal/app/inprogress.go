package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

// InProgressCache keeps per-client, per-asset totals of in-flight transfers
// in Redis so balance checks elsewhere do not hammer the transfers table.
// Entries expire after a TTL; a miss falls through to a database sum.
type InProgressCache struct {
	client redis.UniversalClient
	repo   store.Repository
	prefix string
	ttl    time.Duration
}

// NewInProgressCache creates the cache. A zero ttl defaults to 24 hours.
func NewInProgressCache(client redis.UniversalClient, repo store.Repository, prefix string, ttl time.Duration) *InProgressCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "transfa:transfers_in_progress"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &InProgressCache{
		client: client,
		repo:   repo,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (c *InProgressCache) key(clientID, assetSymbol string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, strings.TrimSpace(clientID), strings.TrimSpace(assetSymbol))
}

// Get returns the cached summary, rebuilding it from the database on a miss.
func (c *InProgressCache) Get(ctx context.Context, clientID, assetSymbol string) (*domain.InProgressSummary, error) {
	if c == nil {
		return nil, errors.New("in-progress cache is not configured")
	}
	if c.client == nil {
		return c.repo.SumInProgress(ctx, clientID, assetSymbol)
	}

	key := c.key(clientID, assetSymbol)
	raw, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var summary domain.InProgressSummary
		if unmarshalErr := json.Unmarshal([]byte(raw), &summary); unmarshalErr == nil {
			return &summary, nil
		}
		// A corrupt entry is treated as a miss and overwritten below.
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read in-progress cache: %w", err)
	}

	summary, err := c.repo.SumInProgress(ctx, clientID, assetSymbol)
	if err != nil {
		return nil, err
	}

	if payload, marshalErr := json.Marshal(summary); marshalErr == nil {
		// Cache write failures are not fatal; the next read rebuilds again.
		_ = c.client.Set(ctx, key, payload, c.ttl).Err()
	}
	return summary, nil
}

// Invalidate drops the cached entry after a transfer changes state.
func (c *InProgressCache) Invalidate(ctx context.Context, clientID, assetSymbol string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(clientID, assetSymbol)).Err()
}
