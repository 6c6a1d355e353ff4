// Package cache provides a Redis-backed lookaside cache for snippet lookups
// on the command dispatch path.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"modmail/api/internal/store"
)

// ErrCacheMiss is returned when a snippet is not cached.
var ErrCacheMiss = errors.New("snippet not in cache")

type SnippetCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSnippetCache(redisURL string) (*SnippetCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewSnippetCacheWithClient(client), nil
}

// NewSnippetCacheWithClient creates a cache from an existing Redis client.
func NewSnippetCacheWithClient(client *redis.Client) *SnippetCache {
	return &SnippetCache{
		client: client,
		prefix: "snippet:",
		ttl:    time.Hour,
	}
}

func (c *SnippetCache) key(teamID, name string) string {
	return c.prefix + teamID + ":" + name
}

func (c *SnippetCache) Get(ctx context.Context, teamID, name string) (store.Snippet, error) {
	jsonData, err := c.client.Get(ctx, c.key(teamID, name)).Result()
	if errors.Is(err, redis.Nil) {
		return store.Snippet{}, ErrCacheMiss
	}
	if err != nil {
		return store.Snippet{}, fmt.Errorf("get cached snippet: %w", err)
	}

	var snippet store.Snippet
	if err := json.Unmarshal([]byte(jsonData), &snippet); err != nil {
		return store.Snippet{}, fmt.Errorf("unmarshal cached snippet: %w", err)
	}
	return snippet, nil
}

func (c *SnippetCache) Set(ctx context.Context, snippet store.Snippet) error {
	jsonData, err := json.Marshal(snippet)
	if err != nil {
		return fmt.Errorf("marshal snippet: %w", err)
	}
	if err := c.client.Set(ctx, c.key(snippet.TeamID, snippet.Name), jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache snippet: %w", err)
	}
	return nil
}

func (c *SnippetCache) Invalidate(ctx context.Context, teamID, name string) error {
	if err := c.client.Del(ctx, c.key(teamID, name)).Err(); err != nil {
		return fmt.Errorf("invalidate cached snippet: %w", err)
	}
	return nil
}

func (c *SnippetCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *SnippetCache) Close() error {
	return c.client.Close()
}
