package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/models"
)

// PreviewCache keeps async dry-run results. They never reach the run store.
type PreviewCache interface {
	Put(ctx context.Context, result *RunResult) error
	Get(ctx context.Context, runId string) (*RunResult, error)
}

func previewNotFound(runId string) error {
	return models.NewReconError(models.ErrKindRunNotFound, fmt.Sprintf("preview %s not found or expired", runId), nil)
}

type MemoryPreviewCache struct {
	TTL     time.Duration
	mu      sync.Mutex
	entries map[string]memoryPreview
	nowFunc func() time.Time
}

type memoryPreview struct {
	result    RunResult
	expiresAt time.Time
}

func NewMemoryPreviewCache(ttl time.Duration) *MemoryPreviewCache {
	return &MemoryPreviewCache{
		TTL:     ttl,
		entries: make(map[string]memoryPreview),
		nowFunc: time.Now,
	}
}

func (c *MemoryPreviewCache) Put(ctx context.Context, result *RunResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[result.Run.RunId] = memoryPreview{result: *result, expiresAt: c.nowFunc().Add(c.TTL)}
	return nil
}

func (c *MemoryPreviewCache) Get(ctx context.Context, runId string) (*RunResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[runId]
	if !ok {
		return nil, previewNotFound(runId)
	}
	if c.TTL > 0 && c.nowFunc().After(e.expiresAt) {
		delete(c.entries, runId)
		return nil, previewNotFound(runId)
	}
	res := e.result
	return &res, nil
}

// RedisPreviewCache stores previews as JSON through the shared redis client.
type RedisPreviewCache struct {
	TTL time.Duration
}

func NewRedisPreviewCache(ttl time.Duration) *RedisPreviewCache {
	return &RedisPreviewCache{TTL: ttl}
}

func previewKey(runId string) string {
	return "recon:preview:" + runId
}

func (c *RedisPreviewCache) Put(ctx context.Context, result *RunResult) error {
	return config.SetRedisObject(previewKey(result.Run.RunId), result, c.TTL)
}

func (c *RedisPreviewCache) Get(ctx context.Context, runId string) (*RunResult, error) {
	var res RunResult
	found, err := config.GetRedisObject(previewKey(runId), &res)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, previewNotFound(runId)
	}
	return &res, nil
}
