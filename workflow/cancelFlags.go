package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CancelFlags records operator cancellation requests for in-flight runs.
type CancelFlags interface {
	Set(ctx context.Context, runId string) error
	IsSet(ctx context.Context, runId string) (bool, error)
	Clear(ctx context.Context, runId string) error
}

type MemoryCancelFlags struct {
	mu    sync.Mutex
	flags map[string]bool
}

func NewMemoryCancelFlags() *MemoryCancelFlags {
	return &MemoryCancelFlags{flags: make(map[string]bool)}
}

func (f *MemoryCancelFlags) Set(ctx context.Context, runId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[runId] = true
	return nil
}

func (f *MemoryCancelFlags) IsSet(ctx context.Context, runId string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[runId], nil
}

func (f *MemoryCancelFlags) Clear(ctx context.Context, runId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, runId)
	return nil
}

// RedisCancelFlags shares flags across instances. Keys expire after TTL.
type RedisCancelFlags struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisCancelFlags(client *redis.Client, ttl time.Duration) *RedisCancelFlags {
	return &RedisCancelFlags{Client: client, TTL: ttl}
}

func cancelKey(runId string) string {
	return "recon:cancel:" + runId
}

func (f *RedisCancelFlags) Set(ctx context.Context, runId string) error {
	return f.Client.Set(ctx, cancelKey(runId), "1", f.TTL).Err()
}

func (f *RedisCancelFlags) IsSet(ctx context.Context, runId string) (bool, error) {
	n, err := f.Client.Exists(ctx, cancelKey(runId)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (f *RedisCancelFlags) Clear(ctx context.Context, runId string) error {
	return f.Client.Del(ctx, cancelKey(runId)).Err()
}
