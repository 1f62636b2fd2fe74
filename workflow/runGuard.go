package workflow

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/recon_backend/models"
	"gorm.io/gorm"
)

// RunGuard hands out exclusive leases on a reconciliation window key.
// Acquire fails fast with ConcurrentRunConflict when the key is held.
type RunGuard interface {
	Acquire(ctx context.Context, key string) (RunLease, error)
}

type RunLease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

func conflictError(key string) error {
	return models.NewReconError(models.ErrKindConcurrentRunConflict, fmt.Sprintf("a run for %s is already in progress", key), nil)
}

// RedisRunGuard holds the window lock in Redis with a TTL so a crashed worker cannot hold it forever.
type RedisRunGuard struct {
	Locker *redislock.Client
	TTL    time.Duration
}

func NewRedisRunGuard(locker *redislock.Client, ttl time.Duration) *RedisRunGuard {
	return &RedisRunGuard{Locker: locker, TTL: ttl}
}

func (g *RedisRunGuard) Acquire(ctx context.Context, key string) (RunLease, error) {
	if g.Locker == nil {
		return nil, models.NewReconError(models.ErrKindInternal, "redis lock client is not configured", nil)
	}
	lock, err := g.Locker.Obtain(ctx, key, g.TTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, conflictError(key)
	}
	if err != nil {
		return nil, models.NewReconError(models.ErrKindInternal, "obtain run lock", err)
	}
	return &redisLease{lock: lock, ttl: g.TTL}, nil
}

type redisLease struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) error {
	return l.lock.Refresh(ctx, l.ttl, nil)
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// MySQLRunGuard uses GET_LOCK advisory locks. The lock is connection-scoped,
// so each lease pins one pooled connection until it is released.
type MySQLRunGuard struct {
	DB *gorm.DB
}

func NewMySQLRunGuard(db *gorm.DB) *MySQLRunGuard {
	return &MySQLRunGuard{DB: db}
}

// mysqlLockName keeps names under MySQL's 64 character limit.
func mysqlLockName(key string) string {
	if len(key) <= 64 {
		return key
	}
	sum := sha1.Sum([]byte(key))
	return "recon:" + hex.EncodeToString(sum[:])
}

func (g *MySQLRunGuard) Acquire(ctx context.Context, key string) (RunLease, error) {
	sqlDB, err := g.DB.DB()
	if err != nil {
		return nil, models.NewReconError(models.ErrKindInternal, "get sql db", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, models.NewReconError(models.ErrKindInternal, "reserve lock connection", err)
	}
	name := mysqlLockName(key)
	var ok sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", name).Scan(&ok); err != nil {
		conn.Close()
		return nil, models.NewReconError(models.ErrKindInternal, "get lock", err)
	}
	if !ok.Valid || ok.Int64 != 1 {
		conn.Close()
		return nil, conflictError(key)
	}
	return &mysqlLease{conn: conn, name: name}, nil
}

type mysqlLease struct {
	conn *sql.Conn
	name string
	once sync.Once
}

// Refresh pings the pinned connection; the lock lives as long as the session.
func (l *mysqlLease) Refresh(ctx context.Context) error {
	return l.conn.PingContext(ctx)
}

func (l *mysqlLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		var released sql.NullInt64
		err = l.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name).Scan(&released)
		if cerr := l.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// LocalRunGuard serializes windows within one process.
type LocalRunGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalRunGuard() *LocalRunGuard {
	return &LocalRunGuard{held: make(map[string]struct{})}
}

func (g *LocalRunGuard) Acquire(ctx context.Context, key string) (RunLease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[key]; ok {
		return nil, conflictError(key)
	}
	g.held[key] = struct{}{}
	return &localLease{guard: g, key: key}, nil
}

// Held reports whether key is currently leased.
func (g *LocalRunGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

type localLease struct {
	guard *LocalRunGuard
	key   string
	once  sync.Once
}

func (l *localLease) Refresh(ctx context.Context) error { return nil }

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.guard.mu.Lock()
		delete(l.guard.held, l.key)
		l.guard.mu.Unlock()
	})
	return nil
}
