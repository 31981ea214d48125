// Package redislock asegura que un solo proceso ejecute órdenes por wallet.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

// Only the holder's token may delete the key.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Only the holder's token may extend the lease.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Locker implements ports.ExecutionLock with SETNX and token-checked scripts.
type Locker struct {
	rdb       *redis.Client
	unlockSc  *redis.Script
	refreshSc *redis.Script
}

// New crea un Locker sobre un cliente go-redis ya configurado.
func New(rdb *redis.Client) *Locker {
	return &Locker{
		rdb:       rdb,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

// Dial conecta a Redis y verifica la conexión con PING.
func Dial(ctx context.Context, addr, password string, db int) (*Locker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redislock.Dial: ping %s: %w", addr, err)
	}
	return New(rdb), nil
}

// Close cierra el cliente subyacente.
func (l *Locker) Close() error {
	return l.rdb.Close()
}

func lockKey(key string) string {
	return "polycopy:lock:" + key
}

// Acquire takes the lock for key with the given lease. It returns
// domain.ErrLockHeld when another holder owns it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redislock.Acquire: setnx %s: %w", key, err)
	}
	if !ok {
		return nil, nil, domain.ErrLockHeld
	}

	refresh := func(ctx context.Context) error {
		n, err := l.refreshSc.Run(ctx, l.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			return fmt.Errorf("redislock.refresh: %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("redislock.refresh: %s: %w", key, domain.ErrLockHeld)
		}
		return nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// contexto propio: el del caller puede estar ya cancelado
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.unlockSc.Run(ctx, l.rdb, []string{lk}, token).Err(); err != nil {
				slog.Warn("redislock: release failed", "key", key, "err", err)
			}
		})
	}

	return refresh, release, nil
}

// Hold acquires the lock and keeps it alive until ctx ends, refreshing every
// ttl/3. A lost lease cancels the returned context.
func Hold(ctx context.Context, lock ports.ExecutionLock, key string, ttl time.Duration) (context.Context, func(), error) {
	refresh, release, err := lock.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, nil, err
	}

	held, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-held.Done():
				return
			case <-ticker.C:
				if err := refresh(held); err != nil {
					if held.Err() != nil {
						return
					}
					slog.Error("redislock: lease lost, stopping", "key", key, "err", err)
					cancel()
					return
				}
			}
		}
	}()

	stop := func() {
		cancel()
		<-done
		release()
	}
	return held, stop, nil
}
