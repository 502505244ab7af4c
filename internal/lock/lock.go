// Package lock – blokada doradcza per tabela docelowa. Drugi chętny dostaje
// od razu ErrBusy, bez kolejkowania.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var ErrBusy = errors.New("destination table is busy")

// Release zwalnia blokadę; bezpieczne do wielokrotnego wołania.
type Release func()

type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

type Options struct {
	Backend   string // auto|memory|table|sql|redis
	Dialect   string
	RedisAddr string
	TTL       time.Duration
}

// New wybiera backend. auto: sql dla mysql/postgres, tabela import_locks dla sqlite
// (serve, tray i run --local mogą dzielić jeden plik bazy).
func New(opt Options, gdb *gorm.DB) (Locker, error) {
	backend := opt.Backend
	if backend == "" || backend == "auto" {
		backend = "table"
		if opt.Dialect == "mysql" || opt.Dialect == "postgres" {
			backend = "sql"
		}
	}
	switch backend {
	case "memory":
		return NewMemory(), nil
	case "table":
		if gdb == nil {
			return nil, fmt.Errorf("lock backend table requires a database")
		}
		return NewTable(gdb, 0), nil
	case "sql":
		return NewSQL(gdb, opt.Dialect)
	case "redis":
		if opt.RedisAddr == "" {
			return nil, fmt.Errorf("lock backend redis requires lock.redis_addr")
		}
		return NewRedis(redis.NewClient(&redis.Options{Addr: opt.RedisAddr}), opt.TTL), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", backend)
}

func once(fn func()) Release {
	var o sync.Once
	return func() { o.Do(fn) }
}

// Memory – tylko w obrębie jednego procesu.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory { return &Memory{held: map[string]struct{}{}} }

func (m *Memory) Acquire(_ context.Context, key string) (Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrBusy
	}
	m.held[key] = struct{}{}
	return once(func() {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}), nil
}

// Held – do testów i diagnostyki.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}
