package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sqlgate/internal/config"
	"sqlgate/internal/core"
	"sqlgate/internal/logger"
)

// Pool holds one bounded database/sql pool per configured backend database.
// Acquire waits at most the database's configured acquire timeout before
// surfacing pool exhaustion; it never hangs indefinitely.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	db  *sql.DB
	cfg config.DatabaseConfig
}

func New() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

// Add opens (lazily — no connection is made yet) the pool for one database.
func (p *Pool) Add(cfg config.DatabaseConfig) error {
	db, err := sql.Open(sqlDriverName(cfg.Driver), cfg.DSN)
	if err != nil {
		return fmt.Errorf("open pool for %q: %w", cfg.Name, err)
	}

	maxOpen := cfg.MaxOpen
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 || maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime())

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[cfg.Name]; exists {
		db.Close()
		return fmt.Errorf("pool for %q already registered", cfg.Name)
	}
	p.entries[cfg.Name] = &entry{db: db, cfg: cfg}
	return nil
}

// Acquire checks out one connection, health-checked. A dead connection is
// discarded and replaced transparently; exhaustion surfaces as
// core.ErrPoolExhausted after the configured bounded wait.
func (p *Pool) Acquire(ctx context.Context, database string) (*sql.Conn, error) {
	ent, err := p.entry(database)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(ent.cfg.AcquireTimeout())

	// One replacement attempt on a failed health check; a second failure
	// means the backend itself is unwell.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		acquireCtx, cancel := context.WithDeadline(ctx, deadline)
		conn, err := ent.db.Conn(acquireCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, core.ErrPoolExhausted
			}
			return nil, core.WrapError(core.ErrTypeExecution, fmt.Sprintf("cannot connect to %q", database), err)
		}

		pingCtx, cancel := context.WithDeadline(ctx, deadline)
		err = conn.PingContext(pingCtx)
		cancel()
		if err == nil {
			return conn, nil
		}

		logger.Error.Printf("pool %s: discarding dead connection: %v", database, err)
		discard(conn)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.ErrPoolExhausted
		}
		lastErr = err
	}
	return nil, core.WrapError(core.ErrTypeExecution, fmt.Sprintf("backend %q failed repeated health checks", database), lastErr)
}

// Release returns a connection to its pool. A broken connection is marked
// bad so database/sql drops it instead of recycling it.
func (p *Pool) Release(database string, conn *sql.Conn, broken bool) {
	if conn == nil {
		return
	}
	if broken {
		discard(conn)
		return
	}
	if err := conn.Close(); err != nil {
		logger.Error.Printf("pool %s: release failed: %v", database, err)
	}
}

// Ping opens and health-checks one connection, for startup verification
// and the check_conn tool.
func (p *Pool) Ping(ctx context.Context, database string) error {
	ent, err := p.entry(database)
	if err != nil {
		return err
	}
	return ent.db.PingContext(ctx)
}

// Config returns the configuration the pool was built with.
func (p *Pool) Config(database string) (config.DatabaseConfig, error) {
	ent, err := p.entry(database)
	if err != nil {
		return config.DatabaseConfig{}, err
	}
	return ent.cfg, nil
}

func (p *Pool) Stats() []core.PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]core.PoolStats, 0, len(p.entries))
	for name, ent := range p.entries {
		s := ent.db.Stats()
		out = append(out, core.PoolStats{
			Database:  name,
			MaxOpen:   s.MaxOpenConnections,
			Open:      s.OpenConnections,
			InUse:     s.InUse,
			Idle:      s.Idle,
			WaitCount: s.WaitCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Database < out[j].Database })
	return out
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, ent := range p.entries {
		if err := ent.db.Close(); err != nil {
			logger.Error.Printf("pool %s: close failed: %v", name, err)
		}
		delete(p.entries, name)
	}
}

func (p *Pool) entry(database string) (*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ent, ok := p.entries[database]
	if !ok {
		return nil, core.Protocolf("unknown database %q", database)
	}
	return ent, nil
}

// discard forces database/sql to drop the underlying connection rather
// than return it to the free list.
func discard(conn *sql.Conn) {
	conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	conn.Close()
}

// sqlDriverName maps the configured driver name to the registered
// database/sql driver.
func sqlDriverName(driverName string) string {
	switch driverName {
	case "sqlite":
		return "sqlite" // modernc.org/sqlite
	case "postgres":
		return "postgres" // github.com/lib/pq
	case "mysql":
		return "mysql" // github.com/go-sql-driver/mysql
	case "sqlserver":
		return "sqlserver" // github.com/denisenkom/go-mssqldb
	case "odbc":
		return "odbc" // github.com/alexbrainman/odbc
	default:
		return driverName
	}
}
