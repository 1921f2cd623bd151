// Package pool implements a bounded connection-lease pool over a single
// SQLite database file. Callers lease a connection, use it exclusively, and
// return it; the pool handles lazy minting, bounded overflow beyond the
// base size, liveness probing, age and query-count recycling, and WAL
// checkpoint scheduling. database/sql acts only as the connection factory;
// all lease accounting is the pool's own.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultPoolSize        = 5
	defaultMaxOverflow     = 10
	defaultAcquireTimeout  = 30 * time.Second
	defaultConnMaxAge      = time.Hour
	defaultConnMaxQueries  = 10000
	defaultCheckpointOps   = 1000
	defaultCheckpointEvery = 5 * time.Minute
)

// tuningPragmas are applied to every new connection. They are best-effort:
// restricted environments may reject some of them, which is logged and
// ignored rather than failing the mint.
var tuningPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA cache_size = -64000",
	"PRAGMA mmap_size = 268435456",
	"PRAGMA foreign_keys = ON",
}

// Config tunes the pool. Zero fields fall back to defaults.
type Config struct {
	Path               string
	PoolSize           int
	MaxOverflow        int
	AcquireTimeout     time.Duration
	ConnMaxAge         time.Duration
	ConnMaxQueries     int64
	CheckpointEveryOps int64
	CheckpointInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.MaxOverflow < 0 {
		c.MaxOverflow = defaultMaxOverflow
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.ConnMaxAge <= 0 {
		c.ConnMaxAge = defaultConnMaxAge
	}
	if c.ConnMaxQueries <= 0 {
		c.ConnMaxQueries = defaultConnMaxQueries
	}
	if c.CheckpointEveryOps <= 0 {
		c.CheckpointEveryOps = defaultCheckpointOps
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaultCheckpointEvery
	}
}

// Lease is a temporarily exclusive handle to one pooled connection. The
// wrapper owns both the connection and its metadata; a lease is returned to
// the pool exactly once or destroyed exactly once.
type Lease struct {
	ID        string
	conn      *sql.Conn
	createdAt time.Time
	queries   int64
	overflow  bool

	// held, broken and closed are guarded by the pool mutex.
	held   bool
	broken bool
	closed bool
}

// Conn exposes the underlying connection for the duration of the lease.
func (l *Lease) Conn() *sql.Conn { return l.conn }

// Age returns how long ago the underlying connection was created.
func (l *Lease) Age() time.Duration { return time.Since(l.createdAt) }

// QueryCount returns the number of operations served by this connection.
func (l *Lease) QueryCount() int64 { return l.queries }

// Overflow reports whether this lease was minted beyond the base pool size.
// Overflow leases are destroyed on release, never pooled.
func (l *Lease) Overflow() bool { return l.overflow }

// Discard marks the lease unusable so Release destroys the connection
// instead of returning it to the pool. Used when the connection state is
// suspect, for example after a failed transaction rollback.
func (l *Lease) Discard() { l.broken = true }

// Stats is a point-in-time snapshot of pool accounting. Available plus
// InUse always equals PoolSize; OverflowInFlight is bounded by MaxOverflow.
type Stats struct {
	PoolSize           int    `json:"pool_size"`
	MaxOverflow        int    `json:"max_overflow"`
	Available          int    `json:"available"`
	InUse              int    `json:"in_use"`
	OverflowInFlight   int    `json:"overflow_in_flight"`
	Waits              uint64 `json:"waits"`
	Exhaustions        uint64 `json:"exhaustions"`
	Recycles           uint64 `json:"recycles"`
	Checkpoints        uint64 `json:"checkpoints"`
	OpsSinceCheckpoint int64  `json:"ops_since_checkpoint"`
}

// Pool hands out connection leases against one database file.
type Pool struct {
	cfg Config
	db  *sql.DB
	log *logrus.Entry

	// slots is the base pool. A nil element is an unminted slot filled on
	// first acquire, so startup stays cheap.
	slots chan *Lease

	// mu guards bookkeeping only, never connection creation I/O.
	mu               sync.Mutex
	overflowInFlight int
	inUse            int
	closed           bool
	checkpointing    bool

	opsSinceCheckpoint int64
	lastCheckpoint     time.Time

	waits       uint64
	exhaustions uint64
	recycles    uint64
	checkpoints uint64
}

// New opens the database, verifies connectivity, and prepares an empty
// pool. Connections are minted lazily on first acquire.
func New(cfg Config, log *logrus.Logger) (*Pool, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg.applyDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The factory must never cap below the pool's own bounds, or minting
	// would deadlock against database/sql's internal queue.
	db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow + 1)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Pool{
		cfg:            cfg,
		db:             db,
		log:            log.WithField("component", "pool"),
		slots:          make(chan *Lease, cfg.PoolSize),
		lastCheckpoint: time.Now(),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		p.slots <- nil
	}

	p.log.WithFields(logrus.Fields{
		"path":         cfg.Path,
		"pool_size":    cfg.PoolSize,
		"max_overflow": cfg.MaxOverflow,
	}).Info("Connection pool ready")
	return p, nil
}

// Path returns the database file path.
func (p *Pool) Path() string { return p.cfg.Path }

// Acquire leases a connection, blocking up to the configured acquire
// timeout. The base pool is tried first; when it is empty an overflow
// connection is minted while capacity remains; past the timeout an
// *ExhaustedError is returned.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is closed")
	}
	p.mu.Unlock()

	// Fast path: an idle base slot.
	select {
	case l := <-p.slots:
		return p.checkout(ctx, l)
	default:
	}

	// Base pool empty: mint overflow while capacity remains. The counter
	// moves under the mutex; the creation I/O stays outside it, and the
	// counter is released again if creation fails.
	p.mu.Lock()
	if p.overflowInFlight < p.cfg.MaxOverflow {
		p.overflowInFlight++
		p.mu.Unlock()
		l, err := p.mint(ctx, true)
		if err != nil {
			p.mu.Lock()
			p.overflowInFlight--
			p.mu.Unlock()
			return nil, err
		}
		return l, nil
	}
	p.waits++
	p.mu.Unlock()

	// Overflow cap reached: wait for a release.
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case l := <-p.slots:
		return p.checkout(ctx, l)
	case <-timer.C:
		p.mu.Lock()
		p.exhaustions++
		p.mu.Unlock()
		return nil, &ExhaustedError{Timeout: p.cfg.AcquireTimeout}
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire cancelled: %w", ctx.Err())
	}
}

// checkout validates a base slot taken from the channel and hands it out.
// A nil slot mints a fresh connection; a stale or dead lease is destroyed
// and replaced.
func (p *Pool) checkout(ctx context.Context, l *Lease) (*Lease, error) {
	switch {
	case l == nil:
		minted, err := p.mint(ctx, false)
		if err != nil {
			p.slots <- nil
			return nil, err
		}
		l = minted
	case p.shouldRecycle(l):
		p.log.WithFields(logrus.Fields{
			"lease_id": l.ID,
			"age":      l.Age().Round(time.Second).String(),
			"queries":  l.queries,
		}).Debug("Recycling connection")
		p.destroy(l)
		p.mu.Lock()
		p.recycles++
		p.mu.Unlock()
		minted, err := p.mint(ctx, false)
		if err != nil {
			p.slots <- nil
			return nil, err
		}
		l = minted
	default:
		if err := l.conn.PingContext(ctx); err != nil {
			p.log.WithField("lease_id", l.ID).WithError(err).Warn("Connection failed liveness probe, replacing")
			p.destroy(l)
			minted, merr := p.mint(ctx, false)
			if merr != nil {
				p.slots <- nil
				return nil, merr
			}
			l = minted
		}
	}

	p.mu.Lock()
	l.held = true
	p.inUse++
	p.mu.Unlock()
	return l, nil
}

// mint creates a fresh connection and applies the tuning pragmas. Never
// called with the pool mutex held.
func (p *Pool) mint(ctx context.Context, overflow bool) (*Lease, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	for _, pragma := range tuningPragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			p.log.WithError(err).WithField("pragma", pragma).Debug("Tuning pragma rejected, ignoring")
		}
	}

	l := &Lease{
		ID:        uuid.New().String(),
		conn:      conn,
		createdAt: time.Now(),
		overflow:  overflow,
	}
	if overflow {
		p.mu.Lock()
		l.held = true
		p.mu.Unlock()
	}
	p.log.WithFields(logrus.Fields{"lease_id": l.ID, "overflow": overflow}).Debug("Minted connection")
	return l, nil
}

func (p *Pool) shouldRecycle(l *Lease) bool {
	return l.Age() > p.cfg.ConnMaxAge || l.queries > p.cfg.ConnMaxQueries
}

// destroy closes a lease's connection exactly once.
func (p *Pool) destroy(l *Lease) {
	p.mu.Lock()
	if l.closed {
		p.mu.Unlock()
		return
	}
	l.closed = true
	p.mu.Unlock()
	if err := l.conn.Close(); err != nil {
		p.log.WithError(err).WithField("lease_id", l.ID).Debug("Error closing connection")
	}
}

// Release returns a lease to the pool. Overflow and discarded leases are
// destroyed; destroyed base leases leave an empty slot behind so capacity
// is preserved. Releasing a lease twice is a no-op.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}
	p.mu.Lock()
	if !l.held || l.closed {
		p.mu.Unlock()
		p.log.WithField("lease_id", l.ID).Debug("Ignoring release of lease not held")
		return
	}
	l.held = false

	if l.overflow {
		l.closed = true
		p.overflowInFlight--
		p.mu.Unlock()
		if err := l.conn.Close(); err != nil {
			p.log.WithError(err).WithField("lease_id", l.ID).Debug("Error closing overflow connection")
		}
		return
	}

	p.inUse--
	if p.closed || l.broken {
		l.closed = true
		p.mu.Unlock()
		if err := l.conn.Close(); err != nil {
			p.log.WithError(err).WithField("lease_id", l.ID).Debug("Error closing connection")
		}
		if !p.isClosed() {
			p.slots <- nil
		}
		return
	}
	p.mu.Unlock()
	p.slots <- l
}

// withLease acquires, runs fn, counts the operation, and releases. The
// release and operation accounting sit in the deferred path so failures
// are counted too.
func (p *Pool) withLease(ctx context.Context, fn func(*Lease) error) error {
	l, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		l.queries++
		p.Release(l)
		p.noteOperation()
	}()
	return fn(l)
}

// Read runs fn with a leased connection.
func (p *Pool) Read(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return p.withLease(ctx, func(l *Lease) error { return fn(l.conn) })
}

// Write runs fn with a leased connection in autocommit mode. For
// multi-statement atomicity use WriteTx.
func (p *Pool) Write(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return p.withLease(ctx, func(l *Lease) error { return fn(l.conn) })
}

// WriteTx runs fn inside an immediate-mode transaction. Immediate mode
// takes the write lock up front, keeping the hold window short and making
// lock contention surface at begin time where it is retryable.
func (p *Pool) WriteTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return p.withLease(ctx, func(l *Lease) error {
		if _, err := l.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		committed := false
		defer func() {
			if committed {
				return
			}
			// Roll back on a context no longer tied to the caller so
			// cancellation cannot leave an open transaction behind.
			if _, err := l.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
				p.log.WithError(err).WithField("lease_id", l.ID).Warn("Rollback failed, discarding connection")
				l.Discard()
			}
		}()
		if err := fn(l.conn); err != nil {
			return err
		}
		if _, err := l.conn.ExecContext(ctx, "COMMIT"); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		committed = true
		return nil
	})
}

// ExecuteWrite runs one mutating statement on a leased connection.
func (p *Pool) ExecuteWrite(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := p.Write(ctx, func(conn *sql.Conn) error {
		var execErr error
		res, execErr = conn.ExecContext(ctx, stmt, args...)
		return execErr
	})
	return res, err
}

// ExecuteRead runs one query on a leased connection and hands the rows to
// scan. The rows are closed before the lease is released.
func (p *Pool) ExecuteRead(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	return p.Read(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() {
			_ = rows.Close()
		}()
		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

// noteOperation advances the checkpoint counters and kicks off a background
// checkpoint when either the operation or time threshold is crossed.
func (p *Pool) noteOperation() {
	p.mu.Lock()
	p.opsSinceCheckpoint++
	due := p.opsSinceCheckpoint >= p.cfg.CheckpointEveryOps ||
		time.Since(p.lastCheckpoint) >= p.cfg.CheckpointInterval
	if !due || p.checkpointing || p.closed {
		p.mu.Unlock()
		return
	}
	p.checkpointing = true
	p.mu.Unlock()

	go func() {
		if err := p.checkpoint(context.Background()); err != nil {
			p.log.WithError(err).Warn("Background checkpoint failed")
		}
	}()
}

// CheckpointNow merges the write-ahead log into the main database file.
// A checkpoint already in flight makes this a no-op.
func (p *Pool) CheckpointNow(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool is closed")
	}
	if p.checkpointing {
		p.mu.Unlock()
		return nil
	}
	p.checkpointing = true
	p.mu.Unlock()
	return p.checkpoint(ctx)
}

// checkpoint runs the WAL checkpoint on its own lease. Callers must have
// set the checkpointing flag.
func (p *Pool) checkpoint(ctx context.Context) error {
	defer func() {
		p.mu.Lock()
		p.checkpointing = false
		p.mu.Unlock()
	}()

	err := p.Read(ctx, func(conn *sql.Conn) error {
		_, execErr := conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
		return execErr
	})
	if err != nil {
		return fmt.Errorf("wal checkpoint failed: %w", err)
	}

	p.mu.Lock()
	p.opsSinceCheckpoint = 0
	p.lastCheckpoint = time.Now()
	p.checkpoints++
	p.mu.Unlock()
	p.log.Debug("WAL checkpoint completed")
	return nil
}

// Stats snapshots the pool accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		PoolSize:           p.cfg.PoolSize,
		MaxOverflow:        p.cfg.MaxOverflow,
		Available:          len(p.slots),
		InUse:              p.inUse,
		OverflowInFlight:   p.overflowInFlight,
		Waits:              p.waits,
		Exhaustions:        p.exhaustions,
		Recycles:           p.recycles,
		Checkpoints:        p.checkpoints,
		OpsSinceCheckpoint: p.opsSinceCheckpoint,
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close drains the base pool and closes every idle connection exactly
// once. Leases still held are destroyed when their holders release them.
// Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.PoolSize; i++ {
		select {
		case l := <-p.slots:
			if l != nil {
				p.destroy(l)
			}
		default:
		}
	}

	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	p.log.Info("Connection pool closed")
	return nil
}
