// Package sqlwire provides the client-side execution engine of a SQL wire
// protocol driver: statement splitting, ODBC-style escape translation,
// prepared statement handles with query timeouts and cross-goroutine
// cancellation, warning chains, and batch execution.
//
// # Basic Usage
//
// Open a connection, prepare a statement, and execute it:
//
//	conn, _ := sqlwire.OpenSQLite(":memory:")
//	defer conn.Close()
//
//	stmt, _ := conn.Prepare("SELECT name FROM users WHERE id = ?")
//	defer stmt.Close()
//
//	rows, _ := stmt.Query(ctx, 42)
//	for _, row := range rows.Data {
//	    fmt.Println(row)
//	}
//
// # Multi-Statement Text
//
// Statement text is split on top-level semicolons; each piece runs as its own
// round trip and Execute returns one result per piece:
//
//	out, _ := conn.Exec(ctx, "UPDATE a SET x = 1; UPDATE b SET y = 2")
//
// # Escape Translation
//
// ODBC-style escape sequences are rewritten during splitting:
//
//	stmt, _ := conn.Prepare("SELECT {fn ucase(name)} FROM users")
//
// # Timeouts and Cancellation
//
// A query timeout arms a shared timer when execution starts; Cancel may be
// called from any goroutine:
//
//	stmt.SetQueryTimeout(3 * time.Second)
//	go func() { time.Sleep(time.Second); stmt.Cancel() }()
//	_, err := stmt.Query(ctx) // sqlwire.ErrQueryCanceled on interruption
//
// For database/sql integration, import the driver subpackage, which registers
// the "sqlwire" driver.
package sqlwire

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sqlwire/sqlwire/internal/core"
	"github.com/sqlwire/sqlwire/internal/sqlparse"
	"github.com/sqlwire/sqlwire/internal/stmtcache"
	"github.com/sqlwire/sqlwire/internal/wire"
)

// Re-exported result and error types. Callers match errors with errors.Is.
type (
	Fragment = sqlparse.Fragment
	Command  = sqlparse.Command
	Rows     = wire.Rows
	Response = wire.Response
	Outcome  = core.Outcome
	Warning  = core.Warning
)

var (
	ErrStatementClosed     = core.ErrStatementClosed
	ErrQueryCanceled       = core.ErrQueryCanceled
	ErrStatementBusy       = core.ErrStatementBusy
	ErrTooManyResults      = core.ErrTooManyResults
	ErrNoResults           = core.ErrNoResults
	ErrUpdateCountOverflow = core.ErrUpdateCountOverflow
)

// SuccessNoInfo is reported per batch entry when entries were folded into one
// round trip and no individual update count exists.
const SuccessNoInfo = core.SuccessNoInfo

// Split parses SQL text into executable fragments without a connection.
func Split(sql string) (Command, error) { return sqlparse.Split(sql) }

// Config tunes a connection.
type Config struct {
	// CacheSize bounds the parsed-statement LRU. Zero selects the default.
	CacheSize int

	// CancelSignalTimeout bounds the local wait when delivering an
	// out-of-band cancel signal. Zero selects 10 seconds.
	CancelSignalTimeout time.Duration

	// RewriteBatchedInserts folds compatible batched INSERTs into one round
	// trip.
	RewriteBatchedInserts bool
}

// Conn bundles a transport with the shared per-connection machinery: one
// timer, one leak guard, one parse cache.
type Conn struct {
	transport wire.Transport
	timer     *core.SharedTimer
	guard     *core.LeakGuard
	cache     *stmtcache.Cache
	cfg       Config
}

// Open connects according to the DSN: sqlite:PATH for the embedded backend,
// relay://ADDR for a gRPC relay.
func Open(dsn string, cfg Config) (*Conn, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return OpenSQLiteConfig(strings.TrimPrefix(dsn, "sqlite:"), cfg)
	case strings.HasPrefix(dsn, "relay://"):
		return OpenRelayConfig(strings.TrimPrefix(dsn, "relay://"), cfg)
	default:
		return nil, fmt.Errorf("sqlwire: unsupported DSN %q, want sqlite:PATH or relay://ADDR", dsn)
	}
}

// OpenSQLite opens an embedded backend with default configuration.
func OpenSQLite(path string) (*Conn, error) {
	return OpenSQLiteConfig(path, Config{})
}

// OpenSQLiteConfig opens an embedded backend.
func OpenSQLiteConfig(path string, cfg Config) (*Conn, error) {
	t, err := wire.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return NewConn(t, cfg), nil
}

// OpenRelay dials a gRPC relay with default configuration.
func OpenRelay(addr string) (*Conn, error) {
	return OpenRelayConfig(addr, Config{})
}

// OpenRelayConfig dials a gRPC relay.
func OpenRelayConfig(addr string, cfg Config) (*Conn, error) {
	t, err := wire.DialRelay(addr)
	if err != nil {
		return nil, err
	}
	return NewConn(t, cfg), nil
}

// NewConn wraps an existing transport. The connection takes ownership and
// closes the transport on Close.
func NewConn(t wire.Transport, cfg Config) *Conn {
	return &Conn{
		transport: t,
		timer:     core.NewSharedTimer(),
		guard:     core.NewLeakGuard("sqlwire-conn"),
		cache:     stmtcache.New(cfg.CacheSize),
		cfg:       cfg,
	}
}

// Prepare splits and translates sql and binds a statement handle to it.
// Close the statement when done; a forgotten statement is reclaimed by the
// connection's leak guard as a best-effort backstop.
func (c *Conn) Prepare(sql string) (*Stmt, error) {
	cmd, err := c.cache.Split(sql)
	if err != nil {
		return nil, err
	}
	h := core.NewHandle(core.HandleConfig{
		Transport:             c.transport,
		Timer:                 c.timer,
		CancelSignalTimeout:   c.cfg.CancelSignalTimeout,
		RewriteBatchedInserts: c.cfg.RewriteBatchedInserts,
	}, cmd)
	s := &Stmt{handle: h}
	h.SetLeakCleanup(c.guard.Register(s, h.Session()))
	return s, nil
}

// Exec runs sql once: prepare, execute, close.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (*Outcome, error) {
	s, err := c.Prepare(sql)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Execute(ctx, args...)
}

// Query runs sql once and requires exactly one result cursor.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (*Rows, error) {
	s, err := c.Prepare(sql)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Query(ctx, args...)
}

// ExecuteSQL satisfies the scheduler's executor contract.
func (c *Conn) ExecuteSQL(ctx context.Context, sql string) error {
	_, err := c.Exec(ctx, sql)
	return err
}

// Close shuts the connection down: the leak guard drains, then the transport
// closes. Statements still open turn ErrStatementClosed on their next use
// once their transport calls fail.
func (c *Conn) Close() error {
	c.guard.Close()
	return c.transport.Close()
}

// Stmt is a prepared statement. All methods are safe for concurrent use;
// Cancel and Close may race an in-flight execution from another goroutine.
type Stmt struct {
	handle *core.Handle
}

// Execute runs the statement, any shape of result.
func (s *Stmt) Execute(ctx context.Context, args ...any) (*Outcome, error) {
	return s.handle.Execute(ctx, args...)
}

// Query runs the statement and requires exactly one result cursor.
func (s *Stmt) Query(ctx context.Context, args ...any) (*Rows, error) {
	return s.handle.ExecuteQuery(ctx, args...)
}

// Update runs the statement and requires that no cursor comes back.
func (s *Stmt) Update(ctx context.Context, args ...any) (int, error) {
	return s.handle.ExecuteUpdate(ctx, args...)
}

// LargeUpdate is Update without the 32-bit bound on the affected-row count.
func (s *Stmt) LargeUpdate(ctx context.Context, args ...any) (int64, error) {
	return s.handle.ExecuteLargeUpdate(ctx, args...)
}

// SetQueryTimeout configures the timeout armed at the start of each
// subsequent execution. Zero disables it.
func (s *Stmt) SetQueryTimeout(d time.Duration) error {
	return s.handle.SetQueryTimeout(d)
}

// QueryTimeout reports the configured timeout.
func (s *Stmt) QueryTimeout() time.Duration { return s.handle.QueryTimeout() }

// Cancel interrupts an in-flight execution from any goroutine.
func (s *Stmt) Cancel() { s.handle.Cancel() }

// Close releases the statement. Idempotent.
func (s *Stmt) Close() error { return s.handle.Close() }

// Warnings returns the head of the warning chain of the most recent
// execution, or nil.
func (s *Stmt) Warnings() *Warning { return s.handle.Warnings() }

// ClearWarnings detaches the current warning chain.
func (s *Stmt) ClearWarnings() { s.handle.ClearWarnings() }

// AddBatch appends sql to the pending batch.
func (s *Stmt) AddBatch(sql string) error { return s.handle.AddBatch(sql) }

// AddBatchArgs appends the prepared statement with bound arguments to the
// pending batch.
func (s *Stmt) AddBatchArgs(args ...any) error { return s.handle.AddBatchArgs(args...) }

// ClearBatch discards pending batch entries.
func (s *Stmt) ClearBatch() { s.handle.ClearBatch() }

// ExecuteBatch runs the pending batch, one update count per entry.
func (s *Stmt) ExecuteBatch(ctx context.Context) ([]int, error) {
	return s.handle.ExecuteBatch(ctx)
}

// ExecuteLargeBatch is ExecuteBatch without the 32-bit bound.
func (s *Stmt) ExecuteLargeBatch(ctx context.Context) ([]int64, error) {
	return s.handle.ExecuteLargeBatch(ctx)
}
