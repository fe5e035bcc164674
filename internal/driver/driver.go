// Package driver implements a database/sql driver over the sqlwire
// execution core.
//
// What: A driver registered as "sqlwire" that accepts sqlite:PATH DSNs for
// the embedded backend and relay://ADDR DSNs for the gRPC relay. Prepared
// statements run through the statement handle state machine, so query
// timeouts, cancellation, and multi-statement splitting behave identically
// whether reached through database/sql or through the package API.
// How: Each connection owns one transport. Prepare splits and translates the
// text once, counts placeholders, and binds a statement handle; QueryContext
// and ExecContext map onto the handle's query/update entry points with the
// caller's context driving cancellation. Transactions are plain BEGIN /
// COMMIT / ROLLBACK round trips.
// Why: Integrating with database/sql gives callers the familiar pooled API
// and tooling without a second execution path to maintain.
package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sqlwire/sqlwire/internal/core"
	"github.com/sqlwire/sqlwire/internal/sqlparse"
	"github.com/sqlwire/sqlwire/internal/stmtcache"
	"github.com/sqlwire/sqlwire/internal/wire"
)

func init() {
	sql.Register("sqlwire", &Driver{})
}

// Shared across all connections of the process: one timer runner at most,
// one leak worker, one parse cache.
var (
	sharedTimer = core.NewSharedTimer()
	sharedGuard = core.NewLeakGuard("sqlwire-driver")
	sharedCache = stmtcache.New(stmtcache.DefaultSize)
)

// Driver opens sqlwire connections.
type Driver struct{}

// Open connects according to the DSN. Supported forms:
//
//	sqlite:/path/to.db    embedded backend (sqlite::memory: for throwaway)
//	relay://host:port     gRPC relay backend
func (Driver) Open(dsn string) (driver.Conn, error) {
	transport, err := openTransport(dsn)
	if err != nil {
		return nil, err
	}
	return &conn{transport: transport}, nil
}

func openTransport(dsn string) (wire.Transport, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return wire.OpenSQLite(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "relay://"):
		return wire.DialRelay(strings.TrimPrefix(dsn, "relay://"))
	default:
		return nil, fmt.Errorf("sqlwire: unsupported DSN %q, want sqlite:PATH or relay://ADDR", dsn)
	}
}

type conn struct {
	transport wire.Transport
	closed    bool
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.prepare(query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.prepare(query)
}

func (c *conn) prepare(query string) (*stmt, error) {
	if c.closed {
		return nil, driver.ErrBadConn
	}
	cmd, err := sharedCache.Split(query)
	if err != nil {
		return nil, err
	}
	h := core.NewHandle(core.HandleConfig{
		Transport: c.transport,
		Timer:     sharedTimer,
	}, cmd)
	s := &stmt{handle: h, cmd: cmd}
	h.SetLeakCleanup(sharedGuard.Register(s, h.Session()))
	return s, nil
}

func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.transport.Close()
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if opts.ReadOnly {
		return nil, fmt.Errorf("sqlwire: read-only transactions are not supported")
	}
	if _, err := c.exec(ctx, "BEGIN", nil); err != nil {
		return nil, err
	}
	return &tx{conn: c}, nil
}

// ExecContext runs unprepared statements directly, covering multi-statement
// text that the Prepare path would also accept.
func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	n, err := c.exec(ctx, query, namedToArgs(args))
	if err != nil {
		return nil, err
	}
	return result{rowsAffected: n}, nil
}

func (c *conn) exec(ctx context.Context, query string, args []any) (int64, error) {
	s, err := c.prepare(query)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	return s.handle.ExecuteLargeUpdate(ctx, args...)
}

type tx struct {
	conn *conn
}

func (t *tx) Commit() error {
	_, err := t.conn.exec(context.Background(), "COMMIT", nil)
	return err
}

func (t *tx) Rollback() error {
	_, err := t.conn.exec(context.Background(), "ROLLBACK", nil)
	return err
}

type stmt struct {
	handle *core.Handle
	cmd    sqlparse.Command
}

func (s *stmt) Close() error { return s.handle.Close() }

func (s *stmt) NumInput() int { return s.cmd.ParamCount() }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.execContext(context.Background(), valuesToArgs(args))
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.execContext(ctx, namedToArgs(args))
}

func (s *stmt) execContext(ctx context.Context, args []any) (driver.Result, error) {
	n, err := s.handle.ExecuteLargeUpdate(ctx, args...)
	if err != nil {
		return nil, err
	}
	return result{rowsAffected: n}, nil
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.queryContext(context.Background(), valuesToArgs(args))
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.queryContext(ctx, namedToArgs(args))
}

func (s *stmt) queryContext(ctx context.Context, args []any) (driver.Rows, error) {
	r, err := s.handle.ExecuteQuery(ctx, args...)
	if err != nil {
		return nil, err
	}
	return &rows{rows: r}, nil
}

type result struct {
	rowsAffected int64
}

func (r result) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("sqlwire: last insert id is not reported")
}

func (r result) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// rows adapts a materialized result cursor to driver.Rows.
type rows struct {
	rows *wire.Rows
	pos  int
}

func (r *rows) Columns() []string { return r.rows.Columns }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows.Data) {
		return io.EOF
	}
	row := r.rows.Data[r.pos]
	r.pos++
	for i := range dest {
		if i < len(row) {
			dest[i] = normalizeValue(row[i])
		} else {
			dest[i] = nil
		}
	}
	return nil
}

// normalizeValue maps backend values onto the restricted driver.Value set.
func normalizeValue(v any) driver.Value {
	switch x := v.(type) {
	case nil, int64, float64, bool, []byte, string, time.Time:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return fmt.Sprint(x)
	}
}

func namedToArgs(named []driver.NamedValue) []any {
	args := make([]any, len(named))
	for i, nv := range named {
		args[i] = nv.Value
	}
	return args
}

func valuesToArgs(values []driver.Value) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
