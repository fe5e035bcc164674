package core

import "errors"

// Execution-level errors surfaced to callers. Lexer errors are reported as
// *sqlparse.SyntaxError; connection failures as *wire.ConnError.
var (
	// ErrStatementClosed reports an operation on a closed handle, including
	// an execution that was interrupted because another goroutine closed the
	// statement mid-flight.
	ErrStatementClosed = errors.New("sqlwire: statement is closed")

	// ErrQueryCanceled reports an execution interrupted by an explicit cancel
	// or by the query timeout.
	ErrQueryCanceled = errors.New("sqlwire: query canceled")

	// ErrStatementBusy reports an Execute call while a previous execution on
	// the same handle is still in flight.
	ErrStatementBusy = errors.New("sqlwire: statement is currently executing")

	// ErrTooManyResults reports a row-returning statement reaching an
	// update-only entry point, or a query entry point receiving more than one
	// result cursor.
	ErrTooManyResults = errors.New("sqlwire: a result set was returned where none was expected")

	// ErrNoResults reports a query entry point whose statement produced no
	// result cursor.
	ErrNoResults = errors.New("sqlwire: no result set was returned by the query")

	// ErrUpdateCountOverflow reports an affected-row count that does not fit
	// the 32-bit entry point used to request it.
	ErrUpdateCountOverflow = errors.New("sqlwire: update count exceeds 32-bit range, use the large variant")
)
