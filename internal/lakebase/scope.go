package lakebase

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Scope holds one physical connection for the duration of a WithConnection call,
// and at most one open cursor (a result set or a transaction) at a time.
// Every statement is bounded by the context the scope was opened with, in
// addition to the context passed to Execute.
// A Scope must not be shared between goroutines.
type Scope struct {
	ctx    context.Context
	conn   Conn
	cursor io.Closer
	logger *zerolog.Logger
}

// interrupter is implemented by connections that can abort a blocked network read.
type interrupter interface {
	interrupt()
}

// WithConnection opens a connection, runs fn with a Scope bound to it and releases
// the connection on every exit path, panics included. Release failures are logged,
// never returned.
func WithConnection(ctx context.Context, opener Opener, fn func(*Scope) error) error {
	conn, err := opener.Open(ctx)
	if err != nil {
		return err
	}
	s := &Scope{ctx: ctx, conn: conn, logger: scopeLogger(ctx)}
	defer s.release()
	return fn(s)
}

// Execute runs statement. A statement whose leading keyword is SELECT is a read and
// returns its rows; anything else is a mutation that is committed and returns the
// affected row count. A failed mutation is rolled back before the error is returned.
func (s *Scope) Execute(ctx context.Context, statement string, params ...any) (Outcome, error) {
	if s == nil || s.conn == nil {
		return Outcome{}, ErrNotConnected
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if i, ok := s.conn.(interrupter); ok {
		stop := context.AfterFunc(ctx, i.interrupt)
		defer stop()
	}

	if IsRead(statement) {
		return s.query(ctx, statement, params)
	}
	return s.exec(ctx, statement, params)
}

// bound narrows ctx so it also ends when the scope's context does.
func (s *Scope) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.ctx == nil || s.ctx.Done() == nil {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	if s.ctx.Err() != nil {
		cancel(context.Cause(s.ctx))
		return ctx, func() {}
	}
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// scopeLogger prefers the request logger and falls back to the global one,
// so release failures are never dropped.
func scopeLogger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// IsRead reports whether the leading keyword of statement is SELECT.
func IsRead(statement string) bool {
	s := strings.TrimSpace(statement)
	end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	if end == -1 {
		end = len(s)
	}
	return strings.EqualFold(s[:end], "SELECT")
}

func (s *Scope) query(ctx context.Context, statement string, params []any) (Outcome, error) {
	rows, err := s.conn.QueryContext(ctx, statement, params...)
	if err != nil {
		return Outcome{}, s.fail(ctx, statement, err)
	}
	s.cursor = rows
	result, err := scanRows(rows)
	s.closeCursor()
	if err != nil {
		return Outcome{}, s.fail(ctx, statement, err)
	}
	return Outcome{Kind: KindRows, Rows: result}, nil
}

func (s *Scope) exec(ctx context.Context, statement string, params []any) (Outcome, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, s.fail(ctx, statement, err)
	}
	s.cursor = txCursor{tx}

	res, err := tx.ExecContext(ctx, statement, params...)
	if err != nil {
		return Outcome{}, s.fail(ctx, statement, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Outcome{}, s.fail(ctx, statement, err)
	}
	// a failed commit ends the transaction as well, there is nothing left to roll back
	s.cursor = nil
	if err := tx.Commit(); err != nil {
		return Outcome{}, &StatementError{Statement: statement, Err: withTimeout(ctx, err)}
	}
	return Outcome{Kind: KindAffected, RowsAffected: n}, nil
}

// fail rolls back the open transaction, if any, and wraps err.
func (s *Scope) fail(ctx context.Context, statement string, err error) error {
	s.closeCursor()
	return &StatementError{Statement: statement, Err: withTimeout(ctx, err)}
}

func (s *Scope) closeCursor() {
	c := s.cursor
	if c == nil {
		return
	}
	s.cursor = nil
	if err := c.Close(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Warn().Err(err).Msg("failed to close cursor")
	}
}

func (s *Scope) release() {
	s.closeCursor()
	if s.conn == nil {
		return
	}
	conn := s.conn
	s.conn = nil
	if err := conn.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close lakebase connection")
	}
}

// txCursor closes an open transaction by rolling it back.
type txCursor struct {
	tx *sql.Tx
}

func (c txCursor) Close() error { return c.tx.Rollback() }
