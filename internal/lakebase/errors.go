package lakebase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/lakebase/internal/credential"
)

var (
	// ErrNotConnected is returned by Execute on a scope that holds no connection.
	ErrNotConnected = errors.New("lakebase: execute called outside an active connection scope")
	// ErrTimeout is matched when the operation context expired or was cancelled.
	ErrTimeout = credential.ErrTimeout
)

// ConnectionError is returned when the physical connection could not be established,
// including when no credential could be obtained for it.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to lakebase at %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StatementError is returned when the database rejected or failed a statement.
// A rollback has been attempted before it is returned.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %q failed: %v", summarize(e.Statement), e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

func summarize(statement string) string {
	s := strings.Join(strings.Fields(statement), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}

func withTimeout(ctx context.Context, err error) error {
	if ctx.Err() == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTimeout, err)
}
