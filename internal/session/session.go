// Package session wraps store connection acquisition in a cancellable,
// time-boxed operation. The replicated store's initialization can stall
// indefinitely (cold container creation, sync negotiation); a blocked
// interactive handler is worse than a fast, explicit failure, so callers
// here never wait past the configured deadline.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultAcquireTimeout matches production tuning for store acquisition.
const DefaultAcquireTimeout = 8 * time.Second

// ErrTimeout means the store was unavailable within the deadline. It says
// nothing about whether any record exists; callers must treat it as
// "temporarily unavailable", not "absent".
var ErrTimeout = errors.New("session: store acquire timeout")

// Acquirer is the store's connection source. *pgxpool.Pool satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// Querier is the subset of store operations repositories run on a session.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Factory hands out time-boxed store sessions.
type Factory struct {
	source  Acquirer
	timeout time.Duration
	logger  *slog.Logger
}

// NewFactory constructs a Factory. A non-positive timeout falls back to
// DefaultAcquireTimeout.
func NewFactory(source Acquirer, timeout time.Duration, logger *slog.Logger) *Factory {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &Factory{source: source, timeout: timeout, logger: logger}
}

// Session is one acquired store connection. Release it when done.
type Session struct {
	conn *pgxpool.Conn
}

type outcome struct {
	conn *pgxpool.Conn
	err  error
}

// Q exposes the query surface of the session.
func (s *Session) Q() Querier {
	return s.conn
}

// Release returns the connection to the pool.
func (s *Session) Release() {
	if s != nil && s.conn != nil {
		s.conn.Release()
	}
}

// Acquire races the real acquisition against the deadline; whichever
// finishes first wins and the loser is cancelled. On timeout no partial
// session is ever returned.
func (f *Factory) Acquire(ctx context.Context) (*Session, error) {
	acquireCtx, cancel := context.WithCancel(ctx)
	ch := make(chan outcome, 1)
	go func() {
		conn, err := f.source.Acquire(acquireCtx)
		ch <- outcome{conn: conn, err: err}
	}()

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		cancel()
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled) {
				return nil, ErrTimeout
			}
			return nil, out.err
		}
		return &Session{conn: out.conn}, nil
	case <-timer.C:
		cancel()
		f.abandon(ch)
		if f.logger != nil {
			f.logger.Warn("store acquire timed out", slog.Duration("timeout", f.timeout))
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		cancel()
		f.abandon(ch)
		return nil, ctx.Err()
	}
}

// abandon drains the losing acquisition so a late success does not leak
// its connection.
func (f *Factory) abandon(ch <-chan outcome) {
	go func() {
		if out := <-ch; out.conn != nil {
			out.conn.Release()
		}
	}()
}
