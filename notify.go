package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// listenChannelName builds the per-consumer NOTIFY channel name.
func listenChannelName(consumerID int64) string {
	return fmt.Sprintf("consumer_id=%d", consumerID)
}

// notifyListener owns the dedicated connection a streaming session
// LISTENs on. It must never be shared with SQL read/update traffic —
// the driver holds a lock for the duration of the notification
// iterator, and sharing the connection with a concurrent rollback
// deadlocks.
type notifyListener struct {
	conn    *pgxpool.Conn
	channel string
}

// listen acquires a dedicated connection from pool and issues LISTEN
// on the given consumer's channel. The caller must call close on every
// exit path.
func listen(ctx context.Context, pool *pgxpool.Pool, consumerID int64) (*notifyListener, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	channel := listenChannelName(consumerID)
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())); err != nil {
		conn.Release()
		return nil, err
	}
	return &notifyListener{conn: conn, channel: channel}, nil
}

// close issues UNLISTEN and releases the underlying connection. Safe
// to call with a context already canceled by the client disconnecting
// (uses context.Background() for the UNLISTEN so teardown still runs).
func (l *notifyListener) close() {
	_, _ = l.conn.Exec(context.Background(), fmt.Sprintf("UNLISTEN %s", pgx.Identifier{l.channel}.Sanitize()))
	l.conn.Release()
}

// waitForMailID blocks for up to timeout for the next notification on
// this listener's channel and returns its payload (a mail id). Returns
// ("", nil) on timeout — the caller resumes the drain exactly as it
// would on a delivered notification.
func (l *notifyListener) waitForMailID(ctx context.Context, timeout time.Duration) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := l.conn.Conn().WaitForNotification(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// A plain timeout (deadline exceeded on waitCtx, not the
		// caller's ctx) is not an error — it's the signal to resume
		// draining.
		if errors.Is(err, context.DeadlineExceeded) {
			return "", nil
		}
		return "", err
	}
	return n.Payload, nil
}
