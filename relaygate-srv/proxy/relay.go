package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrIdleTimeout ends a relay when neither direction moved bytes within the
// idle window.
var ErrIdleTimeout = errors.New("relay idle timeout")

// halfCloseLinger is how long the reverse direction may keep running after
// an EOF that could not be passed on as a half-close.
const halfCloseLinger = 2 * time.Second

// RelayResult is the outcome of a relay.
type RelayResult struct {
	BytesUp   int64 // client to upstream
	BytesDown int64 // upstream to client
	Err       error // nil on a clean close from both sides
}

// Relay copies bytes in both directions until both sides have closed, the
// idle window passes without traffic, ctx is cancelled, or an I/O error
// occurs. Both connections are closed when Relay returns.
func Relay(ctx context.Context, client, upstream net.Conn, idle time.Duration) RelayResult {
	return relay(ctx, client, upstream, idle, defaultPool)
}

func relay(ctx context.Context, client, upstream net.Conn, idle time.Duration, pool *bufferPool) RelayResult {
	var (
		lastActivity atomic.Int64
		up, down     atomic.Int64
		lingering    atomic.Bool
	)
	lastActivity.Store(time.Now().UnixNano())

	g, gctx := errgroup.WithContext(ctx)
	stopWatch := context.AfterFunc(gctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stopWatch()

	g.Go(func() error {
		return pipe(upstream, client, idle, &lastActivity, &up, &lingering, pool)
	})
	g.Go(func() error {
		return pipe(client, upstream, idle, &lastActivity, &down, &lingering, pool)
	})

	err := g.Wait()
	_ = client.Close()
	_ = upstream.Close()

	if ctx.Err() != nil && !errors.Is(err, ErrIdleTimeout) {
		err = ctx.Err()
	}
	return RelayResult{BytesUp: up.Load(), BytesDown: down.Load(), Err: err}
}

// pipe copies src to dst. A read deadline only ends the copy once the shared
// idle window has passed for both directions. When dst cannot be
// half-closed, it is closed after a short linger instead, and the reverse
// pipe treats the resulting closed-connection error as a clean end.
func pipe(dst, src net.Conn, idle time.Duration, lastActivity, counter *atomic.Int64, lingering *atomic.Bool, pool *bufferPool) error {
	bufp := pool.get()
	defer pool.put(bufp)
	buf := *bufp

	for {
		if idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := src.Read(buf)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())
			if idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(idle))
			}
			written, werr := dst.Write(buf[:n])
			counter.Add(int64(written))
			if werr != nil {
				return werr
			}
			lastActivity.Store(time.Now().UnixNano())
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if errors.Is(closeWrite(dst), errNoHalfClose) {
				lingering.Store(true)
				time.AfterFunc(lingerFor(idle), func() { _ = dst.Close() })
			}
			return nil
		}
		if lingering.Load() && errors.Is(err, net.ErrClosed) {
			return nil
		}
		if idle > 0 && isTimeout(err) {
			if time.Since(time.Unix(0, lastActivity.Load())) < idle {
				continue
			}
			return ErrIdleTimeout
		}
		return err
	}
}

func lingerFor(idle time.Duration) time.Duration {
	if idle > 0 && idle/2 < halfCloseLinger {
		return idle / 2
	}
	return halfCloseLinger
}
