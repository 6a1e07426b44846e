package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime/debug"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/config"
	"github.com/codefionn/relaygate/relaygate-srv/logger"
	"github.com/codefionn/relaygate/relaygate-srv/stats"
	"github.com/google/uuid"
)

// admissionPoll bounds how long a queued connection sleeps between slot
// checks when no release signal arrives.
const admissionPoll = 100 * time.Millisecond

// serve accepts connections on s until its listener is closed.
func (p *Proxy) serve(s *Server) {
	defer p.serving.Done()
	logger.Info("Starting proxy server on %s", s.Addr())

	var tempDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				logger.Debug("Listener %s stopped", s.addr)
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			logger.Error("Accept on %s failed: %v; retrying in %v", s.addr, err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		p.admit(s, conn)
	}
}

func clientAddr(conn net.Conn) netip.AddrPort {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// admit applies the per-client and global connection limits and starts a
// handler for conn. Queued admission waits in the connection's own
// goroutine so the accept loop never blocks.
func (p *Proxy) admit(s *Server, conn net.Conn) {
	if p.draining.Load() {
		_ = conn.Close()
		return
	}

	gen := p.gen.Load()
	limits := gen.snap.Limits
	addr := clientAddr(conn)
	clientKey := s.addr + "|" + addr.Addr().String()

	perClient := gen.snap.PerClient[s.addr]
	if !p.acquireClient(clientKey, perClient) {
		p.reject(conn, addr, "per_client_limit")
		return
	}

	p.handlers.Add(1)
	go func() {
		defer p.handlers.Done()

		if !p.counters.TryAcquire(limits.MaxClients) {
			if limits.Admission != config.AdmissionQueue || !p.waitForSlot(limits.MaxClients, limits.QueueWait) {
				p.releaseClient(clientKey)
				p.reject(conn, addr, "max_clients")
				return
			}
		}
		p.counters.TotalConnections.Inc()

		defer p.release(clientKey)
		defer func() {
			if r := recover(); r != nil {
				err := NewProxyError(ErrCodePanicRecovered, KindIOError, fmt.Errorf("%v", r))
				logger.Error("Recovered from panic in connection handler: %v\n%s", err, debug.Stack())
				_ = conn.Close()
			}
		}()

		cc := p.newConnContext(s, conn, addr, gen)
		p.conns.Store(cc, struct{}{})
		defer p.conns.Delete(cc)
		p.handle(cc)
	}()
}

func (p *Proxy) newConnContext(s *Server, conn net.Conn, addr netip.AddrPort, gen *generation) *ConnContext {
	tracked := newTrackedConn(conn, gen.snap.Limits.IdleTimeout)
	ctx, cancel := context.WithCancel(p.baseCtx)
	cc := &ConnContext{
		ID:         uuid.NewString(),
		ClientAddr: addr,
		Listener:   s.addr,
		AcceptedAt: time.Now(),
		conn:       tracked,
		reader:     bufio.NewReaderSize(tracked, readerSize(gen.snap.Limits.MaxHeaderBytes)),
		gen:        gen,
		ctx:        ctx,
		cancel:     cancel,
	}
	cc.setState(StateAccepted)

	err := p.collector.StartConnection(context.Background(), stats.ConnectionInfo{
		ID:        cc.ID,
		ClientIP:  addr.Addr().String(),
		Listener:  s.addr,
		StartedAt: cc.AcceptedAt,
	})
	if err != nil {
		logger.Debug("Failed to record connection start for %s: %v", cc.ID, err)
	}
	return cc
}

// readerSize keeps the whole header block within one buffer.
func readerSize(maxHeaderBytes int) int {
	if maxHeaderBytes < 4096 {
		return 4096
	}
	return maxHeaderBytes
}

// waitForSlot polls for a free slot until wait passes.
func (p *Proxy) waitForSlot(limit int64, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(admissionPoll)
	defer ticker.Stop()

	for {
		if p.counters.TryAcquire(limit) {
			return true
		}
		select {
		case <-p.freed:
		case <-ticker.C:
		case <-timer.C:
			return p.counters.TryAcquire(limit)
		case <-p.baseCtx.Done():
			return false
		}
	}
}

func (p *Proxy) reject(conn net.Conn, addr netip.AddrPort, reason string) {
	p.counters.RejectedConnections.Inc()
	_ = conn.Close()
	logger.Event(logger.WARN, "connection_rejected",
		logger.F("client", addr),
		logger.F("reason", reason))
}

// release frees the global and per-client slots of a finished connection.
func (p *Proxy) release(clientKey string) {
	p.counters.Release()
	p.releaseClient(clientKey)
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func (p *Proxy) acquireClient(key string, limit int) bool {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if limit > 0 && p.clients[key] >= limit {
		return false
	}
	p.clients[key]++
	return true
}

func (p *Proxy) releaseClient(key string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.clients[key] <= 1 {
		delete(p.clients, key)
		return
	}
	p.clients[key]--
}
