package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/config"
	"github.com/codefionn/relaygate/relaygate-srv/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// holdConnection opens a keep-alive connection that has finished one
// request, so it occupies an admission slot.
func holdConnection(t *testing.T, tp *testProxy, originURL string) net.Conn {
	t.Helper()
	conn, br := tp.dial(t)
	resp, _ := exchange(t, conn, br, "GET "+originURL+"/hello HTTP/1.1\r\nHost: x\r\n\r\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return conn
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, isTimeout(err), "connection should be closed, not left waiting")
}

func TestAdmissionReject(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.MaxConcurrentConnections = 1
	cfg.Admission = config.AdmissionReject
	tp := startTestProxy(t, cfg)

	first := holdConnection(t, tp, origin.URL)

	second, _ := tp.dial(t)
	expectClosed(t, second)
	assert.Eventually(t, func() bool { return tp.Stats().RejectedConnections == 1 }, 2*time.Second, 10*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return tp.Stats().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)

	third := holdConnection(t, tp, origin.URL)
	third.Close()

	snap := tp.Stats()
	assert.EqualValues(t, 2, snap.TotalConnections)
	assert.EqualValues(t, 1, snap.PeakConnections)
}

func TestAdmissionQueue(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.MaxConcurrentConnections = 1
	cfg.Admission = config.AdmissionQueue
	cfg.AdmissionQueueSeconds = 3
	tp := startTestProxy(t, cfg)

	first := holdConnection(t, tp, origin.URL)

	second, br := tp.dial(t)
	_, err := io.WriteString(second, "GET "+origin.URL+"/hello HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)

	_ = second.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err = br.Peek(1)
	require.Error(t, err)
	assert.True(t, isTimeout(err), "queued connection is not served while the slot is taken")

	first.Close()
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp, body := readResponse(t, br, "GET")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from origin", body)
	assert.EqualValues(t, 0, tp.Stats().RejectedConnections)
}

func TestAdmissionQueueTimesOut(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.MaxConcurrentConnections = 1
	cfg.Admission = config.AdmissionQueue
	cfg.AdmissionQueueSeconds = 1
	tp := startTestProxy(t, cfg)

	holdConnection(t, tp, origin.URL)

	second, _ := tp.dial(t)
	start := time.Now()
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := second.Read(make([]byte, 1))
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Eventually(t, func() bool { return tp.Stats().RejectedConnections == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPerClientLimit(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.Servers[0].ConnectionsPerClient = 1
	tp := startTestProxy(t, cfg)

	first := holdConnection(t, tp, origin.URL)

	second, _ := tp.dial(t)
	expectClosed(t, second)

	first.Close()
	require.Eventually(t, func() bool { return tp.Stats().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
	holdConnection(t, tp, origin.URL)
	assert.EqualValues(t, 1, tp.Stats().RejectedConnections)
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	origin := newOrigin(t)
	tp := startTestProxy(t, testConfig())
	conn := holdConnection(t, tp, origin.URL)

	start := time.Now()
	err := tp.Shutdown(5 * time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	_, err = net.DialTimeout("tcp", tp.addr, time.Second)
	assert.Error(t, err, "listener is closed")
}

func TestShutdownForceClosesAfterGrace(t *testing.T) {
	// An upstream that accepts and then stays silent keeps the tunnel busy.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(io.Discard, c)
			}()
		}
	}()

	tp := startTestProxy(t, testConfig())
	conn, br := tp.dial(t)
	target := ln.Addr().String()
	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 Connection Established", readConnectReply(t, br))

	start := time.Now()
	err = tp.Shutdown(200 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrShutdownTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	expectClosed(t, conn)
	require.Eventually(t, func() bool { return tp.Stats().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartContextCancelShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	counters := stats.NewCounters()
	p := NewProxy(buildSnapshot(t, testConfig()), WithCounters(counters), WithShutdownGrace(time.Second))
	assert.Same(t, counters, p.Counters())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx, []string{addr}, 0) }()

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, p.Addrs(), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStartWithoutServers(t *testing.T) {
	p := NewProxy(buildSnapshot(t, testConfig()))
	err := p.Start(context.Background(), nil, 0)
	require.Error(t, err)
	assert.Equal(t, ErrCodeNoEnabledServers, CodeOf(err))
}

func TestUpdateListeners(t *testing.T) {
	free := func() string {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		return ln.Addr().String()
	}
	a, b := free(), free()

	p := NewProxy(buildSnapshot(t, testConfig()))
	t.Cleanup(func() { _ = p.Shutdown(time.Second) })

	require.NoError(t, p.UpdateListeners([]string{a}))
	require.NoError(t, p.UpdateListeners([]string{b}))
	assert.Len(t, p.Addrs(), 1)

	require.Eventually(t, func() bool {
		_, err := net.DialTimeout("tcp", a, 200*time.Millisecond)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "removed listener is closed")
	c, err := net.DialTimeout("tcp", b, time.Second)
	require.NoError(t, err)
	c.Close()

	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer held.Close()
	err = p.UpdateListeners([]string{b, held.Addr().String()})
	require.Error(t, err)
	assert.Equal(t, ErrCodeListenerCreateFailed, CodeOf(err))
	assert.Len(t, p.Addrs(), 1, "a failed bind leaves the listeners unchanged")
}
