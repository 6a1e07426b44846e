package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/config"
	"github.com/codefionn/relaygate/relaygate-srv/policy"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.TimeoutSeconds = 5
	cfg.ConnectTimeoutSeconds = 2
	cfg.ConnectPorts = nil
	cfg.Statistics.Enabled = false
	return cfg
}

func buildSnapshot(t *testing.T, cfg *config.Config) *policy.Snapshot {
	t.Helper()
	require.NoError(t, cfg.Validate())
	snap, err := policy.Build(cfg)
	require.NoError(t, err)
	return snap
}

type testProxy struct {
	*Proxy
	addr string
}

// startTestProxy serves cfg on a fresh loopback listener. The first server
// entry is pointed at that listener so per-listener settings apply.
func startTestProxy(t *testing.T, cfg *config.Config, opts ...Option) *testProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Servers[0].ListenAddress = ln.Addr().String()

	p := NewProxy(buildSnapshot(t, cfg), opts...)
	done := make(chan error, 1)
	go func() { done <- p.StartWithListener(context.Background(), ln) }()
	t.Cleanup(func() {
		_ = p.Shutdown(2 * time.Second)
		_ = ln.Close()
		<-done
	})
	return &testProxy{Proxy: p, addr: ln.Addr().String()}
}

func (tp *testProxy) url(user ...string) *url.URL {
	u := &url.URL{Scheme: "http", Host: tp.addr}
	if len(user) == 2 {
		u.User = url.UserPassword(user[0], user[1])
	}
	return u
}

func (tp *testProxy) client(user ...string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(tp.url(user...))},
		Timeout:   10 * time.Second,
	}
}

func (tp *testProxy) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", tp.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

// exchange writes a raw request and reads one response including its body.
func exchange(t *testing.T, conn net.Conn, br *bufio.Reader, raw string) (*http.Response, string) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetDeadline(time.Time{})
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	return readResponse(t, br, "GET")
}

func readResponse(t *testing.T, br *bufio.Reader, method string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(br, &http.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

// readConnectReply reads the head of a CONNECT answer and returns its
// status line.
func readConnectReply(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}
	return strings.TrimRight(status, "\r\n")
}

type originView struct {
	Host   string      `json:"host"`
	Header http.Header `json:"header"`
	URI    string      `json:"uri"`
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		_, _ = io.WriteString(w, "hello from origin")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/headers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(originView{Host: r.Host, Header: r.Header, URI: r.RequestURI})
	})
	mux.HandleFunc("/chunked", func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "part%d;", i)
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("/early-hints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", "</style.css>; rel=preload")
		w.WriteHeader(http.StatusEarlyHints)
		_, _ = io.WriteString(w, "after hints")
	})
	mux.HandleFunc("/until-close", func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nstreamed until close")
		_ = buf.Flush()
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func originHost(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestForwardGet(t *testing.T) {
	origin := newOrigin(t)
	tp := startTestProxy(t, testConfig())

	resp, err := tp.client().Get(origin.URL + "/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from origin", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Origin"))

	stats := tp.Stats()
	assert.EqualValues(t, 1, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.TotalConnections)
}

func TestForwardRewritesHeaders(t *testing.T) {
	origin := newOrigin(t)
	tp := startTestProxy(t, testConfig())
	conn, br := tp.dial(t)

	resp, body := exchange(t, conn, br, "GET "+origin.URL+"/headers?q=1 HTTP/1.1\r\n"+
		"Host: wrong.example\r\n"+
		"Proxy-Connection: keep-alive\r\n"+
		"Connection: X-Hop\r\n"+
		"X-Hop: secret\r\n"+
		"X-Keep: kept\r\n\r\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view originView
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	assert.Equal(t, originHost(origin), view.Host, "absolute-form target wins over the Host header")
	assert.Equal(t, "/headers?q=1", view.URI, "origin sees origin-form")
	assert.Equal(t, []string{"1.1 relaygate"}, view.Header.Values("Via"))
	assert.Equal(t, "kept", view.Header.Get("X-Keep"))
	assert.Empty(t, view.Header.Get("X-Hop"))
	assert.Empty(t, view.Header.Get("Proxy-Connection"))
}

func TestForwardAnonymousAndCustomHeaders(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.Anonymous.Enabled = true
	cfg.Via.Disabled = true
	cfg.AddHeaders = []config.HeaderConfig{{Name: "X-Proxy", Value: "relaygate"}}
	tp := startTestProxy(t, cfg)

	req, err := http.NewRequest(http.MethodGet, origin.URL+"/headers", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "secret-agent")
	req.Header.Set("Cookie", "a=b")
	req.Header.Set("Accept", "text/plain")
	resp, err := tp.client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var view originView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Empty(t, view.Header.Get("User-Agent"))
	assert.Empty(t, view.Header.Get("Cookie"))
	assert.Empty(t, view.Header.Get("Via"))
	assert.Equal(t, "text/plain", view.Header.Get("Accept"))
	assert.Equal(t, "relaygate", view.Header.Get("X-Proxy"))
}

func TestForwardRequestBodies(t *testing.T) {
	origin := newOrigin(t)
	tp := startTestProxy(t, testConfig())

	t.Run("content-length", func(t *testing.T) {
		resp, err := tp.client().Post(origin.URL+"/echo", "text/plain", strings.NewReader("posted body"))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "posted body", string(body))
	})

	t.Run("chunked", func(t *testing.T) {
		conn, br := tp.dial(t)
		resp, body := exchange(t, conn, br, "POST "+origin.URL+"/echo HTTP/1.1\r\n"+
			"Host: "+originHost(origin)+"\r\n"+
			"Transfer-Encoding: chunked\r\n\r\n"+
			"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "hello world", body)
	})
}

func TestForwardResponseFraming(t *testing.T) {
	origin := newOrigin(t)
	tp := startTestProxy(t, testConfig())

	t.Run("chunked response keeps the connection", func(t *testing.T) {
		conn, br := tp.dial(t)
		resp, body := exchange(t, conn, br, "GET "+origin.URL+"/chunked HTTP/1.1\r\nHost: x\r\n\r\n")
		assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
		assert.Equal(t, "part0;part1;part2;", body)
		assert.False(t, resp.Close)

		resp, body = exchange(t, conn, br, "GET "+origin.URL+"/hello HTTP/1.1\r\nHost: x\r\n\r\n")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "hello from origin", body)
	})

	t.Run("read until close ends the connection", func(t *testing.T) {
		conn, br := tp.dial(t)
		resp, body := exchange(t, conn, br, "GET "+origin.URL+"/until-close HTTP/1.1\r\nHost: x\r\n\r\n")
		assert.True(t, resp.Close)
		assert.Equal(t, "streamed until close", body)

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := br.ReadByte()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("informational responses pass through", func(t *testing.T) {
		conn, br := tp.dial(t)
		_, err := io.WriteString(conn, "GET "+origin.URL+"/early-hints HTTP/1.1\r\nHost: x\r\n\r\n")
		require.NoError(t, err)

		hints, _ := readResponse(t, br, "GET")
		assert.Equal(t, http.StatusEarlyHints, hints.StatusCode)
		assert.Contains(t, hints.Header.Get("Link"), "preload")

		final, body := readResponse(t, br, "GET")
		assert.Equal(t, http.StatusOK, final.StatusCode)
		assert.Equal(t, "after hints", body)
	})

	t.Run("head has no body", func(t *testing.T) {
		conn, br := tp.dial(t)
		_, err := io.WriteString(conn, "HEAD "+origin.URL+"/hello HTTP/1.1\r\nHost: x\r\n\r\n")
		require.NoError(t, err)
		resp, body := readResponse(t, br, "HEAD")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, body)

		resp, body = exchange(t, conn, br, "GET "+origin.URL+"/hello HTTP/1.1\r\nHost: x\r\n\r\n")
		assert.Equal(t, "hello from origin", body)
	})
}

func TestKeepAlive(t *testing.T) {
	origin := newOrigin(t)
	tp := startTestProxy(t, testConfig())

	t.Run("HTTP/1.1 reuses the connection", func(t *testing.T) {
		conn, br := tp.dial(t)
		for i := 0; i < 3; i++ {
			resp, body := exchange(t, conn, br, "GET "+origin.URL+"/hello HTTP/1.1\r\nHost: x\r\n\r\n")
			assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
			assert.Equal(t, "hello from origin", body)
		}
	})

	t.Run("HTTP/1.0 closes by default", func(t *testing.T) {
		conn, br := tp.dial(t)
		resp, body := exchange(t, conn, br, "GET "+origin.URL+"/hello HTTP/1.0\r\n\r\n")
		assert.Equal(t, "close", resp.Header.Get("Connection"))
		assert.Equal(t, "hello from origin", body)

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := br.ReadByte()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("HTTP/1.0 keep-alive on request", func(t *testing.T) {
		conn, br := tp.dial(t)
		resp, _ := exchange(t, conn, br, "GET "+origin.URL+"/hello HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
		resp, _ = exchange(t, conn, br, "GET "+origin.URL+"/hello HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	stats := tp.Stats()
	assert.EqualValues(t, 3, stats.TotalConnections)
	assert.EqualValues(t, 6, stats.TotalRequests)
}

func TestKeepAliveIdleTimeoutClosesSilently(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.TimeoutSeconds = 1
	tp := startTestProxy(t, cfg)
	conn, br := tp.dial(t)

	exchange(t, conn, br, "GET "+origin.URL+"/hello HTTP/1.1\r\nHost: x\r\n\r\n")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	start := time.Now()
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "no error response on an idle keep-alive connection")
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.EqualValues(t, 0, tp.Stats().IOErrors)
}

func TestWebSocketUpgradeForwarded(t *testing.T) {
	origin := newOrigin(t)
	tp := startTestProxy(t, testConfig())

	conn, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	defer conn.Close()

	// Origin-form with a Host header, so the proxy forwards the upgrade
	// instead of tunneling it.
	u, err := url.Parse("ws://" + originHost(origin) + "/ws")
	require.NoError(t, err)
	ws, resp, err := websocket.NewClient(conn, u, nil, 1024, 1024)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "echo:ping", string(msg))
}

func TestErrorResponses(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.MaxHeaderBytes = 512
	tp := startTestProxy(t, cfg)

	tests := []struct {
		name   string
		raw    string
		status int
	}{
		{"malformed request line", "GARBAGE\r\n\r\n", http.StatusBadRequest},
		{"bad version", "GET / FTP/1.0\r\nHost: x\r\n\r\n", http.StatusBadRequest},
		{"missing host", "GET /hello HTTP/1.1\r\n\r\n", http.StatusBadRequest},
		{"duplicate host", "GET /hello HTTP/1.1\r\nHost: x\r\nHost: y\r\n\r\n", http.StatusBadRequest},
		{"conflicting framing", "POST " + origin.URL + "/echo HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n", http.StatusBadRequest},
		{"unknown method", "BREW " + origin.URL + "/pot HTTP/1.1\r\nHost: x\r\n\r\n", http.StatusMethodNotAllowed},
		{"header too large", "GET " + origin.URL + "/hello HTTP/1.1\r\nHost: x\r\nX-Big: " + strings.Repeat("a", 1024) + "\r\n\r\n", http.StatusRequestHeaderFieldsTooLarge},
		{"bad chunk", "POST " + origin.URL + "/echo HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, br := tp.dial(t)
			resp, body := exchange(t, conn, br, tt.raw)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.True(t, resp.Close, "error responses close the connection")
			assert.Equal(t, int64(len(body)), resp.ContentLength)
			assert.Contains(t, body, http.StatusText(tt.status))
		})
	}
	assert.EqualValues(t, len(tests), tp.Stats().BadRequests)
}

func TestUpstreamErrors(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutSeconds = 1
	tp := startTestProxy(t, cfg)

	t.Run("unreachable", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		ln.Close()

		conn, br := tp.dial(t)
		resp, _ := exchange(t, conn, br, "GET http://"+addr+"/ HTTP/1.1\r\nHost: x\r\n\r\n")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("silent upstream", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				defer c.Close()
			}
		}()

		conn, br := tp.dial(t)
		resp, _ := exchange(t, conn, br, "GET http://"+ln.Addr().String()+"/ HTTP/1.1\r\nHost: x\r\n\r\n")
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	})

	assert.EqualValues(t, 2, tp.Stats().UpstreamErrors)
}

func TestACLDenied(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.ACL = []config.ACLRuleConfig{
		{Action: config.ActionDeny, Network: "127.0.0.0/8"},
		{Action: config.ActionAllow, Network: "0.0.0.0/0"},
	}
	tp := startTestProxy(t, cfg)

	resp, err := tp.client().Get(origin.URL + "/hello")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.EqualValues(t, 1, tp.Stats().ACLDenials)
}

func TestAuthentication(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{
		Realm: "test realm",
		Users: []config.UserConfig{{Username: "alice", Password: "wonderland"}},
	}
	tp := startTestProxy(t, cfg)

	resp, err := tp.client().Get(origin.URL + "/hello")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	assert.Equal(t, `Basic realm="test realm"`, resp.Header.Get("Proxy-Authenticate"))

	resp, err = tp.client("alice", "wrong").Get(origin.URL + "/hello")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)

	resp, err = tp.client("alice", "wonderland").Get(origin.URL + "/headers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var view originView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Empty(t, view.Header.Get("Proxy-Authorization"), "credentials never reach the origin")

	stats := tp.Stats()
	assert.EqualValues(t, 3, stats.AuthAttempts)
	assert.EqualValues(t, 2, stats.AuthFailures)
}

func TestFilterDenied(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	cfg.Filter = config.FilterConfig{
		Enabled:       true,
		DefaultAction: config.ActionAllow,
		Rules: []config.FilterRuleConfig{
			{Type: config.FilterDomain, Pattern: "blocked.test", Action: config.ActionDeny},
			{Type: config.FilterRegex, Pattern: `/forbidden$`, Action: config.ActionDeny},
		},
	}
	tp := startTestProxy(t, cfg)

	resp, err := tp.client().Get("http://ads.blocked.test/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = tp.client().Get(origin.URL + "/forbidden")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = tp.client().Get(origin.URL + "/hello")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.EqualValues(t, 2, tp.Stats().FilterDenials)
}

func TestCustomErrorPage(t *testing.T) {
	page := filepath.Join(t.TempDir(), "403.html")
	require.NoError(t, os.WriteFile(page, []byte("<p>nope</p>"), 0o600))

	cfg := testConfig()
	cfg.ErrorFiles = map[int]string{403: page}
	cfg.Filter = config.FilterConfig{
		Enabled:       true,
		DefaultAction: config.ActionDeny,
	}
	tp := startTestProxy(t, cfg)

	resp, err := tp.client().Get("http://anything.test/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "<p>nope</p>", string(body))
}

func TestStatHost(t *testing.T) {
	cfg := testConfig()
	cfg.StatHost = "stats.relaygate"
	tp := startTestProxy(t, cfg)

	resp, err := tp.client().Get("http://stats.relaygate/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "Total requests")

	resp, err = tp.client().Get("http://STATS.relaygate/stats.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.EqualValues(t, 2, doc["total_requests"])
}

func TestReloadKeepsCapturedSnapshot(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig()
	tp := startTestProxy(t, cfg)

	conn, br := tp.dial(t)
	resp, _ := exchange(t, conn, br, "GET "+origin.URL+"/hello HTTP/1.1\r\nHost: x\r\n\r\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	denyAll := testConfig()
	denyAll.Filter = config.FilterConfig{Enabled: true, DefaultAction: config.ActionDeny}
	tp.Reload(buildSnapshot(t, denyAll))
	assert.True(t, tp.Snapshot().Filter.Enabled())

	resp, _ = exchange(t, conn, br, "GET "+origin.URL+"/hello HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "open connection keeps its snapshot")

	fresh, err := tp.client().Get(origin.URL + "/hello")
	require.NoError(t, err)
	fresh.Body.Close()
	assert.Equal(t, http.StatusForbidden, fresh.StatusCode)
}
