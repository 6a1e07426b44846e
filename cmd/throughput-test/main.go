package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/config"
	"github.com/codefionn/relaygate/relaygate-srv/logger"
	"github.com/codefionn/relaygate/relaygate-srv/policy"
	"github.com/codefionn/relaygate/relaygate-srv/proxy"
	"golang.org/x/sync/errgroup"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	tunnel      = flag.Bool("tunnel", false, "Send requests through CONNECT tunnels instead of plain forwarding")
)

type totals struct {
	success atomic.Int64
	errors  atomic.Int64
	bytes   atomic.Int64
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func fetch(ctx context.Context, client *http.Client, targetURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read body: %w", err)
	}
	if n != int64(*dataSize) {
		return n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)
	}
	return n, nil
}

// fetchTunneled opens a CONNECT tunnel and sends one request through it.
func fetchTunneled(ctx context.Context, proxyAddr, targetAddr string) (int64, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return 0, fmt.Errorf("dial proxy: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr, targetAddr); err != nil {
		return 0, fmt.Errorf("send CONNECT: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return 0, fmt.Errorf("read CONNECT reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("CONNECT status %d", resp.StatusCode)
	}

	if _, err := fmt.Fprintf(conn, "GET /data HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", targetAddr); err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	resp, err = http.ReadResponse(br, nil)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()
	return io.Copy(io.Discard, resp.Body)
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen for data server: %v", err)
	}
	targetAddr := targetLn.Addr().String()
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			logger.Error("Data server error: %v", err)
		}
	}()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen for proxy: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Servers[0].ListenAddress = proxyLn.Addr().String()
	cfg.MaxConcurrentConnections = 0
	cfg.ConnectPorts = nil
	cfg.TimeoutSeconds = 5
	snap, err := policy.Build(cfg)
	if err != nil {
		logger.Fatal("Invalid proxy config: %v", err)
	}
	p := proxy.NewProxy(snap)
	go func() {
		if err := p.StartWithListener(context.Background(), proxyLn); err != nil {
			logger.Error("Proxy server error: %v", err)
		}
	}()
	defer p.Shutdown(time.Second)

	proxyURL := &url.URL{Scheme: "http", Host: proxyLn.Addr().String()}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), MaxIdleConnsPerHost: *concurrency},
		Timeout:   10 * time.Second,
	}
	targetURL := "http://" + targetAddr + "/data"

	var t totals
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	start := time.Now()
	for i := 0; i < *numRequests; i++ {
		g.Go(func() error {
			var n int64
			var err error
			if *tunnel {
				n, err = fetchTunneled(gctx, proxyLn.Addr().String(), targetAddr)
			} else {
				n, err = fetch(gctx, client, targetURL)
			}
			if err != nil {
				t.errors.Add(1)
				logger.Debug("request failed: %v", err)
				return nil
			}
			t.success.Add(1)
			t.bytes.Add(n)
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)

	success, errs := t.success.Load(), t.errors.Load()
	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, errs)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n",
		float64(success)/dur.Seconds(), float64(t.bytes.Load())/dur.Seconds()/1024/1024)

	stats := p.Stats()
	fmt.Printf("Proxy: %d connections, %d requests, peak %d, %d upstream errors\n",
		stats.TotalConnections, stats.TotalRequests, stats.PeakConnections, stats.UpstreamErrors)

	if errs > 0 || ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
