package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/config"
	"github.com/codefionn/relaygate/relaygate-srv/dashboard"
	"github.com/codefionn/relaygate/relaygate-srv/logger"
	"github.com/codefionn/relaygate/relaygate-srv/policy"
	"github.com/codefionn/relaygate/relaygate-srv/proxy"
	"github.com/codefionn/relaygate/relaygate-srv/stats"
	"github.com/joho/godotenv"
)

var version string

type options struct {
	configPath string
	issueToken string
}

func main() {
	cfg, opts := parseFlagsAndConfig()
	if opts.issueToken != "" {
		issueToken(cfg, opts.issueToken)
		return
	}
	runProxy(cfg, opts.configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (*config.Config, options) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPath := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	issue := flag.String("issue-token", "", "Print a dashboard bearer token for the given subject and exit")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("relaygate version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := godotenv.Load(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatal("Failed to load configuration: %v", err)
		}
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Debug("Using configuration file: %s", *configPath)
	for i, server := range cfg.Servers {
		logger.Debug("Server %d: %s (enabled=%t, per-client=%d)", i, server.ListenAddress, server.Enabled, server.ConnectionsPerClient)
	}
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	logger.Debug("Max connections: %d (%s)", cfg.MaxConcurrentConnections, cfg.Admission)

	return cfg, options{configPath: *configPath, issueToken: *issue}
}

func issueToken(cfg *config.Config, subject string) {
	token, err := dashboard.IssueToken(cfg.Dashboard.TokenSecret, subject, dashboard.DefaultTokenTTL)
	if err != nil {
		logger.Fatal("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}

func listenAddrs(cfg *config.Config) []string {
	var addrs []string
	for _, server := range cfg.Servers {
		if server.Enabled {
			addrs = append(addrs, server.ListenAddress)
		}
	}
	return addrs
}

func graceOf(cfg *config.Config) time.Duration {
	return time.Duration(cfg.ShutdownGraceSeconds) * time.Second
}

// runProxy starts the proxy and the dashboard, then handles reload and
// shutdown signals until the proxy stops.
func runProxy(cfg *config.Config, configPath string) {
	snap, err := policy.Build(cfg)
	if err != nil {
		logger.Fatal("Invalid policy: %v", err)
	}

	collector, err := stats.NewCollectorFactory().CreateCollectorFromConfig(cfg)
	if err != nil {
		logger.Fatal("Failed to create statistics collector: %v", err)
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Error("Error closing statistics collector: %v", err)
		}
	}()

	counters := stats.NewCounters()
	p := proxy.NewProxy(snap,
		proxy.WithCollector(collector),
		proxy.WithCounters(counters),
		proxy.WithShutdownGrace(graceOf(cfg)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Dashboard.Enabled {
		dash := dashboard.NewServer(counters, collector, cfg.Dashboard.TokenSecret)
		go func() {
			logger.Info("Dashboard listening on %s", cfg.Dashboard.ListenAddress)
			if err := dash.ListenAndServe(ctx, cfg.Dashboard.ListenAddress); err != nil {
				logger.Error("Dashboard stopped: %v", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		logger.Info("Starting relaygate proxy")
		done <- p.Start(context.Background(), listenAddrs(cfg), cfg.Workers)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	current := cfg
	for {
		select {
		case err := <-done:
			if err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
			logger.Info("Proxy server stopped")
			return

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				current = reload(p, current, configPath)

			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				if err := p.Shutdown(graceOf(current)); err != nil {
					logger.Warn("Shutdown: %v", err)
				}
				<-done
				logger.Info("Proxy server shutdown complete")
				return
			}
		}
	}
}

// reload applies a changed configuration file. Open connections keep the
// policy they were accepted with.
func reload(p *proxy.Proxy, current *config.Config, configPath string) *config.Config {
	logger.Info("Received SIGHUP: reloading configuration...")
	next, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to reload config: %v (keeping current config)", err)
		return current
	}
	if !config.HasChanged(current, next) {
		logger.Info("Config unchanged after reload")
		return current
	}

	snap, err := policy.Build(next)
	if err != nil {
		logger.Error("Invalid policy after reload: %v (keeping current config)", err)
		return current
	}
	if config.ListenersChanged(current, next) {
		if err := p.UpdateListeners(listenAddrs(next)); err != nil {
			logger.Error("Failed to update listeners: %v (keeping current config)", err)
			return current
		}
	}
	if current.Statistics != next.Statistics || current.Dashboard != next.Dashboard {
		logger.Warn("Statistics and dashboard settings take effect after a restart")
	}
	p.Reload(snap)
	return next
}
