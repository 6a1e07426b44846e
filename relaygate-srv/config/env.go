package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// envPrefix starts every environment override.
const envPrefix = "RELAYGATE_"

func envInt(name string, dst *int) {
	str := os.Getenv(envPrefix + name)
	if str == "" {
		return
	}
	v, err := strconv.Atoi(str)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s%s: %s\n", envPrefix, name, str)
		return
	}
	*dst = v
}

func envBool(name string, dst *bool) {
	str := os.Getenv(envPrefix + name)
	if str == "" {
		return
	}
	*dst = strings.EqualFold(str, "true") || str == "1"
}

func envString(name string, dst *string) {
	if str := os.Getenv(envPrefix + name); str != "" {
		*dst = str
	}
}

func loadConfigFromEnv(cfg *Config) {
	envInt("TIMEOUTSECONDS", &cfg.TimeoutSeconds)
	envInt("CONNECTTIMEOUTSECONDS", &cfg.ConnectTimeoutSeconds)
	envInt("MAXCONCURRENTCONNECTIONS", &cfg.MaxConcurrentConnections)
	envInt("ADMISSIONQUEUESECONDS", &cfg.AdmissionQueueSeconds)
	envInt("SHUTDOWNGRACESECONDS", &cfg.ShutdownGraceSeconds)
	envInt("WORKERS", &cfg.Workers)

	if admission := os.Getenv(envPrefix + "ADMISSION"); admission != "" {
		cfg.Admission = AdmissionMode(strings.ToLower(admission))
	}

	envString("STATHOST", &cfg.StatHost)
	envString("LOGLEVEL", &cfg.LogLevel)

	envBool("STATISTICS_ENABLED", &cfg.Statistics.Enabled)
	envString("STATISTICS_BACKEND", &cfg.Statistics.Backend)
	envString("STATISTICS_SQLITEPATH", &cfg.Statistics.SQLitePath)
	envString("STATISTICS_POSTGRESDSN", &cfg.Statistics.PostgresDSN)

	envBool("DASHBOARD_ENABLED", &cfg.Dashboard.Enabled)
	envString("DASHBOARD_LISTENADDRESS", &cfg.Dashboard.ListenAddress)
	envString("DASHBOARD_TOKENSECRET", &cfg.Dashboard.TokenSecret)

	envBool("DNS_ENABLED", &cfg.DNS.Enabled)

	if addr := os.Getenv(envPrefix + "LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{{ListenAddress: addr, Enabled: true}}
		} else {
			cfg.Servers[0].ListenAddress = addr
		}
	}

	// Per-listener overrides, e.g. RELAYGATE_SERVER_1_LISTENADDRESS=0.0.0.0:3128
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("SERVER_%d_", i)

		addr := os.Getenv(envPrefix + prefix + "LISTENADDRESS")
		if addr == "" {
			break
		}

		var server ServerConfig
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		} else {
			server = ServerConfig{Enabled: true}
		}
		server.ListenAddress = addr

		if enabledStr := os.Getenv(envPrefix + prefix + "ENABLED"); enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil {
				server.Enabled = enabled
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s%sENABLED: %s\n", envPrefix, prefix, enabledStr)
			}
		}
		envInt(prefix+"CONNECTIONSPERCLIENT", &server.ConnectionsPerClient)

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
