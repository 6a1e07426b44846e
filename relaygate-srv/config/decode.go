package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// decodeConfig maps the generic document produced by the JSON or HCL reader
// onto cfg. Keys that are absent keep their current value.
func decodeConfig(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		// Clear default servers if specified in config
		cfg.Servers = []ServerConfig{}

		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := ServerConfig{Enabled: true}
			if err := setField(serverMap, "listen-address", &server.ListenAddress); err != nil {
				return fmt.Errorf("server at index %d: %w", i, err)
			}
			if err := setField(serverMap, "enabled", &server.Enabled); err != nil {
				return fmt.Errorf("server at index %d: %w", i, err)
			}
			if err := setField(serverMap, "connections-per-client", &server.ConnectionsPerClient); err != nil {
				return fmt.Errorf("server at index %d: %w", i, err)
			}
			cfg.Servers = append(cfg.Servers, server)
		}
	} else if val, exists := data["listen-address"]; exists {
		// Shorthand for a single listener
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-address: %w", err)
		}
		cfg.Servers = []ServerConfig{{ListenAddress: *ptr, Enabled: true}}
	}

	scalars := []struct {
		key string
		dst any
	}{
		{"timeout-seconds", &cfg.TimeoutSeconds},
		{"connect-timeout-seconds", &cfg.ConnectTimeoutSeconds},
		{"max-concurrent-connections", &cfg.MaxConcurrentConnections},
		{"admission-queue-seconds", &cfg.AdmissionQueueSeconds},
		{"shutdown-grace-seconds", &cfg.ShutdownGraceSeconds},
		{"max-header-bytes", &cfg.MaxHeaderBytes},
		{"max-header-count", &cfg.MaxHeaderCount},
		{"buffer-size", &cfg.BufferSize},
		{"workers", &cfg.Workers},
		{"admission", &cfg.Admission},
		{"stat-host", &cfg.StatHost},
		{"default-error-file", &cfg.DefaultErrorFile},
		{"log-level", &cfg.LogLevel},
	}
	for _, s := range scalars {
		var err error
		switch dst := s.dst.(type) {
		case *int:
			err = setField(data, s.key, dst)
		case *string:
			err = setField(data, s.key, dst)
		case *AdmissionMode:
			err = setField(data, s.key, dst)
		}
		if err != nil {
			return err
		}
	}

	if val, exists := data["acl"]; exists {
		rules, err := decodeACL(val)
		if err != nil {
			return err
		}
		cfg.ACL = rules
	}

	if val, exists := data["auth"]; exists {
		authMap, err := asObject(val, "auth")
		if err != nil {
			return err
		}
		if err := decodeAuth(authMap, &cfg.Auth); err != nil {
			return err
		}
	}

	if val, exists := data["filter"]; exists {
		filterMap, err := asObject(val, "filter")
		if err != nil {
			return err
		}
		if err := decodeFilter(filterMap, &cfg.Filter); err != nil {
			return err
		}
	}

	if val, exists := data["anonymous"]; exists {
		anonMap, err := asObject(val, "anonymous")
		if err != nil {
			return err
		}
		if err := setField(anonMap, "enabled", &cfg.Anonymous.Enabled); err != nil {
			return fmt.Errorf("anonymous: %w", err)
		}
		if headers, exists := anonMap["headers"]; exists {
			list, err := parseStringList(headers)
			if err != nil {
				return fmt.Errorf("anonymous headers: %w", err)
			}
			cfg.Anonymous.Headers = list
		}
	}

	if val, exists := data["via"]; exists {
		viaMap, err := asObject(val, "via")
		if err != nil {
			return err
		}
		if err := setField(viaMap, "name", &cfg.Via.Name); err != nil {
			return fmt.Errorf("via: %w", err)
		}
		if err := setField(viaMap, "disabled", &cfg.Via.Disabled); err != nil {
			return fmt.Errorf("via: %w", err)
		}
	}

	if val, exists := data["add-headers"]; exists {
		headerMap, err := asObject(val, "add-headers")
		if err != nil {
			return err
		}
		names := make([]string, 0, len(headerMap))
		for name := range headerMap {
			names = append(names, name)
		}
		sort.Strings(names)

		cfg.AddHeaders = nil
		for _, name := range names {
			ptr, err := parseValue[string](headerMap[name])
			if err != nil {
				return fmt.Errorf("add-headers %s: %w", name, err)
			}
			cfg.AddHeaders = append(cfg.AddHeaders, HeaderConfig{Name: name, Value: *ptr})
		}
	}

	if val, exists := data["upstreams"]; exists {
		upstreams, err := decodeUpstreams(val)
		if err != nil {
			return err
		}
		cfg.Upstreams = upstreams
	}

	if val, exists := data["connect-ports"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("connect-ports must be an array")
		}
		cfg.ConnectPorts = []int{}
		for i, item := range list {
			ptr, err := parseValue[int](item)
			if err != nil {
				return fmt.Errorf("connect-ports at index %d must be an integer: %w", i, err)
			}
			cfg.ConnectPorts = append(cfg.ConnectPorts, *ptr)
		}
	}

	if val, exists := data["error-files"]; exists {
		filesMap, err := asObject(val, "error-files")
		if err != nil {
			return err
		}
		cfg.ErrorFiles = make(map[int]string, len(filesMap))
		for codeStr, pathVal := range filesMap {
			code, err := strconv.Atoi(codeStr)
			if err != nil {
				return fmt.Errorf("error-files key %q must be a status code", codeStr)
			}
			ptr, err := parseValue[string](pathVal)
			if err != nil {
				return fmt.Errorf("error-files %d: %w", code, err)
			}
			cfg.ErrorFiles[code] = *ptr
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, err := asObject(val, "statistics")
		if err != nil {
			return err
		}
		if err := decodeStatistics(statsMap, &cfg.Statistics); err != nil {
			return err
		}
	}

	if val, exists := data["dashboard"]; exists {
		dashMap, err := asObject(val, "dashboard")
		if err != nil {
			return err
		}
		if err := setField(dashMap, "enabled", &cfg.Dashboard.Enabled); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		if err := setField(dashMap, "listen-address", &cfg.Dashboard.ListenAddress); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		if err := setField(dashMap, "token-secret", &cfg.Dashboard.TokenSecret); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
	}

	if val, exists := data["dns"]; exists {
		dnsMap, err := asObject(val, "dns")
		if err != nil {
			return err
		}
		if err := decodeDNS(dnsMap, &cfg.DNS); err != nil {
			return err
		}
	}

	return nil
}

func decodeACL(val any) ([]ACLRuleConfig, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("acl must be an array")
	}

	rules := []ACLRuleConfig{}
	for i, item := range list {
		ruleMap, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("acl rule at index %d must be an object", i)
		}
		rule := ACLRuleConfig{Action: ActionAllow}
		if err := setField(ruleMap, "action", &rule.Action); err != nil {
			return nil, fmt.Errorf("acl rule at index %d: %w", i, err)
		}
		if err := setField(ruleMap, "network", &rule.Network); err != nil {
			return nil, fmt.Errorf("acl rule at index %d: %w", i, err)
		}
		if rule.Network == "" {
			return nil, fmt.Errorf("acl rule at index %d requires a network", i)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeAuth(authMap map[string]any, auth *AuthConfig) error {
	if err := setField(authMap, "realm", &auth.Realm); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	val, exists := authMap["users"]
	if !exists {
		return nil
	}
	list, ok := val.([]any)
	if !ok {
		return fmt.Errorf("auth users must be an array")
	}

	auth.Users = nil
	for i, item := range list {
		userMap, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("auth user at index %d must be an object", i)
		}
		var user UserConfig
		if err := setField(userMap, "username", &user.Username); err != nil {
			return fmt.Errorf("auth user at index %d: %w", i, err)
		}
		if err := setField(userMap, "password", &user.Password); err != nil {
			return fmt.Errorf("auth user at index %d: %w", i, err)
		}
		auth.Users = append(auth.Users, user)
	}
	return nil
}

func decodeFilter(filterMap map[string]any, filter *FilterConfig) error {
	if err := setField(filterMap, "enabled", &filter.Enabled); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if err := setField(filterMap, "default-action", &filter.DefaultAction); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if err := setField(filterMap, "case-sensitive", &filter.CaseSensitive); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if err := setField(filterMap, "extended", &filter.Extended); err != nil {
		return fmt.Errorf("filter: %w", err)
	}

	if val, exists := filterMap["files"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("filter files must be an array")
		}
		filter.Files = nil
		for i, item := range list {
			file := FilterFileConfig{Action: ActionDeny}
			switch v := item.(type) {
			case string:
				file.Path = v
			case map[string]any:
				if _, isSecret := v["_secret"]; isSecret {
					ptr, err := parseValue[string](v)
					if err != nil {
						return fmt.Errorf("filter file at index %d: %w", i, err)
					}
					file.Path = *ptr
					break
				}
				if err := setField(v, "path", &file.Path); err != nil {
					return fmt.Errorf("filter file at index %d: %w", i, err)
				}
				if err := setField(v, "action", &file.Action); err != nil {
					return fmt.Errorf("filter file at index %d: %w", i, err)
				}
			default:
				return fmt.Errorf("filter file at index %d must be a string or an object", i)
			}
			if file.Path == "" {
				return fmt.Errorf("filter file at index %d requires a path", i)
			}
			filter.Files = append(filter.Files, file)
		}
	}

	if val, exists := filterMap["rules"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("filter rules must be an array")
		}
		filter.Rules = nil
		for i, item := range list {
			ruleMap, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("filter rule at index %d must be an object", i)
			}
			rule := FilterRuleConfig{Type: FilterExact, Action: ActionDeny}
			if err := setField(ruleMap, "type", &rule.Type); err != nil {
				return fmt.Errorf("filter rule at index %d: %w", i, err)
			}
			if err := setField(ruleMap, "pattern", &rule.Pattern); err != nil {
				return fmt.Errorf("filter rule at index %d: %w", i, err)
			}
			if err := setField(ruleMap, "action", &rule.Action); err != nil {
				return fmt.Errorf("filter rule at index %d: %w", i, err)
			}
			filter.Rules = append(filter.Rules, rule)
		}
	}
	return nil
}

func decodeUpstreams(val any) ([]UpstreamConfig, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("upstreams must be an array")
	}

	upstreams := []UpstreamConfig{}
	for i, item := range list {
		upMap, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("upstream at index %d must be an object", i)
		}

		up := UpstreamConfig{Type: UpstreamHTTP}
		if err := setField(upMap, "type", &up.Type); err != nil {
			return nil, fmt.Errorf("upstream at index %d: %w", i, err)
		}
		if address, err := parseValue[string](upMap["address"]); err == nil {
			up.Address = *address
		} else if strings.Contains(err.Error(), "secret") {
			return nil, err
		} else {
			return nil, fmt.Errorf("%s upstream at index %d requires address field", up.Type, i)
		}

		if val, exists := upMap["username"]; exists {
			username, err := parseValue[string](val)
			if err != nil {
				return nil, fmt.Errorf("upstream at index %d username: %w", i, err)
			}
			up.Username = username
		}
		if val, exists := upMap["password"]; exists {
			password, err := parseValue[string](val)
			if err != nil {
				return nil, fmt.Errorf("upstream at index %d password: %w", i, err)
			}
			up.Password = password
		}
		if val, exists := upMap["domains"]; exists {
			domains, err := parseStringList(val)
			if err != nil {
				return nil, fmt.Errorf("upstream at index %d domains: %w", i, err)
			}
			up.Domains = domains
		}

		upstreams = append(upstreams, up)
	}
	return upstreams, nil
}

func decodeStatistics(statsMap map[string]any, statistics *StatisticsConfig) error {
	if err := setField(statsMap, "enabled", &statistics.Enabled); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	if err := setField(statsMap, "backend", &statistics.Backend); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	if err := setField(statsMap, "sqlite-path", &statistics.SQLitePath); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	if err := setField(statsMap, "postgres-dsn", &statistics.PostgresDSN); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	if err := setField(statsMap, "flush-interval-seconds", &statistics.FlushIntervalSeconds); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	return nil
}

func decodeDNS(dnsMap map[string]any, dns *DNSConfig) error {
	if err := setField(dnsMap, "enabled", &dns.Enabled); err != nil {
		return fmt.Errorf("dns: %w", err)
	}

	val, exists := dnsMap["servers"]
	if !exists {
		return nil
	}
	list, ok := val.([]any)
	if !ok {
		return fmt.Errorf("dns servers must be an array")
	}

	dns.Servers = nil
	for i, item := range list {
		serverMap, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("dns server at index %d must be an object", i)
		}
		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		if err := setField(serverMap, "address", &server.Address); err != nil {
			return fmt.Errorf("dns server at index %d: %w", i, err)
		}
		if err := setField(serverMap, "type", &server.Type); err != nil {
			return fmt.Errorf("dns server at index %d: %w", i, err)
		}
		if err := setField(serverMap, "timeout-seconds", &server.TimeoutSeconds); err != nil {
			return fmt.Errorf("dns server at index %d: %w", i, err)
		}
		if err := setField(serverMap, "tls-host", &server.TLSHost); err != nil {
			return fmt.Errorf("dns server at index %d: %w", i, err)
		}
		dns.Servers = append(dns.Servers, server)
	}
	return nil
}

// setField parses data[key] into dst when the key is present.
func setField[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func asObject(val any, name string) (map[string]any, error) {
	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", name)
	}
	return m, nil
}

func parseStringList(val any) ([]string, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of strings, got %T", val)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		ptr, err := parseValue[string](item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out = append(out, *ptr)
	}
	return out, nil
}

// parseValue converts a decoded JSON/HCL scalar into T. A value of the form
// {"_secret": "NAME"} is replaced by the environment variable NAME.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected an integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}
