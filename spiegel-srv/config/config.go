package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
)

// StatisticsConfig selects and parameterizes the traffic statistics backend.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // "memory", "sqlite" or "postgres"
	SQLitePath  string
	PostgresDSN string
	BufferSize  int
}

// Config carries all tunables for one proxy instance. Values resolve in
// three layers: built-in defaults, then SPIEGEL_* environment variables,
// then an optional config file.
type Config struct {
	ListenHost           string
	BasePort             int
	PortAttempts         int
	Realm                string
	DetectTimeoutSeconds int
	H2IdleSeconds        int
	MaxUpstreamSockets   int
	TimeoutSeconds       int
	PersistKeyPrefix     string
	Statistics           StatisticsConfig
}

// LoadConfig builds a configuration from defaults, environment variables
// and finally the given config file. An empty path skips the file layer.
// JSON and HCL files are supported, selected by extension.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		ListenHost:           "127.0.0.1",
		BasePort:             39301,
		PortAttempts:         50,
		Realm:                "Cmux Preview Proxy",
		DetectTimeoutSeconds: 10,
		H2IdleSeconds:        60,
		MaxUpstreamSockets:   256,
		TimeoutSeconds:       30,
		PersistKeyPrefix:     "spiegel:",
		Statistics: StatisticsConfig{
			Enabled:    false,
			Backend:    "memory",
			BufferSize: 1000,
		},
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.BasePort <= 0 || cfg.BasePort > 65535 {
		return fmt.Errorf("base-port must be in 1..65535, got %d", cfg.BasePort)
	}
	if cfg.PortAttempts <= 0 {
		return fmt.Errorf("port-attempts must be positive, got %d", cfg.PortAttempts)
	}
	if cfg.MaxUpstreamSockets <= 0 {
		return fmt.Errorf("max-upstream-sockets must be positive, got %d", cfg.MaxUpstreamSockets)
	}
	switch cfg.Statistics.Backend {
	case "", "memory", "sqlite", "postgres", "dummy":
	default:
		return fmt.Errorf("unknown statistics backend %q", cfg.Statistics.Backend)
	}
	return nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	if err := assignString(data, "listen-host", &cfg.ListenHost); err != nil {
		return err
	}
	if err := assignInt(data, "base-port", &cfg.BasePort); err != nil {
		return err
	}
	if err := assignInt(data, "port-attempts", &cfg.PortAttempts); err != nil {
		return err
	}
	if err := assignString(data, "realm", &cfg.Realm); err != nil {
		return err
	}
	if err := assignInt(data, "detect-timeout-seconds", &cfg.DetectTimeoutSeconds); err != nil {
		return err
	}
	if err := assignInt(data, "h2-idle-seconds", &cfg.H2IdleSeconds); err != nil {
		return err
	}
	if err := assignInt(data, "max-upstream-sockets", &cfg.MaxUpstreamSockets); err != nil {
		return err
	}
	if err := assignInt(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := assignString(data, "persist-key-prefix", &cfg.PersistKeyPrefix); err != nil {
		return err
	}

	statsVal, exists := data["statistics"]
	if !exists {
		return nil
	}
	statsMap, ok := statsVal.(map[string]any)
	if !ok {
		return fmt.Errorf("statistics must be an object")
	}
	if err := assignBool(statsMap, "enabled", &cfg.Statistics.Enabled); err != nil {
		return err
	}
	if err := assignString(statsMap, "backend", &cfg.Statistics.Backend); err != nil {
		return err
	}
	if err := assignString(statsMap, "sqlite-path", &cfg.Statistics.SQLitePath); err != nil {
		return err
	}
	if err := assignString(statsMap, "postgres-dsn", &cfg.Statistics.PostgresDSN); err != nil {
		return err
	}
	if err := assignInt(statsMap, "buffer-size", &cfg.Statistics.BufferSize); err != nil {
		return err
	}
	return nil
}

// hclConfig mirrors Config for HCL decoding. Every attribute is optional;
// absent attributes keep the value from the earlier layers.
type hclConfig struct {
	ListenHost           *string `hcl:"listen_host"`
	BasePort             *int    `hcl:"base_port"`
	PortAttempts         *int    `hcl:"port_attempts"`
	Realm                *string `hcl:"realm"`
	DetectTimeoutSeconds *int    `hcl:"detect_timeout_seconds"`
	H2IdleSeconds        *int    `hcl:"h2_idle_seconds"`
	MaxUpstreamSockets   *int    `hcl:"max_upstream_sockets"`
	TimeoutSeconds       *int    `hcl:"timeout_seconds"`
	PersistKeyPrefix     *string `hcl:"persist_key_prefix"`
	Statistics           *struct {
		Enabled     *bool   `hcl:"enabled"`
		Backend     *string `hcl:"backend"`
		SQLitePath  *string `hcl:"sqlite_path"`
		PostgresDSN *string `hcl:"postgres_dsn"`
		BufferSize  *int    `hcl:"buffer_size"`
	} `hcl:"statistics,block"`
}

func loadHCLConfig(configPath string, cfg *Config) error {
	var parsed hclConfig
	if err := hclsimple.DecodeFile(configPath, nil, &parsed); err != nil {
		return fmt.Errorf("failed to decode HCL config: %w", err)
	}

	setIfPresent(parsed.ListenHost, &cfg.ListenHost)
	setIfPresent(parsed.BasePort, &cfg.BasePort)
	setIfPresent(parsed.PortAttempts, &cfg.PortAttempts)
	setIfPresent(parsed.Realm, &cfg.Realm)
	setIfPresent(parsed.DetectTimeoutSeconds, &cfg.DetectTimeoutSeconds)
	setIfPresent(parsed.H2IdleSeconds, &cfg.H2IdleSeconds)
	setIfPresent(parsed.MaxUpstreamSockets, &cfg.MaxUpstreamSockets)
	setIfPresent(parsed.TimeoutSeconds, &cfg.TimeoutSeconds)
	setIfPresent(parsed.PersistKeyPrefix, &cfg.PersistKeyPrefix)

	if parsed.Statistics != nil {
		setIfPresent(parsed.Statistics.Enabled, &cfg.Statistics.Enabled)
		setIfPresent(parsed.Statistics.Backend, &cfg.Statistics.Backend)
		setIfPresent(parsed.Statistics.SQLitePath, &cfg.Statistics.SQLitePath)
		setIfPresent(parsed.Statistics.PostgresDSN, &cfg.Statistics.PostgresDSN)
		setIfPresent(parsed.Statistics.BufferSize, &cfg.Statistics.BufferSize)
	}
	return nil
}

func setIfPresent[T any](src *T, dst *T) {
	if src != nil {
		*dst = *src
	}
}

func assignString(data map[string]any, key string, dst *string) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[string](val)
	if err != nil {
		return fmt.Errorf("%s must be a string: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func assignInt(data map[string]any, key string, dst *int) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[int](val)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func assignBool(data map[string]any, key string, dst *bool) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[bool](val)
	if err != nil {
		return fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	*dst = *ptr
	return nil
}

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
		case reflect.Int:
			elem.SetInt(int64(v))
		case reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("cannot assign number to %s", tType)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int:
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid integer %q: %w", v, err)
			}
			elem.SetInt(int64(parsed))
		case reflect.Bool:
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid boolean %q: %w", v, err)
			}
			elem.SetBool(parsed)
		default:
			return nil, fmt.Errorf("cannot assign string to %s", tType)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("cannot assign boolean to %s", tType)
		}
		elem.SetBool(v)
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}

	result, ok := ptr.Interface().(*T)
	if !ok {
		return nil, fmt.Errorf("internal type mismatch for %s", tType)
	}
	return result, nil
}

func loadConfigFromEnv(cfg *Config) {
	if host := os.Getenv("SPIEGEL_LISTENHOST"); host != "" {
		cfg.ListenHost = host
	}
	if portStr := os.Getenv("SPIEGEL_BASEPORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.BasePort = port
		} else {
			logger.Warn("Invalid SPIEGEL_BASEPORT value %q, ignoring", portStr)
		}
	}
	if attemptsStr := os.Getenv("SPIEGEL_PORTATTEMPTS"); attemptsStr != "" {
		if attempts, err := strconv.Atoi(attemptsStr); err == nil {
			cfg.PortAttempts = attempts
		} else {
			logger.Warn("Invalid SPIEGEL_PORTATTEMPTS value %q, ignoring", attemptsStr)
		}
	}
	if realm := os.Getenv("SPIEGEL_REALM"); realm != "" {
		cfg.Realm = realm
	}
	if timeoutStr := os.Getenv("SPIEGEL_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			logger.Warn("Invalid SPIEGEL_TIMEOUTSECONDS value %q, ignoring", timeoutStr)
		}
	}
	if prefix := os.Getenv("SPIEGEL_PERSISTKEYPREFIX"); prefix != "" {
		cfg.PersistKeyPrefix = prefix
	}
	if enabledStr := os.Getenv("SPIEGEL_STATISTICS"); enabledStr != "" {
		if enabled, err := strconv.ParseBool(enabledStr); err == nil {
			cfg.Statistics.Enabled = enabled
		}
	}
	if backend := os.Getenv("SPIEGEL_STATISTICS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}
	if path := os.Getenv("SPIEGEL_STATISTICS_SQLITEPATH"); path != "" {
		cfg.Statistics.SQLitePath = path
	}
	if dsn := os.Getenv("SPIEGEL_STATISTICS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}
}
