package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for Tapetail
type Config struct {
	Server   ServerConfig
	Bus      BusConfig
	Tail     TailConfig
	Publish  PublishConfig
	Offsets  OffsetsConfig
	Rotation RotationConfig
	Agents   AgentsConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type BusConfig struct {
	Brokers               []string // Full broker URLs, scheme chosen by the TLS setting
	ClientID              string
	Username              string
	Password              string
	QoS                   int // 0, 1 or 2
	ConnectBackoffSeconds int // Fixed delay between connect attempts
	ConnectTimeoutSeconds int
	KeepAliveSeconds      int
	// TLS Configuration
	TLSEnabled            bool
	TLSCAPath             string // CA bundle for broker verification (PEM format)
	TLSCertPath           string // Optional client certificate (PEM format)
	TLSKeyPath            string // Private key for the client certificate
	TLSInsecureSkipVerify bool
}

type TailConfig struct {
	PollIntervalMS   int
	ChunkSizeBytes   int64 // Accepts sizes like "64KB"
	OpenRetrySeconds int
}

type PublishConfig struct {
	Topic          string // Optional default topic for single-agent deployments
	BatchSize      int    // Records per batch before flush
	Compression    string // gzip or none
	Encoding       string // json or msgpack
	TimeoutSeconds int
}

type OffsetsConfig struct {
	Backend    string // file or sqlite
	Dir        string
	SQLitePath string // Derived from Dir when empty
}

type RotationConfig struct {
	Schedule string // Cron schedule (e.g., "0 0 * * *" = midnight daily)
}

type AgentsConfig struct {
	File string // Path to the agents yaml
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	TimeseriesRetentionMinutes int // Retention period for timeseries data in minutes (default: 30)
	TimeseriesIntervalSeconds  int // Collection interval in seconds (default: 5)
}

// Load loads configuration from environment and config file
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("TAPETAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("tapetail")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tapetail/")
	v.AddConfigPath("$HOME/.tapetail/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	chunkSize, err := ParseSize(v.GetString("tail.chunk_size_bytes"))
	if err != nil {
		return nil, fmt.Errorf("invalid tail.chunk_size_bytes: %w", err)
	}

	qos := v.GetInt("bus.qos")
	if qos < 0 || qos > 2 {
		return nil, fmt.Errorf("invalid bus.qos %d: must be 0, 1 or 2", qos)
	}

	tlsEnabled := v.GetBool("bus.tls_enabled")

	// Build config from Viper (which includes defaults + env vars)
	cfg := &Config{
		Server: ServerConfig{
			Enabled: v.GetBool("server.enabled"),
			Host:    v.GetString("server.host"),
			Port:    v.GetInt("server.port"),
		},
		Bus: BusConfig{
			Brokers:               brokerURLs(v.GetString("bus.brokers"), tlsEnabled),
			ClientID:              v.GetString("bus.client_id"),
			Username:              v.GetString("bus.username"),
			Password:              v.GetString("bus.password"),
			QoS:                   qos,
			ConnectBackoffSeconds: v.GetInt("bus.connect_backoff_seconds"),
			ConnectTimeoutSeconds: v.GetInt("bus.connect_timeout_seconds"),
			KeepAliveSeconds:      v.GetInt("bus.keepalive_seconds"),
			TLSEnabled:            tlsEnabled,
			TLSCAPath:             v.GetString("bus.tls_ca_path"),
			TLSCertPath:           v.GetString("bus.tls_cert_path"),
			TLSKeyPath:            v.GetString("bus.tls_key_path"),
			TLSInsecureSkipVerify: v.GetBool("bus.tls_insecure_skip_verify"),
		},
		Tail: TailConfig{
			PollIntervalMS:   v.GetInt("tail.poll_interval_ms"),
			ChunkSizeBytes:   chunkSize,
			OpenRetrySeconds: v.GetInt("tail.open_retry_seconds"),
		},
		Publish: PublishConfig{
			Topic:          v.GetString("publish.topic"),
			BatchSize:      v.GetInt("publish.batch_size"),
			Compression:    v.GetString("publish.compression"),
			Encoding:       v.GetString("publish.encoding"),
			TimeoutSeconds: v.GetInt("publish.timeout_seconds"),
		},
		Offsets: OffsetsConfig{
			Backend:    v.GetString("offsets.backend"),
			Dir:        v.GetString("offsets.dir"),
			SQLitePath: v.GetString("offsets.sqlite_path"),
		},
		Rotation: RotationConfig{
			Schedule: v.GetString("rotation.schedule"),
		},
		Agents: AgentsConfig{
			File: v.GetString("agents.file"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Metrics: MetricsConfig{
			TimeseriesRetentionMinutes: v.GetInt("metrics.timeseries_retention_minutes"),
			TimeseriesIntervalSeconds:  v.GetInt("metrics.timeseries_interval_seconds"),
		},
	}

	if cfg.Offsets.SQLitePath == "" {
		cfg.Offsets.SQLitePath = filepath.Join(cfg.Offsets.Dir, "offsets.db")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8089)

	// Bus defaults
	v.SetDefault("bus.brokers", "localhost:1883")
	v.SetDefault("bus.client_id", "tapetail")
	v.SetDefault("bus.username", "")
	v.SetDefault("bus.password", "")
	v.SetDefault("bus.qos", 1)
	v.SetDefault("bus.connect_backoff_seconds", 60)
	v.SetDefault("bus.connect_timeout_seconds", 10)
	v.SetDefault("bus.keepalive_seconds", 30)
	// TLS defaults - plain TCP unless the broker requires it
	v.SetDefault("bus.tls_enabled", false)
	v.SetDefault("bus.tls_ca_path", "")
	v.SetDefault("bus.tls_cert_path", "")
	v.SetDefault("bus.tls_key_path", "")
	v.SetDefault("bus.tls_insecure_skip_verify", false)

	// Tail defaults
	v.SetDefault("tail.poll_interval_ms", 100)
	v.SetDefault("tail.chunk_size_bytes", "64KB")
	v.SetDefault("tail.open_retry_seconds", 30)

	// Publish defaults
	v.SetDefault("publish.topic", "")
	v.SetDefault("publish.batch_size", 1000)
	v.SetDefault("publish.compression", "gzip")
	v.SetDefault("publish.encoding", "json")
	v.SetDefault("publish.timeout_seconds", 10)

	// Offset store defaults
	v.SetDefault("offsets.backend", "file")
	v.SetDefault("offsets.dir", "./data/offsets")
	v.SetDefault("offsets.sqlite_path", "") // Derived from offsets.dir when empty

	// Rotation defaults
	v.SetDefault("rotation.schedule", "0 0 * * *") // Midnight daily

	// Agents defaults
	v.SetDefault("agents.file", "./agents.yaml")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.timeseries_retention_minutes", 30) // 30 minutes retention
	v.SetDefault("metrics.timeseries_interval_seconds", 5)   // Collect every 5 seconds
}

// brokerURLs expands a comma-separated host:port list into broker URLs.
// The scheme follows the TLS setting so the client negotiates TLS on
// ssl:// brokers. Entries that already carry a scheme pass through.
func brokerURLs(raw string, tls bool) []string {
	scheme := "tcp"
	if tls {
		scheme = "ssl"
	}

	var urls []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "://") {
			urls = append(urls, part)
			continue
		}
		urls = append(urls, fmt.Sprintf("%s://%s", scheme, part))
	}
	return urls
}

// ValidateTLS validates broker TLS configuration when TLS is enabled.
// Returns nil if TLS is disabled or if configuration is valid.
func (cfg *BusConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		return fmt.Errorf("bus.tls_cert_path and bus.tls_key_path must be set together")
	}

	paths := map[string]string{
		"bus.tls_ca_path":   cfg.TLSCAPath,
		"bus.tls_cert_path": cfg.TLSCertPath,
		"bus.tls_key_path":  cfg.TLSKeyPath,
	}
	for key, path := range paths {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%s not found: %s", key, path)
			}
			return fmt.Errorf("cannot access %s %s: %w", key, path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory, not a file: %s", key, path)
		}
	}

	return nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
// Returns the size in bytes or an error if the format is invalid.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Define multipliers (order matters: check longer suffixes first)
	type unitInfo struct {
		suffix     string
		multiplier int64
	}
	units := []unitInfo{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	// Try each suffix from longest to shortest
	for _, unit := range units {
		if strings.HasSuffix(sizeStr, unit.suffix) {
			numStr := strings.TrimSuffix(sizeStr, unit.suffix)
			numStr = strings.TrimSpace(numStr)

			// Ensure the remaining string is a valid number (no trailing non-numeric chars)
			var num float64
			var trailing string
			n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
			if n == 0 {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			if trailing != "" {
				// There's extra text after the number - likely an unrecognized unit like "T" in "1TB"
				return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
			}
			if num < 0 {
				return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
			}
			return int64(num * float64(unit.multiplier)), nil
		}
	}

	// Try parsing as plain number (bytes)
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
