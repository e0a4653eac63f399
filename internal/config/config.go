// Package config parses the flags, environment variables, and optional
// YAML config file shared by cmd/scenario and cmd/testplan, modeled on
// internal/config/agent.go's load-then-validate shape and on
// configargparse's default_config_files behavior in runner.py.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every value either binary needs to build its transport,
// VAPID signer, metrics sink, logger, and load runner.
type Config struct {
	WSURL  string `yaml:"ws_url"`
	Origin string `yaml:"origin"`

	EndpointSSLCert string `yaml:"endpoint_ssl_cert"`
	EndpointSSLKey  string `yaml:"endpoint_ssl_key"`
	InsecureSkipTLS bool   `yaml:"insecure_skip_tls"`

	VapidKey string `yaml:"vapid_key"`

	StatsDHost string `yaml:"statsd_host"`
	StatsDPort int    `yaml:"statsd_port"`

	DatadogAPIKey        string  `yaml:"datadog_api_key"`
	DatadogFlushInterval float64 `yaml:"datadog_flush_interval"`

	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogOutput string `yaml:"log_output"`

	TestPlan string `yaml:"test_plan"`

	// Quantity/Stagger/Delay are consumed only by cmd/scenario, which
	// assembles them with its positional module:function argument into
	// a single-clause test-plan string before handing it to LoadRunner.
	Quantity int     `yaml:"quantity"`
	Stagger  float64 `yaml:"stagger"`
	Delay    float64 `yaml:"delay"`

	ConfigPath string `yaml:"-"`

	// Positional holds the non-flag arguments left over after parsing:
	// a "module:function" reference for cmd/scenario, or a test-plan
	// string for cmd/testplan when not passed via --test_plan.
	Positional []string `yaml:"-"`
}

// defaults mirrors validateAgentConfig's job of filling in every
// zero-valued field before the config is used.
func defaults() Config {
	return Config{
		WSURL:                "wss://push.services.mozilla.com/",
		Origin:               "http://localhost",
		StatsDPort:           8125,
		DatadogFlushInterval: 10,
		LogLevel:             "info",
		LogFormat:            "json",
		LogOutput:            "stdout",
		Quantity:             1,
	}
}

// Parse builds a Config from argv and the process environment. It runs
// a first pass over argv looking only for --config/-config so a YAML
// file's values can seed the flag defaults, then a full pass so
// explicit flags always win over the file, which always wins over the
// hardcoded defaults.
func Parse(argv []string, lookupEnv func(string) string) (*Config, error) {
	if lookupEnv == nil {
		lookupEnv = os.Getenv
	}

	cfg := defaults()

	configPath := envOr(lookupEnv, "PUSHLOAD_CONFIG", "")
	if p := scanForConfigFlag(argv); p != "" {
		configPath = p
	}
	if configPath != "" {
		if err := loadYAMLInto(&cfg, configPath); err != nil {
			return nil, fmt.Errorf("config: loading %q: %w", configPath, err)
		}
		cfg.ConfigPath = configPath
	}

	applyEnv(&cfg, lookupEnv)

	fs := flag.NewFlagSet("pushload", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to a YAML file of default flag values")
	fs.StringVar(&cfg.WSURL, "ws_url", cfg.WSURL, "autopush WebSocket endpoint")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "Origin header sent on the WebSocket handshake")
	fs.StringVar(&cfg.EndpointSSLCert, "endpoint_ssl_cert", cfg.EndpointSSLCert, "client certificate, as a path or inline PEM")
	fs.StringVar(&cfg.EndpointSSLKey, "endpoint_ssl_key", cfg.EndpointSSLKey, "client key, as a path or inline PEM")
	fs.BoolVar(&cfg.InsecureSkipTLS, "insecure_skip_tls", cfg.InsecureSkipTLS, "skip TLS certificate verification")
	fs.StringVar(&cfg.VapidKey, "vapid_key", cfg.VapidKey, "VAPID private key, as a path or inline PEM; generated if empty")
	fs.StringVar(&cfg.StatsDHost, "statsd_host", cfg.StatsDHost, "StatsD collector host")
	fs.IntVar(&cfg.StatsDPort, "statsd_port", cfg.StatsDPort, "StatsD collector port")
	fs.StringVar(&cfg.DatadogAPIKey, "datadog_api_key", cfg.DatadogAPIKey, "Datadog API key; Datadog sink disabled when empty")
	fs.Float64Var(&cfg.DatadogFlushInterval, "datadog_flush_interval", cfg.DatadogFlushInterval, "seconds between Datadog flushes")
	fs.StringVar(&cfg.MetricsAddr, "metrics_addr", cfg.MetricsAddr, "address to serve Prometheus metrics on; disabled when empty")
	fs.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "debug, info, warn, or error")
	fs.StringVar(&cfg.LogFormat, "log_format", cfg.LogFormat, "json or human")
	fs.StringVar(&cfg.LogOutput, "log_output", cfg.LogOutput, "stdout, none, or a file path")
	fs.StringVar(&cfg.TestPlan, "test_plan", cfg.TestPlan, "test-plan string (cmd/testplan only)")
	fs.IntVar(&cfg.Quantity, "quantity", cfg.Quantity, "virtual clients to run (cmd/scenario only)")
	fs.Float64Var(&cfg.Stagger, "stagger", cfg.Stagger, "virtual clients launched per second; 0 launches all at once (cmd/scenario only)")
	fs.Float64Var(&cfg.Delay, "delay", cfg.Delay, "seconds before the first virtual client starts (cmd/scenario only)")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	cfg.Positional = fs.Args()

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func scanForConfigFlag(argv []string) string {
	for i, a := range argv {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(argv) {
				return argv[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return ""
}

func loadYAMLInto(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config, lookupEnv func(string) string) {
	cfg.EndpointSSLCert = envOr(lookupEnv, "ENDPOINT_SSL_CERT", cfg.EndpointSSLCert)
	cfg.EndpointSSLKey = envOr(lookupEnv, "ENDPOINT_SSL_KEY", cfg.EndpointSSLKey)
	cfg.VapidKey = envOr(lookupEnv, "VAPID_KEY", cfg.VapidKey)
	cfg.StatsDHost = envOr(lookupEnv, "STATSD_HOST", cfg.StatsDHost)
	cfg.DatadogAPIKey = envOr(lookupEnv, "DATADOG_API_KEY", cfg.DatadogAPIKey)
	cfg.LogLevel = envOr(lookupEnv, "LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr(lookupEnv, "LOG_FORMAT", cfg.LogFormat)
	cfg.LogOutput = envOr(lookupEnv, "LOG_OUTPUT", cfg.LogOutput)

	if v := lookupEnv("STATSD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.StatsDPort = port
		}
	}
}

func envOr(lookupEnv func(string) string, key, fallback string) string {
	if v := lookupEnv(key); v != "" {
		return v
	}
	return fallback
}

// validate mirrors validateAgentConfig: reject combinations that can
// never produce a working run rather than fail later with a confusing
// transport error.
func validate(cfg *Config) error {
	if cfg.WSURL == "" {
		return fmt.Errorf("config: validation error: ws_url must not be empty")
	}
	if (cfg.EndpointSSLCert == "") != (cfg.EndpointSSLKey == "") {
		return fmt.Errorf("config: validation error: endpoint_ssl_cert and endpoint_ssl_key must be set together")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "human":
	default:
		return fmt.Errorf("config: validation error: log_format must be json or human, got %q", cfg.LogFormat)
	}
	if cfg.StatsDPort < 0 || cfg.StatsDPort > 65535 {
		return fmt.Errorf("config: validation error: statsd_port %d out of range", cfg.StatsDPort)
	}
	if cfg.DatadogFlushInterval <= 0 {
		return fmt.Errorf("config: validation error: datadog_flush_interval must be positive")
	}
	return nil
}

// MarshalYAML lets a loaded Config be written back out, mainly useful
// for operators bootstrapping a starter file from -h defaults.
func (c Config) MarshalYAML() (interface{}, error) {
	type plain Config
	return plain(c), nil
}
