package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all bridge configuration. Values come from an optional
// YAML file (BRIDGE_CONFIG) overlaid by BRIDGE_* environment variables;
// the environment wins.
type Config struct {
	// Vault
	VaultPath string `yaml:"vault_path"`

	// Local API for the desktop shell
	APIAddr string `yaml:"api_addr"`
	APIAuth bool   `yaml:"api_auth"`

	// Loop cadence
	PollInterval  time.Duration `yaml:"poll_interval"`  // backend command poll loop
	WatchInterval time.Duration `yaml:"watch_interval"` // folder watcher loop

	// Discovery
	DiscoveryWindow time.Duration `yaml:"discovery_window"` // per mDNS browse
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`    // per subnet probe
	SweepTimeout    time.Duration `yaml:"sweep_timeout"`    // whole subnet sweep
	RediscoverCron  string        `yaml:"rediscover_cron"`  // empty disables scheduled rediscovery

	// Notifications. Event lists restrict a sink to specific event
	// types; empty means all.
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
	WebhookEvents  []string          `yaml:"webhook_events"`
	MQTTBroker     string            `yaml:"mqtt_broker"`
	MQTTTopic      string            `yaml:"mqtt_topic"`
	MQTTClientID   string            `yaml:"mqtt_client_id"`
	MQTTUsername   string            `yaml:"mqtt_username"`
	MQTTPassword   string            `yaml:"mqtt_password"`
	MQTTQoS        int               `yaml:"mqtt_qos"`
	MQTTEvents     []string          `yaml:"mqtt_events"`

	// Metrics
	MetricsTextfile string `yaml:"metrics_textfile"` // node_exporter textfile path, empty disables

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

// CronParser validates and parses rediscovery schedules. Standard five
// field cron with an optional leading seconds field.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Load reads configuration from the optional YAML file named by
// BRIDGE_CONFIG, then applies BRIDGE_* environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		VaultPath:       defaultVaultPath(),
		APIAddr:         "127.0.0.1:8618",
		APIAuth:         true,
		PollInterval:    2 * time.Second,
		WatchInterval:   5 * time.Second,
		DiscoveryWindow: 5 * time.Second,
		ProbeTimeout:    2 * time.Second,
		SweepTimeout:    30 * time.Second,
		MQTTTopic:       "docflow/bridge",
		MQTTClientID:    "docflow-bridge",
		LogJSON:         false,
		LogLevel:        "info",
	}
	if path := os.Getenv("BRIDGE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.VaultPath = envStr("BRIDGE_VAULT_PATH", c.VaultPath)
	c.APIAddr = envStr("BRIDGE_API_ADDR", c.APIAddr)
	c.APIAuth = envBool("BRIDGE_API_AUTH", c.APIAuth)
	c.PollInterval = envDuration("BRIDGE_POLL_INTERVAL", c.PollInterval)
	c.WatchInterval = envDuration("BRIDGE_WATCH_INTERVAL", c.WatchInterval)
	c.DiscoveryWindow = envDuration("BRIDGE_DISCOVERY_WINDOW", c.DiscoveryWindow)
	c.ProbeTimeout = envDuration("BRIDGE_PROBE_TIMEOUT", c.ProbeTimeout)
	c.SweepTimeout = envDuration("BRIDGE_SWEEP_TIMEOUT", c.SweepTimeout)
	c.RediscoverCron = envStr("BRIDGE_REDISCOVER_CRON", c.RediscoverCron)
	c.WebhookURL = envStr("BRIDGE_WEBHOOK_URL", c.WebhookURL)
	c.WebhookHeaders = envHeaders("BRIDGE_WEBHOOK_HEADERS", c.WebhookHeaders)
	c.WebhookEvents = envList("BRIDGE_WEBHOOK_EVENTS", c.WebhookEvents)
	c.MQTTBroker = envStr("BRIDGE_MQTT_BROKER", c.MQTTBroker)
	c.MQTTTopic = envStr("BRIDGE_MQTT_TOPIC", c.MQTTTopic)
	c.MQTTClientID = envStr("BRIDGE_MQTT_CLIENT_ID", c.MQTTClientID)
	c.MQTTUsername = envStr("BRIDGE_MQTT_USERNAME", c.MQTTUsername)
	c.MQTTPassword = envStr("BRIDGE_MQTT_PASSWORD", c.MQTTPassword)
	c.MQTTQoS = envInt("BRIDGE_MQTT_QOS", c.MQTTQoS)
	c.MQTTEvents = envList("BRIDGE_MQTT_EVENTS", c.MQTTEvents)
	c.MetricsTextfile = envStr("BRIDGE_METRICS_TEXTFILE", c.MetricsTextfile)
	c.LogJSON = envBool("BRIDGE_LOG_JSON", c.LogJSON)
	c.LogLevel = envStr("BRIDGE_LOG_LEVEL", c.LogLevel)
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.VaultPath == "" {
		errs = append(errs, errors.New("BRIDGE_VAULT_PATH must not be empty"))
	}
	if c.APIAddr == "" {
		errs = append(errs, errors.New("BRIDGE_API_ADDR must not be empty"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("BRIDGE_POLL_INTERVAL must be > 0, got %s", c.PollInterval))
	}
	if c.WatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("BRIDGE_WATCH_INTERVAL must be > 0, got %s", c.WatchInterval))
	}
	if c.DiscoveryWindow <= 0 {
		errs = append(errs, fmt.Errorf("BRIDGE_DISCOVERY_WINDOW must be > 0, got %s", c.DiscoveryWindow))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BRIDGE_PROBE_TIMEOUT must be > 0, got %s", c.ProbeTimeout))
	}
	if c.SweepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BRIDGE_SWEEP_TIMEOUT must be > 0, got %s", c.SweepTimeout))
	}
	if c.RediscoverCron != "" {
		if _, err := CronParser.Parse(c.RediscoverCron); err != nil {
			errs = append(errs, fmt.Errorf("BRIDGE_REDISCOVER_CRON is not a valid cron expression: %v", err))
		}
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("BRIDGE_MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	return errors.Join(errs...)
}

func defaultVaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "vault.db"
	}
	return filepath.Join(dir, "docflow-bridge", "vault.db")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envList splits a comma-separated value, trimming whitespace and
// dropping empty entries.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// envHeaders parses "Name=Value,Name2=Value2" pairs. Values may contain
// '=' (bearer tokens often do), so only the first '=' splits.
func envHeaders(key string, def map[string]string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		headers[name] = value
	}
	return headers
}
