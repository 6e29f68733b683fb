package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the effective service configuration. Resolution order:
// built-in defaults < optional YAML file (TRACEL_CONFIG) < environment.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Identity  IdentityConfig  `yaml:"identity"`
	AI        AIConfig        `yaml:"ai"`
	Baseline  BaselineConfig  `yaml:"baseline"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Storage   StorageConfig   `yaml:"storage"`
	Geo       GeoConfig       `yaml:"geo"`
	Redis     RedisConfig     `yaml:"redis"`
	Export    ExportConfig    `yaml:"export"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Contact   ContactConfig   `yaml:"contact"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	ShutdownGraceMs  int      `yaml:"shutdown_grace_ms"`
	RateLimitPerMin  int      `yaml:"rate_limit_per_min"`
	RateLimitEnabled bool     `yaml:"rate_limit_enabled"`
}

type IdentityConfig struct {
	JWKSURL        string `yaml:"jwks_url"`
	Issuer         string `yaml:"issuer"`
	AdminEmail     string `yaml:"admin_email"`
	AnonCookieName string `yaml:"anon_cookie_name"`
}

type AIConfig struct {
	URL              string `yaml:"url"`
	TimeoutMs        int    `yaml:"timeout_ms"`
	BreakerThreshold int    `yaml:"breaker_threshold"`
}

type BaselineConfig struct {
	Window    int     `yaml:"window"`
	WarmupMin int     `yaml:"warmup_min"`
	K         float64 `yaml:"k"`
}

type PipelineConfig struct {
	OwnerIdleTimeoutMs int `yaml:"owner_idle_timeout_ms"`
}

type BroadcastConfig struct {
	SubBackpressureLimit int `yaml:"sub_backpressure_limit"`
}

type StorageConfig struct {
	PrimaryDBURL         string `yaml:"primary_db_url"`
	SupabaseURL          string `yaml:"supabase_url"`
	SupabaseServiceKey   string `yaml:"supabase_service_key"`
	ThreatLogPath        string `yaml:"threat_log_path"`
	ThreatRetentionHours int    `yaml:"threat_retention_hours"`
	MemRingCapacity      int    `yaml:"mem_ring_capacity"`
}

type GeoConfig struct {
	TablePath string `yaml:"table_path"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type ExportConfig struct {
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

type AlertsConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type ContactConfig struct {
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	MemoryCapacity  int `yaml:"memory_capacity"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             "8080",
			AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownGraceMs:  5000,
			RateLimitPerMin:  300,
			RateLimitEnabled: true,
		},
		Identity: IdentityConfig{
			AnonCookieName: "tracel_anon_id",
		},
		AI: AIConfig{
			TimeoutMs:        2000,
			BreakerThreshold: 5,
		},
		Baseline: BaselineConfig{
			Window:    200,
			WarmupMin: 30,
			K:         3.0,
		},
		Pipeline: PipelineConfig{
			OwnerIdleTimeoutMs: 30000,
		},
		Broadcast: BroadcastConfig{
			SubBackpressureLimit: 256,
		},
		Storage: StorageConfig{
			ThreatLogPath:        "./data/threats.log",
			ThreatRetentionHours: 24,
			MemRingCapacity:      500,
		},
		Contact: ContactConfig{
			RateLimitPerMin: 5,
			MemoryCapacity:  1000,
		},
	}
}

// Load resolves the effective configuration. A missing YAML file referenced
// by TRACEL_CONFIG is a startup error; no TRACEL_CONFIG at all is fine.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("TRACEL_CONFIG"); path != "" {
		fileCfg, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		cfg.merge(fileCfg)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// merge overlays non-zero fields from o on top of c.
func (c *Config) merge(o *Config) {
	if o.Server.Port != "" {
		c.Server.Port = o.Server.Port
	}
	if len(o.Server.AllowedOrigins) > 0 {
		c.Server.AllowedOrigins = o.Server.AllowedOrigins
	}
	if o.Server.ShutdownGraceMs != 0 {
		c.Server.ShutdownGraceMs = o.Server.ShutdownGraceMs
	}
	if o.Server.RateLimitPerMin != 0 {
		c.Server.RateLimitPerMin = o.Server.RateLimitPerMin
	}
	if o.Identity.JWKSURL != "" {
		c.Identity.JWKSURL = o.Identity.JWKSURL
	}
	if o.Identity.Issuer != "" {
		c.Identity.Issuer = o.Identity.Issuer
	}
	if o.Identity.AdminEmail != "" {
		c.Identity.AdminEmail = o.Identity.AdminEmail
	}
	if o.Identity.AnonCookieName != "" {
		c.Identity.AnonCookieName = o.Identity.AnonCookieName
	}
	if o.AI.URL != "" {
		c.AI.URL = o.AI.URL
	}
	if o.AI.TimeoutMs != 0 {
		c.AI.TimeoutMs = o.AI.TimeoutMs
	}
	if o.AI.BreakerThreshold != 0 {
		c.AI.BreakerThreshold = o.AI.BreakerThreshold
	}
	if o.Baseline.Window != 0 {
		c.Baseline.Window = o.Baseline.Window
	}
	if o.Baseline.WarmupMin != 0 {
		c.Baseline.WarmupMin = o.Baseline.WarmupMin
	}
	if o.Baseline.K != 0 {
		c.Baseline.K = o.Baseline.K
	}
	if o.Pipeline.OwnerIdleTimeoutMs != 0 {
		c.Pipeline.OwnerIdleTimeoutMs = o.Pipeline.OwnerIdleTimeoutMs
	}
	if o.Broadcast.SubBackpressureLimit != 0 {
		c.Broadcast.SubBackpressureLimit = o.Broadcast.SubBackpressureLimit
	}
	if o.Storage.PrimaryDBURL != "" {
		c.Storage.PrimaryDBURL = o.Storage.PrimaryDBURL
	}
	if o.Storage.SupabaseURL != "" {
		c.Storage.SupabaseURL = o.Storage.SupabaseURL
	}
	if o.Storage.SupabaseServiceKey != "" {
		c.Storage.SupabaseServiceKey = o.Storage.SupabaseServiceKey
	}
	if o.Storage.ThreatLogPath != "" {
		c.Storage.ThreatLogPath = o.Storage.ThreatLogPath
	}
	if o.Storage.ThreatRetentionHours != 0 {
		c.Storage.ThreatRetentionHours = o.Storage.ThreatRetentionHours
	}
	if o.Storage.MemRingCapacity != 0 {
		c.Storage.MemRingCapacity = o.Storage.MemRingCapacity
	}
	if o.Geo.TablePath != "" {
		c.Geo.TablePath = o.Geo.TablePath
	}
	if o.Redis.URL != "" {
		c.Redis.URL = o.Redis.URL
	}
	if o.Export.Project != "" {
		c.Export.Project = o.Export.Project
	}
	if o.Export.Topic != "" {
		c.Export.Topic = o.Export.Topic
	}
	if o.Alerts.WebhookURL != "" {
		c.Alerts.WebhookURL = o.Alerts.WebhookURL
	}
	if o.Alerts.WebhookSecret != "" {
		c.Alerts.WebhookSecret = o.Alerts.WebhookSecret
	}
	if o.Contact.RateLimitPerMin != 0 {
		c.Contact.RateLimitPerMin = o.Contact.RateLimitPerMin
	}
	if o.Contact.MemoryCapacity != 0 {
		c.Contact.MemoryCapacity = o.Contact.MemoryCapacity
	}
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitCSV(v)
	}
	setInt(&c.Server.ShutdownGraceMs, "SHUTDOWN_GRACE_MS")
	setString(&c.Identity.JWKSURL, "IDENTITY_JWKS_URL")
	setString(&c.Identity.Issuer, "IDENTITY_ISSUER")
	setString(&c.Identity.AdminEmail, "ADMIN_EMAIL")
	setString(&c.Identity.AnonCookieName, "ANON_COOKIE_NAME")
	setString(&c.AI.URL, "AI_URL")
	setInt(&c.AI.TimeoutMs, "AI_TIMEOUT_MS")
	setInt(&c.AI.BreakerThreshold, "AI_BREAKER_THRESHOLD")
	setInt(&c.Baseline.Window, "BASELINE_WINDOW")
	setInt(&c.Baseline.WarmupMin, "BASELINE_WARMUP_MIN")
	setFloat(&c.Baseline.K, "BASELINE_K")
	setInt(&c.Pipeline.OwnerIdleTimeoutMs, "OWNER_IDLE_TIMEOUT_MS")
	setInt(&c.Broadcast.SubBackpressureLimit, "SUB_BACKPRESSURE_LIMIT")
	setString(&c.Storage.PrimaryDBURL, "PRIMARY_DB_URL")
	setString(&c.Storage.SupabaseURL, "SUPABASE_URL")
	setString(&c.Storage.SupabaseServiceKey, "SUPABASE_SERVICE_KEY")
	setString(&c.Storage.ThreatLogPath, "THREAT_LOG_PATH")
	setInt(&c.Storage.ThreatRetentionHours, "THREAT_RETENTION_HOURS")
	setInt(&c.Storage.MemRingCapacity, "MEM_RING_CAPACITY")
	setString(&c.Geo.TablePath, "GEO_TABLE_PATH")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Export.Project, "THREAT_EXPORT_PROJECT")
	setString(&c.Export.Topic, "THREAT_EXPORT_TOPIC")
	setString(&c.Alerts.WebhookURL, "ALERT_WEBHOOK_URL")
	setString(&c.Alerts.WebhookSecret, "ALERT_WEBHOOK_SECRET")
	setInt(&c.Contact.RateLimitPerMin, "CONTACT_RATE_LIMIT")
}

func (c *Config) validate() error {
	if c.Baseline.Window <= 0 {
		return fmt.Errorf("baseline window must be positive, got %d", c.Baseline.Window)
	}
	if c.Baseline.WarmupMin <= 0 || c.Baseline.WarmupMin > c.Baseline.Window {
		return fmt.Errorf("baseline warmup_min must be in [1, window], got %d", c.Baseline.WarmupMin)
	}
	if c.Storage.MemRingCapacity <= 0 {
		return fmt.Errorf("mem ring capacity must be positive, got %d", c.Storage.MemRingCapacity)
	}
	if c.Storage.ThreatRetentionHours <= 0 {
		return fmt.Errorf("threat retention hours must be positive, got %d", c.Storage.ThreatRetentionHours)
	}
	if c.Broadcast.SubBackpressureLimit <= 0 {
		return fmt.Errorf("sub backpressure limit must be positive, got %d", c.Broadcast.SubBackpressureLimit)
	}
	return nil
}

// Duration accessors. YAML and env carry raw integers; callers get durations.

func (c AIConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

func (c ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

func (c PipelineConfig) OwnerIdleTimeout() time.Duration {
	return time.Duration(c.OwnerIdleTimeoutMs) * time.Millisecond
}

func (c StorageConfig) ThreatRetention() time.Duration {
	return time.Duration(c.ThreatRetentionHours) * time.Hour
}

// HasPrimary reports whether any durable store is configured.
func (c StorageConfig) HasPrimary() bool {
	return c.PrimaryDBURL != "" || (c.SupabaseURL != "" && c.SupabaseServiceKey != "")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
