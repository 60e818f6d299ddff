// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	VAPID    VAPIDConfig    `mapstructure:"vapid"`
	Alarm    AlarmConfig    `mapstructure:"alarm"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	RefreshToken string `mapstructure:"refresh_token"`
}

// UpstreamConfig points at the reservation site.
type UpstreamConfig struct {
	ListURL        string `mapstructure:"list_url"`
	TimeURL        string `mapstructure:"time_url"`
	UserAgent      string `mapstructure:"user_agent"`
	Referer        string `mapstructure:"referer"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RatePerSecond  int    `mapstructure:"rate_per_second"`
	RateBurst      int    `mapstructure:"rate_burst"`
}

// CrawlConfig governs the scheduler and crawl pipeline.
type CrawlConfig struct {
	Concurrency        int      `mapstructure:"concurrency"`
	SlotRetries        int      `mapstructure:"slot_retries"`
	SlotRetryDelayMs   int      `mapstructure:"slot_retry_delay_ms"`
	FullFacilityParts  int      `mapstructure:"full_facility_parts"`
	FullDateParts      int      `mapstructure:"full_date_parts"`
	DeltaFacilityParts int      `mapstructure:"delta_facility_parts"`
	DeltaDays          int      `mapstructure:"delta_days"`
	NightHour          int      `mapstructure:"night_hour"`
	NightFacilities    []string `mapstructure:"night_facilities"`
	TickSeconds        int      `mapstructure:"tick_seconds"`
	SnapshotTTLSeconds int      `mapstructure:"snapshot_ttl_seconds"`
}

// DBConfig controls the SQLite database.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig controls the snapshot and crawl-state cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// VAPIDConfig holds the push sender identity.
type VAPIDConfig struct {
	PublicKey  string `mapstructure:"public_key"`
	PrivateKey string `mapstructure:"private_key"`
	Subject    string `mapstructure:"subject"`
	TopicSeed  string `mapstructure:"topic_seed"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// AlarmConfig tunes the notification engine.
type AlarmConfig struct {
	MaxPerAlarm int `mapstructure:"max_per_alarm"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COURTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("upstream.list_url", "https://www.sen.go.kr/fcltyRent/selectFcltyRceptResveListU.do")
	v.SetDefault("upstream.time_url", "https://www.sen.go.kr/fcltyRent/selectRegistTimeByChosenDateFcltyRceptResveApply.do")
	v.SetDefault("upstream.user_agent", "Mozilla/5.0 (compatible; courtwatch/1.0)")
	v.SetDefault("upstream.timeout_seconds", 15)
	v.SetDefault("upstream.rate_per_second", 5)
	v.SetDefault("upstream.rate_burst", 5)
	v.SetDefault("crawl.concurrency", 6)
	v.SetDefault("crawl.slot_retries", 2)
	v.SetDefault("crawl.slot_retry_delay_ms", 500)
	v.SetDefault("crawl.full_facility_parts", 10)
	v.SetDefault("crawl.full_date_parts", 10)
	v.SetDefault("crawl.delta_facility_parts", 3)
	v.SetDefault("crawl.delta_days", 3)
	v.SetDefault("crawl.night_hour", 0)
	v.SetDefault("crawl.tick_seconds", 60)
	v.SetDefault("crawl.snapshot_ttl_seconds", 120)
	v.SetDefault("db.path", "courtwatch.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("vapid.topic_seed", "search-tennis-court")
	v.SetDefault("vapid.ttl_seconds", 60)
	v.SetDefault("alarm.max_per_alarm", 5)
	v.SetDefault("logging.development", true)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Upstream.ListURL == "" || c.Upstream.TimeURL == "" {
		return fmt.Errorf("upstream.list_url and upstream.time_url are required")
	}
	if c.Crawl.Concurrency <= 0 || c.Crawl.Concurrency > 10 {
		return fmt.Errorf("crawl.concurrency must be 1..10: %d", c.Crawl.Concurrency)
	}
	if c.Crawl.FullFacilityParts <= 0 || c.Crawl.FullDateParts <= 0 || c.Crawl.DeltaFacilityParts <= 0 {
		return fmt.Errorf("partition counts must be positive")
	}
	if c.Crawl.NightHour < 0 || c.Crawl.NightHour > 23 {
		return fmt.Errorf("crawl.night_hour must be 0..23: %d", c.Crawl.NightHour)
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	return nil
}
