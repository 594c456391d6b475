package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// identPattern guards every identifier that can reach a SQL statement.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Config is the full service configuration. Values load from an optional
// YAML file, then environment variables override field by field.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	GCP       GCPConfig       `yaml:"gcp"`
	Providers ProvidersConfig `yaml:"providers"`
	Policy    PolicyConfig    `yaml:"policy"`
	Batch     BatchConfig     `yaml:"batch"`
	Stream    StreamConfig    `yaml:"stream"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	URL           string        `yaml:"url"`
	DefaultSchema string        `yaml:"default_schema"`
	MaxOpenConns  int           `yaml:"max_open_conns"`
	MaxIdleConns  int           `yaml:"max_idle_conns"`
	ConnLifetime  time.Duration `yaml:"conn_lifetime"`

	// ListenChannels are the NOTIFY channels the change listener subscribes
	// to. Names are validated as identifiers; nothing else may be listened on.
	ListenChannels []string `yaml:"listen_channels"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	Location        string `yaml:"location"`
	TasksQueue      string `yaml:"tasks_queue"`
	TaskTargetURL   string `yaml:"task_target_url"`
	TaskSecret      string `yaml:"task_secret"`
	PubSubTopic     string `yaml:"pubsub_topic"`
	CredentialsFile string `yaml:"credentials_file"`
}

type ProvidersConfig struct {
	VapiBaseURL   string        `yaml:"vapi_base_url"`
	VapiAPIKey    string        `yaml:"vapi_api_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// BusinessHours is the dialing window. Days use time.Weekday numbering
// (Sunday = 0). WrapMidnight marks a window that spans midnight; without it
// Start must be strictly before End.
type BusinessHours struct {
	Start        string `yaml:"start"`
	End          string `yaml:"end"`
	Timezone     string `yaml:"timezone"`
	Days         []int  `yaml:"days"`
	WrapMidnight bool   `yaml:"wrap_midnight"`
}

// PolicyConfig carries the admission and pricing knobs. CreditMinimum is the
// balance floor checked before dispatch and the amount reserved per call;
// CallCost is the per-started-minute rate settled on completion.
type PolicyConfig struct {
	BusinessHours      BusinessHours `yaml:"business_hours"`
	CreditMinimum      int64         `yaml:"credit_minimum"`
	CallCost           int64         `yaml:"call_cost"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	CallFeatureKey     string        `yaml:"call_feature_key"`
}

type BatchConfig struct {
	MaxParallel    int `yaml:"max_parallel"`
	DefaultRetries int `yaml:"default_retries"`
}

type StreamConfig struct {
	MailboxSize       int           `yaml:"mailbox_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReplayWindow      time.Duration `yaml:"replay_window"`
}

// Load reads the optional YAML file at path, layers environment variables on
// top, applies defaults and validates. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	// Development convenience only; a missing .env is fine.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
			slog.Info("Loaded configuration file", "path", path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.Env, "ENV")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}

	setStr(&c.Database.URL, "DATABASE_URL")
	setStr(&c.Database.DefaultSchema, "DB_DEFAULT_SCHEMA")
	if v := os.Getenv("DB_LISTEN_CHANNELS"); v != "" {
		c.Database.ListenChannels = strings.Split(v, ",")
	}

	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setStr(&c.GCP.ProjectID, "GCP_PROJECT")
	setStr(&c.GCP.Location, "GCP_LOCATION")
	setStr(&c.GCP.TasksQueue, "CLOUD_TASKS_QUEUE")
	setStr(&c.GCP.TaskTargetURL, "CLOUD_TASKS_TARGET_URL")
	setStr(&c.GCP.TaskSecret, "CLOUD_TASKS_SECRET")
	setStr(&c.GCP.PubSubTopic, "PUBSUB_TOPIC")
	setStr(&c.GCP.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")

	setStr(&c.Providers.VapiBaseURL, "VAPI_BASE_URL")
	setStr(&c.Providers.VapiAPIKey, "VAPI_API_KEY")
	setStr(&c.Providers.WebhookSecret, "PROVIDER_WEBHOOK_SECRET")

	setStr(&c.Policy.BusinessHours.Start, "BUSINESS_HOURS_START")
	setStr(&c.Policy.BusinessHours.End, "BUSINESS_HOURS_END")
	setStr(&c.Policy.BusinessHours.Timezone, "BUSINESS_HOURS_TZ")
	if v := os.Getenv("BUSINESS_HOURS_WRAP"); v != "" {
		c.Policy.BusinessHours.WrapMidnight = v == "true" || v == "1"
	}
	setInt64(&c.Policy.CreditMinimum, "CREDIT_MINIMUM")
	setInt(&c.Policy.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")

	setInt(&c.Batch.MaxParallel, "BATCH_MAX_PARALLEL")
}

// ApplyDefaults fills every zero field. The business-hours default keeps the
// historical 19:00 -> 18:00 Asia/Dubai window, which is only coherent as a
// wrap-midnight window, so the flag ships enabled alongside it.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Database.DefaultSchema == "" {
		c.Database.DefaultSchema = "public"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnLifetime == 0 {
		c.Database.ConnLifetime = 5 * time.Minute
	}
	if len(c.Database.ListenChannels) == 0 {
		c.Database.ListenChannels = []string{"call_changes"}
	}

	bh := &c.Policy.BusinessHours
	if bh.Start == "" && bh.End == "" {
		bh.Start = "19:00"
		bh.End = "18:00"
		bh.WrapMidnight = true
	}
	if bh.Timezone == "" {
		bh.Timezone = "Asia/Dubai"
	}
	if len(bh.Days) == 0 {
		bh.Days = []int{0, 1, 2, 3, 4, 5}
	}
	if c.Policy.CreditMinimum == 0 {
		c.Policy.CreditMinimum = 3
	}
	if c.Policy.CallCost == 0 {
		c.Policy.CallCost = 3
	}
	if c.Policy.RateLimitPerMinute == 0 {
		c.Policy.RateLimitPerMinute = 60
	}
	if c.Policy.CallFeatureKey == "" {
		c.Policy.CallFeatureKey = "outbound_calls"
	}

	if c.Batch.MaxParallel == 0 {
		c.Batch.MaxParallel = 8
	}

	if c.Stream.MailboxSize == 0 {
		c.Stream.MailboxSize = 64
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 15 * time.Second
	}
	if c.Stream.ReplayWindow == 0 {
		c.Stream.ReplayWindow = 5 * time.Minute
	}

	if c.Providers.VapiBaseURL == "" {
		c.Providers.VapiBaseURL = "https://api.vapi.ai"
	}
	if c.Providers.DialTimeout == 0 {
		c.Providers.DialTimeout = 30 * time.Second
	}

	if c.GCP.Location == "" {
		c.GCP.Location = "us-central1"
	}
}

// Validate rejects configurations that must never reach serving. An inverted
// business-hours window without the wrap flag aborts startup instead of
// silently dialing around the clock.
func (c *Config) Validate() error {
	bh := c.Policy.BusinessHours
	start, err := ParseClock(bh.Start)
	if err != nil {
		return fmt.Errorf("business_hours.start: %w", err)
	}
	end, err := ParseClock(bh.End)
	if err != nil {
		return fmt.Errorf("business_hours.end: %w", err)
	}
	if start >= end && !bh.WrapMidnight {
		return fmt.Errorf("business_hours window %s-%s is inverted; set wrap_midnight if the window spans midnight", bh.Start, bh.End)
	}
	if _, err := time.LoadLocation(bh.Timezone); err != nil {
		return fmt.Errorf("business_hours.timezone %q: %w", bh.Timezone, err)
	}
	for _, d := range bh.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("business_hours.days entry %d out of range 0-6", d)
		}
	}

	if c.Database.DefaultSchema != "" && !identPattern.MatchString(c.Database.DefaultSchema) {
		return fmt.Errorf("database.default_schema %q contains illegal characters", c.Database.DefaultSchema)
	}
	for _, ch := range c.Database.ListenChannels {
		if !identPattern.MatchString(ch) {
			return fmt.Errorf("database.listen_channels entry %q contains illegal characters", ch)
		}
	}
	if c.Policy.CreditMinimum < 0 {
		return fmt.Errorf("policy.credit_minimum must not be negative")
	}
	if c.Batch.MaxParallel < 1 {
		return fmt.Errorf("batch.max_parallel must be at least 1")
	}
	return nil
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return h*60 + m, nil
}

func setStr(dst *string, key string) {
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
