// Package config loads Aurora's runtime configuration from the environment.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every tunable the control plane reads at startup.
// All values come from environment variables; defaults match a
// docker-compose deployment with a co-located redis.
type Config struct {
	// Persistence. When DatabaseURL is empty the embedded bbolt store
	// under DataDir is used instead of Postgres.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DataDir     string `envconfig:"DATA_DIR" default:"/var/lib/aurora"`

	RedisHost string `envconfig:"REDIS_HOST" default:"redis"`
	RedisPort int    `envconfig:"REDIS_PORT" default:"6379"`

	TrafficIntervalSeconds   int `envconfig:"TRAFFIC_INTERVAL_SECONDS" default:"600"`
	DDNSIntervalSeconds      int `envconfig:"DDNS_INTERVAL_SECONDS" default:"120"`
	SSHConnectionTimeout     int `envconfig:"SSH_CONNECTION_TIMEOUT" default:"10"`
	HostStatsIntervalSeconds int `envconfig:"HOST_STATS_INTERVAL_SECONDS" default:"30"`

	FileStoragePath       string `envconfig:"FILE_STORAGE_PATH" default:"/app/files"`
	TaskOutputStorageDays int    `envconfig:"TASK_OUTPUT_STORAGE_DAYS" default:"1"`
	ArtifactsDir          string `envconfig:"ARTIFACTS_DIR" default:"ansible/priv_data_dirs"`

	PubsubPrefix         string  `envconfig:"PUBSUB_PREFIX" default:"aurora:pubsub"`
	PubsubStopword       string  `envconfig:"PUBSUB_STOPWORD" default:"AURORA_PUBSUB_STOP"`
	PubsubTimeoutSeconds int     `envconfig:"PUBSUB_TIMEOUT_SECONDS" default:"10"`
	PubsubSleepSeconds   float64 `envconfig:"PUBSUB_SLEEP_SECONDS" default:"0.1"`

	SecretKey    string `envconfig:"SECRET_KEY"`
	EnableSentry bool   `envconfig:"ENABLE_SENTRY" default:"false"`
	SentryDSN    string `envconfig:"SENTRY_DSN"`
	Environment  string `envconfig:"ENVIRONMENT" default:"PROD"`

	// DNSServer pins every lookup to one resolver (host or host:port)
	// ahead of the DoH providers.
	DNSServer string `envconfig:"DNS_SERVER"`

	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8000"`
	OpsAddr     string `envconfig:"OPS_ADDR" default:":9090"`
	WorkerCount int    `envconfig:"WORKER_COUNT" default:"4"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON  bool   `envconfig:"LOG_JSON" default:"false"`

	AdminEmail    string `envconfig:"ADMIN_EMAIL"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD"`
}

// Load reads the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %v", err)
	}
	return &cfg, nil
}

// RedisAddr returns the host:port the redis client dials.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// TrafficInterval returns the collection fanout cadence.
func (c *Config) TrafficInterval() time.Duration {
	return time.Duration(c.TrafficIntervalSeconds) * time.Second
}

// DDNSInterval returns the DDNS watcher cadence.
func (c *Config) DDNSInterval() time.Duration {
	return time.Duration(c.DDNSIntervalSeconds) * time.Second
}

// SSHTimeout returns the per-server connect timeout.
func (c *Config) SSHTimeout() time.Duration {
	return time.Duration(c.SSHConnectionTimeout) * time.Second
}

// HostStatsInterval returns the CPU/memory/disk sampling cadence.
func (c *Config) HostStatsInterval() time.Duration {
	return time.Duration(c.HostStatsIntervalSeconds) * time.Second
}

// PubsubTimeout returns how long a subscriber waits without traffic
// before giving up on a stream.
func (c *Config) PubsubTimeout() time.Duration {
	return time.Duration(c.PubsubTimeoutSeconds) * time.Second
}

// PubsubSleep returns the pause publishers take before emitting the
// stopword, giving live subscribers time to drain.
func (c *Config) PubsubSleep() time.Duration {
	return time.Duration(c.PubsubSleepSeconds * float64(time.Second))
}

// TaskOutputWindow returns the stream history retention window.
func (c *Config) TaskOutputWindow() time.Duration {
	return time.Duration(c.TaskOutputStorageDays) * 24 * time.Hour
}
