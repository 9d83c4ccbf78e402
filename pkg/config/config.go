package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Media struct {
		FFmpegPath           string        `yaml:"ffmpeg_path"`
		OutputRoot           string        `yaml:"output_root"`
		RecordingsRoot       string        `yaml:"recordings_root"`
		MaxConcurrentStreams int           `yaml:"max_concurrent_streams"`
		RecordingMaxDuration time.Duration `yaml:"recording_max_duration"`
		SegmentDuration      time.Duration `yaml:"segment_duration"`
		PlaylistSize         int           `yaml:"playlist_size"`
		TerminateGrace       time.Duration `yaml:"terminate_grace"`
		PlaylistWait         time.Duration `yaml:"playlist_wait"`
		DefaultQuality       string        `yaml:"default_quality"`
		MinFreeDiskMB        uint64        `yaml:"min_free_disk_mb"`
	} `yaml:"media"`

	URLs struct {
		IngestBase   string `yaml:"ingest_base"`
		PlaybackBase string `yaml:"playback_base"`
		RTCBase      string `yaml:"rtc_base"`
		PlayerBase   string `yaml:"player_base"`
		ChatBase     string `yaml:"chat_base"`
	} `yaml:"urls"`

	Registry struct {
		SweepInterval   time.Duration `yaml:"sweep_interval"`
		RetentionWindow time.Duration `yaml:"retention_window"`
	} `yaml:"registry"`

	Auth struct {
		TokenSecret      string        `yaml:"token_secret"`
		Issuer           string        `yaml:"issuer"`
		Audience         string        `yaml:"audience"`
		ChatAudience     string        `yaml:"chat_audience"`
		TokenTTL         time.Duration `yaml:"token_ttl"`
		MaxTokenLifetime time.Duration `yaml:"max_token_lifetime"`
		RefreshThreshold time.Duration `yaml:"refresh_threshold"`
		BindClientIP     bool          `yaml:"bind_client_ip"`
	} `yaml:"auth"`

	Platform struct {
		AuthURL          string        `yaml:"auth_url"`
		EnrollmentURL    string        `yaml:"enrollment_url"`
		Timeout          time.Duration `yaml:"timeout"`
		CacheTTL         time.Duration `yaml:"cache_ttl"`
		MaxRetries       int           `yaml:"max_retries"`
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"platform"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Media
	if c.Media.FFmpegPath == "" {
		return fmt.Errorf("media.ffmpeg_path must not be empty")
	}
	if c.Media.OutputRoot == "" {
		return fmt.Errorf("media.output_root must not be empty")
	}
	if c.Media.RecordingsRoot == "" {
		return fmt.Errorf("media.recordings_root must not be empty")
	}
	if c.Media.MaxConcurrentStreams <= 0 {
		return fmt.Errorf("media.max_concurrent_streams must be > 0")
	}
	if c.Media.RecordingMaxDuration <= 0 {
		return fmt.Errorf("media.recording_max_duration must be > 0")
	}
	if c.Media.SegmentDuration < time.Second {
		return fmt.Errorf("media.segment_duration must be >= 1s")
	}
	if c.Media.PlaylistSize <= 0 {
		return fmt.Errorf("media.playlist_size must be > 0")
	}
	if c.Media.TerminateGrace < 0 {
		return fmt.Errorf("media.terminate_grace must be >= 0")
	}
	if c.Media.PlaylistWait <= 0 {
		return fmt.Errorf("media.playlist_wait must be > 0")
	}

	// URLs
	if c.URLs.IngestBase == "" || c.URLs.PlaybackBase == "" {
		return fmt.Errorf("urls.ingest_base and urls.playback_base must not be empty")
	}

	// Registry
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry.sweep_interval must be > 0")
	}
	if c.Registry.RetentionWindow <= 0 {
		return fmt.Errorf("registry.retention_window must be > 0")
	}

	// Auth
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret must not be empty")
	}
	if c.Auth.Issuer == "" || c.Auth.Audience == "" || c.Auth.ChatAudience == "" {
		return fmt.Errorf("auth.issuer, auth.audience and auth.chat_audience must not be empty")
	}
	if c.Auth.Audience == c.Auth.ChatAudience {
		return fmt.Errorf("auth.chat_audience must differ from auth.audience")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}
	if c.Auth.MaxTokenLifetime < c.Auth.TokenTTL {
		return fmt.Errorf("auth.max_token_lifetime must be >= auth.token_ttl")
	}
	if c.Auth.RefreshThreshold <= 0 || c.Auth.RefreshThreshold >= c.Auth.MaxTokenLifetime {
		return fmt.Errorf("auth.refresh_threshold must be > 0 and < auth.max_token_lifetime")
	}

	// Platform
	if c.Platform.AuthURL == "" {
		return fmt.Errorf("platform.auth_url must not be empty")
	}
	if c.Platform.EnrollmentURL == "" {
		return fmt.Errorf("platform.enrollment_url must not be empty")
	}
	if c.Platform.Timeout <= 0 {
		return fmt.Errorf("platform.timeout must be > 0")
	}
	if c.Platform.MaxRetries < 0 {
		return fmt.Errorf("platform.max_retries must be >= 0")
	}
	if c.Platform.BreakerThreshold <= 0 {
		return fmt.Errorf("platform.breaker_threshold must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults, .env and
// environment overrides, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	loadDotEnv()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv populates the environment from .env without overriding
// variables that are already set.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// DefaultConfig returns configuration with sane defaults. The token secret is
// deliberately left empty and must come from the file or environment.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Media.FFmpegPath = "ffmpeg"
	cfg.Media.OutputRoot = "./data/live"
	cfg.Media.RecordingsRoot = "./data/recordings"
	cfg.Media.MaxConcurrentStreams = 10
	cfg.Media.RecordingMaxDuration = 4 * time.Hour
	cfg.Media.SegmentDuration = 2 * time.Second
	cfg.Media.PlaylistSize = 6
	cfg.Media.TerminateGrace = 5 * time.Second
	cfg.Media.PlaylistWait = 30 * time.Second
	cfg.Media.DefaultQuality = "medium"
	cfg.Media.MinFreeDiskMB = 1024

	cfg.URLs.IngestBase = "rtmp://localhost:1935/live"
	cfg.URLs.PlaybackBase = "http://localhost:8080/hls"
	cfg.URLs.PlayerBase = "http://localhost:3000/live"
	cfg.URLs.ChatBase = "ws://localhost:3000/chat"

	cfg.Registry.SweepInterval = 5 * time.Minute
	cfg.Registry.RetentionWindow = 24 * time.Hour

	cfg.Auth.Issuer = "lecturecast"
	cfg.Auth.Audience = "lecturecast-player"
	cfg.Auth.ChatAudience = "lecturecast-chat"
	cfg.Auth.TokenTTL = 4 * time.Hour
	cfg.Auth.MaxTokenLifetime = 4 * time.Hour
	cfg.Auth.RefreshThreshold = 30 * time.Minute

	cfg.Platform.AuthURL = "http://localhost:3000/api/auth/session"
	cfg.Platform.EnrollmentURL = "http://localhost:3000/api/enrollments/check"
	cfg.Platform.Timeout = 5 * time.Second
	cfg.Platform.CacheTTL = time.Minute
	cfg.Platform.MaxRetries = 2
	cfg.Platform.BreakerThreshold = 5
	cfg.Platform.BreakerCooldown = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LECTURECAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("LECTURECAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("LECTURECAST_TOKEN_SECRET"); secret != "" {
		c.Auth.TokenSecret = secret
	}
	if path := os.Getenv("LECTURECAST_FFMPEG_PATH"); path != "" {
		c.Media.FFmpegPath = path
	}
	if root := os.Getenv("LECTURECAST_OUTPUT_ROOT"); root != "" {
		c.Media.OutputRoot = root
	}
	if n, err := strconv.Atoi(os.Getenv("LECTURECAST_MAX_STREAMS")); err == nil && n > 0 {
		c.Media.MaxConcurrentStreams = n
	}
	if d, err := time.ParseDuration(os.Getenv("LECTURECAST_PLAYLIST_WAIT")); err == nil && d > 0 {
		c.Media.PlaylistWait = d
	}
	if url := os.Getenv("LECTURECAST_AUTH_URL"); url != "" {
		c.Platform.AuthURL = url
	}
	if url := os.Getenv("LECTURECAST_ENROLLMENT_URL"); url != "" {
		c.Platform.EnrollmentURL = url
	}
	if addr := os.Getenv("LECTURECAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
}
