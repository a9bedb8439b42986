// Package config loads the gateway's flat environment-variable configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in the external interfaces contract,
// grouped by namespace the way the upstream config file groups them.
type Config struct {
	// Server
	Host string
	Port int
	// Database
	DBPath string
	// Security
	EncryptionKey string
	StaticToken   string // app-key protecting admin batch endpoints

	// Network
	UpstreamBaseURL  string
	AssetProxyURL    string
	UpstreamTimeout  time.Duration
	BaseProxyURL     string // default outbound proxy, empty = direct

	// Security / browser impersonation
	BrowserProfile string // e.g. "chrome133-macos"
	UserAgent      string
	CfClearance    string

	// Chat
	Stream          bool
	Thinking        bool
	DynamicStatsig  bool
	FilterTags      []string

	// Retry (C2)
	MaxRetry         int
	RetryStatusCodes []int
	BackoffBase      time.Duration
	BackoffFactor    float64
	BackoffMax       time.Duration
	RetryBudget      time.Duration

	// Cross-token fallover (C9)
	MaxTokenRetries int

	// Performance — per-operation concurrency caps
	RateLimitProbeMaxConcurrent int
	NSFWEnableMaxConcurrent     int
	AssetDownloadMaxConcurrent  int
	BatchMaxConcurrent          int
	BatchBatchSize              int
	BatchMaxTokens              int

	// Image
	ImageTimeout       time.Duration
	ImageStreamTimeout time.Duration
	ImageFinalTimeout  time.Duration
	ImageFinalMinBytes int64
	ImageMediumMinBytes int64

	// Timeouts
	StreamIdleTimeout time.Duration
	VideoIdleTimeout  time.Duration

	// App
	AppURL      string
	ImageFormat string // "url" | "base64"
	VideoFormat string // "url" | "html"

	// Asset cache (C7)
	AssetCacheDir       string
	ImageCacheCapMB     int64
	VideoCacheCapMB     int64

	// Batch task reaping (C6)
	BatchTaskTTL time.Duration

	// Sticky session routing: pins repeat chat requests from the same
	// client-supplied user id to the same token for conversation continuity.
	StickySessionTTL time.Duration

	// Logging
	LogLevel string
}

// Load reads Config from the environment, applying defaults for every field.
func Load() *Config {
	return &Config{
		Host:   envOr("HOST", "0.0.0.0"),
		Port:   envInt("PORT", 8080),
		DBPath: envOr("DB_PATH", "./gateway.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   os.Getenv("APP_KEY"),

		UpstreamBaseURL: envOr("UPSTREAM_BASE_URL", "https://grok.com"),
		AssetProxyURL:   envOr("ASSET_PROXY_URL", "https://assets.grok.com"),
		UpstreamTimeout: envDuration("UPSTREAM_TIMEOUT_MS", 30*time.Second),
		BaseProxyURL:    os.Getenv("BASE_PROXY_URL"),

		BrowserProfile: envOr("BROWSER_PROFILE", "chrome133-macos"),
		UserAgent:      envOr("USER_AGENT", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"),
		CfClearance:    os.Getenv("CF_CLEARANCE"),

		Stream:         envBool("CHAT_STREAM", true),
		Thinking:       envBool("CHAT_THINKING", false),
		DynamicStatsig: envBool("CHAT_DYNAMIC_STATSIG", false),
		FilterTags:     envList("CHAT_FILTER_TAGS", []string{"grok:render", "xaiartifact", "xai:tool_usage_card"}),

		MaxRetry:         envInt("RETRY_MAX_RETRY", 3),
		RetryStatusCodes: envIntList("RETRY_STATUS_CODES", []int{401, 429, 403}),
		BackoffBase:      envDurationSeconds("RETRY_BACKOFF_BASE", 500*time.Millisecond),
		BackoffFactor:    envFloat("RETRY_BACKOFF_FACTOR", 2.0),
		BackoffMax:       envDurationSeconds("RETRY_BACKOFF_MAX", 30*time.Second),
		RetryBudget:      envDurationSeconds("RETRY_BUDGET", 90*time.Second),

		MaxTokenRetries: envInt("MAX_TOKEN_RETRIES", 3),

		RateLimitProbeMaxConcurrent: envInt("RATE_LIMIT_PROBE_MAX_CONCURRENT", 25),
		NSFWEnableMaxConcurrent:     envInt("NSFW_ENABLE_MAX_CONCURRENT", 10),
		AssetDownloadMaxConcurrent:  envInt("ASSET_DOWNLOAD_MAX_CONCURRENT", 10),
		BatchMaxConcurrent:          envInt("BATCH_MAX_CONCURRENT", 10),
		BatchBatchSize:              envInt("BATCH_BATCH_SIZE", 50),
		BatchMaxTokens:              envInt("BATCH_MAX_TOKENS", 1000),

		ImageTimeout:        envDurationSeconds("IMAGE_TIMEOUT", 60*time.Second),
		ImageStreamTimeout:  envDurationSeconds("IMAGE_STREAM_TIMEOUT", 60*time.Second),
		ImageFinalTimeout:   envDurationSeconds("IMAGE_FINAL_TIMEOUT", 20*time.Second),
		ImageFinalMinBytes:  envInt64("IMAGE_FINAL_MIN_BYTES", 200*1024),
		ImageMediumMinBytes: envInt64("IMAGE_MEDIUM_MIN_BYTES", 50*1024),

		StreamIdleTimeout: envDurationSeconds("STREAM_IDLE_TIMEOUT", 45*time.Second),
		VideoIdleTimeout:  envDurationSeconds("VIDEO_IDLE_TIMEOUT", 90*time.Second),

		AppURL:      envOr("APP_URL", "http://localhost:8080"),
		ImageFormat: envOr("IMAGE_FORMAT", "url"),
		VideoFormat: envOr("VIDEO_FORMAT", "url"),

		AssetCacheDir:   envOr("ASSET_CACHE_DIR", "./data/assets"),
		ImageCacheCapMB: envInt64("IMAGE_CACHE_CAP_MB", 500),
		VideoCacheCapMB: envInt64("VIDEO_CACHE_CAP_MB", 2000),

		BatchTaskTTL: envDurationSeconds("BATCH_TASK_TTL", 300*time.Second),

		StickySessionTTL: envDurationSeconds("STICKY_SESSION_TTL", 30*time.Minute),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// Validate fails fast on missing required configuration.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.StaticToken == "" {
		return errMissing("APP_KEY")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration treats the raw value as milliseconds (teacher's convention).
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// envDurationSeconds treats the raw value as seconds (upstream config convention).
func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return fallback
}

func envIntList(key string, fallback []int) []int {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
				out = append(out, n)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
