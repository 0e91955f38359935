// SPDX-License-Identifier: MIT

// Package config loads the gateway configuration from environment variables.
// Every option has a safe default; secrets must be provided explicitly.
package config

import (
	"fmt"
	"time"
)

// BackendMode selects where response bodies come from.
type BackendMode string

const (
	BackendFilesystem BackendMode = "filesystem"
	BackendHTTP       BackendMode = "http"
)

// Config is the complete runtime configuration of the gateway.
type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string // "json" or "console"

	Redis RedisConfig

	Backend BackendConfig

	// Secrets.
	SecretKey            string // playback HMAC secret
	JSWhitelistSecretKey string // front-end JS-whitelist HMAC secret
	APIKey               string // admin API bearer key

	// Session store.
	SessionTTL        time.Duration
	UserSessionTTL    time.Duration
	SessionCookieName string
	CookieHTTPOnly    bool
	CookieSecure      bool
	CookieSameSite    string

	// Whitelist store.
	IPAccessTTL                 time.Duration
	MaxPathsPerCIDR             int
	MaxUAIPPairsPerUID          int
	EnableStaticFileIPOnlyCheck bool
	StaticFileExtensions        []string
	FullyAllowedExtensions      []string
	LegacySkipValidationExts    []string
	FixedIPWhitelist            []string

	// Manifest access control.
	M3U8SingleUseTTL            time.Duration
	M3U8DefaultMaxAccessCount   int
	M3U8AccessLimits            map[string]map[string]int
	M3U8AccessWindowTTL         map[string]time.Duration
	EnableBrowserAdaptiveAccess bool

	// Token replay.
	TokenReplayEnabled bool
	TokenReplayMaxUses int
	TokenReplayTTL     time.Duration

	// Key-file protection.
	KeyProtectEnabled     bool
	KeyProtectDynamicM3U8 bool
	KeyProtectMaxUses     int
	KeyProtectTTL         time.Duration
	KeyProtectExtensions  []string

	// Manifest content cache.
	M3U8ContentCacheEnabled bool
	M3U8ContentCacheTTL     time.Duration

	// Safe-Key redirect.
	SafeKeyProtectEnabled  bool
	SafeKeyRedirectBaseURL string

	// JS whitelist.
	EnableJSWhitelistTracker bool
	JSWhitelistTrackerTTL    time.Duration
	JSWhitelistSignatureTTL  time.Duration

	// Validation coordinator and KV switches.
	EnableParallelValidation   bool
	EnableRequestDeduplication bool
	EnableRedisPipeline        bool
	EnableResponseStreaming    bool

	// Test-mode bypass switches. Production keeps all false.
	DisableIPWhitelist       bool
	DisablePathProtection    bool
	DisableSessionValidation bool

	// Admin surface.
	AdminRateLimit int // requests per minute per IP on /api/*
	MetricsEnabled bool
}

// RedisConfig holds control-plane store connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
	PoolSize int
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// BackendConfig selects and parametrizes the delivery backend.
type BackendConfig struct {
	Mode           BackendMode
	FilesystemRoot string

	Host      string
	Port      int
	UseHTTPS  bool
	SSLVerify bool
	MaxConns  int
	Timeout   time.Duration

	StreamingThreshold int64
	SendfileMaxChunk   int64
	OutputBuffersSize  int64
}

// FromEnv builds the configuration from the process environment.
func FromEnv() *Config {
	cfg := &Config{
		ListenAddr: ParseString("LISTEN_ADDR", ":8080"),
		LogLevel:   ParseString("LOG_LEVEL", "info"),
		LogFormat:  ParseString("LOG_FORMAT", "json"),

		Redis: RedisConfig{
			Host:     ParseString("REDIS_HOST", "127.0.0.1"),
			Port:     ParseInt("REDIS_PORT", 6379),
			DB:       ParseInt("REDIS_DB", 0),
			Password: ParseString("REDIS_PASSWORD", ""),
			PoolSize: ParseInt("REDIS_POOL_SIZE", 10),
		},

		Backend: BackendConfig{
			Mode:           BackendMode(ParseString("BACKEND_MODE", string(BackendFilesystem))),
			FilesystemRoot: ParseString("BACKEND_FILESYSTEM_ROOT", "/srv/media"),
			Host:           ParseString("BACKEND_HOST", "127.0.0.1"),
			Port:           ParseInt("BACKEND_PORT", 80),
			UseHTTPS:       ParseBool("BACKEND_USE_HTTPS", false),
			SSLVerify:      ParseBool("BACKEND_SSL_VERIFY", true),
			MaxConns:       ParseInt("UPSTREAM_MAX_CONNS", 100),
			Timeout:        ParseDuration("UPSTREAM_TIMEOUT", 30*time.Second),

			StreamingThreshold: ParseInt64("STREAMING_THRESHOLD", 1<<20),
			SendfileMaxChunk:   ParseInt64("SENDFILE_MAX_CHUNK", 2<<20),
			OutputBuffersSize:  ParseInt64("OUTPUT_BUFFERS_SIZE", 32<<10),
		},

		SecretKey:            ParseString("SECRET_KEY", ""),
		JSWhitelistSecretKey: ParseString("JS_WHITELIST_SECRET_KEY", ""),
		APIKey:               ParseString("API_KEY", ""),

		SessionTTL:        ParseDuration("SESSION_TTL", 2*time.Hour),
		UserSessionTTL:    ParseDuration("USER_SESSION_TTL", 4*time.Hour),
		SessionCookieName: ParseString("SESSION_COOKIE_NAME", "session_id_fileserver"),
		CookieHTTPOnly:    ParseBool("COOKIE_HTTPONLY", true),
		CookieSecure:      ParseBool("COOKIE_SECURE", false),
		CookieSameSite:    ParseString("COOKIE_SAMESITE", "Lax"),

		IPAccessTTL:                 ParseDuration("IP_ACCESS_TTL", time.Hour),
		MaxPathsPerCIDR:             ParseInt("MAX_PATHS_PER_CIDR", 3),
		MaxUAIPPairsPerUID:          ParseInt("MAX_UA_IP_PAIRS_PER_UID", 5),
		EnableStaticFileIPOnlyCheck: ParseBool("ENABLE_STATIC_FILE_IP_ONLY_CHECK", true),
		StaticFileExtensions: ParseStringSlice("STATIC_FILE_EXTENSIONS", []string{
			".jpg", ".jpeg", ".png", ".gif", ".svg",
			".css", ".js",
			".woff", ".woff2", ".ttf", ".eot",
			".ico", ".txt",
		}),
		FullyAllowedExtensions: ParseStringSlice("FULLY_ALLOWED_EXTENSIONS", []string{".ts", ".svv"}),
		LegacySkipValidationExts: ParseStringSlice("LEGACY_SKIP_VALIDATION_EXTENSIONS", []string{
			".webp", ".php", ".js", ".css", ".ico", ".txt",
			".woff", ".woff2", ".ttf", ".png", ".jpg", ".jpeg", ".gif", ".svg",
		}),
		FixedIPWhitelist: ParseStringSlice("FIXED_IP_WHITELIST", nil),

		M3U8SingleUseTTL:          ParseDuration("M3U8_SINGLE_USE_TTL", 5*time.Minute),
		M3U8DefaultMaxAccessCount: ParseInt("M3U8_DEFAULT_MAX_ACCESS_COUNT", 1),
		M3U8AccessLimits: map[string]map[string]int{
			"mobile_browser": {
				"qq": ParseInt("M3U8_ACCESS_LIMIT_QQ", 2),
				"uc": 1, "baidu": 1,
				"chrome_mobile": 1, "safari_mobile": 1,
				"default": ParseInt("M3U8_ACCESS_LIMIT_MOBILE", 1),
			},
			"desktop_browser": {
				"chrome": 1, "firefox": 1, "edge": 1, "safari": 1,
				"default": ParseInt("M3U8_ACCESS_LIMIT_DESKTOP", 1),
			},
			"download_tool": {"default": ParseInt("M3U8_ACCESS_LIMIT_DOWNLOAD", 1)},
			"unknown":       {"default": ParseInt("M3U8_ACCESS_LIMIT_UNKNOWN", 1)},
		},
		M3U8AccessWindowTTL: map[string]time.Duration{
			"mobile_browser":  ParseDuration("M3U8_ACCESS_WINDOW_MOBILE", 3*time.Minute),
			"desktop_browser": ParseDuration("M3U8_ACCESS_WINDOW_DESKTOP", 2*time.Minute),
			"download_tool":   ParseDuration("M3U8_ACCESS_WINDOW_DOWNLOAD", time.Minute),
			"unknown":         ParseDuration("M3U8_ACCESS_WINDOW_UNKNOWN", time.Minute),
		},
		EnableBrowserAdaptiveAccess: ParseBool("ENABLE_BROWSER_ADAPTIVE_ACCESS", true),

		TokenReplayEnabled: ParseBool("TOKEN_REPLAY_ENABLED", true),
		TokenReplayMaxUses: ParseInt("TOKEN_REPLAY_MAX_USES", 1),
		TokenReplayTTL:     ParseDuration("TOKEN_REPLAY_TTL", 160*time.Minute),

		KeyProtectEnabled:     ParseBool("KEY_PROTECT_ENABLED", true),
		KeyProtectDynamicM3U8: ParseBool("KEY_PROTECT_DYNAMIC_M3U8", true),
		KeyProtectMaxUses:     ParseInt("KEY_PROTECT_MAX_USES", 1),
		KeyProtectTTL:         ParseDuration("KEY_PROTECT_TTL", 160*time.Minute),
		KeyProtectExtensions:  ParseStringSlice("KEY_PROTECT_EXTENSIONS", []string{".key", "enc.key"}),

		M3U8ContentCacheEnabled: ParseBool("M3U8_CONTENT_CACHE_ENABLED", true),
		M3U8ContentCacheTTL:     ParseDuration("M3U8_CONTENT_CACHE_TTL", time.Hour),

		SafeKeyProtectEnabled:  ParseBool("SAFE_KEY_PROTECT_ENABLED", false),
		SafeKeyRedirectBaseURL: ParseString("SAFE_KEY_REDIRECT_BASE_URL", ""),

		EnableJSWhitelistTracker: ParseBool("ENABLE_JS_WHITELIST_TRACKER", true),
		JSWhitelistTrackerTTL:    ParseDuration("JS_WHITELIST_TRACKER_TTL", time.Hour),
		JSWhitelistSignatureTTL:  ParseDuration("JS_WHITELIST_SIGNATURE_TTL", time.Hour),

		EnableParallelValidation:   ParseBool("ENABLE_PARALLEL_VALIDATION", true),
		EnableRequestDeduplication: ParseBool("ENABLE_REQUEST_DEDUPLICATION", true),
		EnableRedisPipeline:        ParseBool("ENABLE_REDIS_PIPELINE", true),
		EnableResponseStreaming:    ParseBool("ENABLE_RESPONSE_STREAMING", true),

		DisableIPWhitelist:       ParseBool("DISABLE_IP_WHITELIST", false),
		DisablePathProtection:    ParseBool("DISABLE_PATH_PROTECTION", false),
		DisableSessionValidation: ParseBool("DISABLE_SESSION_VALIDATION", false),

		AdminRateLimit: ParseInt("ADMIN_RATE_LIMIT", 120),
		MetricsEnabled: ParseBool("METRICS_ENABLED", true),
	}
	return cfg
}

// Validate rejects fatally inconsistent configuration.
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case BackendFilesystem, BackendHTTP:
	default:
		return fmt.Errorf("unknown BACKEND_MODE %q", c.Backend.Mode)
	}
	if c.Backend.Mode == BackendFilesystem && c.Backend.FilesystemRoot == "" {
		return fmt.Errorf("BACKEND_FILESYSTEM_ROOT must be set in filesystem mode")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY must be set")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY must be set")
	}
	if c.EnableJSWhitelistTracker && c.JSWhitelistSecretKey == "" {
		return fmt.Errorf("JS_WHITELIST_SECRET_KEY must be set when the JS whitelist tracker is enabled")
	}
	if c.SafeKeyProtectEnabled && c.SafeKeyRedirectBaseURL == "" {
		return fmt.Errorf("SAFE_KEY_REDIRECT_BASE_URL must be set when safe-key protection is enabled")
	}
	if c.TokenReplayMaxUses < 1 || c.KeyProtectMaxUses < 1 {
		return fmt.Errorf("max-uses limits must be >= 1")
	}
	return nil
}

// ManifestLimit resolves the per-class/per-browser manifest access limit and
// TTL window for the given browser classification.
func (c *Config) ManifestLimit(browserType, browserName string, suggested int) (int, time.Duration) {
	if !c.EnableBrowserAdaptiveAccess {
		return c.M3U8DefaultMaxAccessCount, c.M3U8SingleUseTTL
	}
	limit := suggested
	if class, ok := c.M3U8AccessLimits[browserType]; ok {
		if n, ok := class[browserName]; ok {
			limit = n
		} else if n, ok := class["default"]; ok {
			limit = n
		}
	}
	window := time.Minute
	if w, ok := c.M3U8AccessWindowTTL[browserType]; ok {
		window = w
	}
	return limit, window
}
