package config

import "time"

// BoardConfig holds runtime configuration for the status board service.
type BoardConfig struct {
	Environment string
	Addr        string
	LogLevel    string

	RemoteSnapshotURL  string
	ConnectedFile      string
	ConnectedDocument  string
	WatchConnectedFile bool
	// ConnectRoot confines file handles opened through the API. Empty
	// disables file connects over HTTP.
	ConnectRoot        string

	DatabaseURL   string
	MigrationsDir string

	FallbackBackend       string
	FallbackPath          string
	FallbackKey           string
	FallbackRedisAddr     string
	FallbackRedisPass     string
	FallbackRedisDB       int
	FallbackEncryptionKey string

	SaveQuietPeriod    time.Duration
	ProbeTimeout       time.Duration
	OpaqueProbeTimeout time.Duration
	ProbeConcurrency   int
	ProbeRatePerSecond int
	ProbeUserAgent     string
	RefreshInterval    time.Duration

	JWTSecret          string
	AdminPasswordHash  string
	AccessTokenTTL     time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadBoardConfig constructs a BoardConfig from environment variables layered
// over the YAML file named by STATUSBOARD_CONFIG, if any.
func LoadBoardConfig() (BoardConfig, error) {
	src, err := NewSource(GetString("STATUSBOARD_CONFIG", ""))
	if err != nil {
		return BoardConfig{}, err
	}
	return LoadBoardConfigFrom(src), nil
}

// LoadBoardConfigFrom constructs a BoardConfig from the given source.
func LoadBoardConfigFrom(src Source) BoardConfig {
	return BoardConfig{
		Environment:           src.String("APP_ENV", "development"),
		Addr:                  src.String("API_ADDR", ":4100"),
		LogLevel:              src.String("LOG_LEVEL", "info"),
		RemoteSnapshotURL:     src.String("REMOTE_SNAPSHOT_URL", ""),
		ConnectedFile:         src.String("CONNECTED_FILE", ""),
		ConnectedDocument:     src.String("CONNECTED_DOCUMENT", ""),
		WatchConnectedFile:    src.Bool("WATCH_CONNECTED_FILE", true),
		ConnectRoot:           src.String("CONNECT_ROOT", ""),
		DatabaseURL:           src.String("DATABASE_URL", ""),
		MigrationsDir:         src.String("DB_MIGRATIONS_DIR", "db/migrations"),
		FallbackBackend:       src.String("FALLBACK_BACKEND", "badger"),
		FallbackPath:          src.String("FALLBACK_PATH", "data/fallback"),
		FallbackKey:           src.String("FALLBACK_KEY", "status_dashboard_data"),
		FallbackRedisAddr:     src.String("FALLBACK_REDIS_ADDR", ""),
		FallbackRedisPass:     src.String("FALLBACK_REDIS_PASSWORD", ""),
		FallbackRedisDB:       src.Int("FALLBACK_REDIS_DB", 0),
		FallbackEncryptionKey: src.String("FALLBACK_ENCRYPTION_KEY", ""),
		SaveQuietPeriod:       time.Duration(src.Int("SAVE_QUIET_MS", 500)) * time.Millisecond,
		ProbeTimeout:          time.Duration(src.Int("PROBE_TIMEOUT_SECONDS", 10)) * time.Second,
		OpaqueProbeTimeout:    time.Duration(src.Int("OPAQUE_PROBE_TIMEOUT_SECONDS", 6)) * time.Second,
		ProbeConcurrency:      src.Int("PROBE_CONCURRENCY", 16),
		ProbeRatePerSecond:    src.Int("PROBE_RATE_PER_SECOND", 20),
		ProbeUserAgent:        src.String("PROBE_USER_AGENT", "statusboard probe"),
		RefreshInterval:       time.Duration(src.Int("REFRESH_INTERVAL_SECONDS", 0)) * time.Second,
		JWTSecret:             src.String("JWT_SECRET", ""),
		AdminPasswordHash:     src.String("ADMIN_PASSWORD_HASH", ""),
		AccessTokenTTL:        time.Duration(src.Int("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		RateLimitRedisAddr:    src.String("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:    src.String("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:      src.Int("RATE_LIMIT_REDIS_DB", 0),
	}
}
