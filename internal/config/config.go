package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	ReposDir      string
	GitAuthor     string
	CORSOrigin    string
	// JWTSecret enables signed identity tokens on the WebSocket when set.
	JWTSecret string
	// RedisURL enables draft snapshots and save events when set.
	RedisURL string
	DraftTTL time.Duration

	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReconnectGrace    time.Duration
	IdleThreshold     time.Duration
	IdleSweepInterval time.Duration
	AutosaveDelay     time.Duration
	AutosaveInterval  time.Duration
	SaveTimeout       time.Duration
	SaveAttempts      int
	SaveBackoff       time.Duration
	SaveMaxBackoff    time.Duration
	StalePolicy       string

	SendBuffer     int
	MaxMessageSize int64

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8787"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("LIVECODE_MIGRATIONS_DIR", "./db/migrations"),
		ReposDir:      getenv("LIVECODE_REPOS_DIR", "./data/repos"),
		GitAuthor:     getenv("LIVECODE_GIT_AUTHOR", "LiveCode"),
		CORSOrigin:    getenv("LIVECODE_CORS_ORIGIN", "*"),
		JWTSecret:     getenv("LIVECODE_JWT_SECRET", ""),
		RedisURL:      getenv("REDIS_URL", ""),
		DraftTTL:      seconds("LIVECODE_DRAFT_TTL_SECONDS", 604800),

		HeartbeatTimeout:  seconds("LIVECODE_HEARTBEAT_TIMEOUT_SECONDS", 90),
		HeartbeatInterval: seconds("LIVECODE_HEARTBEAT_INTERVAL_SECONDS", 30),
		ReconnectGrace:    seconds("LIVECODE_RECONNECT_GRACE_SECONDS", 60),
		IdleThreshold:     seconds("LIVECODE_IDLE_THRESHOLD_SECONDS", 120),
		IdleSweepInterval: seconds("LIVECODE_IDLE_SWEEP_INTERVAL_SECONDS", 60),
		AutosaveDelay:     seconds("LIVECODE_AUTOSAVE_DELAY_SECONDS", 30),
		AutosaveInterval:  seconds("LIVECODE_AUTOSAVE_INTERVAL_SECONDS", 10),
		SaveTimeout:       seconds("LIVECODE_SAVE_TIMEOUT_SECONDS", 15),
		SaveAttempts:      getenvInt("LIVECODE_SAVE_ATTEMPTS", 3),
		SaveBackoff:       millis("LIVECODE_SAVE_BACKOFF_MS", 500),
		SaveMaxBackoff:    millis("LIVECODE_SAVE_MAX_BACKOFF_MS", 5000),
		StalePolicy:       strings.ToLower(getenv("LIVECODE_STALE_POLICY", "latest-wins")),

		SendBuffer:     getenvInt("LIVECODE_WS_SEND_BUFFER", 64),
		MaxMessageSize: int64(getenvInt("LIVECODE_WS_MAX_MESSAGE_BYTES", 1<<20)),

		DBMaxOpenConns:    getenvInt("LIVECODE_DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    getenvInt("LIVECODE_DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: seconds("LIVECODE_DB_CONN_MAX_LIFETIME_SECONDS", 1800),
		DBConnMaxIdleTime: seconds("LIVECODE_DB_CONN_MAX_IDLE_SECONDS", 300),
	}
}

func seconds(key string, fallback int) time.Duration {
	return time.Duration(getenvInt(key, fallback)) * time.Second
}

func millis(key string, fallback int) time.Duration {
	return time.Duration(getenvInt(key, fallback)) * time.Millisecond
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
