package blogapp

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by Config.Backend.
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Config holds all configuration for a blogapp server.
type Config struct {
	Name string // Site name (default "BlogApp")
	URL  string // Canonical URL (default "http://localhost:3000")
	Addr string // Listen address (default ":3000")

	Backend              string // "sqlite" (default) or "mongo"
	DatabasePath         string // SQLite path (default "data/blog.db")
	IdentityDatabasePath string // Account SQLite path (default "data/identity.db")
	MongoURI             string
	MongoDatabase        string // default "blogapp"

	RedisAddr    string // Enables the change relay when set
	RedisChannel string // default "blogapp:events"

	BlobDir     string // Uploaded images (default "data/blobs")
	BlobBaseURL string // default URL + "/blobs"

	JWTSecret     string // Required: API token signing key
	SessionSecret string // Required: session encryption secret
	AdminPassword string // Required: admin login password
	CookieSecure  bool   // Set true for HTTPS

	TokenTTL            time.Duration // API token lifetime (default 7 days)
	FeedCacheTTL        time.Duration // Post cache TTL (default 5min)
	FanoutRetryInterval time.Duration // Pending fan-out retry period (default 1min)
	FanoutWorkers       int           // Concurrent writes per fan-out (default 8)
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "BlogApp"
	}
	if c.URL == "" {
		c.URL = "http://localhost:3000"
	}
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/blog.db"
	}
	if c.IdentityDatabasePath == "" {
		c.IdentityDatabasePath = "data/identity.db"
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = "blogapp"
	}
	if c.RedisChannel == "" {
		c.RedisChannel = "blogapp:events"
	}
	if c.BlobDir == "" {
		c.BlobDir = "data/blobs"
	}
	if c.BlobBaseURL == "" {
		c.BlobBaseURL = c.URL + "/blobs"
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 7 * 24 * time.Hour
	}
	if c.FeedCacheTTL == 0 {
		c.FeedCacheTTL = 5 * time.Minute
	}
	if c.FanoutRetryInterval == 0 {
		c.FanoutRetryInterval = time.Minute
	}
	if c.FanoutWorkers == 0 {
		c.FanoutWorkers = 8
	}
}

// validate checks the secrets a server cannot run without.
func (c *Config) validate() error {
	for name, v := range map[string]string{
		"JWT_SECRET":     c.JWTSecret,
		"SESSION_SECRET": c.SessionSecret,
		"ADMIN_PASSWORD": c.AdminPassword,
	} {
		if v == "" {
			return fmt.Errorf("%s environment variable is required", name)
		}
	}
	if c.Backend != BackendSQLite && c.Backend != BackendMongo {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend == BackendMongo && c.MongoURI == "" {
		return fmt.Errorf("MONGO_URI is required for the mongo backend")
	}
	return nil
}

// LoadEnv loads a .env file into the environment when it exists. Variables
// already set are not overridden.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadConfig builds a Config from environment variables.
func LoadConfig() Config {
	c := Config{
		Name:                 EnvOr("BLOG_NAME", ""),
		URL:                  EnvOr("BLOG_URL", ""),
		Addr:                 EnvOr("BLOG_ADDR", ""),
		Backend:              EnvOr("BLOG_BACKEND", ""),
		DatabasePath:         EnvOr("BLOG_DATABASE_PATH", ""),
		IdentityDatabasePath: EnvOr("BLOG_IDENTITY_DATABASE_PATH", ""),
		MongoURI:             EnvOr("MONGO_URI", ""),
		MongoDatabase:        EnvOr("MONGO_DATABASE", ""),
		RedisAddr:            EnvOr("REDIS_ADDR", ""),
		RedisChannel:         EnvOr("REDIS_CHANNEL", ""),
		BlobDir:              EnvOr("BLOG_BLOB_DIR", ""),
		BlobBaseURL:          EnvOr("BLOG_BLOB_URL", ""),
		JWTSecret:            EnvOr("JWT_SECRET", ""),
		SessionSecret:        EnvOr("SESSION_SECRET", ""),
		AdminPassword:        EnvOr("ADMIN_PASSWORD", ""),
		CookieSecure:         EnvOr("COOKIE_SECURE", "") == "true",
		TokenTTL:             envDuration("BLOG_TOKEN_TTL"),
		FeedCacheTTL:         envDuration("BLOG_FEED_CACHE_TTL"),
		FanoutRetryInterval:  envDuration("BLOG_FANOUT_RETRY_INTERVAL"),
	}
	if n, err := strconv.Atoi(EnvOr("BLOG_FANOUT_WORKERS", "")); err == nil {
		c.FanoutWorkers = n
	}
	c.setDefaults()
	return c
}

func envDuration(key string) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return 0
	}
	return d
}

// EnvOr returns the environment variable value or a fallback.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Option configures additional App behavior.
type Option func(*App)

// WithBackend replaces the backend chosen by Config.Backend.
func WithBackend(b Backend) Option {
	return func(a *App) {
		a.backend = b
	}
}

// WithRelay shares change events with other instances through r.
func WithRelay(r Relay) Option {
	return func(a *App) {
		a.relay = r
	}
}

// WithIdentity replaces the local account database.
func WithIdentity(id Identity) Option {
	return func(a *App) {
		a.identity = id
	}
}

// WithBlobStore replaces the on-disk blob store.
func WithBlobStore(b BlobStore) Option {
	return func(a *App) {
		a.blobs = b
	}
}
