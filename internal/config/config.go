package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fuomag9/comments-collator/internal/secret"
)

// Config holds application configuration
type Config struct {
	Port           int
	Database       DatabaseConfig
	JWTSecret      string
	Environment    string
	AppURL         string
	CORSOrigins    []string
	Figma          FigmaConfig
	WebhookSecret  string
	EncryptionKey  string
	StateTTL       time.Duration
	SessionMaxAge  time.Duration
	Sync           SyncConfig
	RateLimit      RateLimitConfig
	Log            LogConfig
	SecretsBackend string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string // postgres or sqlite
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// FigmaConfig holds the OAuth client identity and API endpoints of the design tool
type FigmaConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	RefreshURL   string
	APIBaseURL   string
	Scopes       []string
}

// SyncConfig bounds node-name lookups during comment reconciliation
type SyncConfig struct {
	BatchSize  int
	BatchDelay time.Duration
}

// RateLimitConfig mirrors the "N requests per window" limiter on /api
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

// LogConfig selects handler format and level
type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg, err := FromEnvironment(context.Background())
	if err != nil {
		log.Fatalf("Configuration failed: %v", err)
	}

	return cfg
}

// FromEnvironment is Load without the fatal exit.
func FromEnvironment(ctx context.Context) (*Config, error) {
	getenv := os.Getenv
	resolver, err := newResolver(ctx, getenv)
	if err != nil {
		return nil, err
	}

	cfg, err := LoadWith(getenv, resolver)
	if err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return cfg, nil
}

// LoadWith builds a Config from the given environment lookup. Secret values go through resolver.
func LoadWith(getenv func(string) string, resolver secret.Resolver) (*Config, error) {
	e := env{getenv: getenv, resolver: resolver}

	environment := e.get("ENVIRONMENT", "production")
	appURL := strings.TrimRight(e.get("APP_URL", ""), "/")

	jwtSecret, err := e.loadJWTSecret(environment)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port: e.getInt("PORT", 8080),
		Database: DatabaseConfig{
			Type:         e.get("DATABASE_TYPE", "postgres"),
			MaxOpenConns: e.getInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: e.getInt("DB_MAX_IDLE_CONNS", 5),
		},
		JWTSecret:      jwtSecret,
		Environment:    environment,
		AppURL:         appURL,
		CORSOrigins:    e.loadCORSOrigins(environment, appURL),
		Figma:          e.loadFigmaConfig(appURL),
		WebhookSecret:  e.secret("WEBHOOK_SECRET"),
		EncryptionKey:  e.secret("TOKEN_ENCRYPTION_KEY"),
		StateTTL:       e.getDuration("OAUTH_STATE_TTL", 30*time.Minute),
		SessionMaxAge:  e.getDuration("SESSION_MAX_AGE", 24*time.Hour),
		SecretsBackend: e.get("SECRETS_BACKEND", "env"),
		Sync: SyncConfig{
			BatchSize:  e.getInt("SYNC_BATCH_SIZE", 5),
			BatchDelay: e.getDuration("SYNC_BATCH_DELAY", time.Second),
		},
		RateLimit: RateLimitConfig{
			Window:      time.Duration(e.getInt("RATE_LIMIT_WINDOW_MS", 15*60*1000)) * time.Millisecond,
			MaxRequests: e.getInt("RATE_LIMIT_MAX_REQUESTS", 100),
		},
		Log: LogConfig{
			Level:  e.get("LOG_LEVEL", "info"),
			Format: e.get("LOG_FORMAT", defaultLogFormat(environment)),
		},
	}

	switch cfg.Database.Type {
	case "postgres":
		cfg.Database.DSN = e.get("DATABASE_DSN", e.buildPostgresDSN())
	case "sqlite":
		cfg.Database.DSN = e.get("DATABASE_DSN", e.get("SQLITE_PATH", "./data/comments.db"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment reports whether diagnostic detail may be exposed to callers
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}

		insecureSecrets := []string{
			"change-this-secret-in-production",
			"change-me-in-production",
			"secret",
			"password",
			"changeme",
		}
		for _, insecure := range insecureSecrets {
			if c.JWTSecret == insecure {
				return fmt.Errorf("JWT_SECRET is set to an insecure default value. Please set a strong random secret")
			}
		}

		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
	}

	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("at least one CORS origin must be configured")
	}

	if c.Database.Type != "postgres" && c.Database.Type != "sqlite" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	if c.Figma.ClientID == "" || c.Figma.ClientSecret == "" {
		return fmt.Errorf("FIGMA_CLIENT_ID and FIGMA_CLIENT_SECRET are required")
	}
	if c.Figma.RedirectURL == "" {
		return fmt.Errorf("FIGMA_REDIRECT_URI or APP_URL is required")
	}

	if c.StateTTL <= 0 || c.SessionMaxAge <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL and SESSION_MAX_AGE must be positive")
	}

	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be at least 1")
	}

	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("invalid rate limit configuration")
	}

	return nil
}

type env struct {
	getenv   func(string) string
	resolver secret.Resolver
}

func (e env) buildPostgresDSN() string {
	host := e.get("POSTGRES_HOST", "localhost")
	port := e.get("POSTGRES_PORT", "5432")
	user := e.get("POSTGRES_USER", "collator")
	password := e.get("POSTGRES_PASSWORD", "secret")
	dbName := e.get("POSTGRES_DB", "collator")
	sslMode := e.get("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

func (e env) loadJWTSecret(environment string) (string, error) {
	jwtSecret := e.secret("JWT_SECRET")

	// If JWT_SECRET is not set, generate a random one for development
	if jwtSecret == "" {
		if environment == "production" {
			return "", fmt.Errorf("JWT_SECRET environment variable is required in production")
		}

		log.Println("WARNING: JWT_SECRET not set. Generating random secret for development.")
		log.Println("WARNING: This secret will change on restart. Operator tokens and sealed credentials will not survive it.")
		return generateRandomSecret()
	}

	if len(jwtSecret) < 16 {
		return "", fmt.Errorf("JWT_SECRET must be at least 16 characters long")
	}

	return jwtSecret, nil
}

func (e env) loadCORSOrigins(environment, appURL string) []string {
	if origins := e.get("ALLOWED_ORIGINS", ""); origins != "" {
		return splitAndTrim(origins, ",")
	}
	if appURL != "" {
		return []string{appURL}
	}

	if environment != "development" {
		log.Println("WARNING: APP_URL not set. Using default localhost origins.")
	}
	return []string{"http://localhost:3000", "http://localhost:8080"}
}

func (e env) loadFigmaConfig(appURL string) FigmaConfig {
	redirectURL := e.get("FIGMA_REDIRECT_URI", "")
	if redirectURL == "" && appURL != "" {
		redirectURL = appURL + "/auth/figma/callback"
	}

	scopes := []string{"file_read"}
	if scopesEnv := e.get("FIGMA_SCOPES", ""); scopesEnv != "" {
		scopes = splitAndTrim(scopesEnv, ",")
	}

	return FigmaConfig{
		ClientID:     e.get("FIGMA_CLIENT_ID", ""),
		ClientSecret: e.secret("FIGMA_CLIENT_SECRET"),
		RedirectURL:  redirectURL,
		AuthURL:      e.get("FIGMA_OAUTH_URL", "https://www.figma.com/oauth"),
		TokenURL:     e.get("FIGMA_TOKEN_URL", "https://api.figma.com/v1/oauth/token"),
		RefreshURL:   e.get("FIGMA_REFRESH_URL", "https://api.figma.com/v1/oauth/refresh"),
		APIBaseURL:   strings.TrimRight(e.get("FIGMA_API_BASE_URL", "https://api.figma.com/v1"), "/"),
		Scopes:       scopes,
	}
}

func (e env) get(key, fallback string) string {
	if value := e.getenv(key); value != "" {
		return value
	}
	return fallback
}

func (e env) getInt(key string, fallback int) int {
	if value := e.getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func (e env) getDuration(key string, fallback time.Duration) time.Duration {
	if value := e.getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// secret resolves a secret by its environment variable name. A missing secret yields "".
func (e env) secret(key string) string {
	if e.resolver == nil {
		return e.getenv(key)
	}
	value, err := e.resolver.GetSecret(context.Background(), key)
	if err != nil {
		return ""
	}
	return value
}

func splitAndTrim(s, sep string) []string {
	parts := []string{}
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func defaultLogFormat(environment string) string {
	if environment == "development" {
		return "text"
	}
	return "json"
}

func generateRandomSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
