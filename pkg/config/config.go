package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full configuration of the identity plane, loaded from the
// environment. No secrets live in files; everything sensitive arrives via
// env or the deployment's secret store.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	KMS      KMSConfig
	Auth     AuthConfig
	OAuth    OAuthConfig
	Notif    NotifConfig
	Export   ExportConfig
	Jobs     JobsConfig
}

type AppConfig struct {
	Name        string
	Port        string
	CORSOrigins string
	Debug       bool
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KMSConfig configures the envelope-encryption master key. Provider "local"
// runs a process-local AES key for development; "aws" uses AWS KMS.
type KMSConfig struct {
	Provider    string
	MasterKeyID string
	AWSRegion   string
	// LocalKeyHex is the dev-only master key; refused outside local provider.
	LocalKeyHex string
}

type AuthConfig struct {
	Issuer   string
	Audience string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ServiceTokenTTL time.Duration

	SessionTTL           time.Duration // absolute, persistent sessions
	SessionTTLShort      time.Duration // absolute, non-persistent sessions
	SessionInactivityTTL time.Duration

	MFAChallengeTTL  time.Duration
	PasswordResetTTL time.Duration
	OAuthStateTTL    time.Duration

	KeyRotationInterval time.Duration
	KeyGracePeriod      time.Duration

	BcryptCost int

	LoginRateLimit  int
	LoginRateWindow time.Duration

	// HashWorkers bounds concurrent bcrypt verifications so a login flood
	// cannot starve the rest of the service.
	HashWorkers int

	// BootstrapKeys allows the keyring to mint its first signing key when
	// the key store is empty. Leave off in production fleets.
	BootstrapKeys bool
}

type OAuthConfig struct {
	Google GoogleOAuthConfig
}

type GoogleOAuthConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type NotifConfig struct {
	Provider    string // "console" or "ses"
	FromAddress string
	FromName    string
	AWSRegion   string
	ResetURL    string // base URL the reset mail links to
}

type ExportConfig struct {
	S3Bucket  string
	AWSRegion string
}

type JobsConfig struct {
	SweepInterval      time.Duration
	AuditRetention     time.Duration
	AuditFlushInterval time.Duration
	AuditBufferSize    int
}

// LoadFromEnv builds the configuration from the environment.
func LoadFromEnv() *Config {
	return &Config{
		App: AppConfig{
			Name:        getEnv("APP_NAME", "identity"),
			Port:        getEnv("PORT", "8080"),
			CORSOrigins: getEnv("CORS_ORIGINS", "*"),
			Debug:       getEnvBool("DEBUG", false),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "identity"),
			Password:        getEnv("DB_PASSWORD", ""),
			Name:            getEnv("DB_NAME", "identity"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		KMS: KMSConfig{
			Provider:    getEnv("KMS_PROVIDER", "local"),
			MasterKeyID: getEnv("KMS_MASTER_KEY_ID", "local-master"),
			AWSRegion:   getEnv("KMS_AWS_REGION", getEnv("AWS_REGION", "us-east-1")),
			LocalKeyHex: getEnv("KMS_LOCAL_KEY_HEX", ""),
		},
		Auth: AuthConfig{
			Issuer:               getEnv("AUTH_ISSUER", "identity"),
			Audience:             getEnv("AUTH_AUDIENCE", "trading-platform"),
			AccessTokenTTL:       getEnvDuration("AUTH_ACCESS_TTL", 15*time.Minute),
			RefreshTokenTTL:      getEnvDuration("AUTH_REFRESH_TTL", 90*24*time.Hour),
			ServiceTokenTTL:      getEnvDuration("AUTH_SERVICE_TTL", time.Hour),
			SessionTTL:           getEnvDuration("AUTH_SESSION_TTL", 90*24*time.Hour),
			SessionTTLShort:      getEnvDuration("AUTH_SESSION_TTL_SHORT", 24*time.Hour),
			SessionInactivityTTL: getEnvDuration("AUTH_SESSION_INACTIVITY_TTL", 14*24*time.Hour),
			MFAChallengeTTL:      getEnvDuration("AUTH_MFA_CHALLENGE_TTL", 10*time.Minute),
			PasswordResetTTL:     getEnvDuration("AUTH_PASSWORD_RESET_TTL", 30*time.Minute),
			OAuthStateTTL:        getEnvDuration("AUTH_OAUTH_STATE_TTL", 10*time.Minute),
			KeyRotationInterval:  getEnvDuration("AUTH_KEY_ROTATION_INTERVAL", 30*24*time.Hour),
			KeyGracePeriod:       getEnvDuration("AUTH_KEY_GRACE_PERIOD", 24*time.Hour),
			BcryptCost:           getEnvInt("AUTH_BCRYPT_COST", 12),
			LoginRateLimit:       getEnvInt("AUTH_LOGIN_RATE_LIMIT", 5),
			LoginRateWindow:      getEnvDuration("AUTH_LOGIN_RATE_WINDOW", 15*time.Minute),
			HashWorkers:          getEnvInt("AUTH_HASH_WORKERS", 8),
			BootstrapKeys:        getEnvBool("AUTH_BOOTSTRAP_KEYS", false),
		},
		OAuth: OAuthConfig{
			Google: GoogleOAuthConfig{
				Enabled:      getEnvBool("OAUTH_GOOGLE_ENABLED", false),
				ClientID:     getEnv("OAUTH_GOOGLE_CLIENT_ID", ""),
				ClientSecret: getEnv("OAUTH_GOOGLE_CLIENT_SECRET", ""),
				RedirectURL:  getEnv("OAUTH_GOOGLE_REDIRECT_URL", ""),
			},
		},
		Notif: NotifConfig{
			Provider:    getEnv("NOTIF_PROVIDER", "console"),
			FromAddress: getEnv("NOTIF_FROM_ADDRESS", "noreply@example.com"),
			FromName:    getEnv("NOTIF_FROM_NAME", "Identity"),
			AWSRegion:   getEnv("NOTIF_AWS_REGION", getEnv("AWS_REGION", "us-east-1")),
			ResetURL:    getEnv("NOTIF_RESET_URL", "https://localhost/reset"),
		},
		Export: ExportConfig{
			S3Bucket:  getEnv("EXPORT_S3_BUCKET", ""),
			AWSRegion: getEnv("EXPORT_AWS_REGION", getEnv("AWS_REGION", "us-east-1")),
		},
		Jobs: JobsConfig{
			SweepInterval:      getEnvDuration("JOBS_SWEEP_INTERVAL", time.Hour),
			AuditRetention:     getEnvDuration("JOBS_AUDIT_RETENTION", 2*365*24*time.Hour),
			AuditFlushInterval: getEnvDuration("JOBS_AUDIT_FLUSH_INTERVAL", time.Second),
			AuditBufferSize:    getEnvInt("JOBS_AUDIT_BUFFER_SIZE", 1024),
		},
	}
}

// ─── env helpers ─────────────────────────────────────────────────────────────

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvStringSlice(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
