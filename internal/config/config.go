package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server       ServerConfig
	DB           DBConfig
	Redis        RedisConfig
	Registration RegistrationConfig
	ServiceToken ServiceTokenConfig
	Store        StoreConfig
	Push         PushConfig
	Captcha      CaptchaConfig
	RateLimit    RateLimitConfig
	MinIO        MinIOConfig
	Audit        AuditConfig
	Telemetry    TelemetryConfig
}

type ServerConfig struct {
	Port           string
	BodyLimitMB    int
	AllowedOrigins string
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RegistrationConfig struct {
	URL     string
	Timeout time.Duration
}

type ServiceTokenConfig struct {
	Secret string
	TTL    time.Duration
}

type StoreConfig struct {
	Timeout time.Duration
}

type PushConfig struct {
	GatewayURL   string
	Timeout      time.Duration
	ClientID     string
	ClientSecret string
	TokenURL     string
}

type CaptchaConfig struct {
	Enabled        bool
	URL            string
	Timeout        time.Duration
	ScoreThreshold float64
}

type RateLimitRule struct {
	Attempts int
	Window   time.Duration
}

type RateLimitConfig struct {
	PushChallenge RateLimitRule
	Captcha       RateLimitRule
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type AuditConfig struct {
	ExportEnabled  bool
	ExportInterval time.Duration
	QueueSize      int
}

type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			BodyLimitMB:    getEnvAsInt("BODY_LIMIT_MB", 1),
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "verigate"),
			Password: getEnv("DB_PASSWORD", "verigate_secret"),
			Name:     getEnv("DB_NAME", "verigate"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Registration: RegistrationConfig{
			URL:     getEnv("REGISTRATION_URL", "http://localhost:50051"),
			Timeout: getEnvAsDuration("REGISTRATION_TIMEOUT", 15*time.Second),
		},
		ServiceToken: ServiceTokenConfig{
			Secret: getEnv("SERVICE_TOKEN_SECRET", "change-me-in-production"),
			TTL:    getEnvAsDuration("SERVICE_TOKEN_TTL", 5*time.Minute),
		},
		Store: StoreConfig{
			Timeout: getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
		},
		Push: PushConfig{
			GatewayURL:   getEnv("PUSH_GATEWAY_URL", "http://localhost:8090"),
			Timeout:      getEnvAsDuration("PUSH_TIMEOUT", 15*time.Second),
			ClientID:     getEnv("PUSH_CLIENT_ID", ""),
			ClientSecret: getEnv("PUSH_CLIENT_SECRET", ""),
			TokenURL:     getEnv("PUSH_TOKEN_URL", ""),
		},
		Captcha: CaptchaConfig{
			Enabled:        getEnvAsBool("CAPTCHA_ENABLED", false),
			URL:            getEnv("CAPTCHA_URL", "http://localhost:8091"),
			Timeout:        getEnvAsDuration("CAPTCHA_TIMEOUT", 15*time.Second),
			ScoreThreshold: getEnvAsFloat("CAPTCHA_SCORE_THRESHOLD", 0),
		},
		RateLimit: RateLimitConfig{
			PushChallenge: RateLimitRule{
				Attempts: getEnvAsInt("PUSH_CHALLENGE_RATE_ATTEMPTS", 5),
				Window:   getEnvAsDuration("PUSH_CHALLENGE_RATE_WINDOW", 15*time.Minute),
			},
			Captcha: RateLimitRule{
				Attempts: getEnvAsInt("CAPTCHA_RATE_ATTEMPTS", 10),
				Window:   getEnvAsDuration("CAPTCHA_RATE_WINDOW", 15*time.Minute),
			},
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "verigate"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "verigate_secret"),
			Bucket:    getEnv("MINIO_BUCKET", "verigate-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		Audit: AuditConfig{
			ExportEnabled:  getEnvAsBool("AUDIT_EXPORT_ENABLED", false),
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 5*time.Minute),
			QueueSize:      getEnvAsInt("AUDIT_QUEUE_SIZE", 256),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    getEnv("TELEMETRY_ENDPOINT", ""),
			ServiceName: getEnv("SERVICE_NAME", "verigate"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
