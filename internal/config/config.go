package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	SMTP     SMTPConfig
	Keys     APIKeys
	Ai       AIConfig
	Storage  StorageConfig
	Ehr      EhrConfig
	Session  SessionConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	ProgressLogPath    string
	CorsAllowedOrigins string
	NatsURL            string
	RedisURL           string
	JwtSecret          string
}

type DatabaseConfig struct {
	Connection string
}

type SMTPConfig struct {
	Host       string
	Port       int
	Email      string
	Password   string
	SenderName string
	AlertTo    string // Ops mailbox receiving stuck-session alerts
}

type APIKeys struct {
	OpenAI string
}

type AIConfig struct {
	LLMProvider        string // "openai" or "ollama"
	LLMModel           string
	LLMBaseURL         string // Optional OpenAI-compatible endpoint
	OllamaBaseURL      string
	TranscriptionModel string
	Temperature        float64
}

type StorageConfig struct {
	Driver    string // "s3" or "memory"
	Bucket    string
	Region    string
	Endpoint  string // Optional, for MinIO / localstack
	PathStyle bool
}

type EhrConfig struct {
	Instance     string // Canvas instance name, prefixes every object key
	BaseURL      string
	ClientToken  string
	Timeout      time.Duration
	EffectsTopic string
}

type SessionConfig struct {
	StopAndGoTTL     time.Duration
	SdkCacheTTL      time.Duration
	DiscussionTTL    time.Duration
	MaxWaitingCycles int
	RenderTopic      string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/app.log"),
			ProgressLogPath:    getEnv("PROGRESS_LOG_FILE_PATH", "logs/progress.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
			JwtSecret:          getEnv("JWT_SECRET", ""),
		},
		Database: DatabaseConfig{
			Connection: getEnv("DB_CONNECTION_STRING", ""),
		},
		SMTP: SMTPConfig{
			Host:       getEnv("SMTP_HOST", ""),
			Port:       getEnvAsInt("SMTP_PORT", 587),
			Email:      getEnv("SMTP_EMAIL", ""),
			Password:   getEnv("SMTP_PASSWORD", ""),
			SenderName: getEnv("SMTP_SENDER_NAME", "Ambient Scribe"),
			AlertTo:    getEnv("SMTP_ALERT_TO", ""),
		},
		Keys: APIKeys{
			OpenAI: getEnv("OPENAI_API_KEY", ""),
		},
		Ai: AIConfig{
			LLMProvider:        getEnv("LLM_PROVIDER", "openai"),
			LLMModel:           getEnv("LLM_MODEL", "gpt-4o"),
			LLMBaseURL:         getEnv("LLM_BASE_URL", ""),
			OllamaBaseURL:      getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			TranscriptionModel: getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
			Temperature:        getEnvAsFloat("LLM_TEMPERATURE", 0.0),
		},
		Storage: StorageConfig{
			Driver:    getEnv("STORAGE_DRIVER", "s3"),
			Bucket:    getEnv("AWS_S3_BUCKET", ""),
			Region:    getEnv("AWS_REGION", "us-east-1"),
			Endpoint:  getEnv("AWS_S3_ENDPOINT", ""),
			PathStyle: getEnvAsBool("AWS_S3_PATH_STYLE", false),
		},
		Ehr: EhrConfig{
			Instance:     getEnv("EHR_INSTANCE", "local"),
			BaseURL:      getEnv("EHR_BASE_URL", "http://localhost:8000"),
			ClientToken:  getEnv("EHR_CLIENT_TOKEN", ""),
			Timeout:      getEnvAsDuration("EHR_TIMEOUT", 30*time.Second),
			EffectsTopic: getEnv("EHR_EFFECTS_TOPIC", "EFFECTS_READY"),
		},
		Session: SessionConfig{
			StopAndGoTTL:     getEnvAsDuration("STOP_AND_GO_TTL", 12*time.Hour),
			SdkCacheTTL:      getEnvAsDuration("SDK_CACHE_TTL", 12*time.Hour),
			DiscussionTTL:    getEnvAsDuration("DISCUSSION_TTL", time.Hour),
			MaxWaitingCycles: getEnvAsInt("MAX_WAITING_CYCLES", 5),
			RenderTopic:      getEnv("RENDER_TOPIC_NAME", "RENDER_NOTE_CYCLE"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := strings.TrimSpace(getEnv(key, ""))
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90s", "12h") or plain seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if d, err := time.ParseDuration(strValue); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(strValue); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
