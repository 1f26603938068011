package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Pattern library override; empty means the embedded defaults.
	PatternsFile string

	// Generative backend
	LLMProvider         string
	LLMFallbackProvider string
	BedrockModelID      string
	GeminiAPIKey        string
	GeminiModel         string
	LLMMaxTokens        int
	LLMTemperature      float64
	GenerationTimeout   time.Duration

	// Embeddings and retrieval
	EmbeddingProvider       string
	BedrockEmbeddingModelID string
	OpenAIAPIKey            string
	OpenAIEmbeddingModel    string
	RetrievalTopK           int
	RetrievalMinScore       float64
	RetrievalStrictMinScore float64
	RetrievalHighConfidence float64
	RetrievalWeakChars      int
	RetrievalDedupOverlap   float64
	SourcesCacheTTL         time.Duration

	// Validation policy
	ValidationMaxChars          int
	ValidationParagraphMinChars int
	ValidationCitationWindow    int

	// Audit
	AuditTimeout   time.Duration
	AuditS3Bucket  string
	AuditJSONLPath string

	// Warranty disclaimer; an empty DisclaimerText uses the pattern library's.
	DisclaimerEnabled bool
	DisclaimerText    string

	// Human review and operator alerts
	ReviewQueueURL      string
	ReviewTable         string
	AlertEmailTo        string
	AlertEmailFrom      string
	AlertFromName       string
	SESConfigurationSet string
	SendGridAPIKey      string
	GatewayJWTSecret    string
	// CORSAllowedOrigins is a comma-separated allowlist; "*" echoes any origin.
	CORSAllowedOrigins []string
	HistoryTTL         time.Duration
	HistoryMaxEntries  int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		PatternsFile: getEnv("PATTERNS_FILE", ""),

		LLMProvider:         strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "bedrock"))),
		LLMFallbackProvider: strings.ToLower(strings.TrimSpace(getEnv("LLM_FALLBACK_PROVIDER", ""))),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModel:         getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		LLMMaxTokens:        getEnvAsInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature:      getEnvAsFloat("LLM_TEMPERATURE", 0),
		GenerationTimeout:   getEnvAsDuration("GENERATION_TIMEOUT", 60*time.Second),

		EmbeddingProvider:       strings.ToLower(strings.TrimSpace(getEnv("EMBEDDING_PROVIDER", "bedrock"))),
		BedrockEmbeddingModelID: getEnv("BEDROCK_EMBEDDING_MODEL_ID", "amazon.titan-embed-text-v2:0"),
		OpenAIAPIKey:            getEnv("OPENAI_API_KEY", ""),
		OpenAIEmbeddingModel:    getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		RetrievalTopK:           getEnvAsInt("RETRIEVAL_TOP_K", 6),
		RetrievalMinScore:       getEnvAsFloat("RETRIEVAL_MIN_SCORE", 0.35),
		RetrievalStrictMinScore: getEnvAsFloat("RETRIEVAL_STRICT_MIN_SCORE", 0.55),
		RetrievalHighConfidence: getEnvAsFloat("RETRIEVAL_HIGH_CONFIDENCE", 0.75),
		RetrievalWeakChars:      getEnvAsInt("RETRIEVAL_WEAK_PASSAGE_CHARS", 200),
		RetrievalDedupOverlap:   getEnvAsFloat("RETRIEVAL_DEDUP_OVERLAP", 0.7),
		SourcesCacheTTL:         getEnvAsDuration("SOURCES_CACHE_TTL", 5*time.Minute),

		ValidationMaxChars:          getEnvAsInt("VALIDATION_MAX_CHARS", 4000),
		ValidationParagraphMinChars: getEnvAsInt("VALIDATION_PARAGRAPH_MIN_CHARS", 50),
		ValidationCitationWindow:    getEnvAsInt("VALIDATION_CITATION_WINDOW", 240),

		AuditTimeout:   getEnvAsDuration("AUDIT_TIMEOUT", 10*time.Second),
		AuditS3Bucket:  getEnv("AUDIT_S3_BUCKET", ""),
		AuditJSONLPath: getEnv("AUDIT_JSONL_PATH", ""),

		DisclaimerEnabled: getEnvAsBool("DISCLAIMER_ENABLED", true),
		DisclaimerText:    getEnv("DISCLAIMER_TEXT", ""),

		ReviewQueueURL:      getEnv("REVIEW_QUEUE_URL", ""),
		ReviewTable:         getEnv("REVIEW_TABLE", ""),
		AlertEmailTo:        getEnv("ALERT_EMAIL_TO", ""),
		AlertEmailFrom:      getEnv("ALERT_EMAIL_FROM", ""),
		AlertFromName:       getEnv("ALERT_FROM_NAME", "Groundguard"),
		SESConfigurationSet: getEnv("SES_CONFIGURATION_SET", ""),
		SendGridAPIKey:      getEnv("SENDGRID_API_KEY", ""),
		GatewayJWTSecret:    getEnv("GATEWAY_JWT_SECRET", ""),
		CORSAllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS"),
		HistoryTTL:          getEnvAsDuration("HISTORY_TTL", 24*time.Hour),
		HistoryMaxEntries:   getEnvAsInt("HISTORY_MAX_ENTRIES", 200),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
