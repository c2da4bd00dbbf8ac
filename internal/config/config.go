package config

import (
	"os"
	"strconv"
)

// Config holds the application configuration
// Note: Auth and billing are out of scope for this service; the API is
// fronted by infrastructure that handles both.
type Config struct {
	// Environment
	Environment string
	Port        string

	// Database (optional; empty URL disables run persistence)
	DatabaseURL string

	// LLM API Keys
	OpenAIAPIKey string // OpenAI API key for GPT models
	GeminiAPIKey string // Google Gemini API key

	// Orpheus generator service
	OrpheusURL                    string
	OrpheusMaxConcurrent          int
	OrpheusCircuitThreshold       int
	OrpheusCircuitCooldownSeconds int
	OrpheusMaxRetries             int
	OrpheusPollAttempts           int
	OrpheusPollTimeoutSeconds     int

	// Agent scheduling
	SectionChildTimeoutSeconds int
	SectionMaxRetries          int
	BassSignalWaitSeconds      int

	// Observability
	SentryDSN         string // Sentry DSN for error tracking
	LangfusePublicKey string // Langfuse public key
	LangfuseSecretKey string // Langfuse secret key
	LangfuseHost      string // Langfuse host URL (cloud or self-hosted)
	LangfuseEnabled   bool   // Feature flag for Langfuse
	DebugLogging      bool   // Verbose debug logs
}

func Load() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),

		OrpheusURL:                    getEnv("ORPHEUS_URL", "http://localhost:8000"),
		OrpheusMaxConcurrent:          getEnvInt("ORPHEUS_MAX_CONCURRENT", 5),
		OrpheusCircuitThreshold:       getEnvInt("ORPHEUS_CIRCUIT_THRESHOLD", 3),
		OrpheusCircuitCooldownSeconds: getEnvInt("ORPHEUS_CIRCUIT_COOLDOWN_SECONDS", 30),
		OrpheusMaxRetries:             getEnvInt("ORPHEUS_MAX_RETRIES", 4),
		OrpheusPollAttempts:           getEnvInt("ORPHEUS_POLL_ATTEMPTS", 20),
		OrpheusPollTimeoutSeconds:     getEnvInt("ORPHEUS_POLL_TIMEOUT_SECONDS", 30),

		SectionChildTimeoutSeconds: getEnvInt("SECTION_CHILD_TIMEOUT_SECONDS", 180),
		SectionMaxRetries:          getEnvInt("SECTION_MAX_RETRIES", 2),
		BassSignalWaitSeconds:      getEnvInt("BASS_SIGNAL_WAIT_SECONDS", 60),

		SentryDSN:         getEnv("SENTRY_DSN", ""),
		LangfusePublicKey: getEnv("LANGFUSE_PUBLIC_KEY", ""),
		LangfuseSecretKey: getEnv("LANGFUSE_SECRET_KEY", ""),
		LangfuseHost:      getEnv("LANGFUSE_HOST", "https://cloud.langfuse.com"),
		LangfuseEnabled:   getEnv("LANGFUSE_ENABLED", "false") == "true",
		DebugLogging:      getEnv("DEBUG_LOGGING", "false") == "true",
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// IsProduction reports whether the service runs with production policies
// (CloudWatch metrics on, gin release mode).
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
