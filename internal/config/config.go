package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort                  = "8080"
	defaultSessionCookieName     = "chat_session"
	defaultGuestCookieName       = "chat_guest"
	defaultSessionTTLHours       = 168
	defaultGuestTTLHours         = 24 * 30
	defaultModelID               = "openrouter/free"
	defaultFrontendOrigin        = "http://localhost:3000"
	defaultOpenRouterBaseURL     = "https://openrouter.ai/api/v1"
	defaultOpenAIBaseURL         = "https://api.openai.com/v1"
	defaultUploadDir             = "/tmp/chat-uploads"
	defaultGCSUploadPrefix       = "chat-uploads"
	defaultGenerationTimeoutSecs = 120
	defaultStreamRetentionSecs   = 300
	defaultStreamBufferSize      = 64
	defaultGuestInitialBalance   = 0
	defaultRegularInitialBalance = 50
	defaultSystemPrompt          = "Ты дружелюбный ассистент. Отвечай кратко и по делу."
	devGuestTokenSecret          = "dev-guest-secret"
)

type Config struct {
	Port                     string
	Environment              string
	LogLevel                 string
	FrontendOrigin           string
	AllowedOrigins           []string
	CookieSecure             bool
	SessionCookieName        string
	GuestCookieName          string
	SessionTTL               time.Duration
	GuestTTL                 time.Duration
	GuestTokenSecret         string
	GuestAutoProvision       bool
	GuestInitialBalance      int64
	RegularInitialBalance    int64
	GoogleClientID           string
	InsecureSkipGoogleVerify bool
	TursoDatabaseURL         string
	TursoAuthToken           string
	OpenRouterAPIKey         string
	OpenRouterBaseURL        string
	OpenRouterMinInterval    time.Duration
	OpenAIAPIKey             string
	OpenAIBaseURL            string
	ModelCatalogPath         string
	DefaultModelID           string
	SystemPrompt             string
	GenerationTimeout        time.Duration
	ResumableStreams         bool
	StreamRetention          time.Duration
	StreamBufferSize         int
	UploadBackend            string
	LocalUploadDir           string
	GCSBucket                string
	GCSUploadPrefix          string
	PublicUploadBaseURL      string
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func Load() (Config, error) {
	cfg := Config{
		Port:                     envOrDefault("PORT", defaultPort),
		Environment:              envOrDefault("APP_ENV", "development"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		FrontendOrigin:           envOrDefault("FRONTEND_ORIGIN", defaultFrontendOrigin),
		CookieSecure:             boolOrDefault("COOKIE_SECURE", false),
		SessionCookieName:        envOrDefault("SESSION_COOKIE_NAME", defaultSessionCookieName),
		GuestCookieName:          envOrDefault("GUEST_COOKIE_NAME", defaultGuestCookieName),
		GuestTokenSecret:         strings.TrimSpace(os.Getenv("GUEST_TOKEN_SECRET")),
		GuestAutoProvision:       boolOrDefault("GUEST_AUTO_PROVISION", true),
		GuestInitialBalance:      int64(intOrDefault("GUEST_INITIAL_BALANCE", defaultGuestInitialBalance)),
		RegularInitialBalance:    int64(intOrDefault("REGULAR_INITIAL_BALANCE", defaultRegularInitialBalance)),
		GoogleClientID:           strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		InsecureSkipGoogleVerify: boolOrDefault("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", false),
		TursoDatabaseURL:         strings.TrimSpace(os.Getenv("TURSO_DATABASE_URL")),
		TursoAuthToken:           strings.TrimSpace(os.Getenv("TURSO_AUTH_TOKEN")),
		OpenRouterAPIKey:         strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		OpenRouterBaseURL:        envOrDefault("OPENROUTER_BASE_URL", defaultOpenRouterBaseURL),
		OpenAIAPIKey:             strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:            envOrDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL),
		ModelCatalogPath:         strings.TrimSpace(os.Getenv("MODEL_CATALOG_PATH")),
		DefaultModelID:           envOrDefault("DEFAULT_MODEL_ID", defaultModelID),
		SystemPrompt:             envOrDefault("SYSTEM_PROMPT", defaultSystemPrompt),
		ResumableStreams:         boolOrDefault("RESUMABLE_STREAMS", true),
		StreamBufferSize:         intOrDefault("STREAM_BUFFER_SIZE", defaultStreamBufferSize),
		UploadBackend:            strings.ToLower(envOrDefault("UPLOAD_BACKEND", "local")),
		LocalUploadDir:           envOrDefault("LOCAL_UPLOAD_DIR", defaultUploadDir),
		GCSBucket:                strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		GCSUploadPrefix:          envOrDefault("GCS_UPLOAD_PREFIX", defaultGCSUploadPrefix),
		PublicUploadBaseURL:      strings.TrimRight(envOrDefault("PUBLIC_UPLOAD_BASE_URL", "/uploads"), "/"),
	}

	if cfg.Environment == "production" {
		cfg.CookieSecure = true
	}

	cfg.SessionTTL = time.Duration(intOrDefault("SESSION_TTL_HOURS", defaultSessionTTLHours)) * time.Hour
	if cfg.SessionTTL <= 0 {
		return Config{}, errors.New("SESSION_TTL_HOURS must be > 0")
	}
	cfg.GuestTTL = time.Duration(intOrDefault("GUEST_TTL_HOURS", defaultGuestTTLHours)) * time.Hour
	if cfg.GuestTTL <= 0 {
		return Config{}, errors.New("GUEST_TTL_HOURS must be > 0")
	}

	cfg.GenerationTimeout = time.Duration(intOrDefault("GENERATION_TIMEOUT_SECONDS", defaultGenerationTimeoutSecs)) * time.Second
	if cfg.GenerationTimeout <= 0 {
		return Config{}, errors.New("GENERATION_TIMEOUT_SECONDS must be > 0")
	}
	cfg.OpenRouterMinInterval = time.Duration(intOrDefault("OPENROUTER_MIN_INTERVAL_MS", 0)) * time.Millisecond
	if cfg.OpenRouterMinInterval < 0 {
		return Config{}, errors.New("OPENROUTER_MIN_INTERVAL_MS must be >= 0")
	}
	cfg.StreamRetention = time.Duration(intOrDefault("STREAM_RETENTION_SECONDS", defaultStreamRetentionSecs)) * time.Second
	if cfg.StreamRetention < 0 {
		return Config{}, errors.New("STREAM_RETENTION_SECONDS must be >= 0")
	}
	if cfg.StreamBufferSize <= 0 {
		return Config{}, errors.New("STREAM_BUFFER_SIZE must be > 0")
	}
	if cfg.GuestInitialBalance < 0 || cfg.RegularInitialBalance < 0 {
		return Config{}, errors.New("initial balances must be >= 0")
	}

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", cfg.FrontendOrigin+",http://localhost:5173"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if cfg.TursoDatabaseURL == "" {
		return Config{}, errors.New("TURSO_DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.TursoDatabaseURL, "libsql://") && cfg.TursoAuthToken == "" {
		return Config{}, errors.New("TURSO_AUTH_TOKEN is required for libsql:// URLs")
	}

	if cfg.GuestTokenSecret == "" {
		if cfg.Environment == "production" {
			return Config{}, errors.New("GUEST_TOKEN_SECRET is required in production")
		}
		cfg.GuestTokenSecret = devGuestTokenSecret
	}

	switch cfg.UploadBackend {
	case "local":
	case "gcs":
		if cfg.GCSBucket == "" {
			return Config{}, errors.New("GCS_BUCKET is required when UPLOAD_BACKEND=gcs")
		}
	default:
		return Config{}, fmt.Errorf("unsupported UPLOAD_BACKEND %q", cfg.UploadBackend)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolOrDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
