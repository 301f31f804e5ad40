package app

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	MongoURI      string // empty disables settings/history persistence
	MongoDatabase string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool

	CacheDir         string
	CacheBudgetBytes int64
	CacheEnabled     bool

	FFMPEGPath      string
	FFProbePath     string
	SegmentDuration int
	Goniometer      bool
	Encoder         string // software, nvenc, vaapi
	VAAPIDevice     string
	SessionTTLMin   int64

	OTLPEndpoint     string  // empty disables tracing
	TraceSampleRatio float64 // 0.0-1.0
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "reviewstream"),

		S3Endpoint:  getEnv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Bucket:    getEnv("S3_BUCKET", "media"),
		S3Region:    getEnv("S3_REGION", ""),
		S3UseSSL:    getEnvBool("S3_USE_SSL", false),

		CacheDir:         getEnv("CACHE_DIR", "cache"),
		CacheBudgetBytes: getEnvInt64("CACHE_BUDGET_BYTES", 10<<30),
		CacheEnabled:     getEnvBool("CACHE_ENABLED", true),

		FFMPEGPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath:     getEnv("FFPROBE_PATH", "ffprobe"),
		SegmentDuration: int(getEnvInt64("SEGMENT_DURATION_SECONDS", 10)),
		Goniometer:      getEnvBool("GONIOMETER", false),
		Encoder:         strings.ToLower(getEnv("VIDEO_ENCODER", "software")),
		VAAPIDevice:     getEnv("VAAPI_DEVICE", ""),
		SessionTTLMin:   getEnvInt64("SESSION_TTL_MINUTES", 60),

		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRatio: getEnvFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
