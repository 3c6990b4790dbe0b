package config

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"resource-allocator/allocator"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	HTTPPort             int
	LogLevel             string
	PreemptionEnabled    bool
	LinearScanThreshold  int
	ResourcesFile        string
	DatabaseURL          string
	JournalFlushInterval time.Duration
	TraceFile            string

	PubsubTopic     string
	Subscription    string
	GoogleProjectID string
	CredentialsFile string
}

// Load reads the configuration from the environment. Variables from a .env file in the
// working directory are applied first; variables already set in the environment win.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}

	cfg := &Config{
		HTTPPort:             getEnvInt("ALLOCATOR_HTTP_PORT", getEnvInt("ALLOCATOR_METRICS_PORT", 8080)),
		LogLevel:             strings.TrimSpace(getEnv("ALLOCATOR_LOG_LEVEL", "info")),
		PreemptionEnabled:    getEnvBool("ALLOCATOR_PREEMPTION_ENABLED", false),
		LinearScanThreshold:  getEnvInt("ALLOCATOR_LINEAR_SCAN_THRESHOLD", allocator.DefaultLinearScanThreshold),
		ResourcesFile:        strings.TrimSpace(getEnv("ALLOCATOR_RESOURCES_FILE", "")),
		DatabaseURL:          strings.TrimSpace(getEnv("ALLOCATOR_DATABASE_URL", "")),
		JournalFlushInterval: time.Duration(getEnvInt("ALLOCATOR_JOURNAL_FLUSH_INTERVAL", 1000)) * time.Millisecond,
		TraceFile:            strings.TrimSpace(getEnv("ALLOCATOR_TRACE_FILE", "")),

		Subscription:    strings.TrimSpace(getEnv("ALLOCATION_REQUEST_SUBSCRIPTION", os.Getenv("ALLOCATOR_PUBSUB_SUBSCRIPTION"))),
		PubsubTopic:     strings.TrimSpace(getEnv("ALLOCATION_RESULT_TOPIC", os.Getenv("ALLOCATOR_PUBSUB_TOPIC"))),
		CredentialsFile: strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("ALLOCATOR_GSA_CREDENTIALS"))),
	}
	if cfg.LinearScanThreshold < 0 {
		log.Warn().Int("value", cfg.LinearScanThreshold).Msg("negative ALLOCATOR_LINEAR_SCAN_THRESHOLD; using 0")
		cfg.LinearScanThreshold = 0
	}

	if cfg.Subscription == "" && cfg.PubsubTopic == "" {
		log.Info().Msg("Pub/Sub not configured; serving HTTP only")
		return cfg
	}
	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("ALLOCATOR_PUBSUB_PROJECT_ID", "")))
	if cfg.GoogleProjectID == "" {
		log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or ALLOCATOR_PUBSUB_PROJECT_ID")
	}
	if cfg.Subscription == "" {
		log.Warn().Msg("Pub/Sub subscription not set; set ALLOCATION_REQUEST_SUBSCRIPTION or ALLOCATOR_PUBSUB_SUBSCRIPTION")
	}
	if cfg.PubsubTopic == "" {
		log.Warn().Msg("Pub/Sub topic not set; set ALLOCATION_RESULT_TOPIC or ALLOCATOR_PUBSUB_TOPIC")
	}
	return cfg
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HTTPPort))
}

// Options maps the engine inputs onto allocator.Options.
func (c *Config) Options() allocator.Options {
	return allocator.Options{
		PreemptionEnabled:   c.PreemptionEnabled,
		LinearScanThreshold: c.LinearScanThreshold,
	}
}

// PubsubEnabled reports whether both ends of the Pub/Sub dispatcher are configured.
func (c *Config) PubsubEnabled() bool {
	return c.Subscription != "" && c.PubsubTopic != ""
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"httpPort":             c.HTTPPort,
		"logLevel":             c.LogLevel,
		"preemptionEnabled":    c.PreemptionEnabled,
		"linearScanThreshold":  c.LinearScanThreshold,
		"resourcesFile":        c.ResourcesFile,
		"databaseConfigured":   c.DatabaseURL != "",
		"journalFlushInterval": c.JournalFlushInterval.String(),
		"traceFile":            c.TraceFile,
		"projectID":            c.GoogleProjectID,
		"requestSubscription":  c.Subscription,
		"resultTopic":          c.PubsubTopic,
		"credentialsProvided":  c.CredentialsFile != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int in environment; using default")
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid bool in environment; using default")
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", nil
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override from allocator env
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using ALLOCATOR_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) Deployment override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (ALLOCATOR_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
