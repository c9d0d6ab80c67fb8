package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/toolforge/backend/internal/models"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// LogLevel is a logrus level name. Defaults to "info".
	LogLevel string

	// WebhookSecret is the shared HMAC secret for billing webhooks. When empty
	// every webhook is rejected.
	WebhookSecret string

	// RedisURL is optional; required only when FingerprintStore is "redis".
	RedisURL string

	// FingerprintStore selects the dedup backend: "postgres" or "redis".
	FingerprintStore string

	// FingerprintRetention bounds how long a webhook fingerprint blocks replays.
	FingerprintRetention time.Duration

	// PlanAllotments maps each plan to the balance a refill sets.
	PlanAllotments map[models.PlanID]int64

	// VariantPlans maps billing provider variant ids to plans.
	VariantPlans map[string]models.PlanID

	// ToolCosts maps tool names to their credit cost. It is the tool catalog:
	// names missing from it are not served.
	ToolCosts map[string]int64

	// DefaultToolCost prices catalog entries listed without a cost.
	DefaultToolCost int64

	// ToolTimeout bounds one metered generation call.
	ToolTimeout time.Duration

	// ReservationTTL is the age after which a pending reservation is swept.
	ReservationTTL time.Duration

	// StorageRetryMax and StorageRetryBaseDelay bound optimistic-concurrency retries.
	StorageRetryMax       int
	StorageRetryBaseDelay time.Duration

	// Inference* configure the hosted generation collaborator.
	InferenceBaseURL  string
	InferenceAPIToken string
	InferenceModel    string

	// NotifyWebhookURL receives payment-failed notices. Empty means log only.
	NotifyWebhookURL string

	// WorkerConcurrency is the number of job processors.
	WorkerConcurrency int
}

const (
	defaultServerAddress        = ":18111"
	defaultLogLevel             = "info"
	defaultFingerprintStore     = "postgres"
	defaultFingerprintRetention = 30 * 24 * time.Hour
	defaultPlanAllotments       = "free:50,pro:1000,business:5000"
	defaultToolCost             = 1
	defaultToolCosts            = "blog_post"
	defaultToolTimeout          = 60 * time.Second
	defaultReservationTTL       = 15 * time.Minute
	defaultStorageRetryMax      = 3
	defaultStorageRetryDelay    = 25 * time.Millisecond
	defaultInferenceBaseURL     = "https://api-inference.huggingface.co"
	defaultInferenceModel       = "mistralai/Mistral-7B-Instruct-v0.2"
	defaultWorkerConcurrency    = 2

	envServerAddress        = "BACKEND_ADDR"
	envDatabaseURL          = "DATABASE_URL"
	envLogLevel             = "LOG_LEVEL"
	envWebhookSecret        = "BILLING_WEBHOOK_SECRET"
	envRedisURL             = "REDIS_URL"
	envFingerprintStore     = "FINGERPRINT_STORE"
	envFingerprintRetention = "FINGERPRINT_RETENTION"
	envPlanAllotments       = "PLAN_ALLOTMENTS"
	envVariantPlans         = "VARIANT_PLANS"
	envToolCosts            = "TOOL_COSTS"
	envDefaultToolCost      = "DEFAULT_TOOL_COST"
	envToolTimeout          = "TOOL_TIMEOUT"
	envReservationTTL       = "RESERVATION_TTL"
	envStorageRetryMax      = "STORAGE_RETRY_MAX"
	envStorageRetryDelay    = "STORAGE_RETRY_BASE_DELAY"
	envInferenceBaseURL     = "INFERENCE_BASE_URL"
	envInferenceAPIToken    = "INFERENCE_API_TOKEN"
	envInferenceModel       = "INFERENCE_MODEL"
	envNotifyWebhookURL     = "NOTIFY_WEBHOOK_URL"
	envWorkerConcurrency    = "WORKER_CONCURRENCY"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:     firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:       strings.TrimSpace(os.Getenv(envDatabaseURL)),
		LogLevel:          firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		WebhookSecret:     os.Getenv(envWebhookSecret),
		RedisURL:          os.Getenv(envRedisURL),
		FingerprintStore:  strings.ToLower(firstNonEmpty(os.Getenv(envFingerprintStore), defaultFingerprintStore)),
		InferenceBaseURL:  strings.TrimRight(firstNonEmpty(os.Getenv(envInferenceBaseURL), defaultInferenceBaseURL), "/"),
		InferenceAPIToken: os.Getenv(envInferenceAPIToken),
		InferenceModel:    firstNonEmpty(os.Getenv(envInferenceModel), defaultInferenceModel),
		NotifyWebhookURL:  os.Getenv(envNotifyWebhookURL),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}

	switch cfg.FingerprintStore {
	case "postgres":
	case "redis":
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("%s is required when %s=redis", envRedisURL, envFingerprintStore)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s: %q", envFingerprintStore, cfg.FingerprintStore)
	}

	var err error
	if cfg.FingerprintRetention, err = durationEnv(envFingerprintRetention, defaultFingerprintRetention); err != nil {
		return Config{}, err
	}
	if cfg.ToolTimeout, err = durationEnv(envToolTimeout, defaultToolTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReservationTTL, err = durationEnv(envReservationTTL, defaultReservationTTL); err != nil {
		return Config{}, err
	}
	if cfg.StorageRetryBaseDelay, err = durationEnv(envStorageRetryDelay, defaultStorageRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.StorageRetryMax, err = intEnv(envStorageRetryMax, defaultStorageRetryMax); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = intEnv(envWorkerConcurrency, defaultWorkerConcurrency); err != nil {
		return Config{}, err
	}
	defaultCost, err := intEnv(envDefaultToolCost, defaultToolCost)
	if err != nil {
		return Config{}, err
	}
	if defaultCost <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envDefaultToolCost)
	}
	cfg.DefaultToolCost = int64(defaultCost)

	if cfg.PlanAllotments, err = parsePlanAllotments(firstNonEmpty(os.Getenv(envPlanAllotments), defaultPlanAllotments)); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envPlanAllotments, err)
	}
	if cfg.VariantPlans, err = parseVariantPlans(os.Getenv(envVariantPlans)); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVariantPlans, err)
	}
	if cfg.ToolCosts, err = parseToolCosts(firstNonEmpty(os.Getenv(envToolCosts), defaultToolCosts), cfg.DefaultToolCost); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envToolCosts, err)
	}

	return cfg, nil
}

// Allotment returns the refill balance for plan.
func (c Config) Allotment(plan models.PlanID) int64 {
	return c.PlanAllotments[plan]
}

// HasTool reports whether tool is in the catalog.
func (c Config) HasTool(tool string) bool {
	_, ok := c.ToolCosts[tool]
	return ok
}

// ToolCost returns the credit cost for tool.
func (c Config) ToolCost(tool string) int64 {
	if cost, ok := c.ToolCosts[tool]; ok {
		return cost
	}
	return c.DefaultToolCost
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return n, nil
}

// parsePairs splits "a:1,b:2" into ordered key/value pairs.
func parsePairs(raw string) ([][2]string, error) {
	var pairs [][2]string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, ":")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("malformed entry %q", item)
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs, nil
}

func parsePlanAllotments(raw string) (map[models.PlanID]int64, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[models.PlanID]int64, len(pairs))
	for _, p := range pairs {
		plan := models.PlanID(p[0])
		if !plan.Valid() {
			return nil, fmt.Errorf("unknown plan %q", p[0])
		}
		n, err := strconv.ParseInt(p[1], 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("allotment for %s must be a non-negative integer", plan)
		}
		out[plan] = n
	}
	for _, plan := range []models.PlanID{models.PlanFree, models.PlanPro, models.PlanBusiness} {
		if _, ok := out[plan]; !ok {
			return nil, fmt.Errorf("missing allotment for plan %s", plan)
		}
	}
	return out, nil
}

func parseVariantPlans(raw string) (map[string]models.PlanID, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.PlanID, len(pairs))
	for _, p := range pairs {
		plan := models.PlanID(p[1])
		if !plan.Valid() {
			return nil, fmt.Errorf("unknown plan %q for variant %s", p[1], p[0])
		}
		out[p[0]] = plan
	}
	return out, nil
}

// parseToolCosts reads "name:cost" entries; a bare name costs defaultCost.
func parseToolCosts(raw string, defaultCost int64) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !strings.Contains(item, ":") {
			out[item] = defaultCost
			continue
		}
		pairs, err := parsePairs(item)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(pairs[0][1], 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("cost for %s must be a positive integer", pairs[0][0])
		}
		out[pairs[0][0]] = n
	}
	return out, nil
}

// ToolNames returns the configured tool names in sorted order.
func (c Config) ToolNames() []string {
	names := make([]string, 0, len(c.ToolCosts))
	for name := range c.ToolCosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
