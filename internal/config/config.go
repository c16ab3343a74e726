package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/commission"
	"github.com/Mastermcphill/fliptrybe-sub001/internal/queue"
)

// Config is resolved once at boot and passed explicitly; nothing reads
// ambient environment state after Load returns.
type Config struct {
	DBSource string
	Port     string
	Env      string

	// RedisURL switches the settlement queue to Redis when set; empty
	// means the in-process queue.
	RedisURL string

	// KafkaBrokers enables the outbox publisher when non-empty.
	KafkaBrokers []string
	KafkaTopic   string

	// WebhookSecrets maps provider source name to its HMAC secret.
	WebhookSecrets map[string]string

	Commission commission.Config
	Retry      queue.RetryPolicy
	Workers    int

	// RequiredScopes are the idempotency scope prefixes for which a
	// missing key is a client error.
	RequiredScopes []string

	ReconcileToleranceMinor int64
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:       dbSource,
		Port:           getenv("SERVER_PORT", "8080"),
		Env:            getenv("ENVIRONMENT", "development"),
		RedisURL:       os.Getenv("REDIS_URL"),
		KafkaTopic:     getenv("KAFKA_TOPIC", "settlement-events"),
		WebhookSecrets: parseSecrets(os.Getenv("WEBHOOK_SECRETS")),
		Commission: commission.Config{
			SaleRateBps:           getenvInt64("SALE_FEE_BPS", 1300),
			DeliveryPlatformBps:   getenvInt64("DELIVERY_PLATFORM_BPS", 1000),
			InspectionPlatformBps: getenvInt64("INSPECTION_PLATFORM_BPS", 1000),
			TopTierCarveNum:       getenvInt64("TOP_TIER_CARVE_NUM", 11),
			TopTierCarveDen:       getenvInt64("TOP_TIER_CARVE_DEN", 13),
		},
		Retry: queue.RetryPolicy{
			MaxAttempts: int(getenvInt64("WEBHOOK_MAX_ATTEMPTS", 5)),
			BaseDelay:   getenvDuration("WEBHOOK_BASE_DELAY", 5*time.Second),
			MaxDelay:    getenvDuration("WEBHOOK_MAX_DELAY", 5*time.Minute),
		},
		Workers:        int(getenvInt64("SETTLEMENT_WORKERS", 4)),
		RequiredScopes: []string{"intents", "escrow", "webhook:"},

		ReconcileToleranceMinor: getenvInt64("RECONCILE_TOLERANCE_MINOR", 0),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	return cfg, nil
}

// parseSecrets reads "source=secret,source2=secret2".
func parseSecrets(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		source, secret, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && source != "" {
			out[source] = secret
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
