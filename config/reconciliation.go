package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ToleranceSettings are the system defaults applied to trigger requests that leave
// tolerance fields unset. They are validated by the caller when turned into a policy.
type ToleranceSettings struct {
	AmountPercentageTolerance decimal.Decimal
	AmountAbsoluteTolerance   decimal.Decimal
	DateToleranceDays         int
	FuzzyMatchThreshold       int
}

type toleranceFile struct {
	AmountPercentageTolerance *string `yaml:"amount_percentage_tolerance"`
	AmountAbsoluteTolerance   *string `yaml:"amount_absolute_tolerance"`
	DateToleranceDays         *int    `yaml:"date_tolerance_days"`
	FuzzyMatchThreshold       *int    `yaml:"fuzzy_match_threshold"`
}

// RunSettings holds orchestrator tunables.
type RunSettings struct {
	FetchTimeout   time.Duration
	PersistTimeout time.Duration
	Workers        int
	QueueSize      int
	GuardTTL       time.Duration
	GuardBackend   string
	PreviewTTL     time.Duration
	GatewaySource  string
	EventsTopic    string
}

const (
	GuardBackendRedis = "redis"
	GuardBackendMySQL = "mysql"
	GuardBackendLocal = "local"

	GatewaySourceAPI       = "api"
	GatewaySourceStatement = "statement"
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// ToleranceDefaults reads RECON_* env vars, then overlays RECON_TOLERANCE_FILE when set.
func ToleranceDefaults() (ToleranceSettings, error) {
	s := ToleranceSettings{
		AmountPercentageTolerance: decimal.New(1, -2),
		AmountAbsoluteTolerance:   decimal.Zero,
		DateToleranceDays:         IntFromEnv("RECON_DATE_TOLERANCE_DAYS", 1),
		FuzzyMatchThreshold:       IntFromEnv("RECON_FUZZY_MATCH_THRESHOLD", 80),
	}
	if v := strings.TrimSpace(os.Getenv("RECON_AMOUNT_PERCENTAGE_TOLERANCE")); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return s, fmt.Errorf("RECON_AMOUNT_PERCENTAGE_TOLERANCE: %w", err)
		}
		s.AmountPercentageTolerance = d
	}
	if v := strings.TrimSpace(os.Getenv("RECON_AMOUNT_ABSOLUTE_TOLERANCE")); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return s, fmt.Errorf("RECON_AMOUNT_ABSOLUTE_TOLERANCE: %w", err)
		}
		s.AmountAbsoluteTolerance = d
	}

	path := strings.TrimSpace(os.Getenv("RECON_TOLERANCE_FILE"))
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read tolerance file: %w", err)
	}
	return ApplyToleranceYAML(s, data)
}

// ApplyToleranceYAML overlays the keys present in data onto base.
func ApplyToleranceYAML(base ToleranceSettings, data []byte) (ToleranceSettings, error) {
	var f toleranceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return base, fmt.Errorf("parse tolerance file: %w", err)
	}
	if f.AmountPercentageTolerance != nil {
		d, err := decimal.NewFromString(strings.TrimSpace(*f.AmountPercentageTolerance))
		if err != nil {
			return base, fmt.Errorf("amount_percentage_tolerance: %w", err)
		}
		base.AmountPercentageTolerance = d
	}
	if f.AmountAbsoluteTolerance != nil {
		d, err := decimal.NewFromString(strings.TrimSpace(*f.AmountAbsoluteTolerance))
		if err != nil {
			return base, fmt.Errorf("amount_absolute_tolerance: %w", err)
		}
		base.AmountAbsoluteTolerance = d
	}
	if f.DateToleranceDays != nil {
		base.DateToleranceDays = *f.DateToleranceDays
	}
	if f.FuzzyMatchThreshold != nil {
		base.FuzzyMatchThreshold = *f.FuzzyMatchThreshold
	}
	return base, nil
}

func GetRunSettings() RunSettings {
	return RunSettings{
		FetchTimeout:   SecondsFromEnv("RECON_FETCH_TIMEOUT_SECONDS", 60*time.Second),
		PersistTimeout: SecondsFromEnv("RECON_PERSIST_TIMEOUT_SECONDS", 30*time.Second),
		Workers:        IntFromEnv("RECON_WORKERS", 2),
		QueueSize:      IntFromEnv("RECON_QUEUE_SIZE", 16),
		GuardTTL:       SecondsFromEnv("RECON_GUARD_TTL_SECONDS", 5*time.Minute),
		GuardBackend:   strings.ToLower(StringFromEnv("RECON_GUARD_BACKEND", GuardBackendRedis)),
		PreviewTTL:     SecondsFromEnv("RECON_PREVIEW_TTL_SECONDS", time.Hour),
		GatewaySource:  strings.ToLower(StringFromEnv("RECON_GATEWAY_SOURCE", GatewaySourceAPI)),
		EventsTopic:    StringFromEnv("RECON_EVENTS_TOPIC", ""),
	}
}
