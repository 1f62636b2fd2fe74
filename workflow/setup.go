package workflow

import (
	"context"
	"fmt"
	"os"

	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/ledger"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultPolicy turns configured tolerance defaults into a validated policy.
func DefaultPolicy() (models.TolerancePolicy, error) {
	s, err := config.ToleranceDefaults()
	if err != nil {
		return models.TolerancePolicy{}, models.NewReconError(models.ErrKindInvalidPolicy, "tolerance defaults", err)
	}
	return models.NewTolerancePolicy(s.AmountPercentageTolerance, s.AmountAbsoluteTolerance, s.DateToleranceDays, s.FuzzyMatchThreshold)
}

// GatewayLedgerFromConfig picks the gateway source named by RECON_GATEWAY_SOURCE.
// The returned closer releases any client it opened.
func GatewayLedgerFromConfig(ctx context.Context, settings config.RunSettings) (models.LedgerSource, func(), error) {
	switch settings.GatewaySource {
	case config.GatewaySourceStatement:
		client, err := utils.GetGCSClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		bucket := os.Getenv("RECON_STATEMENT_BUCKET")
		if bucket == "" {
			client.Close()
			return nil, nil, fmt.Errorf("RECON_STATEMENT_BUCKET is required for statement source: %w", utils.ErrorNotConfigured)
		}
		l := ledger.NewStatementLedger(client, bucket, config.StringFromEnv("RECON_STATEMENT_PREFIX", "statements"))
		return l, func() { _ = client.Close() }, nil
	case config.GatewaySourceAPI, "":
		c, err := ledger.NewGatewayClientFromEnv()
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown gateway source %q", settings.GatewaySource)
}

// GuardFromConfig picks the run guard named by RECON_GUARD_BACKEND.
func GuardFromConfig(settings config.RunSettings, db *gorm.DB) (RunGuard, error) {
	switch settings.GuardBackend {
	case config.GuardBackendRedis:
		locker := config.GetRedisLock()
		if locker == nil {
			return nil, fmt.Errorf("redis guard: %w", utils.ErrorNotConfigured)
		}
		return NewRedisRunGuard(locker, settings.GuardTTL), nil
	case config.GuardBackendMySQL:
		if db == nil {
			return nil, fmt.Errorf("mysql guard: %w", utils.ErrorNotConfigured)
		}
		return NewMySQLRunGuard(db), nil
	case config.GuardBackendLocal:
		return NewLocalRunGuard(), nil
	}
	return nil, fmt.Errorf("unknown guard backend %q", settings.GuardBackend)
}

// BuildOrchestrator wires an orchestrator from settings and the environment.
// Redis-backed cancel flags and previews are used when Redis is connected.
// The dispatcher is not started; callers own its Run loop.
func BuildOrchestrator(ctx context.Context, db *gorm.DB, logger *logrus.Logger, settings config.RunSettings) (*Orchestrator, func(), error) {
	defaults, err := DefaultPolicy()
	if err != nil {
		return nil, nil, err
	}
	guard, err := GuardFromConfig(settings, db)
	if err != nil {
		return nil, nil, err
	}
	gateway, closeGateway, err := GatewayLedgerFromConfig(ctx, settings)
	if err != nil {
		return nil, nil, err
	}

	o := NewOrchestrator(models.NewGormRunStore(db), ledger.NewAppLedger(db), gateway, guard, logger)
	o.Defaults = defaults
	o.FetchTimeout = settings.FetchTimeout
	o.PersistTimeout = settings.PersistTimeout
	o.Dispatcher = NewRunDispatcher(logger, settings.Workers, settings.QueueSize)
	if rdb := config.GetRedisDB(); rdb != nil {
		o.Cancels = NewRedisCancelFlags(rdb, settings.GuardTTL)
		o.Previews = NewRedisPreviewCache(settings.PreviewTTL)
	} else {
		o.Previews = NewMemoryPreviewCache(settings.PreviewTTL)
	}
	if settings.EventsTopic != "" {
		o.Notifier = NewPubSubNotifier(settings.EventsTopic)
	}

	logger.WithFields(logrus.Fields{
		"field":          "BuildOrchestrator",
		"guard":          settings.GuardBackend,
		"gateway_source": settings.GatewaySource,
		"workers":        settings.Workers,
		"queue_size":     settings.QueueSize,
		"events_topic":   settings.EventsTopic,
	}).Info("reconciliation orchestrator ready")
	return o, closeGateway, nil
}
