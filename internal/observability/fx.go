package observability

import (
	"github.com/gestionly/veriledger/internal/config"
	"github.com/gestionly/veriledger/internal/observability/logger"
	"github.com/gestionly/veriledger/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideLoggerConfig,
		logger.New,
	),
	fx.Invoke(ensureLedgerMetrics),
)

func provideLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName:   cfg.AppName,
		Environment:   cfg.Environment,
		Version:       cfg.AppVersion,
		Level:         cfg.LogLevel,
		Format:        cfg.LogFormat,
		IncludeCaller: true,
	}
}

func ensureLedgerMetrics() {
	metrics.Ledger()
}
