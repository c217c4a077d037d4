package email

import (
	"github.com/gestionly/veriledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("email",
	fx.Provide(NewProvider),
)

// NewProvider picks SMTP when a host is configured and the logging no-op
// otherwise.
func NewProvider(cfg config.Config, log *zap.Logger) Provider {
	if cfg.SMTPHost == "" {
		return NewNoOpProvider(log)
	}
	return NewSMTPProvider(SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}
