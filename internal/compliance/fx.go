package compliance

import (
	"github.com/gestionly/veriledger/internal/compliance/authority"
	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
	"github.com/gestionly/veriledger/internal/compliance/service"
	"github.com/gestionly/veriledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("compliance",
	fx.Provide(
		NewAuthorityClient,
		service.NewService,
	),
)

// NewAuthorityClient wires the transport selected by AUTHORITY_MODE. The
// fake accepts everything and is only meant for local runs and tests.
func NewAuthorityClient(cfg config.Config, log *zap.Logger) compliancedomain.Client {
	if cfg.AuthorityMode == "fake" {
		log.Named("authority").Warn("using fake authority client, submissions are not real")
		return authority.NewFakeClient()
	}
	return authority.NewHTTPClient(cfg.AuthorityEndpoint, cfg.AuthorityAPIKey, log)
}
