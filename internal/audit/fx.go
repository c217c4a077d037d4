package audit

import (
	"github.com/gestionly/veriledger/internal/audit/repository"
	"github.com/gestionly/veriledger/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
