package certvault

import (
	"github.com/gestionly/veriledger/internal/certvault/service"
	"go.uber.org/fx"
)

var Module = fx.Module("certvault",
	fx.Provide(
		service.NewService,
	),
)
