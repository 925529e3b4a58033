package erp

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/procurehq/erpsync/internal/config"
)

// NewClient selects the gateway implementation from configuration.
func NewClient(cfg config.Config, logger *zap.Logger) Client {
	if cfg.ERP.Mode == "http" {
		return NewHTTPClient(cfg.ERP, logger)
	}
	logger.Info("using mock erp client", zap.String("system", cfg.ERP.System))
	return NewMockClient()
}

// Module wires the ERP gateway into the Fx graph.
var Module = fx.Provide(NewClient)
