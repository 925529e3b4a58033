package http

import (
	"go.uber.org/fx"

	procurementtransport "github.com/procurehq/erpsync/internal/transport/http/procurement"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	procurementtransport.Module,
)
