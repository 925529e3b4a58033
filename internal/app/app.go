package app

import (
	"go.uber.org/fx"

	"github.com/procurehq/erpsync/internal/cache"
	"github.com/procurehq/erpsync/internal/config"
	"github.com/procurehq/erpsync/internal/database"
	"github.com/procurehq/erpsync/internal/erp"
	"github.com/procurehq/erpsync/internal/logger"
	"github.com/procurehq/erpsync/internal/messaging"
	"github.com/procurehq/erpsync/internal/observability"
	"github.com/procurehq/erpsync/internal/outbox"
	"github.com/procurehq/erpsync/internal/reconcile"
	repositoryidentity "github.com/procurehq/erpsync/internal/repository/identity"
	repositoryprocurement "github.com/procurehq/erpsync/internal/repository/procurement"
	repositorysyncrun "github.com/procurehq/erpsync/internal/repository/syncrun"
	repositorywatermark "github.com/procurehq/erpsync/internal/repository/watermark"
	grpcserver "github.com/procurehq/erpsync/internal/server/grpc"
	httpserver "github.com/procurehq/erpsync/internal/server/http"
	serviceprocurement "github.com/procurehq/erpsync/internal/service/procurement"
	transporthttp "github.com/procurehq/erpsync/internal/transport/http"
	"github.com/procurehq/erpsync/internal/worker"
	workererpevents "github.com/procurehq/erpsync/internal/worker/erpevents"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	erp.Module,
	repositorywatermark.Module,
	repositorysyncrun.Module,
	repositoryidentity.Module,
	repositoryprocurement.Module,
	serviceprocurement.Module,
	reconcile.EngineModule,
)

// HTTP wires the HTTP and gRPC servers on top of the core modules.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	grpcserver.Module,
	transporthttp.Module,
)

// Sync runs the background reconciliation loops: the outbox worker for
// outbound pushes and the puller for inbound pulls.
var Sync = fx.Options(
	Core,
	outbox.Module,
	reconcile.PullerModule,
)

// Worker exposes background message consumption.
var Worker = fx.Options(
	Core,
	worker.Module,
	workererpevents.Module,
)

// Module is the default application wiring: HTTP plus both sync loops.
var Module = fx.Options(
	HTTP,
	outbox.Module,
	reconcile.PullerModule,
)
