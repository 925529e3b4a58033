package syncrun

import "go.uber.org/fx"

// Module provides the sync-run ledger repository to Fx.
var Module = fx.Provide(NewRepository)
