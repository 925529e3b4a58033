package procurement

import "go.uber.org/fx"

// Module provides the procurement service to Fx.
var Module = fx.Provide(NewService)
