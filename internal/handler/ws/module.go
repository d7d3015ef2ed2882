package ws

import "go.uber.org/fx"

// Module provides the websocket protocol handler.
var Module = fx.Module("ws-handler",
	fx.Provide(NewHandler),
)
