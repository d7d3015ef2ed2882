package server

import (
	"context"

	"go.uber.org/fx"
)

// Module wires the HTTP listener into the fx lifecycle.
var Module = fx.Module("http-server",
	fx.Invoke(func(lc fx.Lifecycle, srv *HTTPServer) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				srv.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}),
)
