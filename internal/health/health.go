package health

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/global"
)

// New binds the liveness endpoint. Redis or Mongo being unreachable is an
// outage (500). A degraded bus is not: the instance still serves its local
// connections, so the response stays 200 with the flag set in the body.
func New(gCtx global.Context) <-chan struct{} {
	done := make(chan struct{})

	srv := fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if err := recover(); err != nil {
					zap.S().Errorw("panic in health",
						"panic", err,
					)
				}
			}()

			var (
				redisDown bool
				mongoDown bool
				busDown   bool
			)

			if gCtx.Inst().Redis != nil {
				lCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
				if err := gCtx.Inst().Redis.Ping(lCtx); err != nil {
					zap.S().Warnw("redis is not responding",
						"error", err,
					)
					redisDown = true
				}
				cancel()
			}

			if gCtx.Inst().Mongo != nil {
				lCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
				if err := gCtx.Inst().Mongo.Ping(lCtx); err != nil {
					mongoDown = true
					zap.S().Warnw("mongo is not responding",
						"error", err,
					)
				}
				cancel()
			}

			if gCtx.Inst().Bus != nil && !gCtx.Inst().Bus.Connected() {
				busDown = true
			}

			if redisDown || mongoDown {
				ctx.SetStatusCode(500)
			}

			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"bus_degraded":` + boolString(busDown) + `}`)
		},
	}

	go func() {
		defer close(done)
		zap.S().Infow("Health enabled",
			"bind", gCtx.Config().Health.Bind,
		)
		if err := srv.ListenAndServe(gCtx.Config().Health.Bind); err != nil {
			zap.S().Fatalw("failed to bind health",
				"error", err,
			)
		}
	}()

	go func() {
		<-gCtx.Done()
		_ = srv.Shutdown()
	}()

	return done
}

func boolString(b bool) string {
	if b {
		return "true"
	}

	return "false"
}
