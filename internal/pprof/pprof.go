package pprof

import (
	"net/http"
	_ "net/http/pprof"

	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/global"
)

func New(gCtx global.Context) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		if err := http.ListenAndServe(gCtx.Config().PProf.Bind, nil); err != nil {
			zap.S().Fatalw("pprof failed to listen",
				"error", err,
			)
		}
	}()

	go func() {
		<-gCtx.Done()
		close(done)
	}()

	return done
}
