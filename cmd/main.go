package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bugsnag/panicwrap"
	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/bus"
	"github.com/elevatehq/realtime/internal/configure"
	"github.com/elevatehq/realtime/internal/gateway"
	"github.com/elevatehq/realtime/internal/global"
	"github.com/elevatehq/realtime/internal/health"
	"github.com/elevatehq/realtime/internal/monitoring"
	"github.com/elevatehq/realtime/internal/pprof"
	"github.com/elevatehq/realtime/internal/svc/auth"
	"github.com/elevatehq/realtime/internal/svc/limiter"
	"github.com/elevatehq/realtime/internal/svc/mongo"
	"github.com/elevatehq/realtime/internal/svc/monitor"
	"github.com/elevatehq/realtime/internal/svc/notifications"
	"github.com/elevatehq/realtime/internal/svc/presence"
	"github.com/elevatehq/realtime/internal/svc/push"
	"github.com/elevatehq/realtime/internal/svc/queue"
	"github.com/elevatehq/realtime/internal/svc/redis"
)

var (
	Version = "development"
	Unix    = ""
	Time    = "unknown"
	User    = "unknown"
)

func init() {
	debug.SetGCPercent(2000)
	if i, err := strconv.Atoi(Unix); err == nil {
		Time = time.Unix(int64(i), 0).Format(time.RFC3339)
	}
}

func main() {
	config := configure.New()

	exitStatus, err := panicwrap.BasicWrap(func(s string) {
		zap.S().Errorw("panic detected",
			"panic", s,
		)
	})
	if err != nil {
		zap.S().Errorw("failed to setup panic handler",
			"error", err,
		)
		os.Exit(2)
	}

	if exitStatus >= 0 {
		os.Exit(exitStatus)
	}

	if !config.NoHeader {
		zap.S().Info("ElevateHQ Realtime Gateway")
		zap.S().Infof("Version: %s", Version)
		zap.S().Infof("build.Time: %s", Time)
		zap.S().Infof("build.User: %s", User)
	}

	zap.S().Debugf("MaxProcs: %d", runtime.GOMAXPROCS(0))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	gCtx, cancel := global.WithCancel(global.New(context.Background(), config))

	{
		gCtx.Inst().Redis, err = redis.Setup(gCtx, redis.SetupOptions{
			Username:   config.Redis.Username,
			Password:   config.Redis.Password,
			Database:   config.Redis.Database,
			Sentinel:   config.Redis.Sentinel,
			MasterName: config.Redis.MasterName,
			Addresses:  config.Redis.Addresses,
		})
		if err != nil {
			zap.S().Fatalw("failed to setup redis handler",
				"error", err,
			)
		}
	}

	{
		gCtx.Inst().Mongo, err = mongo.Setup(gCtx, mongo.SetupOptions{
			URI:    config.Mongo.URI,
			DB:     config.Mongo.DB,
			Direct: config.Mongo.Direct,
		})
		if err != nil {
			zap.S().Fatalw("failed to setup mongo handler",
				"error", err,
			)
		}
	}

	{
		gCtx.Inst().Monitor = monitor.New(gCtx.Inst().Redis, monitor.Options{
			InstanceID: config.InstanceID,
		})
	}

	{
		gCtx.Inst().Auth = auth.New(auth.AuthorizerOptions{
			JWTSecret: config.Credentials.JWTSecret,
		})
	}

	{
		gCtx.Inst().Limiter, err = limiter.New(gCtx, gCtx.Inst().Redis, limiter.Options{
			DefaultCeiling:   config.Limits.DefaultCeiling,
			SensitiveCeiling: config.Limits.SensitiveCeiling,
			Window:           config.Limits.Window,
		})
		if err != nil {
			zap.S().Fatalw("failed to setup rate limiter",
				"error", err,
			)
		}
	}

	{
		gCtx.Inst().Queue, err = queue.New(gCtx, gCtx.Inst().Redis, queue.Options{
			NotificationCap: config.Queue.NotificationCap,
			NotificationTTL: config.Queue.NotificationTTL,
			EventCap:        config.Queue.EventCap,
			EventTTL:        config.Queue.EventTTL,
		})
		if err != nil {
			zap.S().Fatalw("failed to setup offline queues",
				"error", err,
			)
		}
	}

	{
		gCtx.Inst().Notifications = notifications.New(gCtx.Inst().Mongo)
	}

	if config.Push.Enabled {
		gCtx.Inst().Push = push.New(push.Options{
			Endpoint: config.Push.Endpoint,
			APIKey:   config.Push.APIKey,
		})
	}

	{
		// An unreachable broker at boot is not fatal; the instance degrades
		// to local-only delivery and flags itself.
		b, err := bus.New(gCtx, bus.Options{
			URI:           config.Nats.URI,
			TopicPrefix:   config.Nats.TopicPrefix,
			MaxReconnects: config.Nats.MaxReconnects,
			OnStatusChange: func(connected bool) {
				gCtx.Inst().Monitor.SetBusDegraded(!connected)
			},
		})
		if err != nil {
			zap.S().Warnw("broadcast bus unreachable, running degraded",
				"error", err,
			)

			b = bus.NewLocal()

			gCtx.Inst().Monitor.SetBusDegraded(true)
		}

		gCtx.Inst().Bus = b
	}

	{
		gCtx.Inst().Presence = presence.New(gCtx.Inst().Redis, presence.Options{
			IdleAfter:     config.Presence.IdleAfter,
			AwayAfter:     config.Presence.AwayAfter,
			SweepInterval: config.Presence.SweepInterval,
			Retention:     config.Presence.Retention,
			OnTransition:  gateway.PresenceHook(gCtx),
		})
	}

	wg := sync.WaitGroup{}

	if gCtx.Config().Health.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-health.New(gCtx)
		}()
	}
	if gCtx.Config().Monitoring.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-monitoring.New(gCtx)
		}()
	}
	if gCtx.Config().PProf.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-pprof.New(gCtx)
		}()
	}

	gCtx.Inst().Presence.StartSweeper(gCtx)
	gCtx.Inst().Monitor.StartSnapshots(gCtx)

	done := make(chan struct{})
	go func() {
		<-sig
		cancel()
		go func() {
			select {
			case <-time.After(time.Minute):
			case <-sig:
			}
			zap.S().Fatal("force shutdown")
		}()

		zap.S().Info("shutting down")

		wg.Wait()

		gCtx.Inst().Bus.Close()

		close(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		srv, err := gateway.New(gCtx)
		if err != nil {
			zap.S().Fatalw("failed to setup gateway",
				"error", err,
			)
		}

		if err := srv.Serve(); err != nil {
			zap.S().Fatalw("gateway failed",
				"error", err,
			)
		}
	}()

	zap.S().Info("running")

	<-done

	zap.S().Info("shutdown")
	os.Exit(0)
}
