package bus

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler func(payload events.BusPayload)

// Instance relays events between server instances. Every instance subscribes
// to all scopes at startup; the receiving side decides locally whether it
// holds a matching connection. That redundant fan-out is the accepted cost of
// not running a connection directory.
type Instance interface {
	Publish(ctx context.Context, payload events.BusPayload) error
	Subscribe(scope events.Scope, handler Handler) error
	Connected() bool
	Close()
}

type Options struct {
	URI           string
	TopicPrefix   string
	MaxReconnects int

	// OnStatusChange observes connect/disconnect transitions, wired to the
	// degraded-mode gauge.
	OnStatusChange func(connected bool)
}

// New connects to NATS. An unreachable broker is returned as an error so the
// caller can fall back to local-only delivery instead of refusing to start.
func New(ctx context.Context, opt Options) (Instance, error) {
	if opt.TopicPrefix == "" {
		opt.TopicPrefix = "realtime"
	}

	b := &natsBus{opt: opt}

	conn, err := nats.Connect(opt.URI,
		nats.MaxReconnects(opt.MaxReconnects),
		nats.ConnectHandler(func(c *nats.Conn) {
			b.status(true)
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			zap.S().Warnw("disconnected from broadcast bus",
				"error", err,
			)
			b.status(false)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			zap.S().Infow("reconnected to broadcast bus",
				"url", c.ConnectedUrl(),
			)
			b.status(true)
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			zap.S().Errorw("broadcast bus error",
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, err
	}

	b.conn = conn

	return b, nil
}

type natsBus struct {
	opt  Options
	conn *nats.Conn
}

func (b *natsBus) status(connected bool) {
	if b.opt.OnStatusChange != nil {
		b.opt.OnStatusChange(connected)
	}
}

func (b *natsBus) subject(scope events.Scope, target string) string {
	if scope == events.ScopeGlobal {
		return fmt.Sprintf("%s.global", b.opt.TopicPrefix)
	}

	return fmt.Sprintf("%s.%s.%s", b.opt.TopicPrefix, scope, sanitize(target))
}

// sanitize keeps user/room identifiers from injecting subject tokens.
func sanitize(target string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}

		return r
	}, target)
}

func (b *natsBus) Publish(ctx context.Context, payload events.BusPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.conn.Publish(b.subject(payload.Scope, payload.Target), data)
}

func (b *natsBus) Subscribe(scope events.Scope, handler Handler) error {
	subject := fmt.Sprintf("%s.%s.*", b.opt.TopicPrefix, scope)
	if scope == events.ScopeGlobal {
		subject = fmt.Sprintf("%s.global", b.opt.TopicPrefix)
	}

	_, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var payload events.BusPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			zap.S().Warnw("dropped malformed bus payload",
				"subject", msg.Subject,
				"error", err,
			)

			return
		}

		handler(payload)
	})

	return err
}

func (b *natsBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func (b *natsBus) Close() {
	_ = b.conn.Drain()
}
