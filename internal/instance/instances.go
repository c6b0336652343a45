package instance

import (
	"github.com/elevatehq/realtime/internal/bus"
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

type Instances struct {
	Redis         redis.Instance
	Mongo         mongo.Instance
	Auth          auth.Authorizer
	Limiter       limiter.Instance
	Presence      presence.Instance
	Queue         queue.Instance
	Push          push.Instance
	Notifications notifications.Instance
	Bus           bus.Instance
	Monitor       monitor.Instance
}
