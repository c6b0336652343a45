package queue

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/elevatehq/realtime/internal/events"
	"github.com/elevatehq/realtime/internal/svc/redis"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Class separates the notification queue from the generic realtime event
// queue; each gets its own cap and absolute TTL.
type Class string

const (
	ClassNotifications Class = "notifications"
	ClassEvents        Class = "events"
)

// QueuedEvent wraps an undelivered message with its identity and the moment
// it was queued.
type QueuedEvent struct {
	ID       string                            `json:"id"`
	QueuedAt int64                             `json:"queued_at"`
	Message  events.Message[events.RawMessage] `json:"message"`
}

type Instance interface {
	// Enqueue appends to the per-user FIFO, trimming so the newest entries
	// survive under overflow, and arms the queue's absolute expiry on first
	// insert. Returns the resulting queue length.
	Enqueue(ctx context.Context, class Class, userID string, ev QueuedEvent) (int64, error)

	// Drain atomically reads the whole queue oldest-first and deletes it.
	// The read and delete happen in one script so an enqueue racing from
	// another instance can never be silently dropped.
	Drain(ctx context.Context, class Class, userID string) ([]QueuedEvent, error)

	Length(ctx context.Context, class Class, userID string) (int64, error)
}

type Options struct {
	NotificationCap int
	NotificationTTL time.Duration
	EventCap        int
	EventTTL        time.Duration
}

type queueInst struct {
	redis redis.Instance
	opt   Options

	mx         *sync.Mutex
	enqueueSHA string
	drainSHA   string
}

func New(ctx context.Context, rdis redis.Instance, opt Options) (Instance, error) {
	q := &queueInst{
		redis: rdis,
		opt:   opt,
		mx:    &sync.Mutex{},
	}

	if err := q.loadScripts(ctx); err != nil {
		return q, err
	}

	return q, nil
}

func (q *queueInst) loadScripts(ctx context.Context) error {
	q.mx.Lock()
	defer q.mx.Unlock()

	var err error

	q.enqueueSHA, err = q.redis.RawClient().ScriptLoad(ctx, `
		local key = KEYS[1]
		local payload = ARGV[1]
		local cap = tonumber(ARGV[2])
		local ttl = tonumber(ARGV[3])

		local fresh = redis.call("EXISTS", key)

		redis.call("RPUSH", key, payload)
		redis.call("LTRIM", key, -cap, -1)

		if fresh == 0 then
			redis.call("EXPIRE", key, ttl)
		end

		return redis.call("LLEN", key)
`).Result()
	if err != nil {
		return err
	}

	q.drainSHA, err = q.redis.RawClient().ScriptLoad(ctx, `
		local key = KEYS[1]

		local items = redis.call("LRANGE", key, 0, -1)
		redis.call("DEL", key)

		return items
`).Result()

	return err
}

func (q *queueInst) key(class Class, userID string) redis.Key {
	return q.redis.ComposeKey("queue", string(class), userID)
}

func (q *queueInst) params(class Class) (int, time.Duration) {
	if class == ClassNotifications {
		return q.opt.NotificationCap, q.opt.NotificationTTL
	}

	return q.opt.EventCap, q.opt.EventTTL
}

func (q *queueInst) Enqueue(ctx context.Context, class Class, userID string, ev QueuedEvent) (int64, error) {
	cap, ttl := q.params(class)

	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}

	res, err := q.redis.RawClient().EvalSha(
		ctx,
		q.enqueueSHA,
		[]string{q.key(class, userID).String()},
		payload,
		cap,
		int64(ttl.Seconds()),
	).Result()
	if err != nil {
		return 0, err
	}

	n, _ := res.(int64)

	return n, nil
}

func (q *queueInst) Drain(ctx context.Context, class Class, userID string) ([]QueuedEvent, error) {
	res, err := q.redis.RawClient().EvalSha(
		ctx,
		q.drainSHA,
		[]string{q.key(class, userID).String()},
	).Result()
	if err != nil {
		return nil, err
	}

	items, _ := res.([]any)
	out := make([]QueuedEvent, 0, len(items))

	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}

		var ev QueuedEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			continue
		}

		out = append(out, ev)
	}

	return out, nil
}

func (q *queueInst) Length(ctx context.Context, class Class, userID string) (int64, error) {
	return q.redis.RawClient().LLen(ctx, q.key(class, userID).String()).Result()
}
