package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Instance interface {
	Ping(ctx context.Context) error
	RawClient() redis.UniversalClient
	ComposeKey(namespace string, parts ...string) Key
	Subscribe(ctx context.Context, ch chan string, subscribeTo ...Key)
}

type SetupOptions struct {
	Username   string
	Password   string
	Database   int
	Sentinel   bool
	MasterName string
	Addresses  []string
}

func Setup(ctx context.Context, opt SetupOptions) (Instance, error) {
	if len(opt.Addresses) == 0 {
		return nil, fmt.Errorf("no redis addresses provided")
	}

	var client redis.UniversalClient
	if opt.Sentinel {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    opt.MasterName,
			SentinelAddrs: opt.Addresses,
			Username:      opt.Username,
			Password:      opt.Password,
			DB:            opt.Database,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     opt.Addresses[0],
			Username: opt.Username,
			Password: opt.Password,
			DB:       opt.Database,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	inst := &redisInst{
		client: client,
		subs:   map[Key][]*subscription{},
	}

	return inst, nil
}

// Wrap adapts an already-constructed client, used by tests to run against an
// in-memory redis.
func Wrap(client redis.UniversalClient) Instance {
	return &redisInst{
		client: client,
		subs:   map[Key][]*subscription{},
	}
}

type redisInst struct {
	client redis.UniversalClient

	subsMx sync.Mutex
	subs   map[Key][]*subscription
	sub    *redis.PubSub
}

type subscription struct {
	ch chan string
}

func (r *redisInst) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisInst) RawClient() redis.UniversalClient {
	return r.client
}

type Key string

func (k Key) String() string {
	return string(k)
}

func (r *redisInst) ComposeKey(namespace string, parts ...string) Key {
	return Key(fmt.Sprintf("%s:%s", namespace, strings.Join(parts, ":")))
}

// Subscribe registers ch to receive every payload published to the given
// keys. The connection-level subscription is shared; ch is never closed by
// this method.
func (r *redisInst) Subscribe(ctx context.Context, ch chan string, subscribeTo ...Key) {
	r.subsMx.Lock()
	defer r.subsMx.Unlock()

	if r.sub == nil {
		r.sub = r.client.Subscribe(ctx)

		go func() {
			for msg := range r.sub.Channel() {
				r.subsMx.Lock()
				for _, s := range r.subs[Key(msg.Channel)] {
					select {
					case s.ch <- msg.Payload:
					default:
						zap.S().Warnw("dropped pub/sub payload, slow subscriber",
							"channel", msg.Channel,
						)
					}
				}
				r.subsMx.Unlock()
			}
		}()
	}

	for _, key := range subscribeTo {
		r.subs[key] = append(r.subs[key], &subscription{ch: ch})

		if err := r.sub.Subscribe(ctx, key.String()); err != nil {
			zap.S().Errorw("failed to subscribe",
				"key", key,
				"error", err,
			)
		}
	}
}
