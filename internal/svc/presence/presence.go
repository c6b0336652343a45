package presence

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/clock"
	"github.com/elevatehq/realtime/internal/svc/redis"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"

	// StatusDoNotDisturb is what Effective() reports while the orthogonal
	// dnd flag is set; it is never stored as the base status.
	StatusDoNotDisturb Status = "do-not-disturb"
)

// Record is the shared per-user presence document. It lives in redis as a
// hash so concurrent writers from different instances upsert individual
// fields without clobbering the rest.
type Record struct {
	UserID       string
	Status       Status
	LastActivity time.Time
	LastSeen     time.Time
	DND          bool
	Activity     string
}

func (r Record) Effective() Status {
	if r.DND && r.Status != StatusOffline {
		return StatusDoNotDisturb
	}

	return r.Status
}

type IndicatorKind string

const (
	IndicatorTyping  IndicatorKind = "typing"
	IndicatorViewing IndicatorKind = "viewing"
)

type Instance interface {
	// SetOnline upserts the record to online with fresh activity stamps.
	// Reports whether this was a transition (previous status differed).
	SetOnline(ctx context.Context, userID string) (bool, error)

	// SetOffline clears the record to offline. Called when the shared
	// session set reports the user's last connection anywhere is gone.
	SetOffline(ctx context.Context, userID string) error

	// TrackSession records a live connection in the shared session set. The
	// member carries the owning instance so a crashed instance's entries
	// can be told apart from live ones.
	TrackSession(ctx context.Context, userID string, member string) error

	// UntrackSession removes the connection and reports how many live
	// connections remain across all instances.
	UntrackSession(ctx context.Context, userID string, member string) (int64, error)

	// Touch records an activity signal and performs the on-demand state
	// check; idle/away bounce back to online.
	Touch(ctx context.Context, userID string) (bool, error)

	SetDND(ctx context.Context, userID string, on bool) error

	Get(ctx context.Context, userID string) (Record, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)

	// SetIndicator marks a short-lived typing/viewing membership against a
	// target resource. Memberships expire on their own; a client that
	// disconnects mid-typing needs no stop signal.
	SetIndicator(ctx context.Context, kind IndicatorKind, target string, userID string) error
	Indicators(ctx context.Context, kind IndicatorKind, target string) ([]string, error)

	// Sweep runs one pass of the idle/away state machine over every user in
	// the online set.
	Sweep(ctx context.Context) error

	// StartSweeper runs Sweep on the configured interval until ctx is done.
	StartSweeper(ctx context.Context)
}

type Options struct {
	IdleAfter     time.Duration
	AwayAfter     time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
	IndicatorTTL  time.Duration

	Clock clock.Clock

	// OnTransition fires for every observed status change, from any code
	// path (connect, disconnect, activity, sweep). Wired by the gateway to
	// broadcast presence:update across instances.
	OnTransition func(userID string, status Status)
}

type inst struct {
	redis redis.Instance
	opt   Options

	// onlineCache short-circuits the online-anywhere check on the hot
	// delivery path; entries outlive their usefulness within seconds.
	onlineCache *gocache.Cache
}

func New(rdis redis.Instance, opt Options) Instance {
	if opt.Clock == nil {
		opt.Clock = clock.System()
	}

	if opt.IndicatorTTL == 0 {
		opt.IndicatorTTL = time.Second * 60
	}

	return &inst{
		redis:       rdis,
		opt:         opt,
		onlineCache: gocache.New(time.Second*2, time.Second*10),
	}
}

const onlineSetKey = "presence:online"

func (p *inst) key(userID string) redis.Key {
	return p.redis.ComposeKey("presence", userID)
}

func (p *inst) sessionsKey(userID string) redis.Key {
	return p.redis.ComposeKey("presence", "sessions", userID)
}

func (p *inst) TrackSession(ctx context.Context, userID string, member string) error {
	pipe := p.redis.RawClient().Pipeline()
	pipe.SAdd(ctx, p.sessionsKey(userID).String(), member)
	// Retention caps how long a crashed instance's entries can pin the user
	// online; every register refreshes the clock.
	pipe.Expire(ctx, p.sessionsKey(userID).String(), p.opt.Retention)

	_, err := pipe.Exec(ctx)

	return err
}

func (p *inst) UntrackSession(ctx context.Context, userID string, member string) (int64, error) {
	pipe := p.redis.RawClient().Pipeline()
	pipe.SRem(ctx, p.sessionsKey(userID).String(), member)
	card := pipe.SCard(ctx, p.sessionsKey(userID).String())

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return card.Val(), nil
}

func (p *inst) transition(userID string, status Status) {
	p.onlineCache.Delete(userID)

	if p.opt.OnTransition != nil {
		p.opt.OnTransition(userID, status)
	}
}

func (p *inst) SetOnline(ctx context.Context, userID string) (bool, error) {
	now := p.opt.Clock.Now()

	prev, err := p.redis.RawClient().HGet(ctx, p.key(userID).String(), "status").Result()
	if err != nil && err != goredis.Nil {
		return false, err
	}

	pipe := p.redis.RawClient().Pipeline()
	pipe.HSet(ctx, p.key(userID).String(),
		"status", string(StatusOnline),
		"last_activity", strconv.FormatInt(now.UnixMilli(), 10),
		"last_seen", strconv.FormatInt(now.UnixMilli(), 10),
	)
	pipe.Expire(ctx, p.key(userID).String(), p.opt.Retention)
	pipe.SAdd(ctx, onlineSetKey, userID)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	changed := Status(prev) != StatusOnline
	if changed {
		p.transition(userID, StatusOnline)
	}

	return changed, nil
}

func (p *inst) SetOffline(ctx context.Context, userID string) error {
	now := p.opt.Clock.Now()

	pipe := p.redis.RawClient().Pipeline()
	pipe.HSet(ctx, p.key(userID).String(),
		"status", string(StatusOffline),
		"last_seen", strconv.FormatInt(now.UnixMilli(), 10),
	)
	pipe.Expire(ctx, p.key(userID).String(), p.opt.Retention)
	pipe.SRem(ctx, onlineSetKey, userID)

	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	p.transition(userID, StatusOffline)

	return nil
}

func (p *inst) Touch(ctx context.Context, userID string) (bool, error) {
	now := p.opt.Clock.Now()

	prev, err := p.redis.RawClient().HGet(ctx, p.key(userID).String(), "status").Result()
	if err != nil && err != goredis.Nil {
		return false, err
	}

	fields := []interface{}{
		"last_activity", strconv.FormatInt(now.UnixMilli(), 10),
		"last_seen", strconv.FormatInt(now.UnixMilli(), 10),
	}

	// Fresh activity bounces idle/away back to online; offline stays offline
	// until the registry reports a connection.
	bounced := Status(prev) == StatusIdle || Status(prev) == StatusAway
	if bounced {
		fields = append(fields, "status", string(StatusOnline))
	}

	pipe := p.redis.RawClient().Pipeline()
	pipe.HSet(ctx, p.key(userID).String(), fields...)
	pipe.Expire(ctx, p.key(userID).String(), p.opt.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if bounced {
		p.transition(userID, StatusOnline)
	}

	return bounced, nil
}

func (p *inst) SetDND(ctx context.Context, userID string, on bool) error {
	if err := p.redis.RawClient().HSet(ctx, p.key(userID).String(), "dnd", map[bool]string{true: "1", false: "0"}[on]).Err(); err != nil {
		return err
	}

	rec, err := p.Get(ctx, userID)
	if err != nil {
		return err
	}

	p.transition(userID, rec.Effective())

	return nil
}

func (p *inst) Get(ctx context.Context, userID string) (Record, error) {
	vals, err := p.redis.RawClient().HGetAll(ctx, p.key(userID).String()).Result()
	if err != nil {
		return Record{}, err
	}

	rec := Record{UserID: userID, Status: StatusOffline}

	if len(vals) == 0 {
		return rec, nil
	}

	if s, ok := vals["status"]; ok && s != "" {
		rec.Status = Status(s)
	}

	if v, ok := vals["last_activity"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.LastActivity = time.UnixMilli(ms)
		}
	}

	if v, ok := vals["last_seen"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.LastSeen = time.UnixMilli(ms)
		}
	}

	rec.DND = vals["dnd"] == "1"
	rec.Activity = vals["activity"]

	return rec, nil
}

func (p *inst) IsOnline(ctx context.Context, userID string) (bool, error) {
	if v, ok := p.onlineCache.Get(userID); ok {
		return v.(bool), nil
	}

	rec, err := p.Get(ctx, userID)
	if err != nil {
		return false, err
	}

	online := rec.Status != StatusOffline
	p.onlineCache.SetDefault(userID, online)

	return online, nil
}

func (p *inst) OnlineUsers(ctx context.Context) ([]string, error) {
	return p.redis.RawClient().SMembers(ctx, onlineSetKey).Result()
}

func (p *inst) indicatorKey(kind IndicatorKind, target string, userID string) redis.Key {
	return p.redis.ComposeKey("presence", "ind", string(kind), target, userID)
}

func (p *inst) SetIndicator(ctx context.Context, kind IndicatorKind, target string, userID string) error {
	return p.redis.RawClient().Set(ctx, p.indicatorKey(kind, target, userID).String(), "1", p.opt.IndicatorTTL).Err()
}

func (p *inst) Indicators(ctx context.Context, kind IndicatorKind, target string) ([]string, error) {
	pattern := p.redis.ComposeKey("presence", "ind", string(kind), target, "*")

	keys, err := p.redis.RawClient().Keys(ctx, pattern.String()).Result()
	if err != nil {
		return nil, err
	}

	users := make([]string, 0, len(keys))
	prefix := p.redis.ComposeKey("presence", "ind", string(kind), target, "").String()

	for _, k := range keys {
		users = append(users, k[len(prefix):])
	}

	return users, nil
}

func (p *inst) StartSweeper(ctx context.Context) {
	ticker := p.opt.Clock.NewTicker(p.opt.SweepInterval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if err := p.Sweep(ctx); err != nil {
					zap.S().Errorw("presence sweep failed",
						"error", err,
					)
				}
			}
		}
	}()
}
