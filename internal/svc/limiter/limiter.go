package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/svc/redis"
	"github.com/elevatehq/realtime/internal/utils"
)

type Instance interface {
	// Test increments the window counter for (identifier, bucket) and reports
	// whether the action is still within the ceiling. The increment is never
	// refunded on a block.
	Test(ctx context.Context, bucket string, identifier string, limit int64, dur time.Duration) bool

	// TestRequest evaluates the identity-based and IP-based windows
	// independently; either one blocking blocks the request.
	TestRequest(ctx context.Context, action string, identity string, ip string) bool

	ScriptOk(ctx context.Context) bool
	LoadScript(ctx context.Context) error
	GetScript() string
}

type Options struct {
	DefaultCeiling   int64
	SensitiveCeiling int64
	Window           time.Duration
}

type limiterInst struct {
	redis  redis.Instance
	opt    Options
	script string

	mx *sync.Mutex
}

func New(ctx context.Context, rdis redis.Instance, opt Options) (Instance, error) {
	l := limiterInst{
		redis: rdis,
		opt:   opt,
		mx:    &sync.Mutex{},
	}

	if err := l.LoadScript(ctx); err != nil {
		return &l, err
	}

	return &l, nil
}

// sensitivePrefixes marks the buckets that get the stricter ceiling. The
// classification is a static pattern match against the action name.
var sensitivePrefixes = []string{"auth", "password", "admin"}

func IsSensitive(action string) bool {
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}

	return false
}

func (inst *limiterInst) ScriptOk(ctx context.Context) bool {
	ok, _ := inst.redis.RawClient().ScriptExists(ctx, inst.script).Result()
	if len(ok) == 0 || !ok[0] {
		return false
	}

	return true
}

func (inst *limiterInst) GetScript() string {
	return inst.script
}

func (inst *limiterInst) LoadScript(ctx context.Context) error {
	inst.mx.Lock()
	defer inst.mx.Unlock()

	var err error

	inst.script, err = inst.redis.RawClient().ScriptLoad(ctx, `
		local key = ARGV[1]
		local expire = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local by = tonumber(ARGV[4])

		local exists = redis.call("EXISTS", key)

		local count = redis.call("INCRBY", key, by)

		if exists == 0 then
			redis.call("EXPIRE", key, expire)
			return {count, expire}
		end

		local ttl = redis.call("TTL", key)

		return {count, ttl}
`).Result()
	if err != nil {
		return err
	}

	return nil
}

func (inst *limiterInst) Test(ctx context.Context, bucket string, identifier string, limit int64, dur time.Duration) bool {
	if identifier == "" {
		return true
	}

	h := sha256.New()
	h.Write(utils.S2B(identifier))
	h.Write(utils.S2B(bucket))

	k := inst.redis.ComposeKey("realtime", "rl", hex.EncodeToString(h.Sum(nil)))

	var count int64

	if res, err := inst.redis.RawClient().EvalSha(
		ctx,
		inst.GetScript(),
		[]string{},
		k.String(),
		dur.Seconds(),
		limit,
		1,
	).Result(); err != nil {
		// Fail open: a broken limiter must not take the service down with it.
		zap.S().Errorw("limiter, failed to test", "key", k, "error", err)

		return true
	} else {
		result := []any{}
		switch t := res.(type) {
		case []any:
			result = t
		}

		if len(result) > 0 {
			switch t := result[0].(type) {
			case int64:
				count = t
			}
		}
	}

	return count <= limit
}

func (inst *limiterInst) TestRequest(ctx context.Context, action string, identity string, ip string) bool {
	limit := utils.Ternary(IsSensitive(action), inst.opt.SensitiveCeiling, inst.opt.DefaultCeiling)

	allowed := true

	if identity != "" && !inst.Test(ctx, action, identity, limit, inst.opt.Window) {
		// A ceiling trip on an authenticated identity is a security-relevant
		// event; the audit field routes it to the audit trail.
		zap.S().Warnw("rate limit exceeded",
			"audit", true,
			"action", action,
			"identity", identity,
		)

		allowed = false
	}

	if ip != "" && !inst.Test(ctx, action, ip, limit, inst.opt.Window) {
		allowed = false
	}

	return allowed
}
