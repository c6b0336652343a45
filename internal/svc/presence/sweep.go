package presence

import (
	"context"
	"strconv"

	"go.uber.org/zap"
)

// computeStatus is the idle/away state machine: status is a monotonic
// function of elapsed time since the last activity signal.
func (p *inst) computeStatus(current Status, sinceActivityMs int64) Status {
	switch current {
	case StatusOnline:
		if sinceActivityMs >= p.opt.AwayAfter.Milliseconds() {
			return StatusAway
		}

		if sinceActivityMs >= p.opt.IdleAfter.Milliseconds() {
			return StatusIdle
		}
	case StatusIdle:
		if sinceActivityMs >= p.opt.AwayAfter.Milliseconds() {
			return StatusAway
		}
	}

	return current
}

// Sweep walks the online set and applies the state machine per user. Each
// user is processed independently so an interrupted run leaves no partial
// state behind.
func (p *inst) Sweep(ctx context.Context) error {
	users, err := p.OnlineUsers(ctx)
	if err != nil {
		return err
	}

	now := p.opt.Clock.Now()

	for _, userID := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		vals, err := p.redis.RawClient().HMGet(ctx, p.key(userID).String(), "status", "last_activity").Result()
		if err != nil {
			zap.S().Warnw("presence sweep, failed to read record",
				"user_id", userID,
				"error", err,
			)

			continue
		}

		var (
			status       Status
			lastActivity int64
		)

		if s, ok := vals[0].(string); ok {
			status = Status(s)
		}

		if s, ok := vals[1].(string); ok {
			lastActivity, _ = strconv.ParseInt(s, 10, 64)
		}

		if status == "" || status == StatusOffline {
			continue
		}

		next := p.computeStatus(status, now.UnixMilli()-lastActivity)
		if next == status {
			continue
		}

		if err := p.redis.RawClient().HSet(ctx, p.key(userID).String(), "status", string(next)).Err(); err != nil {
			zap.S().Warnw("presence sweep, failed to write transition",
				"user_id", userID,
				"error", err,
			)

			continue
		}

		p.transition(userID, next)
	}

	return nil
}
