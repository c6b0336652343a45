package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/elevatehq/realtime/data/model"
	"github.com/elevatehq/realtime/internal/errors"
	"github.com/elevatehq/realtime/internal/events"
	"github.com/elevatehq/realtime/internal/global"
	"github.com/elevatehq/realtime/internal/svc/presence"
	"github.com/elevatehq/realtime/internal/svc/queue"
)

// PresenceHook builds the status-transition callback wired into the presence
// tracker. Every change fans out as presence:update; dropping to idle or away
// additionally tells the user's own devices why with presence:idle.
func PresenceHook(gCtx global.Context) func(userID string, status presence.Status) {
	return func(userID string, status presence.Status) {
		update := events.NewMessage(events.EventTypePresenceUpdate, events.PresenceUpdatePayload{
			UserID: userID,
			Status: string(status),
		})

		if err := gCtx.Inst().Bus.Publish(gCtx, events.BusPayload{
			Scope:   events.ScopeGlobal,
			Origin:  gCtx.Config().InstanceID,
			Message: update.ToRaw(),
		}); err != nil {
			zap.S().Errorw("failed to publish presence update",
				"error", err,
				"user_id", userID,
			)
		}

		var reason string

		switch status {
		case presence.StatusIdle:
			reason = "inactivity"
		case presence.StatusAway:
			reason = "extended inactivity"
		default:
			return
		}

		idle := events.NewMessage(events.EventTypePresenceIdle, events.PresenceIdlePayload{
			Reason: reason,
		})

		if err := gCtx.Inst().Bus.Publish(gCtx, events.BusPayload{
			Scope:   events.ScopeUser,
			Target:  userID,
			Origin:  gCtx.Config().InstanceID,
			Message: idle.ToRaw(),
		}); err != nil {
			zap.S().Errorw("failed to publish idle notice",
				"error", err,
				"user_id", userID,
			)
		}
	}
}

// attachBus wires the three scope subscriptions. Every instance receives
// every payload; the registry decides locally whether anyone here cares.
func (s *Server) attachBus() error {
	inst := s.gCtx.Inst()

	if err := inst.Bus.Subscribe(events.ScopeGlobal, func(pl events.BusPayload) {
		s.emit(s.registry.All(), pl.Message, true)
	}); err != nil {
		return err
	}

	if err := inst.Bus.Subscribe(events.ScopeUser, func(pl events.BusPayload) {
		s.emit(s.registry.ConnectionsOf(pl.Target), pl.Message, false)
	}); err != nil {
		return err
	}

	return inst.Bus.Subscribe(events.ScopeRoom, func(pl events.BusPayload) {
		s.emit(s.registry.Channel(pl.Target), pl.Message, false)
	})
}

// emit writes one message to a set of local connections. authedOnly guards
// broadcast frames from reaching sessions that have not identified yet.
func (s *Server) emit(conns []*Connection, msg events.Message[events.RawMessage], authedOnly bool) {
	mon := s.gCtx.Inst().Monitor

	for _, conn := range conns {
		if authedOnly && !conn.Authenticated() {
			continue
		}

		start := time.Now()

		if err := conn.Write(msg); err != nil {
			mon.MessageFailed()

			continue
		}

		mon.MessageSent()
		mon.ObserveLatency(time.Since(start))
	}
}

// SendToUser delivers to every one of the user's devices across all
// instances, or parks the message in the user's offline queue. Reports
// whether the user was online somewhere.
func (s *Server) SendToUser(ctx context.Context, userID string, msg events.Message[events.RawMessage]) (bool, error) {
	inst := s.gCtx.Inst()

	online, err := inst.Presence.IsOnline(ctx, userID)
	if err != nil {
		return false, err
	}

	if online {
		err := inst.Bus.Publish(ctx, events.BusPayload{
			Scope:   events.ScopeUser,
			Target:  userID,
			Origin:  s.gCtx.Config().InstanceID,
			Message: msg,
		})
		if err == nil {
			return true, nil
		}

		zap.S().Errorw("bus publish failed, falling back to queue", "error", err, "user_id", userID)
	}

	class := queue.ClassEvents
	if msg.Event == events.EventTypeNotificationNew {
		class = queue.ClassNotifications
	}

	_, err = inst.Queue.Enqueue(ctx, class, userID, queue.QueuedEvent{
		ID:       uuid.New().String(),
		QueuedAt: time.Now().UnixMilli(),
		Message:  msg,
	})
	if err != nil {
		inst.Monitor.MessageFailed()

		return false, err
	}

	inst.Monitor.MessageQueued()

	return false, nil
}

// SendToRoom fans out to every member of a channel, on every instance.
func (s *Server) SendToRoom(ctx context.Context, room string, msg events.Message[events.RawMessage]) error {
	return s.gCtx.Inst().Bus.Publish(ctx, events.BusPayload{
		Scope:   events.ScopeRoom,
		Target:  room,
		Origin:  s.gCtx.Config().InstanceID,
		Message: msg,
	})
}

// Broadcast fans out to every authenticated connection, on every instance.
func (s *Server) Broadcast(ctx context.Context, msg events.Message[events.RawMessage]) error {
	return s.gCtx.Inst().Bus.Publish(ctx, events.BusPayload{
		Scope:   events.ScopeGlobal,
		Origin:  s.gCtx.Config().InstanceID,
		Message: msg,
	})
}

// Notify persists a notification and delivers it live, queued, or as a push,
// in that order of preference.
func (s *Server) Notify(ctx context.Context, n model.Notification) (model.Notification, error) {
	inst := s.gCtx.Inst()

	n, err := inst.Notifications.Create(ctx, n)
	if err != nil {
		return n, err
	}

	raw, err := json.Marshal(n)
	if err != nil {
		return n, err
	}

	msg := events.NewMessage(events.EventTypeNotificationNew, events.RawMessage(raw)).ToRaw()

	delivered, err := s.SendToUser(ctx, n.OwnerID, msg)
	if err != nil {
		return n, err
	}

	if !delivered {
		s.pushFallback(ctx, n)
	}

	return n, nil
}

// pushFallback hands a queued notification to the push provider. A token the
// provider rejects as gone is scrubbed so the next fallback skips the
// round-trip.
func (s *Server) pushFallback(ctx context.Context, n model.Notification) {
	inst := s.gCtx.Inst()

	if inst.Push == nil {
		return
	}

	token, err := inst.Notifications.PushToken(ctx, n.OwnerID)
	if err != nil || token == "" {
		return
	}

	messageID, aerr := inst.Push.Send(ctx, token, n.Title, n.Body, n.Data)
	if aerr != nil {
		inst.Monitor.Error("push")

		if aerr.Code() == errors.ErrInvalidPushToken().Code() {
			if err := inst.Notifications.ClearPushToken(ctx, n.OwnerID); err != nil {
				zap.S().Errorw("failed to clear stale push token", "error", err, "user_id", n.OwnerID)
			}
		}

		return
	}

	zap.S().Debugw("push fallback delivered", "user_id", n.OwnerID, "message_id", messageID)
}

// replayQueues flushes both offline queues, oldest first, to the connection
// that just authenticated. The user's other devices saw these frames live.
func (s *Server) replayQueues(conn *Connection) {
	inst := s.gCtx.Inst()

	var drainErr error

	for _, class := range []queue.Class{queue.ClassNotifications, queue.ClassEvents} {
		queued, err := inst.Queue.Drain(s.gCtx, class, conn.UserID())
		if err != nil {
			drainErr = multierr.Append(drainErr, err)

			continue
		}

		for _, ev := range queued {
			if err := conn.Write(ev.Message); err != nil {
				inst.Monitor.MessageFailed()

				return
			}

			inst.Monitor.MessageSent()
		}
	}

	if drainErr != nil {
		zap.S().Errorw("failed to drain offline queue",
			"error", drainErr,
			"user_id", conn.UserID(),
		)
	}
}
