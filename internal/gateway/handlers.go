package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/errors"
	"github.com/elevatehq/realtime/internal/events"
	"github.com/elevatehq/realtime/internal/svc/presence"
)

// handleMessage routes one client frame. The return value keeps the read
// loop alive; false means the connection was closed with a coded frame.
func (s *Server) handleMessage(conn *Connection, msg events.Message[events.RawMessage]) bool {
	ctx := s.connCtx(conn)

	if !s.gCtx.Inst().Limiter.TestRequest(ctx, string(msg.Event), conn.UserID(), conn.ClientIP()) {
		er := errors.ErrRateLimited()
		conn.SendError(er.Code(), er.Message())
		s.gCtx.Inst().Monitor.Error("rate_limit")

		return true
	}

	switch msg.Event {
	case events.EventTypeAuthenticate:
		return s.onAuthenticate(ctx, conn, msg)
	case events.EventTypeHealthCheck:
		return s.onHealthCheck(conn)
	}

	// Everything past this point requires an identity.
	if !conn.Authenticated() {
		er := errors.ErrUnauthorized()
		conn.SendError(er.Code(), er.Message())
		conn.Close(events.CloseCodeAuthFailure)

		return false
	}

	switch msg.Event {
	case events.EventTypeSubscribe:
		return s.onSubscribe(conn, msg, true)
	case events.EventTypeUnsubscribe:
		return s.onSubscribe(conn, msg, false)
	case events.EventTypeActivityPing:
		return s.onActivityPing(ctx, conn, msg)
	case events.EventTypeNotificationRead:
		return s.onNotificationRead(ctx, conn, msg)
	case events.EventTypeNotificationReadAll:
		return s.onNotificationReadAll(ctx, conn)
	case events.EventTypeNotificationDelete:
		return s.onNotificationDelete(ctx, conn, msg)
	case events.EventTypeNotificationHistory:
		return s.onNotificationHistory(ctx, conn, msg)
	default:
		conn.Close(events.CloseCodeUnknownOperation)

		return false
	}
}

func (s *Server) onAuthenticate(ctx context.Context, conn *Connection, msg events.Message[events.RawMessage]) bool {
	if conn.Authenticated() {
		conn.Close(events.CloseCodeAlreadyIdentified)

		return false
	}

	pl, err := events.ConvertMessage[events.AuthenticatePayload](msg)
	if err != nil {
		conn.Close(events.CloseCodeInvalidPayload)

		return false
	}

	identity, aerr := s.gCtx.Inst().Auth.Verify(pl.Data.Token)
	if aerr != nil {
		s.gCtx.Inst().Monitor.Error("auth")
		s.sendAuthError(conn, aerr)
		conn.Close(events.CloseCodeAuthFailure)

		return false
	}

	// A token for one user cannot bind a session claiming another.
	if pl.Data.UserID != "" && pl.Data.UserID != identity.UserID {
		s.gCtx.Inst().Monitor.Error("auth")
		s.sendAuthError(conn, errors.ErrAuthFailed())
		conn.Close(events.CloseCodeAuthFailure)

		return false
	}

	if !conn.bindIdentity(identity.UserID, pl.Data.Device) {
		conn.Close(events.CloseCodeAlreadyIdentified)

		return false
	}

	s.registry.Register(conn, identity.UserID)

	if err := s.gCtx.Inst().Presence.TrackSession(ctx, identity.UserID, s.sessionMember(conn)); err != nil {
		zap.S().Errorw("failed to track session", "error", err, "user_id", identity.UserID)
	}

	if _, err := s.gCtx.Inst().Presence.SetOnline(ctx, identity.UserID); err != nil {
		zap.S().Errorw("failed to set user online", "error", err, "user_id", identity.UserID)
	}

	online, err := s.gCtx.Inst().Presence.OnlineUsers(ctx)
	if err != nil {
		zap.S().Errorw("failed to list online users", "error", err)

		online = []string{}
	}

	ack := events.NewMessage(events.EventTypeAuthSuccess, events.AuthSuccessPayload{
		UserID:      identity.UserID,
		SessionID:   conn.ID,
		OnlineUsers: online,
	})
	if err := conn.Write(ack.ToRaw()); err != nil {
		return false
	}

	s.gCtx.Inst().Monitor.MessageSent()

	zap.S().Infow("connection authenticated",
		"conn_id", conn.ID,
		"user_id", identity.UserID,
		"device", pl.Data.Device.Type,
	)

	// Replay everything missed while offline, to this connection only. The
	// user's other devices already saw these live.
	s.replayQueues(conn)

	return true
}

func (s *Server) sendAuthError(conn *Connection, aerr errors.APIError) {
	_ = conn.Write(events.NewMessage(events.EventTypeAuthError, events.ErrorPayload{
		Code:    aerr.Code(),
		Message: aerr.Message(),
	}).ToRaw())
}

func (s *Server) onSubscribe(conn *Connection, msg events.Message[events.RawMessage], subscribe bool) bool {
	pl, err := events.ConvertMessage[events.SubscribePayload](msg)
	if err != nil {
		conn.Close(events.CloseCodeInvalidPayload)

		return false
	}

	if subscribe {
		s.registry.Subscribe(conn, pl.Data.Channels...)
	} else {
		s.registry.Unsubscribe(conn, pl.Data.Channels...)
	}

	return true
}

func (s *Server) onActivityPing(ctx context.Context, conn *Connection, msg events.Message[events.RawMessage]) bool {
	userID := conn.UserID()

	bounced, err := s.gCtx.Inst().Presence.Touch(ctx, userID)
	if err != nil {
		zap.S().Errorw("failed to record activity", "error", err, "user_id", userID)
		s.gCtx.Inst().Monitor.Error("presence")

		return true
	}

	if bounced {
		zap.S().Debugw("user bounced back to online", "user_id", userID)
	}

	// The ping may carry a typing/viewing indicator against a target.
	pl, err := events.ConvertMessage[events.ActivityPingPayload](msg)
	if err == nil && pl.Data.Kind != "" && pl.Data.Target != "" {
		kind := presence.IndicatorKind(pl.Data.Kind)
		if err := s.gCtx.Inst().Presence.SetIndicator(ctx, kind, pl.Data.Target, userID); err != nil {
			zap.S().Errorw("failed to set indicator", "error", err, "user_id", userID)
		}
	}

	return true
}

func (s *Server) onHealthCheck(conn *Connection) bool {
	ack := events.NewMessage(events.EventTypeHealthOK, struct {
		InstanceID  string `json:"instance_id"`
		BusDegraded bool   `json:"bus_degraded"`
	}{
		InstanceID:  s.gCtx.Config().InstanceID,
		BusDegraded: s.gCtx.Inst().Monitor.BusDegraded(),
	})

	if err := conn.Write(ack.ToRaw()); err != nil {
		return false
	}

	s.gCtx.Inst().Monitor.MessageSent()

	return true
}

func (s *Server) onNotificationRead(ctx context.Context, conn *Connection, msg events.Message[events.RawMessage]) bool {
	pl, err := events.ConvertMessage[events.NotificationReadPayload](msg)
	if err != nil {
		conn.Close(events.CloseCodeInvalidPayload)

		return false
	}

	if err := s.gCtx.Inst().Notifications.MarkRead(ctx, pl.Data.ID, conn.UserID()); err != nil {
		aerr := errors.From(err)
		conn.SendError(aerr.Code(), aerr.Message())
		s.gCtx.Inst().Monitor.Error("storage")
	}

	return true
}

func (s *Server) onNotificationReadAll(ctx context.Context, conn *Connection) bool {
	if _, err := s.gCtx.Inst().Notifications.MarkAllRead(ctx, conn.UserID()); err != nil {
		aerr := errors.From(err)
		conn.SendError(aerr.Code(), aerr.Message())
		s.gCtx.Inst().Monitor.Error("storage")
	}

	return true
}

func (s *Server) onNotificationDelete(ctx context.Context, conn *Connection, msg events.Message[events.RawMessage]) bool {
	pl, err := events.ConvertMessage[events.NotificationDeletePayload](msg)
	if err != nil {
		conn.Close(events.CloseCodeInvalidPayload)

		return false
	}

	userID := conn.UserID()

	if err := s.gCtx.Inst().Notifications.Delete(ctx, pl.Data.ID, userID); err != nil {
		aerr := errors.From(err)
		conn.SendError(aerr.Code(), aerr.Message())
		s.gCtx.Inst().Monitor.Error("storage")

		return true
	}

	// Sync the deletion to the user's other devices, on every instance.
	deleted := events.NewMessage(events.EventTypeNotificationDeleted, events.NotificationDeletePayload{
		ID: pl.Data.ID,
	}).ToRaw()

	if _, err := s.SendToUser(ctx, userID, deleted); err != nil {
		zap.S().Errorw("failed to sync notification deletion", "error", err, "user_id", userID)
	}

	return true
}

func (s *Server) onNotificationHistory(ctx context.Context, conn *Connection, msg events.Message[events.RawMessage]) bool {
	pl, err := events.ConvertMessage[events.HistoryRequestPayload](msg)
	if err != nil {
		conn.Close(events.CloseCodeInvalidPayload)

		return false
	}

	userID := conn.UserID()

	items, err := s.gCtx.Inst().Notifications.FindHistory(ctx, userID, pl.Data.Page, pl.Data.Limit)
	if err != nil {
		aerr := errors.From(err)
		conn.SendError(aerr.Code(), aerr.Message())
		s.gCtx.Inst().Monitor.Error("storage")

		return true
	}

	unread, err := s.gCtx.Inst().Notifications.CountUnread(ctx, userID)
	if err != nil {
		zap.S().Errorw("failed to count unread notifications", "error", err, "user_id", userID)
	}

	raws := make([]events.RawMessage, len(items))
	for i, n := range items {
		b, err := json.Marshal(n)
		if err != nil {
			continue
		}

		raws[i] = b
	}

	result := events.NewMessage(events.EventTypeNotificationHistory, events.HistoryResultPayload{
		Page:          pl.Data.Page,
		Notifications: raws,
		Unread:        unread,
	})
	if err := conn.Write(result.ToRaw()); err != nil {
		return false
	}

	s.gCtx.Inst().Monitor.MessageSent()

	return true
}
