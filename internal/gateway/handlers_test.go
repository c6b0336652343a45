package gateway

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/elevatehq/realtime/data/model"
	"github.com/elevatehq/realtime/internal/bus"
	"github.com/elevatehq/realtime/internal/errors"
	"github.com/elevatehq/realtime/internal/events"
	"github.com/elevatehq/realtime/internal/svc/auth"
	"github.com/elevatehq/realtime/internal/svc/presence"
	"github.com/elevatehq/realtime/internal/testutil"
)

func frame[D any](t *testing.T, event events.EventType, data D) events.Message[events.RawMessage] {
	t.Helper()

	return events.NewMessage(event, data).ToRaw()
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()

	token, err := h.gCtx.Inst().Auth.SignJWT(&auth.JWTClaimUser{UserID: userID})
	testutil.IsNil(t, err, "sign token")

	return token
}

func pendingConnection() (*Connection, *fakeSocket) {
	sock := &fakeSocket{}

	return newConnection(sock, "10.0.0.1"), sock
}

func TestAuthenticateHappyPath(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, sock := pendingConnection()

	keep := h.server.handleMessage(conn, frame(t, events.EventTypeAuthenticate, events.AuthenticatePayload{
		UserID: "user1",
		Token:  h.token(t, "user1"),
		Device: events.DeviceInfo{Type: "mobile"},
	}))

	testutil.Assert(t, true, keep, "connection stays open")
	testutil.Assert(t, true, conn.Authenticated(), "identity bound")
	testutil.Assert(t, "user1", conn.UserID(), "correct subject")
	testutil.Assert(t, "mobile", conn.Device().Type, "device recorded")

	acks := sock.ofType(events.EventTypeAuthSuccess)
	testutil.Assert(t, 1, len(acks), "auth ack sent")

	var pl events.AuthSuccessPayload
	testutil.IsNil(t, json.Unmarshal(acks[0].Data, &pl), "ack decodes")
	testutil.Assert(t, "user1", pl.UserID, "ack subject")
	testutil.Assert(t, conn.ID, pl.SessionID, "ack session")
	testutil.Assert(t, 1, len(pl.OnlineUsers), "online roster included")

	rec, err := h.gCtx.Inst().Presence.Get(h.gCtx, "user1")
	testutil.IsNil(t, err, "presence read")
	testutil.Assert(t, presence.StatusOnline, rec.Status, "presence registered")
}

func TestAuthenticateBadToken(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, sock := pendingConnection()

	keep := h.server.handleMessage(conn, frame(t, events.EventTypeAuthenticate, events.AuthenticatePayload{
		UserID: "user1",
		Token:  "garbage",
	}))

	testutil.Assert(t, false, keep, "connection closed")
	testutil.Assert(t, false, conn.Authenticated(), "no identity bound")
	testutil.Assert(t, 1, len(sock.ofType(events.EventTypeAuthError)), "auth error frame sent")
}

func TestAuthenticateSubjectMismatch(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, _ := pendingConnection()

	// A valid token for user2 cannot bind a session claiming user1.
	keep := h.server.handleMessage(conn, frame(t, events.EventTypeAuthenticate, events.AuthenticatePayload{
		UserID: "user1",
		Token:  h.token(t, "user2"),
	}))

	testutil.Assert(t, false, keep, "connection closed")
	testutil.Assert(t, false, conn.Authenticated(), "no identity bound")
}

func TestAuthenticateTwiceCloses(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, _ := pendingConnection()

	identify := frame(t, events.EventTypeAuthenticate, events.AuthenticatePayload{
		UserID: "user1",
		Token:  h.token(t, "user1"),
	})

	testutil.Assert(t, true, h.server.handleMessage(conn, identify), "first authenticate passes")
	testutil.Assert(t, false, h.server.handleMessage(conn, identify), "second authenticate closes")
}

func TestUnauthenticatedOperationCloses(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, sock := pendingConnection()

	keep := h.server.handleMessage(conn, frame(t, events.EventTypeSubscribe, events.SubscribePayload{
		Channels: []string{"room:general"},
	}))

	testutil.Assert(t, false, keep, "connection closed")
	testutil.Assert(t, 1, len(sock.ofType(events.EventTypeError)), "error frame sent first")
}

func TestUnknownOperationCloses(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, _ := h.connect(t, "user1")

	keep := h.server.handleMessage(conn, frame(t, events.EventType("bogus:op"), struct{}{}))
	testutil.Assert(t, false, keep, "unknown operation closes")
}

func TestHealthCheckWorksUnauthenticated(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, sock := pendingConnection()

	keep := h.server.handleMessage(conn, frame(t, events.EventTypeHealthCheck, struct{}{}))
	testutil.Assert(t, true, keep, "connection stays open")
	testutil.Assert(t, 1, len(sock.ofType(events.EventTypeHealthOK)), "health ack sent")
}

func TestRateLimitedFrameGetsError(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, sock := pendingConnection()

	// The auth bucket is sensitive and trips fast on a per-IP basis, even
	// before a token is presented.
	bad := frame(t, events.EventTypeAuthenticate, events.AuthenticatePayload{Token: "garbage"})

	for i := 0; i < 15; i++ {
		conn, sock = pendingConnection()
		h.server.handleMessage(conn, bad)
	}

	errFrames := sock.ofType(events.EventTypeError)
	testutil.Assert(t, 1, len(errFrames), "rate limit error frame")

	var pl events.ErrorPayload
	testutil.IsNil(t, json.Unmarshal(errFrames[0].Data, &pl), "error decodes")
	testutil.Assert(t, errors.ErrRateLimited().Code(), pl.Code, "rate limit code")
}

func TestSubscribeAndRoomDelivery(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, sock := h.connect(t, "user1")

	keep := h.server.handleMessage(conn, frame(t, events.EventTypeSubscribe, events.SubscribePayload{
		Channels: []string{"room:general"},
	}))
	testutil.Assert(t, true, keep, "subscribe passes")

	// The connect itself broadcast a presence update; measure from here.
	base := len(sock.ofType(events.EventTypePresenceUpdate))

	msg := events.NewMessage(events.EventTypePresenceUpdate, events.PresenceUpdatePayload{
		UserID: "user2", Status: "online",
	}).ToRaw()
	testutil.IsNil(t, h.server.SendToRoom(h.gCtx, "room:general", msg), "room send")
	testutil.Assert(t, base+1, len(sock.ofType(events.EventTypePresenceUpdate)), "member reached")

	keep = h.server.handleMessage(conn, frame(t, events.EventTypeUnsubscribe, events.SubscribePayload{
		Channels: []string{"room:general"},
	}))
	testutil.Assert(t, true, keep, "unsubscribe passes")

	testutil.IsNil(t, h.server.SendToRoom(h.gCtx, "room:general", msg), "room send after leave")
	testutil.Assert(t, base+1, len(sock.ofType(events.EventTypePresenceUpdate)), "no delivery after leave")
}

func TestActivityPingSetsIndicator(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, _ := h.connect(t, "user1")

	keep := h.server.handleMessage(conn, frame(t, events.EventTypeActivityPing, events.ActivityPingPayload{
		Kind:   "typing",
		Target: "room:general",
	}))
	testutil.Assert(t, true, keep, "ping passes")

	users, err := h.gCtx.Inst().Presence.Indicators(h.gCtx, presence.IndicatorTyping, "room:general")
	testutil.IsNil(t, err, "indicators")
	testutil.Assert(t, 1, len(users), "typing indicator set")
	testutil.Assert(t, "user1", users[0], "indicator owner")
}

func TestNotificationLifecycleOverProtocol(t *testing.T) {
	h := newHarness(t, miniredis.RunT(t), bus.NewGroup(), "inst-1")

	conn, sock := h.connect(t, "user1")

	created, err := h.server.Notify(h.gCtx, notification("user1", "hello"))
	testutil.IsNil(t, err, "notify")

	keep := h.server.handleMessage(conn, frame(t, events.EventTypeNotificationRead, events.NotificationReadPayload{
		ID: created.ID.Hex(),
	}))
	testutil.Assert(t, true, keep, "mark read passes")

	unread, err := h.notifs.CountUnread(h.gCtx, "user1")
	testutil.IsNil(t, err, "count unread")
	testutil.Assert(t, int64(0), unread, "nothing unread")

	keep = h.server.handleMessage(conn, frame(t, events.EventTypeNotificationHistory, events.HistoryRequestPayload{
		Page:  0,
		Limit: 10,
	}))
	testutil.Assert(t, true, keep, "history passes")

	results := sock.ofType(events.EventTypeNotificationHistory)
	testutil.Assert(t, 1, len(results), "history frame sent")

	var pl events.HistoryResultPayload
	testutil.IsNil(t, json.Unmarshal(results[0].Data, &pl), "history decodes")
	testutil.Assert(t, 1, len(pl.Notifications), "one notification in history")

	var item model.Notification
	testutil.IsNil(t, json.Unmarshal(pl.Notifications[0], &item), "item decodes")
	testutil.Assert(t, "hello", item.Title, "title carried")
	testutil.Assert(t, true, item.Read, "read state carried")

	keep = h.server.handleMessage(conn, frame(t, events.EventTypeNotificationDelete, events.NotificationDeletePayload{
		ID: created.ID.Hex(),
	}))
	testutil.Assert(t, true, keep, "delete passes")

	// The deletion is synced to the user's devices.
	testutil.Assert(t, 1, len(sock.ofType(events.EventTypeNotificationDeleted)), "deletion synced")

	items, err := h.notifs.FindHistory(h.gCtx, "user1", 0, 10)
	testutil.IsNil(t, err, "history after delete")
	testutil.Assert(t, 0, len(items), "notification gone")
}
