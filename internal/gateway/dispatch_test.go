package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/elevatehq/realtime/data/model"
	"github.com/elevatehq/realtime/internal/bus"
	"github.com/elevatehq/realtime/internal/clock"
	"github.com/elevatehq/realtime/internal/configure"
	"github.com/elevatehq/realtime/internal/errors"
	"github.com/elevatehq/realtime/internal/events"
	"github.com/elevatehq/realtime/internal/global"
	"github.com/elevatehq/realtime/internal/svc/auth"
	"github.com/elevatehq/realtime/internal/svc/limiter"
	"github.com/elevatehq/realtime/internal/svc/monitor"
	"github.com/elevatehq/realtime/internal/svc/notifications"
	"github.com/elevatehq/realtime/internal/svc/presence"
	"github.com/elevatehq/realtime/internal/svc/push"
	"github.com/elevatehq/realtime/internal/svc/queue"
	"github.com/elevatehq/realtime/internal/svc/redis"
	"github.com/elevatehq/realtime/internal/testutil"
)

// fakeSocket is an in-memory stand-in for a websocket, recording every frame
// written to it.
type fakeSocket struct {
	mx     sync.Mutex
	frames []events.Message[events.RawMessage]
	closed bool
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	var msg events.Message[events.RawMessage]
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	s.frames = append(s.frames, msg)

	return nil
}

func (s *fakeSocket) WriteControl(_ int, _ []byte, _ time.Time) error {
	return nil
}

func (s *fakeSocket) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.closed = true

	return nil
}

func (s *fakeSocket) received() []events.Message[events.RawMessage] {
	s.mx.Lock()
	defer s.mx.Unlock()

	return append([]events.Message[events.RawMessage]{}, s.frames...)
}

func (s *fakeSocket) ofType(event events.EventType) []events.Message[events.RawMessage] {
	out := []events.Message[events.RawMessage]{}
	for _, f := range s.received() {
		if f.Event == event {
			out = append(out, f)
		}
	}

	return out
}

type harness struct {
	server *Server
	gCtx   global.Context
	mr     *miniredis.Miniredis
	notifs *notifications.MockInstance
	pushes *push.MockInstance
	clock  *clock.Fake
}

// newHarness wires one gateway instance against shared backends. Instances
// created with the same miniredis and bus group model a multi-instance
// deployment.
func newHarness(t *testing.T, mr *miniredis.Miniredis, group *bus.Group, instanceID string) *harness {
	t.Helper()

	cfg := configure.DefaultConfig()
	cfg.InstanceID = instanceID

	gCtx := global.New(context.Background(), &cfg)

	rdis := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	gCtx.Inst().Redis = rdis

	fc := clock.NewFake(time.UnixMilli(1700000000000))

	gCtx.Inst().Presence = presence.New(rdis, presence.Options{
		IdleAfter:     cfg.Presence.IdleAfter,
		AwayAfter:     cfg.Presence.AwayAfter,
		SweepInterval: cfg.Presence.SweepInterval,
		Retention:     cfg.Presence.Retention,
		Clock:         fc,
		OnTransition:  PresenceHook(gCtx),
	})

	var err error

	gCtx.Inst().Queue, err = queue.New(gCtx, rdis, queue.Options{
		NotificationCap: cfg.Queue.NotificationCap,
		NotificationTTL: cfg.Queue.NotificationTTL,
		EventCap:        cfg.Queue.EventCap,
		EventTTL:        cfg.Queue.EventTTL,
	})
	testutil.IsNil(t, err, "queue setup")

	gCtx.Inst().Limiter, err = limiter.New(gCtx, rdis, limiter.Options{
		DefaultCeiling:   cfg.Limits.DefaultCeiling,
		SensitiveCeiling: cfg.Limits.SensitiveCeiling,
		Window:           cfg.Limits.Window,
	})
	testutil.IsNil(t, err, "limiter setup")

	gCtx.Inst().Auth = auth.New(auth.AuthorizerOptions{JWTSecret: "test-secret"})

	notifs := notifications.NewMock()
	gCtx.Inst().Notifications = notifs

	pushes := push.NewMock()
	gCtx.Inst().Push = pushes

	gCtx.Inst().Monitor = monitor.New(rdis, monitor.Options{
		InstanceID: instanceID,
		Clock:      fc,
		Sink:       nopSink{},
	})

	gCtx.Inst().Bus = group.Attach()

	s := &Server{
		gCtx:     gCtx,
		registry: NewRegistry(),
	}
	testutil.IsNil(t, s.attachBus(), "bus subscriptions")

	return &harness{
		server: s,
		gCtx:   gCtx,
		mr:     mr,
		notifs: notifs,
		pushes: pushes,
		clock:  fc,
	}
}

type nopSink struct{}

func (nopSink) Raise(context.Context, monitor.Alert) {}

// connect registers an already-verified session the way onAuthenticate does,
// skipping the token exchange.
func (h *harness) connect(t *testing.T, userID string) (*Connection, *fakeSocket) {
	t.Helper()

	sock := &fakeSocket{}
	conn := newConnection(sock, "10.0.0.1")

	if !conn.bindIdentity(userID, events.DeviceInfo{Type: "desktop"}) {
		t.Fatal("bindIdentity failed")
	}

	h.server.registry.Register(conn, userID)

	err := h.gCtx.Inst().Presence.TrackSession(h.gCtx, userID, h.server.sessionMember(conn))
	testutil.IsNil(t, err, "track session")

	_, err = h.gCtx.Inst().Presence.SetOnline(h.gCtx, userID)
	testutil.IsNil(t, err, "set online")

	return conn, sock
}

func (h *harness) disconnect(t *testing.T, conn *Connection) {
	t.Helper()

	h.server.teardown(conn)
}

func notification(owner string, title string) model.Notification {
	return model.Notification{
		OwnerID: owner,
		Kind:    "mention",
		Title:   title,
		Body:    "body of " + title,
	}
}

func TestNotifyOnlineUserDeliversLive(t *testing.T) {
	mr := miniredis.RunT(t)
	group := bus.NewGroup()
	h := newHarness(t, mr, group, "inst-1")

	_, sock := h.connect(t, "user1")

	_, err := h.server.Notify(h.gCtx, notification("user1", "hello"))
	testutil.IsNil(t, err, "notify")

	frames := sock.ofType(events.EventTypeNotificationNew)
	testutil.Assert(t, 1, len(frames), "delivered live")

	// Nothing queued, nothing pushed.
	n, _ := h.gCtx.Inst().Queue.Length(h.gCtx, queue.ClassNotifications, "user1")
	testutil.Assert(t, int64(0), n, "queue untouched")
	testutil.Assert(t, 0, len(h.pushes.Sent()), "no push for online user")
}

func TestNotifyOfflineUserQueuesAndPushes(t *testing.T) {
	mr := miniredis.RunT(t)
	group := bus.NewGroup()
	h := newHarness(t, mr, group, "inst-1")

	h.notifs.SetPushToken("user1", "device-token-1")

	_, err := h.server.Notify(h.gCtx, notification("user1", "missed"))
	testutil.IsNil(t, err, "notify offline")

	n, _ := h.gCtx.Inst().Queue.Length(h.gCtx, queue.ClassNotifications, "user1")
	testutil.Assert(t, int64(1), n, "queued for later")

	sent := h.pushes.Sent()
	testutil.Assert(t, 1, len(sent), "push fallback fired")
	testutil.Assert(t, "device-token-1", sent[0].DeviceToken, "push used the registered token")
	testutil.Assert(t, "missed", sent[0].Title, "push carries the title")
}

func TestNotifyOfflineWithoutTokenSkipsPush(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, bus.NewGroup(), "inst-1")

	_, err := h.server.Notify(h.gCtx, notification("user1", "missed"))
	testutil.IsNil(t, err, "notify offline")

	testutil.Assert(t, 0, len(h.pushes.Sent()), "no token, no push")

	n, _ := h.gCtx.Inst().Queue.Length(h.gCtx, queue.ClassNotifications, "user1")
	testutil.Assert(t, int64(1), n, "still queued")
}

func TestInvalidPushTokenIsCleared(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, bus.NewGroup(), "inst-1")

	h.notifs.SetPushToken("user1", "stale-token")
	h.pushes.Fail = errors.ErrInvalidPushToken()

	_, err := h.server.Notify(h.gCtx, notification("user1", "missed"))
	testutil.IsNil(t, err, "notify offline")

	token, err := h.notifs.PushToken(h.gCtx, "user1")
	testutil.IsNil(t, err, "read token")
	testutil.Assert(t, "", token, "stale token scrubbed")
}

func TestReplayQueuesOnReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, bus.NewGroup(), "inst-1")

	// Three notifications arrive while the user is away.
	for _, title := range []string{"first", "second", "third"} {
		_, err := h.server.Notify(h.gCtx, notification("user1", title))
		testutil.IsNil(t, err, "notify offline")
	}

	conn, sock := h.connect(t, "user1")
	h.server.replayQueues(conn)

	frames := sock.ofType(events.EventTypeNotificationNew)
	testutil.Assert(t, 3, len(frames), "everything replayed")

	// Oldest first.
	var first model.Notification
	testutil.IsNil(t, json.Unmarshal(frames[0].Data, &first), "frame decodes")
	testutil.Assert(t, "first", first.Title, "replay order preserved")

	// The queue is spent; a second device authenticating sees nothing.
	other, otherSock := h.connect(t, "user1")
	h.server.replayQueues(other)
	testutil.Assert(t, 0, len(otherSock.ofType(events.EventTypeNotificationNew)), "replay goes to one connection only")
}

func TestMultiDeviceFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, bus.NewGroup(), "inst-1")

	_, desktop := h.connect(t, "user1")
	_, mobile := h.connect(t, "user1")
	_, bystander := h.connect(t, "user2")

	_, err := h.server.Notify(h.gCtx, notification("user1", "hello"))
	testutil.IsNil(t, err, "notify")

	testutil.Assert(t, 1, len(desktop.ofType(events.EventTypeNotificationNew)), "desktop got it")
	testutil.Assert(t, 1, len(mobile.ofType(events.EventTypeNotificationNew)), "mobile got it")
	testutil.Assert(t, 0, len(bystander.ofType(events.EventTypeNotificationNew)), "other users untouched")
}

func TestCrossInstanceDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	group := bus.NewGroup()

	a := newHarness(t, mr, group, "inst-a")
	b := newHarness(t, mr, group, "inst-b")

	// The user's only connection lives on instance B; the notification is
	// produced on instance A.
	_, sock := b.connect(t, "user1")

	_, err := a.server.Notify(a.gCtx, notification("user1", "cross"))
	testutil.IsNil(t, err, "notify from the other instance")

	testutil.Assert(t, 1, len(sock.ofType(events.EventTypeNotificationNew)), "delivered across instances exactly once")

	// Nothing queued: the user was online somewhere.
	n, _ := a.gCtx.Inst().Queue.Length(a.gCtx, queue.ClassNotifications, "user1")
	testutil.Assert(t, int64(0), n, "no offline queueing")
}

func TestRoomFanOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	group := bus.NewGroup()

	a := newHarness(t, mr, group, "inst-a")
	b := newHarness(t, mr, group, "inst-b")

	connA, sockA := a.connect(t, "user1")
	connB, sockB := b.connect(t, "user2")
	_, sockC := b.connect(t, "user3")

	a.server.registry.Subscribe(connA, "room:general")
	b.server.registry.Subscribe(connB, "room:general")

	// Connects already broadcast presence updates; measure from here.
	baseA := len(sockA.ofType(events.EventTypePresenceUpdate))
	baseB := len(sockB.ofType(events.EventTypePresenceUpdate))
	baseC := len(sockC.ofType(events.EventTypePresenceUpdate))

	msg := events.NewMessage(events.EventTypePresenceUpdate, events.PresenceUpdatePayload{
		UserID: "user1",
		Status: "online",
	}).ToRaw()

	testutil.IsNil(t, a.server.SendToRoom(a.gCtx, "room:general", msg), "room send")

	testutil.Assert(t, baseA+1, len(sockA.ofType(events.EventTypePresenceUpdate)), "local member got it")
	testutil.Assert(t, baseB+1, len(sockB.ofType(events.EventTypePresenceUpdate)), "remote member got it")
	testutil.Assert(t, baseC, len(sockC.ofType(events.EventTypePresenceUpdate)), "non-member skipped")
}

func TestBroadcastSkipsUnauthenticated(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, bus.NewGroup(), "inst-1")

	_, authed := h.connect(t, "user1")

	// A socket that never authenticated sits in the registry-less limbo; give
	// it to the registry anyway to prove the emit guard holds.
	pendingSock := &fakeSocket{}
	pending := newConnection(pendingSock, "10.0.0.9")
	h.server.registry.byConn[pending.ID] = pending

	base := len(authed.ofType(events.EventTypePresenceUpdate))

	msg := events.NewMessage(events.EventTypePresenceUpdate, events.PresenceUpdatePayload{
		UserID: "user1",
		Status: "away",
	}).ToRaw()

	testutil.IsNil(t, h.server.Broadcast(h.gCtx, msg), "broadcast")

	testutil.Assert(t, base+1, len(authed.ofType(events.EventTypePresenceUpdate)), "authenticated connection reached")
	testutil.Assert(t, 0, len(pendingSock.received()), "unauthenticated connection skipped")
}

func TestSweepIdleNotifiesUserDevices(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, bus.NewGroup(), "inst-1")

	_, sock := h.connect(t, "user1")

	h.clock.Advance(h.gCtx.Config().Presence.IdleAfter + time.Second)
	testutil.IsNil(t, h.gCtx.Inst().Presence.Sweep(h.gCtx), "sweep")

	idles := sock.ofType(events.EventTypePresenceIdle)
	testutil.Assert(t, 1, len(idles), "idle notice to the user's own device")

	pl, err := events.ConvertMessage[events.PresenceIdlePayload](idles[0])
	testutil.IsNil(t, err, "decode idle notice")
	testutil.Assert(t, "inactivity", pl.Data.Reason, "reason names the cause")

	// Connect and the idle transition each broadcast a presence:update.
	updates := sock.ofType(events.EventTypePresenceUpdate)
	testutil.Assert(t, 2, len(updates), "updates for online and idle")

	last, err := events.ConvertMessage[events.PresenceUpdatePayload](updates[1])
	testutil.IsNil(t, err, "decode update")
	testutil.Assert(t, string(presence.StatusIdle), last.Data.Status, "idle broadcast")
}

func TestDisconnectOnOneInstanceKeepsUserOnline(t *testing.T) {
	mr := miniredis.RunT(t)
	group := bus.NewGroup()

	a := newHarness(t, mr, group, "inst-a")
	b := newHarness(t, mr, group, "inst-b")

	connA, _ := a.connect(t, "user1")
	_, sockB := b.connect(t, "user1")

	// Losing the instance-A connection is not the user's last anywhere.
	a.server.teardown(connA)

	rec, err := a.gCtx.Inst().Presence.Get(a.gCtx, "user1")
	testutil.IsNil(t, err, "get presence")
	testutil.Assert(t, presence.StatusOnline, rec.Status, "still online on instance B")

	// Delivery keeps going live to the surviving connection.
	_, err = a.server.Notify(a.gCtx, notification("user1", "survivor"))
	testutil.IsNil(t, err, "notify")
	testutil.Assert(t, 1, len(sockB.ofType(events.EventTypeNotificationNew)), "delivered live, not queued")

	n, _ := a.gCtx.Inst().Queue.Length(a.gCtx, queue.ClassNotifications, "user1")
	testutil.Assert(t, int64(0), n, "nothing queued while online elsewhere")
}

func TestDisconnectLastDeviceGoesOffline(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, bus.NewGroup(), "inst-1")

	desktop, _ := h.connect(t, "user1")
	mobile, _ := h.connect(t, "user1")

	h.disconnect(t, desktop)

	rec, err := h.gCtx.Inst().Presence.Get(h.gCtx, "user1")
	testutil.IsNil(t, err, "get presence")
	testutil.Assert(t, presence.StatusOnline, rec.Status, "still online with one device")

	h.disconnect(t, mobile)

	rec, err = h.gCtx.Inst().Presence.Get(h.gCtx, "user1")
	testutil.IsNil(t, err, "get presence")
	testutil.Assert(t, presence.StatusOffline, rec.Status, "offline after last device")
}
