package gateway

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/elevatehq/realtime/internal/constant"
	"github.com/elevatehq/realtime/internal/events"
	"github.com/elevatehq/realtime/internal/global"
	"github.com/elevatehq/realtime/internal/utils"
)

// Server terminates websocket sessions and routes every client frame through
// the operation handlers. One Server per process; cross-instance delivery
// goes through the broadcast bus.
type Server struct {
	gCtx     global.Context
	listener net.Listener
	router   *router.Router
	registry *Registry
	upgrader websocket.FastHTTPUpgrader
}

func New(gCtx global.Context) (*Server, error) {
	port := gCtx.Config().Gateway.Port
	if port == 0 {
		port = 3000
	}

	s := &Server{
		gCtx:     gCtx,
		registry: NewRegistry(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(ctx *fasthttp.RequestCtx) bool {
				return true
			},
		},
	}

	var err error

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", gCtx.Config().Gateway.Addr, port))
	if err != nil {
		return nil, err
	}

	s.router = router.New()
	s.router.GET("/", s.upgrade)
	s.router.GET("/v1", s.upgrade)

	if err = s.attachBus(); err != nil {
		return nil, err
	}

	return s, nil
}

// Serve blocks until the global context is canceled, then tells every client
// to reconnect and shuts the listener down.
func (s *Server) Serve() error {
	srv := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			defer func() {
				if err := recover(); err != nil {
					zap.S().Errorw("panic in gateway request handler",
						"panic", err,
						"duration", time.Since(start)/time.Millisecond,
						"path", utils.B2S(ctx.Path()),
						"ip", utils.B2S(ctx.Request.Header.Peek("X-Forwarded-For")),
					)
				}
			}()

			ctx.Response.Header.Set("X-Node-Name", s.gCtx.Config().K8S.NodeName)
			ctx.Response.Header.Set("X-Pod-Name", s.gCtx.Config().K8S.PodName)

			s.router.Handler(ctx)
		},
		ReadTimeout:     time.Second * 600,
		IdleTimeout:     time.Second * 10,
		LogAllErrors:    true,
		CloseOnShutdown: true,
	}

	go func() {
		<-s.gCtx.Done()

		for _, conn := range s.registry.All() {
			conn.Close(events.CloseCodeRestart)
		}

		_ = srv.Shutdown()
	}()

	return srv.Serve(s.listener)
}

// Registry exposes the connection index, used by delivery and tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// connCtx stamps the session identity onto the context handed to services,
// so audit logging downstream can attribute the call.
func (s *Server) connCtx(conn *Connection) context.Context {
	ctx := context.WithValue(s.gCtx, constant.ClientIP, conn.ClientIP())

	return context.WithValue(ctx, constant.SessionID, conn.ID)
}

func (s *Server) upgrade(ctx *fasthttp.RequestCtx) {
	clientIP := utils.B2S(ctx.Request.Header.Peek("X-Forwarded-For"))
	if clientIP == "" {
		clientIP = ctx.RemoteIP().String()
	}

	err := s.upgrader.Upgrade(ctx, func(ws *websocket.Conn) {
		conn := newConnection(ws, clientIP)
		s.gCtx.Inst().Monitor.ConnectionOpened()

		conn.armAuthDeadline(s.gCtx.Config().Gateway.AuthTimeout, func() {
			zap.S().Debugw("closing unauthenticated connection", "conn_id", conn.ID, "ip", clientIP)
			conn.Close(events.CloseCodeTimeout)
		})

		defer s.teardown(conn)

		s.readLoop(conn)
	})
	if err != nil {
		zap.S().Errorw("websocket upgrade failed", "error", err, "ip", clientIP)
	}
}

func (s *Server) readLoop(conn *Connection) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		s.gCtx.Inst().Monitor.MessageReceived()

		var msg events.Message[events.RawMessage]
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.Close(events.CloseCodeInvalidPayload)

			return
		}

		if !s.handleMessage(conn, msg) {
			return
		}
	}
}

// teardown runs exactly once per connection when its read loop exits, for any
// reason. The registry only sees this instance; the shared session set
// decides whether the user's last connection anywhere is gone.
func (s *Server) teardown(conn *Connection) {
	conn.release()
	s.gCtx.Inst().Monitor.ConnectionClosed()

	userID, last := s.registry.Unregister(conn.ID)
	if userID == "" {
		return
	}

	remaining, err := s.gCtx.Inst().Presence.UntrackSession(s.gCtx, userID, s.sessionMember(conn))
	if err != nil {
		zap.S().Errorw("failed to untrack session", "error", err, "user_id", userID)

		// Fall back to the local view rather than strand the user online.
		if !last {
			return
		}
	} else if remaining > 0 {
		return
	}

	if err := s.gCtx.Inst().Presence.SetOffline(s.gCtx, userID); err != nil {
		zap.S().Errorw("failed to set user offline", "error", err, "user_id", userID)
	}
}

// sessionMember is the shared session set entry for a connection.
func (s *Server) sessionMember(conn *Connection) string {
	return s.gCtx.Config().InstanceID + ":" + conn.ID
}
