package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"drawboard/internal/metrics"
	"drawboard/internal/protocol"
	"drawboard/internal/ratelimit"
	"drawboard/internal/rooms"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	closeWait = 2 * time.Second

	defaultIdleTimeout     = 60 * time.Second
	defaultMaxMessageBytes = 64 * 1024
)

var (
	errRateLimited    = errors.New("rate limited")
	errSnapshotFailed = errors.New("snapshot failed")
)

// Relay forwards accepted paint operations to other instances. Join and
// Leave bracket the lifetime of every local session in a room.
type Relay interface {
	Join(roomID uuid.UUID)
	Leave(roomID uuid.UUID)
	Publish(ctx context.Context, roomID uuid.UUID, msg protocol.Dabs) error
}

type nopRelay struct{}

func (nopRelay) Join(uuid.UUID)                                          {}
func (nopRelay) Leave(uuid.UUID)                                         {}
func (nopRelay) Publish(context.Context, uuid.UUID, protocol.Dabs) error { return nil }

type Options struct {
	// IdleTimeout closes a session whose peer sent nothing (pongs included)
	// for this long.
	IdleTimeout time.Duration
	// PingPeriod <= 0 disables server pings.
	PingPeriod time.Duration
	// Frames above MaxMessageBytes are discarded, the session stays open.
	MaxMessageBytes int
	NewLimiter      func() *ratelimit.TokenBucket
	Relay           Relay
	Metrics         *metrics.Metrics
}

type WsServer struct {
	ctx      context.Context
	registry *rooms.Registry
	router   *Router
	upgrader websocket.Upgrader
	opts     Options
	sessions sync.WaitGroup
}

// NewWsServer returns a server whose sessions live until ctx is cancelled
// or their connection ends.
func NewWsServer(ctx context.Context, registry *rooms.Registry, opts Options) *WsServer {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.NewLimiter == nil {
		opts.NewLimiter = func() *ratelimit.TokenBucket {
			return ratelimit.NewTokenBucket(20, 5, 200*time.Millisecond)
		}
	}
	if opts.Relay == nil {
		opts.Relay = nopRelay{}
	}

	srv := &WsServer{
		ctx:      ctx,
		registry: registry,
		router:   NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		opts: opts,
	}
	srv.registerHandlers() // ← all WS message types configured here
	return srv
}

// ---------------------------------------------------------------------------
//  Public: Gin entry-points
// ---------------------------------------------------------------------------

// Handle upgrades a connection into a freshly minted room.
func (s *WsServer) Handle(ginCtx *gin.Context) {
	s.accept(ginCtx, uuid.New())
}

// HandleRoom upgrades a connection into the room named by :room_id.
func (s *WsServer) HandleRoom(ginCtx *gin.Context) {
	roomID, err := uuid.Parse(ginCtx.Param("room_id"))
	if err != nil {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "room_id must be a uuid"})
		return
	}
	s.accept(ginCtx, roomID)
}

// Wait blocks until every session has finished.
func (s *WsServer) Wait() {
	s.sessions.Wait()
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) accept(ginCtx *gin.Context, roomID uuid.UUID) {
	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}

	room := s.registry.GetOrCreate(ginCtx.Request.Context(), roomID)
	peer := ginCtx.Request.RemoteAddr
	sess := &session{
		srv:     s,
		conn:    &clientConn{rawConn: rawConn},
		room:    room,
		port:    peerPort(peer),
		limiter: s.opts.NewLimiter(),
		log: zap.L().With(
			zap.String("peer", peer),
			zap.Stringer("room_id", room.ID),
		),
	}
	sess.log.Debug("ws.accept")

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		sess.run(s.ctx)
	}()
}

func (s *WsServer) registerHandlers() {
	// 🔹 join -----------------------------------------------------------------
	Register(
		s.router,
		func(ctx context.Context, sess *session, req protocol.Join) error {
			return sess.join()
		},
	)

	// 🔹 dabs -----------------------------------------------------------------
	Register(
		s.router,
		func(ctx context.Context, sess *session, req protocol.Dabs) error {
			return sess.paint(ctx, req)
		},
	)
}

func peerPort(addr string) uint16 {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}

func wrapErr(sentinel error, err error) error {
	return fmt.Errorf("%w: %v", sentinel, err)
}
