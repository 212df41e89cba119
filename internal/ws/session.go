package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"drawboard/internal/hub"
	"drawboard/internal/metrics"
	"drawboard/internal/protocol"
	"drawboard/internal/ratelimit"
	"drawboard/internal/rooms"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateActive
	stateClosing
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateConnecting:
		return "connecting"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	errPeerClosed  = errors.New("peer closed the connection")
	errIdleTimeout = errors.New("read idle timeout")
)

// session is one live connection bound to one room.
type session struct {
	srv     *WsServer
	conn    *clientConn
	room    *rooms.Room
	port    uint16
	limiter *ratelimit.TokenBucket
	log     *zap.Logger

	sub     *hub.Subscription
	mailbox *hub.Mailbox
	state   atomic.Int32
}

func (s *session) setState(st sessionState) {
	prev := sessionState(s.state.Swap(int32(st)))
	s.log.Debug("ws.session_state", zap.Stringer("from", prev), zap.Stringer("to", st))
}

func (s *session) run(ctx context.Context) {
	m := s.srv.opts.Metrics
	m.SessionOpened()
	defer m.SessionClosed()

	// subscribe before the handshake so nothing published after the peer
	// learns its room is missed
	s.sub = s.room.Hub.Subscribe()
	s.mailbox = hub.NewMailbox()
	defer func() {
		s.sub.Close()
		s.mailbox.Close()
	}()

	info, err := protocol.Encode(protocol.NewSessionInfo(s.port, s.room.ID))
	if err == nil {
		err = s.conn.write(websocket.TextMessage, info)
	}
	if err != nil {
		s.log.Debug("ws.handshake_failed", zap.Error(err))
		_ = s.conn.rawConn.Close()
		s.setState(stateClosed)
		return
	}

	relay := s.srv.opts.Relay
	relay.Join(s.room.ID)
	defer relay.Leave(s.room.ID)

	s.setState(stateActive)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	go func() {
		<-gctx.Done()
		s.conn.interruptRead()
	}()
	reason := g.Wait()

	s.setState(stateClosing)
	code, text := websocket.CloseNormalClosure, ""
	if ctx.Err() != nil {
		code, text = websocket.CloseGoingAway, "server shutting down"
	}
	_ = s.conn.close(code, text)
	s.setState(stateClosed)
	s.log.Info("ws.session_closed", zap.NamedError("reason", reason))
}

// ─────────────────────────────── read path ───────────────────────────────────

func (s *session) readLoop(ctx context.Context) error {
	idle := s.srv.opts.IdleTimeout
	s.conn.rawConn.SetPongHandler(func(string) error {
		return s.conn.armRead(idle)
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.conn.armRead(idle); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		mt, r, err := s.conn.rawConn.NextReader()
		if err != nil {
			return s.readErr(ctx, err)
		}
		data, oversized, err := s.readFrame(r)
		if err != nil {
			return s.readErr(ctx, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		if oversized {
			s.drop(metrics.ReasonOversized, nil)
			continue
		}

		if err := s.srv.router.dispatch(ctx, s, data); err != nil {
			s.dropErr(err)
		}
	}
}

// readFrame reads at most MaxMessageBytes of a frame. Anything beyond is
// drained and the frame reported as oversized.
func (s *session) readFrame(r io.Reader) ([]byte, bool, error) {
	limit := s.srv.opts.MaxMessageBytes
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, false, err
	}
	if len(data) <= limit {
		return data, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, true, err
	}
	return nil, true, nil
}

func (s *session) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return errPeerClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errIdleTimeout
	}
	return fmt.Errorf("read: %w", err)
}

func (s *session) join() error {
	payload, version, err := s.room.TilePatch()
	if err != nil {
		return wrapErr(errSnapshotFailed, err)
	}
	if err := s.mailbox.Send(payload); err != nil {
		return err
	}
	s.srv.opts.Metrics.SnapshotSent()
	s.log.Debug("ws.join", zap.Uint64("version", version), zap.Int("bytes", len(payload)))
	return nil
}

func (s *session) paint(ctx context.Context, req protocol.Dabs) error {
	if !s.limiter.Allow() {
		return errRateLimited
	}
	if _, err := s.room.Paint(req.Tool, req.Dabs); err != nil {
		return wrapErr(ErrInvalid, err)
	}
	s.srv.opts.Metrics.Painted(len(req.Dabs))

	if err := s.srv.opts.Relay.Publish(ctx, s.room.ID, req); err != nil {
		s.log.Warn("ws.relay_publish_failed", zap.Error(err))
	}
	return nil
}

func (s *session) dropErr(err error) {
	switch {
	case errors.Is(err, errRateLimited):
		s.drop(metrics.ReasonRateLimited, nil)
	case errors.Is(err, ErrInvalid):
		s.drop(metrics.ReasonInvalid, err)
	case errors.Is(err, errSnapshotFailed):
		s.srv.opts.Metrics.Dropped(metrics.ReasonSnapshotFailed)
		s.log.Warn("ws.snapshot_failed", zap.Error(err))
	default:
		s.drop(metrics.ReasonMalformed, err)
	}
}

func (s *session) drop(reason string, err error) {
	s.srv.opts.Metrics.Dropped(reason)
	if ce := s.log.Check(zap.DebugLevel, "ws.message_dropped"); ce != nil {
		ce.Write(zap.String("reason", reason), zap.Error(err))
	}
}

// ─────────────────────────────── write path ──────────────────────────────────

func (s *session) writeLoop(ctx context.Context) error {
	var pingC <-chan time.Time
	if p := s.srv.opts.PingPeriod; p > 0 {
		ticker := time.NewTicker(p)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		// private replies go first so a join snapshot is not starved by
		// room traffic
		if msg, ok := s.mailbox.TryRecv(); ok {
			if err := s.conn.write(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.mailbox.Ready():

		case <-s.sub.Ready():
			if s.mailbox.Len() > 0 {
				continue
			}
			msg, err := s.sub.TryRecv()
			var lagged *hub.LaggedError
			switch {
			case errors.As(err, &lagged):
				s.srv.opts.Metrics.Lagged()
				s.log.Debug("ws.lagged", zap.Uint64("missed", lagged.Missed))
			case errors.Is(err, hub.ErrEmpty):
			case err != nil:
				return err
			default:
				if err := s.conn.write(websocket.TextMessage, msg); err != nil {
					return fmt.Errorf("write: %w", err)
				}
			}

		case <-pingC:
			if err := s.conn.ping(); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
