package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"drawboard/internal/protocol"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrInvalid   = errors.New("invalid message")
)

// internal (untyped) handler signature.
type rawHandler func(ctx context.Context, s *session, msg protocol.ClientMessage) error

// Router keeps a map[type]handler, à-la gin.Engine.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]rawHandler
	validate *validator.Validate
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]rawHandler),
		validate: protocol.NewValidator(),
	}
}

// Register binds a message type to a strongly-typed handler. The message is
// validated before h runs, so h only sees well-formed input.
func Register[Req protocol.ClientMessage](
	r *Router,
	h func(ctx context.Context, s *session, req Req) error,
) {
	var zero Req
	msgType := zero.MessageType()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[msgType] = func(ctx context.Context, s *session, msg protocol.ClientMessage) error {
		req, ok := msg.(Req)
		if !ok {
			return fmt.Errorf("%w: %s decoded as %T", ErrMalformed, msgType, msg)
		}
		if err := r.validate.Struct(req); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return h(ctx, s, req)
	}
}

// dispatch is called by the session's read loop.
func (r *Router) dispatch(ctx context.Context, s *session, data []byte) error {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	r.mu.RLock()
	h, ok := r.handlers[msg.MessageType()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no handler for %q", ErrMalformed, msg.MessageType())
	}
	return h(ctx, s, msg)
}
