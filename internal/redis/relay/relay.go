package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"drawboard/internal/metrics"
	"drawboard/internal/protocol"
	"drawboard/internal/rooms"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel returns the pub/sub channel carrying paint operations of a room.
func Channel(roomID uuid.UUID) string {
	return "canvas:" + roomID.String() + ":dabs"
}

// message is the payload exchanged between instances.
type message struct {
	Origin string    `json:"origin"`
	Tool   uint8     `json:"tool"`
	Dabs   []float32 `json:"dabs"`
}

// Relay mirrors paint operations between instances sharing a Redis server.
// It holds exactly one SUBSCRIBE per room that has local sessions, no matter
// how many sessions joined that room.
type Relay struct {
	rdb      *redis.Client
	registry *rooms.Registry
	origin   string
	metrics  *metrics.Metrics

	mu   sync.Mutex
	subs map[uuid.UUID]*subEntry

	// replaced in tests
	listen func(ctx context.Context, roomID uuid.UUID)
}

type subEntry struct {
	refCnt int
	cancel context.CancelFunc
}

// New returns a relay tagging its own messages with origin so they are not
// applied twice when Redis echoes them back.
func New(rdb *redis.Client, registry *rooms.Registry, origin string, m *metrics.Metrics) *Relay {
	r := &Relay{
		rdb:      rdb,
		registry: registry,
		origin:   origin,
		metrics:  m,
		subs:     make(map[uuid.UUID]*subEntry),
	}
	r.listen = r.subscribe
	return r
}

// Join subscribes to the room's channel on the first local session;
// subsequent calls only increment the ref-counter.
func (r *Relay) Join(roomID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.subs[roomID]; ok {
		e.refCnt++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.subs[roomID] = &subEntry{refCnt: 1, cancel: cancel}
	go r.listen(ctx, roomID)
}

// Leave decrements the ref-counter and drops the subscription when the last
// local session leaves.
func (r *Relay) Leave(roomID uuid.UUID) {
	r.mu.Lock()
	e, ok := r.subs[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refCnt--
	if e.refCnt > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.subs, roomID)
	r.mu.Unlock()

	e.cancel()
}

// Subscriptions reports how many rooms currently hold a subscription.
func (r *Relay) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close drops every subscription.
func (r *Relay) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[uuid.UUID]*subEntry)
	r.mu.Unlock()

	for _, e := range subs {
		e.cancel()
	}
}

// Publish forwards a locally accepted paint operation to other instances.
func (r *Relay) Publish(ctx context.Context, roomID uuid.UUID, msg protocol.Dabs) error {
	payload, err := json.Marshal(message{Origin: r.origin, Tool: msg.Tool, Dabs: msg.Dabs})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, Channel(roomID), string(payload)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel(roomID), err)
	}
	r.metrics.Relayed(metrics.DirectionOut)
	return nil
}

func (r *Relay) subscribe(ctx context.Context, roomID uuid.UUID) {
	ps := r.rdb.Subscribe(ctx, Channel(roomID))
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok { // Redis connection closed.
				return
			}
			if err := r.deliver(roomID, m.Payload); err != nil {
				zap.L().Warn("relay.deliver_failed",
					zap.Stringer("room_id", roomID), zap.Error(err))
			}
		}
	}
}

// deliver applies a remote operation to the local room and fans it out to
// the room's local sessions.
func (r *Relay) deliver(roomID uuid.UUID, payload string) error {
	var msg message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return err
	}
	if msg.Origin == r.origin {
		return nil
	}
	if err := protocol.ValidateDabs(msg.Dabs); err != nil {
		return err
	}

	room, ok := r.registry.Lookup(roomID)
	if !ok {
		// last local session left while the message was in flight
		return nil
	}
	if _, err := room.Paint(msg.Tool, msg.Dabs); err != nil {
		return err
	}
	r.metrics.Relayed(metrics.DirectionIn)
	return nil
}
