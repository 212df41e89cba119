package rooms

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"drawboard/internal/metrics"
	"drawboard/internal/tile"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const seedTimeout = 3 * time.Second

// Seeder fills a freshly constructed tile before its room becomes visible,
// e.g. from a checkpoint. A seeding error leaves the tile blank.
type Seeder interface {
	Seed(ctx context.Context, id uuid.UUID, t *tile.Tile) error
}

type Options struct {
	TileWidth   int
	TileHeight  int
	HubCapacity int
	Seeder      Seeder
	Metrics     *metrics.Metrics
}

// Registry maps room ids to rooms. Rooms are created on first reference and
// live for the rest of the process.
type Registry struct {
	opts  Options
	rooms sync.Map // uuid.UUID -> *Room
	group singleflight.Group
	size  atomic.Int64
}

func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts}
}

// GetOrCreate returns the room for id, constructing it on first use.
// Concurrent callers for an unseen id share a single construction.
func (r *Registry) GetOrCreate(ctx context.Context, id uuid.UUID) *Room {
	if v, ok := r.rooms.Load(id); ok {
		return v.(*Room)
	}

	v, _, _ := r.group.Do(id.String(), func() (any, error) {
		// a previous flight may have finished between Load and Do
		if v, ok := r.rooms.Load(id); ok {
			return v, nil
		}
		room := newRoom(id, r.opts.TileWidth, r.opts.TileHeight, r.opts.HubCapacity)
		r.seed(ctx, room)
		r.rooms.Store(id, room)
		r.size.Add(1)
		r.opts.Metrics.RoomCreated()
		zap.L().Debug("rooms.created", zap.Stringer("room_id", id))
		return room, nil
	})
	return v.(*Room)
}

// Create mints a fresh identifier and returns its room.
func (r *Registry) Create(ctx context.Context) *Room {
	return r.GetOrCreate(ctx, uuid.New())
}

// Lookup never creates.
func (r *Registry) Lookup(id uuid.UUID) (*Room, bool) {
	v, ok := r.rooms.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Room), true
}

// Range calls fn for every room until fn returns false.
func (r *Registry) Range(fn func(*Room) bool) {
	r.rooms.Range(func(_, v any) bool {
		return fn(v.(*Room))
	})
}

func (r *Registry) Len() int {
	return int(r.size.Load())
}

func (r *Registry) seed(ctx context.Context, room *Room) {
	if r.opts.Seeder == nil {
		return
	}
	// the flight is shared, so it must not die with the first caller
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), seedTimeout)
	defer cancel()

	if err := r.opts.Seeder.Seed(ctx, room.ID, room.Tile); err != nil {
		zap.L().Warn("rooms.seed_failed", zap.Stringer("room_id", room.ID), zap.Error(err))
	}
}
