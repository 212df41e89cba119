package checkpoint

import (
	"context"
	"time"

	"drawboard/internal/rooms"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const flushTimeout = 5 * time.Second

// Run saves every room whose version moved since its last checkpoint, each
// interval, until ctx is done. A last pass runs on the way out so a clean
// shutdown loses nothing.
func Run(ctx context.Context, registry *rooms.Registry, store *Store, interval time.Duration) {
	saved := make(map[uuid.UUID]uint64)
	tk := time.NewTicker(interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			syncOnce(flushCtx, registry, store, saved)
			cancel()
			return
		case <-tk.C:
			syncOnce(ctx, registry, store, saved)
		}
	}
}

func syncOnce(ctx context.Context, registry *rooms.Registry, store *Store, saved map[uuid.UUID]uint64) {
	var batch []Checkpoint
	registry.Range(func(room *rooms.Room) bool {
		v := room.Tile.Version()
		if v == 0 || saved[room.ID] == v {
			return true
		}
		snap, err := room.Tile.Snapshot()
		if err != nil {
			zap.L().Error("checkpoint.snapshot", zap.Stringer("room_id", room.ID), zap.Error(err))
			return true
		}
		batch = append(batch, Checkpoint{RoomID: room.ID, Version: snap.Version, PNG: snap.PNG})
		return true
	})
	if len(batch) == 0 {
		return
	}

	if err := store.SaveAll(ctx, batch); err != nil {
		zap.L().Error("checkpoint.save", zap.Int("rooms", len(batch)), zap.Error(err))
		return
	}
	for _, cp := range batch {
		saved[cp.RoomID] = cp.Version
	}
	zap.L().Debug("checkpoint.save", zap.Int("rooms", len(batch)))
}
