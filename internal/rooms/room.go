package rooms

import (
	"sync"
	"time"

	"drawboard/internal/hub"
	"drawboard/internal/protocol"
	"drawboard/internal/tile"

	"github.com/google/uuid"
)

// Room is one canvas and its broadcast scope.
type Room struct {
	ID        uuid.UUID
	Tile      *tile.Tile
	Hub       *hub.Hub
	CreatedAt time.Time

	// orders apply+publish so hub order matches tile versions
	paintMu sync.Mutex
}

func newRoom(id uuid.UUID, width, height, hubCapacity int) *Room {
	return &Room{
		ID:        id,
		Tile:      tile.New(width, height),
		Hub:       hub.New(hubCapacity),
		CreatedAt: time.Now().UTC(),
	}
}

// Paint applies an already validated operation and broadcasts it to every
// subscriber of the room, sender included. It returns the tile version the
// operation produced.
func (r *Room) Paint(tool uint8, dabs []float32) (uint64, error) {
	payload, err := protocol.Encode(protocol.NewDabs(tool, dabs))
	if err != nil {
		return 0, err
	}

	r.paintMu.Lock()
	defer r.paintMu.Unlock()

	version := r.Tile.Apply(tile.Tool(tool), dabs)
	r.Hub.Publish(payload)
	return version, nil
}

// TilePatch snapshots the tile and encodes it as a wire message.
func (r *Room) TilePatch() ([]byte, uint64, error) {
	snap, err := r.Tile.Snapshot()
	if err != nil {
		return nil, 0, err
	}
	payload, err := protocol.Encode(protocol.NewTilePatch(snap.Version, snap.PNG))
	if err != nil {
		return nil, 0, err
	}
	return payload, snap.Version, nil
}
