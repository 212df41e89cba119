package checkpoint

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image/png"
	"time"

	"drawboard/internal/tile"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("checkpoint not found")

const schema = `
CREATE TABLE IF NOT EXISTS canvas_snapshots (
	room_id    uuid PRIMARY KEY,
	version    bigint      NOT NULL,
	png        bytea       NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// only overwrite a stored checkpoint with a newer one
const upsert = `
INSERT INTO canvas_snapshots (room_id, version, png, updated_at)
     VALUES ($1, $2, $3, now())
ON CONFLICT (room_id) DO UPDATE
       SET version=EXCLUDED.version,
           png=EXCLUDED.png,
           updated_at=EXCLUDED.updated_at
     WHERE canvas_snapshots.version < EXCLUDED.version`

const selectOne = `
SELECT version, png, updated_at
  FROM canvas_snapshots
 WHERE room_id = $1`

// Checkpoint is a persisted tile snapshot.
type Checkpoint struct {
	RoomID    uuid.UUID
	Version   uint64
	PNG       []byte
	UpdatedAt time.Time
}

// Store persists checkpoints in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create canvas_snapshots: %w", err)
	}
	return nil
}

// SaveAll upserts cps in one transaction.
func (s *Store) SaveAll(ctx context.Context, cps []Checkpoint) error {
	if len(cps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, cp := range cps {
		if _, err := tx.ExecContext(ctx, upsert, cp.RoomID, int64(cp.Version), cp.PNG); err != nil {
			return fmt.Errorf("upsert %s: %w", cp.RoomID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Load(ctx context.Context, id uuid.UUID) (Checkpoint, error) {
	cp := Checkpoint{RoomID: id}
	var version int64
	err := s.db.QueryRowContext(ctx, selectOne, id).Scan(&version, &cp.PNG, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Version = uint64(version)
	return cp, nil
}

// Seed restores t from the room's checkpoint. A missing checkpoint or one of
// different dimensions leaves the tile blank.
func (s *Store) Seed(ctx context.Context, id uuid.UUID, t *tile.Tile) error {
	cp, err := s.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	img, err := png.Decode(bytes.NewReader(cp.PNG))
	if err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	if err := t.Restore(cp.Version, img); err != nil {
		if errors.Is(err, tile.ErrImageSize) {
			zap.L().Info("checkpoint.size_mismatch",
				zap.Stringer("room_id", id),
				zap.Stringer("stored", img.Bounds()),
				zap.Stringer("tile", t.Bounds()))
			return nil
		}
		return err
	}
	zap.L().Debug("checkpoint.restored", zap.Stringer("room_id", id), zap.Uint64("version", cp.Version))
	return nil
}
