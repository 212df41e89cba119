package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"drawboard/internal/metrics"
	"drawboard/internal/protocol"
	"drawboard/internal/rooms"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) (*Relay, redismock.ClientMock, *rooms.Registry, *metrics.Metrics) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	m := metrics.New(prometheus.NewRegistry())
	registry := rooms.NewRegistry(rooms.Options{TileWidth: 32, TileHeight: 32, HubCapacity: 8})
	return New(rdb, registry, "instance-a", m), mock, registry, m
}

func TestChannel(t *testing.T) {
	id := uuid.MustParse("6f1c1a5e-7d1b-4a55-9d5e-0c3b2f0f8f11")
	assert.Equal(t, "canvas:6f1c1a5e-7d1b-4a55-9d5e-0c3b2f0f8f11:dabs", Channel(id))
}

func TestPublish(t *testing.T) {
	r, mock, _, m := newTestRelay(t)
	id := uuid.New()

	payload, err := json.Marshal(message{Origin: "instance-a", Tool: 1, Dabs: []float32{1, 2, 3, 1}})
	require.NoError(t, err)
	mock.ExpectPublish(Channel(id), string(payload)).SetVal(2)

	err = r.Publish(context.Background(), id, protocol.NewDabs(1, []float32{1, 2, 3, 1}))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.EqualValues(t, 1, testutil.ToFloat64(m.RelayMessages.WithLabelValues(metrics.DirectionOut)))
}

func TestPublishError(t *testing.T) {
	r, mock, _, m := newTestRelay(t)
	id := uuid.New()

	payload, err := json.Marshal(message{Origin: "instance-a", Dabs: []float32{1, 2, 3, 1}})
	require.NoError(t, err)
	mock.ExpectPublish(Channel(id), string(payload)).SetErr(errors.New("connection refused"))

	err = r.Publish(context.Background(), id, protocol.NewDabs(0, []float32{1, 2, 3, 1}))
	require.Error(t, err)
	assert.Zero(t, testutil.ToFloat64(m.RelayMessages.WithLabelValues(metrics.DirectionOut)))
}

func TestDeliverAppliesRemoteOperation(t *testing.T) {
	r, _, registry, m := newTestRelay(t)
	room := registry.Create(context.Background())
	sub := room.Hub.Subscribe()
	defer sub.Close()

	err := r.deliver(room.ID, `{"origin":"instance-b","tool":0,"dabs":[4,4,2,1]}`)
	require.NoError(t, err)

	assert.EqualValues(t, 1, room.Tile.Version())
	assert.EqualValues(t, 255, room.Tile.At(4, 4).A)
	raw, err := sub.TryRecv()
	require.NoError(t, err)
	var echo protocol.Dabs
	require.NoError(t, json.Unmarshal(raw, &echo))
	assert.Equal(t, protocol.NewDabs(0, []float32{4, 4, 2, 1}), echo)
	assert.EqualValues(t, 1, testutil.ToFloat64(m.RelayMessages.WithLabelValues(metrics.DirectionIn)))
}

func TestDeliverIgnoresOwnOrigin(t *testing.T) {
	r, _, registry, _ := newTestRelay(t)
	room := registry.Create(context.Background())

	require.NoError(t, r.deliver(room.ID, `{"origin":"instance-a","tool":0,"dabs":[4,4,2,1]}`))
	assert.Zero(t, room.Tile.Version())
}

func TestDeliverRejectsBadPayloads(t *testing.T) {
	r, _, registry, _ := newTestRelay(t)
	room := registry.Create(context.Background())

	assert.Error(t, r.deliver(room.ID, `nope`))
	assert.ErrorIs(t, r.deliver(room.ID, `{"origin":"b","dabs":[1,2,3]}`), protocol.ErrDabsNotQuads)
	assert.Zero(t, room.Tile.Version())
}

func TestDeliverToUnknownRoomDoesNotCreate(t *testing.T) {
	r, _, registry, _ := newTestRelay(t)

	require.NoError(t, r.deliver(uuid.New(), `{"origin":"b","dabs":[1,1,1,1]}`))
	assert.Zero(t, registry.Len())
}

type listenRecorder struct {
	mu      sync.Mutex
	started map[uuid.UUID]int
	stopped chan uuid.UUID
}

func (l *listenRecorder) listen(ctx context.Context, roomID uuid.UUID) {
	l.mu.Lock()
	l.started[roomID]++
	l.mu.Unlock()
	<-ctx.Done()
	l.stopped <- roomID
}

func (l *listenRecorder) starts(roomID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started[roomID]
}

func TestJoinLeaveRefCounting(t *testing.T) {
	r, _, _, _ := newTestRelay(t)
	rec := &listenRecorder{started: map[uuid.UUID]int{}, stopped: make(chan uuid.UUID, 4)}
	r.listen = rec.listen
	id := uuid.New()

	r.Join(id)
	r.Join(id)
	r.Join(id)
	assert.Equal(t, 1, r.Subscriptions())
	assert.Eventually(t, func() bool { return rec.starts(id) == 1 }, time.Second, 5*time.Millisecond)

	r.Leave(id)
	r.Leave(id)
	select {
	case <-rec.stopped:
		t.Fatal("subscription dropped while sessions remain")
	case <-time.After(20 * time.Millisecond):
	}

	r.Leave(id)
	select {
	case got := <-rec.stopped:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("subscription not dropped after last leave")
	}
	assert.Zero(t, r.Subscriptions())

	// unknown rooms are a no-op
	r.Leave(uuid.New())
	assert.Equal(t, 1, rec.starts(id))
}

func TestClose(t *testing.T) {
	r, _, _, _ := newTestRelay(t)
	rec := &listenRecorder{started: map[uuid.UUID]int{}, stopped: make(chan uuid.UUID, 4)}
	r.listen = rec.listen

	r.Join(uuid.New())
	r.Join(uuid.New())
	r.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-rec.stopped:
		case <-time.After(time.Second):
			t.Fatal("listener still running after Close")
		}
	}
	assert.Zero(t, r.Subscriptions())
}
