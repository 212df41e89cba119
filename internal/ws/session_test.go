package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"drawboard/internal/metrics"
	"drawboard/internal/protocol"
	"drawboard/internal/ratelimit"
	"drawboard/internal/rooms"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readTimeout = 2 * time.Second

type testEnv struct {
	t        *testing.T
	srv      *WsServer
	registry *rooms.Registry
	metrics  *metrics.Metrics
	http     *httptest.Server
	cancel   context.CancelFunc
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	return newTestEnvWithHub(t, 256, mutate)
}

func newTestEnvWithHub(t *testing.T, hubCapacity int, mutate func(*Options)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := metrics.New(prometheus.NewRegistry())
	registry := rooms.NewRegistry(rooms.Options{
		TileWidth:   64,
		TileHeight:  64,
		HubCapacity: hubCapacity,
		Metrics:     m,
	})

	frozen := time.Unix(1_700_000_000, 0)
	opts := Options{
		IdleTimeout:     5 * time.Second,
		MaxMessageBytes: 1024,
		NewLimiter: func() *ratelimit.TokenBucket {
			return ratelimit.NewTokenBucket(20, 5, 200*time.Millisecond,
				ratelimit.WithClock(func() time.Time { return frozen }))
		},
		Metrics: m,
	}
	if mutate != nil {
		mutate(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewWsServer(ctx, registry, opts)

	engine := gin.New()
	engine.GET("/ws", srv.Handle)
	engine.GET("/ws/:room_id", srv.HandleRoom)
	ts := httptest.NewServer(engine)

	env := &testEnv{t: t, srv: srv, registry: registry, metrics: m, http: ts, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		srv.Wait()
		ts.Close()
	})
	return env
}

func (e *testEnv) dial(path string) *websocket.Conn {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(e.t, err)
	_ = resp.Body.Close()
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials into room and consumes the session info message.
func (e *testEnv) connect(room uuid.UUID) *websocket.Conn {
	e.t.Helper()
	conn := e.dial("/ws/" + room.String())
	var info protocol.SessionInfo
	readJSON(e.t, conn, &info)
	require.Equal(e.t, protocol.TypeDebug, info.Type)
	require.Equal(e.t, room, info.RoomID)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	return data
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) string {
	t.Helper()
	data := readRaw(t, conn)
	typ, err := protocol.Peek(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
	return typ
}

func readPatch(t *testing.T, conn *websocket.Conn) protocol.TilePatch {
	t.Helper()
	var patch protocol.TilePatch
	require.Equal(t, protocol.TypeTilePatch, readJSON(t, conn, &patch))
	return patch
}

func alphaAt(t *testing.T, patch protocol.TilePatch, x, y int) uint32 {
	t.Helper()
	raw, err := patch.PNG()
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	_, _, _, a := img.At(x, y).RGBA()
	return a >> 8
}

func TestSessionInfoIsFirstMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial("/ws")

	var info protocol.SessionInfo
	require.Equal(t, protocol.TypeDebug, readJSON(t, conn, &info))
	assert.NotEqual(t, uuid.Nil, info.RoomID)
	assert.NotZero(t, info.Port)

	_, ok := env.registry.Lookup(info.RoomID)
	assert.True(t, ok, "fresh room should be registered")
}

func TestPaintBroadcastAndLateJoin(t *testing.T) {
	env := newTestEnv(t, nil)
	room := uuid.New()
	a := env.connect(room)
	b := env.connect(room)

	send(t, a, `{"type":"join","since":0}`)
	patch := readPatch(t, a)
	assert.Zero(t, patch.Version)
	assert.Zero(t, alphaAt(t, patch, 10, 10))

	send(t, a, `{"type":"dabs","tool":0,"dabs":[10,10,5,1]}`)
	want := protocol.NewDabs(0, []float32{10, 10, 5, 1})
	for _, conn := range []*websocket.Conn{a, b} {
		var echo protocol.Dabs
		require.Equal(t, protocol.TypeDabs, readJSON(t, conn, &echo))
		assert.Equal(t, want, echo)
	}

	send(t, b, `{"type":"join","since":0}`)
	patch = readPatch(t, b)
	assert.EqualValues(t, 1, patch.Version)
	assert.EqualValues(t, 255, alphaAt(t, patch, 10, 10))
	assert.Zero(t, alphaAt(t, patch, 40, 40))
}

func TestRoomsDoNotLeak(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.connect(uuid.New())
	b := env.connect(uuid.New())

	send(t, a, `{"type":"dabs","tool":0,"dabs":[1,1,1,1]}`)
	var echo protocol.Dabs
	readJSON(t, a, &echo)

	send(t, b, `{"type":"join"}`)
	patch := readPatch(t, b)
	assert.Zero(t, patch.Version, "b must not see a's paint")
}

func TestInvalidDabsAreNotBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.connect(uuid.New())

	send(t, conn, `{"type":"dabs","tool":0,"dabs":[1,2,3]}`)
	send(t, conn, `{"type":"join"}`)

	// the next frame is the snapshot, not an echo
	patch := readPatch(t, conn)
	assert.Zero(t, patch.Version)
	assert.EqualValues(t, 1,
		testutil.ToFloat64(env.metrics.MessagesDropped.WithLabelValues(metrics.ReasonInvalid)))
}

func TestBadFramesKeepSessionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.connect(uuid.New())

	send(t, conn, strings.Repeat("x", 2048))
	send(t, conn, `not json`)
	send(t, conn, `{"type":"teleport"}`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	send(t, conn, `{"type":"join"}`)

	patch := readPatch(t, conn)
	assert.Zero(t, patch.Version)

	dropped := env.metrics.MessagesDropped
	assert.EqualValues(t, 1, testutil.ToFloat64(dropped.WithLabelValues(metrics.ReasonOversized)))
	assert.EqualValues(t, 2, testutil.ToFloat64(dropped.WithLabelValues(metrics.ReasonMalformed)))
}

func TestRateLimitDropsBurstOverflow(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.connect(uuid.New())

	for i := 0; i < 25; i++ {
		send(t, conn, `{"type":"dabs","tool":0,"dabs":[5,5,2,1]}`)
	}
	send(t, conn, `{"type":"join"}`)

	// the snapshot travels on the private queue and may overtake echoes
	echoes := 0
	var patch *protocol.TilePatch
	for echoes < 20 || patch == nil {
		data := readRaw(t, conn)
		typ, err := protocol.Peek(data)
		require.NoError(t, err)
		switch typ {
		case protocol.TypeDabs:
			echoes++
		case protocol.TypeTilePatch:
			require.Nil(t, patch, "second snapshot")
			patch = &protocol.TilePatch{}
			require.NoError(t, json.Unmarshal(data, patch))
		default:
			t.Fatalf("unexpected %s", typ)
		}
	}
	assert.Equal(t, 20, echoes)
	assert.EqualValues(t, 20, patch.Version)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "nothing beyond the 20 admitted operations")
	assert.EqualValues(t, 5,
		testutil.ToFloat64(env.metrics.MessagesDropped.WithLabelValues(metrics.ReasonRateLimited)))
}

func TestIdleSessionIsClosed(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.IdleTimeout = 200 * time.Millisecond
		o.PingPeriod = 0
	})
	conn := env.connect(uuid.New())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestPongsKeepSessionAlive(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.IdleTimeout = 300 * time.Millisecond
		o.PingPeriod = 50 * time.Millisecond
	})
	conn := env.connect(uuid.New())

	// the default ping handler answers with a pong while we block in Read
	done := make(chan error, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := conn.ReadMessage()
		done <- err
	}()

	err := <-done
	var closeErr *websocket.CloseError
	assert.False(t, errors.As(err, &closeErr), "session closed although pongs were flowing")
}

func TestShutdownSendsGoingAway(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.connect(uuid.New())

	env.cancel()
	env.srv.Wait()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Zero(t, testutil.ToFloat64(env.metrics.SessionsActive))
}

// noise is a large room frame; enough of them back up the socket so the
// session writer stalls while the test is not reading.
func noise(size int) []byte {
	return []byte(`{"type":"noise","pad":"` + strings.Repeat("x", size) + `"}`)
}

func flood(t *testing.T, env *testEnv, roomID uuid.UUID, frames int) {
	t.Helper()
	room, ok := env.registry.Lookup(roomID)
	require.True(t, ok)
	payload := noise(128 << 10)
	for i := 0; i < frames; i++ {
		room.Hub.Publish(payload)
	}
}

// readUntil reads frames until one of type want arrives and returns how many
// noise frames came before it.
func readUntil(t *testing.T, conn *websocket.Conn, want string) int {
	t.Helper()
	skipped := 0
	for {
		data := readRaw(t, conn)
		typ, err := protocol.Peek(data)
		require.NoError(t, err)
		switch typ {
		case want:
			return skipped
		case "noise":
			skipped++
		default:
			t.Fatalf("unexpected %s while waiting for %s", typ, want)
		}
	}
}

func TestLaggingSessionStaysOpen(t *testing.T) {
	env := newTestEnvWithHub(t, 4, nil)
	room := uuid.New()
	conn := env.connect(room)

	const frames = 200
	flood(t, env, room, frames)

	send(t, conn, `{"type":"dabs","tool":0,"dabs":[1,1,1,1]}`)
	skipped := readUntil(t, conn, protocol.TypeDabs)
	assert.Less(t, skipped, frames, "a lagging session skips what the hub dropped")
	assert.Positive(t, testutil.ToFloat64(env.metrics.HubLagged))

	// still fully functional after the lag
	send(t, conn, `{"type":"join"}`)
	patch := readPatch(t, conn)
	assert.EqualValues(t, 1, patch.Version)
}

func TestJoinSnapshotOvertakesRoomBacklog(t *testing.T) {
	env := newTestEnv(t, nil)
	room := uuid.New()
	conn := env.connect(room)

	const frames = 200
	flood(t, env, room, frames)

	send(t, conn, `{"type":"join"}`)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.Snapshots) == 1
	}, readTimeout, 5*time.Millisecond)

	before := readUntil(t, conn, protocol.TypeTilePatch)
	assert.Less(t, before, frames, "snapshot was queued behind the whole backlog")

	// nothing is lost: the rest of the backlog follows
	for i := before; i < frames; i++ {
		data := readRaw(t, conn)
		typ, err := protocol.Peek(data)
		require.NoError(t, err)
		require.Equal(t, "noise", typ)
	}
	assert.Zero(t, testutil.ToFloat64(env.metrics.HubLagged))
}

func TestBadRoomIDIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.http.URL + "/ws/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.registry.Len())
}

func TestPeerPort(t *testing.T) {
	assert.EqualValues(t, 51234, peerPort("127.0.0.1:51234"))
	assert.EqualValues(t, 443, peerPort("[::1]:443"))
	assert.Zero(t, peerPort("garbage"))
}
