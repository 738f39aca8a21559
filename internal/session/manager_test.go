package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neilyboy/SoundMesh/internal/domain"
	"github.com/neilyboy/SoundMesh/internal/protocol"
	"github.com/neilyboy/SoundMesh/internal/store"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeServer speaks just enough of the intercom protocol for session tests:
// it accepts signaling sockets, records inbound frames, and serves the
// channel directory.
type fakeServer struct {
	ts     *httptest.Server
	conns  chan *websocket.Conn
	frames chan map[string]any
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conns:  make(chan *websocket.Conn, 4),
		frames: make(chan map[string]any, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/channels", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": "ch-prod", "name": "Production"},
			{"id": "ch-stage", "name": "Stage"}
		]`))
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				fs.frames <- frame
			}
		}
	})

	fs.ts = httptest.NewServer(mux)
	t.Cleanup(fs.ts.Close)
	return fs
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no signaling connection arrived")
		return nil
	}
}

func (fs *fakeServer) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no signaling frame arrived")
		return nil
	}
}

func (fs *fakeServer) noFrameFor(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-fs.frames:
		t.Fatalf("unexpected frame: %v", f)
	case <-time.After(d):
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(Options{
		Store:             store.Open(filepath.Join(t.TempDir(), "state.yaml")),
		AuthSettleDelay:   5 * time.Millisecond,
		CandidatePacing:   time.Millisecond,
		MediaRestartDelay: 10 * time.Millisecond,
		ReconnectMinDelay: 200 * time.Millisecond,
		ReconnectMaxDelay: time.Second,
	})
}

func runManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
}

func waitForState(t *testing.T, m *Manager, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 5*time.Millisecond, "state never reached %s", want)
}

func TestConnectAuthenticateAuthorize(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)

	require.NoError(t, m.Connect(fs.ts.URL))
	conn := fs.accept(t)
	defer conn.Close()
	waitForState(t, m, domain.ConnectedUnauthenticated)

	require.NoError(t, m.Authenticate("FOH", "secret"))
	assert.Equal(t, domain.Authenticating, m.State())

	frame := fs.nextFrame(t)
	assert.Equal(t, "authenticate", frame["type"])
	assert.Equal(t, "FOH", frame["name"])

	send(t, conn, `{
		"type": "status_update",
		"status": "authorized",
		"client_id": "server-issued-id",
		"current_clients": [
			{"id": "server-issued-id", "status": "authorized", "name": "FOH"},
			{"id": "peer-1", "status": "authorized", "name": "Stage"}
		]
	}`)

	waitForState(t, m, domain.Authenticated)
	assert.Equal(t, domain.ClientID("server-issued-id"), m.Identity())

	// The directory refresh lands and the roster excludes the local client.
	require.Eventually(t, func() bool { return len(m.Snapshot().Channels) == 2 },
		2*time.Second, 5*time.Millisecond)
	snap := m.Snapshot()
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, "Stage", snap.Clients[0].Name)
	assert.True(t, snap.IsAuthenticated)
}

func TestAuthenticateIsSingleFlight(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)

	require.NoError(t, m.Connect(fs.ts.URL))
	conn := fs.accept(t)
	defer conn.Close()
	waitForState(t, m, domain.ConnectedUnauthenticated)

	require.NoError(t, m.Authenticate("FOH", "secret"))
	require.NoError(t, m.Authenticate("FOH", "secret"))
	require.NoError(t, m.Authenticate("FOH", "secret"))

	frame := fs.nextFrame(t)
	assert.Equal(t, "authenticate", frame["type"])
	// The verdict has not arrived, so nothing else may go out.
	fs.noFrameFor(t, 150*time.Millisecond)
}

func TestAuthenticateWithoutConnection(t *testing.T) {
	m := newTestManager(t)
	assert.ErrorIs(t, m.Authenticate("FOH", "secret"), ErrNotConnected)
	assert.ErrorIs(t, m.Authenticate("", ""), ErrMissingName)
}

func TestRejectionClosesSession(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)

	require.NoError(t, m.Connect(fs.ts.URL))
	conn := fs.accept(t)
	defer conn.Close()
	waitForState(t, m, domain.ConnectedUnauthenticated)

	require.NoError(t, m.Authenticate("intruder", "wrong"))
	fs.nextFrame(t)

	send(t, conn, `{"type": "status_update", "status": "rejected", "message": "bad password"}`)

	waitForState(t, m, domain.Rejected)
	require.Eventually(t, func() bool { return !m.Snapshot().IsAuthenticated },
		time.Second, 5*time.Millisecond)
}

func TestPendingStatusIsRecordedWithoutTransition(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)

	require.NoError(t, m.Connect(fs.ts.URL))
	conn := fs.accept(t)
	defer conn.Close()
	waitForState(t, m, domain.ConnectedUnauthenticated)

	require.NoError(t, m.Authenticate("FOH", "secret"))
	fs.nextFrame(t)

	send(t, conn, `{"type": "status_update", "status": "pending", "message": "awaiting approval"}`)

	require.Eventually(t, func() bool { return m.Snapshot().AuthStatus == "pending" },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.Authenticating, m.State())

	// The verdict can still arrive later.
	send(t, conn, `{"type": "status_update", "status": "authorized"}`)
	waitForState(t, m, domain.Authenticated)
	assert.Equal(t, "authorized", m.Snapshot().AuthStatus)
}

func TestJoinChannelRequiresAuthentication(t *testing.T) {
	m := newTestManager(t)
	assert.ErrorIs(t, m.JoinChannel("ch-prod"), ErrNotAuthenticated)
}

func TestRoutingOperations(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)
	conn := authorize(t, fs, m)

	// Joining goes on the wire; the active channel waits for confirmation.
	require.NoError(t, m.JoinChannel("ch-prod"))
	frame := fs.nextFrame(t)
	assert.Equal(t, "join_channel", frame["type"])
	assert.Equal(t, "ch-prod", frame["channel_id"])
	assert.Empty(t, m.Snapshot().ActiveChannel)

	send(t, conn, `{"type": "channel_joined", "channel_id": "ch-prod"}`)
	require.Eventually(t, func() bool { return m.Snapshot().ActiveChannel == "ch-prod" },
		time.Second, 5*time.Millisecond)

	// Each listen toggle transmits the complete listen set.
	require.NoError(t, m.ToggleListen("ch-prod"))
	frame = fs.nextFrame(t)
	assert.Equal(t, "update_listen_channels", frame["type"])
	assert.Equal(t, []any{"ch-prod"}, frame["channel_ids"])

	require.NoError(t, m.ToggleListen("ch-stage"))
	frame = fs.nextFrame(t)
	assert.ElementsMatch(t, []any{"ch-prod", "ch-stage"}, frame["channel_ids"])

	require.NoError(t, m.ToggleListen("ch-prod"))
	frame = fs.nextFrame(t)
	assert.Equal(t, []any{"ch-stage"}, frame["channel_ids"])

	assert.ErrorIs(t, m.ToggleListen("no-such"), ErrUnknownChannel)

	// Volume clamps to the valid range.
	require.NoError(t, m.SetVolume("ch-prod", 250))
	require.NoError(t, m.SetVolume("ch-stage", -10))
	snap := m.Snapshot()
	for _, ch := range snap.Channels {
		switch ch.ID {
		case "ch-prod":
			assert.Equal(t, domain.MaxVolume, ch.Volume)
		case "ch-stage":
			assert.Equal(t, domain.MinVolume, ch.Volume)
		}
	}

	// Talk and mute are local state only.
	require.NoError(t, m.ToggleTalk("ch-prod"))
	require.NoError(t, m.ToggleMute("ch-stage"))
	fs.noFrameFor(t, 100*time.Millisecond)
}

func TestPushToTalkSetsTalkStateOutright(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)
	_ = authorize(t, fs, m)

	require.NoError(t, m.ToggleTalk("ch-prod"))

	// Global PTT keys every talk-permitted channel.
	m.ActivatePTT(true, "")
	snap := m.Snapshot()
	assert.True(t, snap.PTTActive)
	for _, ch := range snap.Channels {
		assert.True(t, ch.IsTalking, "channel %s should be keyed", ch.ID)
	}

	// Release clears the keyed set outright, pre-toggled channels included.
	m.ActivatePTT(false, "")
	snap = m.Snapshot()
	assert.False(t, snap.PTTActive)
	for _, ch := range snap.Channels {
		assert.False(t, ch.IsTalking, "channel %s should be unkeyed", ch.ID)
	}

	// Targeted PTT keys only the named channel.
	m.ActivatePTT(true, "ch-stage")
	for _, ch := range m.Snapshot().Channels {
		assert.Equal(t, ch.ID == domain.ChannelID("ch-stage"), ch.IsTalking, "channel %s", ch.ID)
	}

	// Overlapping key-downs cannot leave the first channel stuck talking.
	m.ActivatePTT(true, "ch-prod")
	m.ActivatePTT(false, "ch-stage")
	m.ActivatePTT(false, "ch-prod")
	for _, ch := range m.Snapshot().Channels {
		assert.False(t, ch.IsTalking, "channel %s stuck talking", ch.ID)
	}
}

func TestBufferedCandidatesFlushOnceAfterAuthorization(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)

	require.NoError(t, m.Connect(fs.ts.URL))
	conn := fs.accept(t)
	defer conn.Close()
	waitForState(t, m, domain.ConnectedUnauthenticated)

	// Candidates gathered before authorization are refused by the
	// eligibility gate and buffer instead of leaking.
	payload := func(i int) string {
		return fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i)
	}
	for i := 1; i <= 3; i++ {
		c := protocol.NewCandidate(json.RawMessage(
			fmt.Sprintf(`{"candidate":%q,"sdpMid":"0"}`, payload(i))))
		if !m.channel.Send(c) {
			m.queue.Enqueue(c)
		}
	}
	m.queue.Flush()
	fs.noFrameFor(t, 100*time.Millisecond)

	require.NoError(t, m.Authenticate("FOH", "secret"))
	frame := fs.nextFrame(t)
	require.Equal(t, "authenticate", frame["type"])
	send(t, conn, `{"type": "status_update", "status": "authorized"}`)
	waitForState(t, m, domain.Authenticated)

	// The buffered candidates come out in submission order.
	for i := 1; i <= 3; i++ {
		frame = fs.nextFrame(t)
		require.Equal(t, "candidate", frame["type"])
		inner, ok := frame["candidate"].(map[string]any)
		require.True(t, ok, "candidate payload shape: %v", frame)
		assert.Equal(t, payload(i), inner["candidate"])
	}

	// And exactly once: nothing retransmits afterwards.
	fs.noFrameFor(t, 150*time.Millisecond)
	require.Eventually(t, func() bool { return m.queue.Len() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestAbnormalCloseRetainsStateAndReauthenticates(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)
	conn := authorize(t, fs, m)

	// Drop the transport without a close frame.
	conn.Close()

	waitForState(t, m, domain.Connecting)
	snap := m.Snapshot()
	assert.Len(t, snap.Channels, 2, "routing state must survive an abnormal close")
	assert.True(t, snap.IsAuthenticated, "authentication stays optimistic while credentials are on hand")

	// The channel redials and the manager re-authenticates silently.
	conn = fs.accept(t)
	defer conn.Close()
	frame := fs.nextFrame(t)
	assert.Equal(t, "authenticate", frame["type"])
	assert.Equal(t, "FOH", frame["name"])

	send(t, conn, `{"type": "status_update", "status": "authorized"}`)
	waitForState(t, m, domain.Authenticated)
}

func TestDisconnectResetsState(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)
	_ = authorize(t, fs, m)

	m.Disconnect()

	waitForState(t, m, domain.Disconnected)
	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return len(snap.Channels) == 0 && !snap.IsAuthenticated
	}, time.Second, 5*time.Millisecond)

	// No background reconnect after an explicit disconnect.
	select {
	case conn := <-fs.conns:
		conn.Close()
		t.Fatal("reconnected after explicit disconnect")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t)
	runManager(t, m)

	require.NoError(t, m.Connect(fs.ts.URL))
	conn := fs.accept(t)
	defer conn.Close()
	waitForState(t, m, domain.ConnectedUnauthenticated)

	require.NoError(t, m.Connect(fs.ts.URL))
	select {
	case extra := <-fs.conns:
		extra.Close()
		t.Fatal("second connect dialed a new socket")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSignalingURL(t *testing.T) {
	id := domain.ClientID("cid")
	assert.Equal(t, "wss://host/ws/cid", SignalingURL("https://host", id))
	assert.Equal(t, "ws://host:8080/ws/cid", SignalingURL("http://host:8080", id))
	assert.Equal(t, "wss://host/ws/cid", SignalingURL("wss://host/", id))
	assert.Equal(t, "ws://host/ws/cid", SignalingURL("host", id))
}

func TestIdentityReassignmentPersists(t *testing.T) {
	fs := newFakeServer(t)
	path := filepath.Join(t.TempDir(), "state.yaml")
	m := New(Options{
		Store:             store.Open(path),
		AuthSettleDelay:   5 * time.Millisecond,
		CandidatePacing:   time.Millisecond,
		ReconnectMinDelay: 200 * time.Millisecond,
		ReconnectMaxDelay: time.Second,
	})
	runManager(t, m)

	require.NoError(t, m.Connect(fs.ts.URL))
	conn := fs.accept(t)
	defer conn.Close()
	waitForState(t, m, domain.ConnectedUnauthenticated)

	send(t, conn, `{"type": "client_id_changed", "original_id": "x", "new_id": "fresh-id", "message": "collision"}`)

	require.Eventually(t, func() bool { return m.Identity() == "fresh-id" },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ClientID("fresh-id"), store.Open(path).Identity())
}

// authorize walks a manager through connect and a successful handshake,
// waiting until the channel directory has landed. It returns the server
// side of the signaling socket.
func authorize(t *testing.T, fs *fakeServer, m *Manager) *websocket.Conn {
	t.Helper()

	require.NoError(t, m.Connect(fs.ts.URL))
	conn := fs.accept(t)
	t.Cleanup(func() { conn.Close() })
	waitForState(t, m, domain.ConnectedUnauthenticated)

	require.NoError(t, m.Authenticate("FOH", "secret"))
	frame := fs.nextFrame(t)
	require.Equal(t, "authenticate", frame["type"])

	send(t, conn, `{"type": "status_update", "status": "authorized", "client_id": "self-id"}`)
	waitForState(t, m, domain.Authenticated)
	require.Eventually(t, func() bool { return len(m.Snapshot().Channels) == 2 },
		2*time.Second, 5*time.Millisecond)
	return conn
}
