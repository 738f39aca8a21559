// Package session is the connection lifecycle core: it owns the state
// machine from Disconnected through Authenticated, reacts to signaling
// events, and composes the channel, relay queue and media controller into
// one resilient client session.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neilyboy/SoundMesh/internal/domain"
	"github.com/neilyboy/SoundMesh/internal/httpapi"
	"github.com/neilyboy/SoundMesh/internal/media"
	"github.com/neilyboy/SoundMesh/internal/media/engine"
	"github.com/neilyboy/SoundMesh/internal/notify"
	"github.com/neilyboy/SoundMesh/internal/protocol"
	"github.com/neilyboy/SoundMesh/internal/relay"
	"github.com/neilyboy/SoundMesh/internal/sched"
	"github.com/neilyboy/SoundMesh/internal/signal"
	"github.com/neilyboy/SoundMesh/internal/store"
)

var (
	ErrNoServerURL      = errors.New("no server url")
	ErrNotConnected     = errors.New("not connected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrNotPermitted     = errors.New("not permitted")
	ErrSendFailed       = errors.New("signaling send failed")
	ErrMissingName      = errors.New("display name required")
)

// reconnectPoll is how often the background loop checks whether a session
// with stored credentials should be revived.
const reconnectPoll = 3 * time.Second

// Options collects everything the manager composes. Zero collaborators get
// production defaults.
type Options struct {
	Store     *store.Store
	Notifier  notify.Notifier
	Sched     sched.Scheduler
	Engine    engine.Engine
	Directory *httpapi.Client

	ICEServers []string

	CandidatePacing   time.Duration
	AuthSettleDelay   time.Duration
	MediaRestartDelay time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

type Manager struct {
	store     *store.Store
	notifier  notify.Notifier
	sched     sched.Scheduler
	engine    engine.Engine
	directory *httpapi.Client

	authSettle time.Duration

	channel *signal.Channel
	queue   *relay.Queue
	media   *media.Controller

	mu            sync.Mutex
	state         domain.SessionState
	identity      domain.ClientID
	creds         domain.Credentials
	serverURL     string
	channels      []domain.ChannelState
	activeChannel domain.ChannelID
	clients       map[domain.ClientID]domain.ClientRecord

	pttActive  bool
	pttChannel domain.ChannelID

	masterVolume int
	masterMuted  bool

	rtcReady         bool
	lastStatus       domain.ClientStatus
	wasAuthenticated bool
	authInFlight     bool
	authTimerStop    func() bool
	autoReconnect    bool

	ctx context.Context
}

func New(opts Options) *Manager {
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{}
	}
	if opts.Sched == nil {
		opts.Sched = sched.Timer{}
	}
	if opts.Engine == nil {
		opts.Engine = engine.NewSoftware()
	}
	if opts.Directory == nil {
		opts.Directory = httpapi.NewClient()
	}

	m := &Manager{
		store:        opts.Store,
		notifier:     opts.Notifier,
		sched:        opts.Sched,
		engine:       opts.Engine,
		directory:    opts.Directory,
		authSettle:   opts.AuthSettleDelay,
		clients:      make(map[domain.ClientID]domain.ClientRecord),
		masterVolume: domain.MaxVolume,
	}

	m.identity = opts.Store.Identity()
	m.creds = opts.Store.Credentials()
	m.serverURL = opts.Store.ServerURL()
	m.masterMuted = opts.Store.Muted()

	m.channel = signal.NewChannel(m.eligible, opts.ReconnectMinDelay, opts.ReconnectMaxDelay)
	m.queue = relay.NewQueue(func(c protocol.Candidate) bool { return m.channel.Send(c) },
		opts.Sched, opts.CandidatePacing)
	m.media = media.NewController(media.Deps{
		Engine:           opts.Engine,
		Sched:            opts.Sched,
		Notifier:         opts.Notifier,
		Send:             m.channel.Send,
		EnqueueCandidate: m.queue.Enqueue,
		FlushCandidates:  m.queue.Flush,
		Eligible:         m.mediaEligible,
		OnReady:          m.setRTCReady,
		ICEServers:       opts.ICEServers,
		RestartDelay:     opts.MediaRestartDelay,
	})
	return m
}

// eligible gates outbound signaling: only the handshake goes out before the
// server authorizes us.
func (m *Manager) eligible(kind protocol.Kind) bool {
	return kind == protocol.KindAuthenticate || m.State() == domain.Authenticated
}

func (m *Manager) mediaEligible() bool {
	return m.channel.IsOpen() && m.State() == domain.Authenticated
}

// Run drives the event loop until ctx is cancelled. All state transitions
// happen here or under the manager's lock, so callers on other goroutines
// only ever observe consistent snapshots.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	ticker := time.NewTicker(reconnectPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.media.Stop()
			m.channel.Close()
			return
		case ev := <-m.channel.Events():
			m.handleEvent(ev)
		case <-ticker.C:
			m.maybeReconnect()
		}
	}
}

func (m *Manager) handleEvent(ev signal.Event) {
	switch ev.Type {
	case signal.Opened:
		m.handleOpened()
	case signal.Inbound:
		m.handleMessage(ev.Message)
	case signal.Closed:
		m.handleClosed(ev.Clean)
	case signal.Failed:
		log.Warn().Err(ev.Err).Str("module", "session").Msg("reconnect attempt failed")
	}
}

// SignalingURL derives the WebSocket endpoint for one client identity from
// a user-entered server URL. HTTP schemes map to their WebSocket
// counterparts; bare hosts default to plain ws.
func SignalingURL(serverURL string, id domain.ClientID) string {
	base := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		base = "ws://" + base
	}
	return base + "/ws/" + string(id)
}

// Connect dials serverURL (or the stored one when empty) and arms automatic
// reconnection. Connecting while already connected is a no-op success.
func (m *Manager) Connect(serverURL string) error {
	if m.channel.IsOpen() {
		log.Debug().Str("module", "session").Msg("connect ignored: already connected")
		return nil
	}

	m.mu.Lock()
	if serverURL == "" {
		serverURL = m.serverURL
	}
	if serverURL == "" {
		m.mu.Unlock()
		return ErrNoServerURL
	}
	m.serverURL = serverURL
	m.autoReconnect = true
	m.state = domain.Connecting
	id := m.identity
	ctx := m.ctx
	m.mu.Unlock()

	m.store.SetServerURL(serverURL)
	if ctx == nil {
		ctx = context.Background()
	}

	if err := m.channel.Open(ctx, SignalingURL(serverURL, id)); err != nil {
		if errors.Is(err, signal.ErrAlreadyOpen) {
			return nil
		}
		m.mu.Lock()
		m.state = domain.Disconnected
		m.mu.Unlock()
		m.notifier.Error("Connection failed", err.Error())
		return err
	}
	return nil
}

// Authenticate submits the handshake. At most one authenticate frame is in
// flight at a time; repeated calls before the server's verdict are no-ops.
func (m *Manager) Authenticate(name, password string) error {
	if name == "" {
		return ErrMissingName
	}
	if !m.channel.IsOpen() {
		m.notifier.Error("Not connected", "connect to a server before authenticating")
		return ErrNotConnected
	}

	m.mu.Lock()
	if m.state == domain.Authenticated {
		m.mu.Unlock()
		return nil
	}
	if m.authInFlight {
		m.mu.Unlock()
		log.Debug().Str("module", "session").Msg("authentication already in flight")
		return nil
	}
	m.authInFlight = true
	m.state = domain.Authenticating
	m.creds = domain.Credentials{DisplayName: name, Password: password}
	m.mu.Unlock()

	m.store.SetCredentials(domain.Credentials{DisplayName: name, Password: password})

	if !m.channel.Send(protocol.NewAuthenticate(name, password)) {
		m.mu.Lock()
		m.authInFlight = false
		m.state = domain.ConnectedUnauthenticated
		m.mu.Unlock()
		return ErrSendFailed
	}
	log.Info().Str("module", "session").Str("name", name).Msg("authentication submitted")
	return nil
}

// Disconnect tears the session down cleanly and disables automatic
// reconnection until the next explicit Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.autoReconnect = false
	m.mu.Unlock()

	m.media.Stop()
	m.queue.Reset()

	if m.channel.IsOpen() {
		// The clean close event finishes the state reset.
		m.channel.Close()
		return
	}

	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
}

func (m *Manager) resetLocked() {
	m.state = domain.Disconnected
	m.wasAuthenticated = false
	m.authInFlight = false
	m.lastStatus = ""
	m.channels = nil
	m.activeChannel = ""
	m.clients = make(map[domain.ClientID]domain.ClientRecord)
	m.pttActive = false
	m.pttChannel = ""
}

func (m *Manager) handleOpened() {
	m.mu.Lock()
	m.state = domain.ConnectedUnauthenticated
	creds := m.creds
	inFlight := m.authInFlight
	prev := m.authTimerStop
	m.authTimerStop = nil
	m.mu.Unlock()

	m.notifier.Success("Connected to server", "")
	if creds.Empty() || inFlight {
		return
	}
	if prev != nil {
		prev()
	}

	// Let the socket settle before re-authenticating silently.
	stop := m.sched.AfterFunc(m.authSettle, func() {
		_ = m.Authenticate(creds.DisplayName, creds.Password)
	})
	m.mu.Lock()
	m.authTimerStop = stop
	m.mu.Unlock()
}

func (m *Manager) handleClosed(clean bool) {
	m.mu.Lock()
	m.authInFlight = false
	if m.authTimerStop != nil {
		m.authTimerStop()
		m.authTimerStop = nil
	}

	if clean {
		rejected := m.state == domain.Rejected
		m.resetLocked()
		if rejected {
			// Rejection outlives the close; only an explicit retry clears it.
			m.state = domain.Rejected
			m.lastStatus = domain.StatusRejected
		}
		m.mu.Unlock()

		m.queue.Reset()
		m.media.Stop()
		if !rejected {
			m.notifier.Info("Disconnected", "")
		}
		return
	}

	// Abnormal close: the channel is redialing underneath us. Routing state
	// is kept so the UI survives the blip; authentication stays optimistic
	// only while credentials are on hand to silently restore it.
	m.wasAuthenticated = m.wasAuthenticated && !m.creds.Empty()
	m.state = domain.Connecting
	m.mu.Unlock()
	m.notifier.Warn("Connection lost", "attempting to reconnect")
}

func (m *Manager) maybeReconnect() {
	m.mu.Lock()
	ok := m.autoReconnect && m.state == domain.Disconnected &&
		m.serverURL != "" && !m.creds.Empty()
	url := m.serverURL
	m.mu.Unlock()

	if !ok || m.channel.IsOpen() {
		return
	}
	log.Info().Str("module", "session").Str("url", url).Msg("background reconnect")
	go func() { _ = m.Connect(url) }()
}

func (m *Manager) handleMessage(msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.StatusUpdate:
		m.handleStatus(msg)
	case *protocol.ClientIDChanged:
		m.handleIdentityChanged(msg)
	case *protocol.ClientUpdate:
		m.upsertClient(msg.Payload.Client)
	case *protocol.ClientDisconnect:
		m.removeClient(msg.Payload.ClientID)
	case *protocol.ChannelJoined:
		m.handleChannelJoined(msg.ChannelID)
	case *protocol.Offer:
		m.media.HandleOffer(msg.SDP)
	case *protocol.Answer:
		m.media.HandleAnswer(msg.SDP)
	case *protocol.Candidate:
		m.media.HandleCandidate(msg.Candidate)
	case *protocol.ConnectionStatus:
		m.media.HandleTransportStatus(msg.Status, msg.Message)
	case *protocol.ServerError:
		m.notifier.Error("Server error", msg.Message)
	default:
		log.Warn().Str("module", "session").Str("type", string(msg.Kind())).Msg("unhandled signal")
	}
}

func (m *Manager) handleStatus(su *protocol.StatusUpdate) {
	var adopted domain.ClientID
	m.mu.Lock()
	m.lastStatus = su.Status
	if su.ClientID != "" && su.ClientID != m.identity {
		m.identity = su.ClientID
		adopted = su.ClientID
	}
	m.mu.Unlock()
	if adopted != "" {
		m.store.SetIdentity(adopted)
		log.Info().Str("module", "session").Str("client_id", string(adopted)).Msg("adopted server-issued identity")
	}

	switch su.Status {
	case domain.StatusAuthorized:
		m.mu.Lock()
		m.state = domain.Authenticated
		m.wasAuthenticated = true
		m.authInFlight = false
		m.replaceRosterLocked(su.CurrentClients)
		m.mu.Unlock()

		m.notifier.Success("Authenticated", su.Message)
		go m.refreshChannels()
		// Buffered candidates go out once the authorization settles.
		m.sched.AfterFunc(m.authSettle, m.queue.Flush)

	case domain.StatusRejected:
		m.mu.Lock()
		m.authInFlight = false
		m.state = domain.Rejected
		m.autoReconnect = false
		m.mu.Unlock()

		m.notifier.Error("Authentication rejected", su.Message)
		m.channel.Close()

	case domain.StatusPending:
		m.notifier.Info("Awaiting approval", su.Message)

	default:
		log.Warn().Str("module", "session").Str("status", string(su.Status)).Msg("unhandled status update")
	}
}

func (m *Manager) handleIdentityChanged(msg *protocol.ClientIDChanged) {
	m.mu.Lock()
	old := m.identity
	m.identity = msg.NewID
	m.mu.Unlock()

	m.store.SetIdentity(msg.NewID)
	m.notifier.Warn("Client ID reassigned", msg.Message)
	log.Info().Str("module", "session").
		Str("old_id", string(old)).Str("new_id", string(msg.NewID)).Msg("identity reassigned by server")
}

func (m *Manager) handleChannelJoined(id domain.ChannelID) {
	m.mu.Lock()
	m.activeChannel = id
	name := string(id)
	for _, ch := range m.channels {
		if ch.ID == id {
			name = ch.Name
			break
		}
	}
	m.mu.Unlock()
	m.notifier.Success("Joined channel", name)
}

// replaceRosterLocked swaps the roster for the server's authoritative list,
// excluding the local identity.
func (m *Manager) replaceRosterLocked(records []domain.ClientRecord) {
	m.clients = make(map[domain.ClientID]domain.ClientRecord, len(records))
	for _, r := range records {
		if r.ID == m.identity {
			continue
		}
		m.clients[r.ID] = r
	}
}

func (m *Manager) upsertClient(r domain.ClientRecord) {
	m.mu.Lock()
	if r.ID == m.identity {
		m.mu.Unlock()
		return
	}
	m.clients[r.ID] = r
	m.mu.Unlock()
	log.Debug().Str("module", "session").Str("client_id", string(r.ID)).Msg("roster updated")
}

func (m *Manager) removeClient(id domain.ClientID) {
	m.mu.Lock()
	name := ""
	if r, ok := m.clients[id]; ok {
		name = r.Name
	}
	delete(m.clients, id)
	m.mu.Unlock()
	if name != "" {
		m.notifier.Info("Client disconnected", name)
	}
}

// refreshChannels fetches the directory once per successful authentication.
// Routing state starts from defaults after a refresh.
func (m *Manager) refreshChannels() {
	m.mu.Lock()
	url := m.serverURL
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	chs, err := m.directory.ListChannels(ctx, httpapi.HTTPBase(url))
	if err != nil {
		m.notifier.Error("Failed to fetch channels", err.Error())
		return
	}

	states := make([]domain.ChannelState, 0, len(chs))
	for _, ch := range chs {
		states = append(states, domain.NewChannelState(ch))
	}
	m.mu.Lock()
	m.channels = states
	m.mu.Unlock()
	log.Info().Str("module", "session").Int("count", len(states)).Msg("channel directory refreshed")
}

func (m *Manager) setRTCReady(ready bool) {
	m.mu.Lock()
	m.rtcReady = ready
	m.mu.Unlock()
}

// State reports the current lifecycle position.
func (m *Manager) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthenticated includes the optimistic window during an abnormal-close
// reconnect, where credentials are on hand to silently restore the session.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == domain.Authenticated ||
		(m.wasAuthenticated && m.state == domain.Connecting)
}

func (m *Manager) Identity() domain.ClientID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// StartMedia begins capture and negotiation with the server's mixer.
func (m *Manager) StartMedia() error {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return m.media.Start(ctx)
}

// StopMedia releases the media session.
func (m *Manager) StopMedia() {
	m.media.Stop()
}

// Snapshot is a consistent copy of everything a UI needs.
type Snapshot struct {
	State           string                `json:"state"`
	AuthStatus      string                `json:"auth_status,omitempty"`
	IsAuthenticated bool                  `json:"is_authenticated"`
	ClientID        domain.ClientID       `json:"client_id"`
	ServerURL       string                `json:"server_url,omitempty"`
	ActiveChannel   domain.ChannelID      `json:"active_channel,omitempty"`
	Channels        []domain.ChannelState `json:"channels"`
	Clients         []domain.ClientRecord `json:"clients"`
	RTCReady        bool                  `json:"rtc_ready"`
	MediaActive     bool                  `json:"media_active"`
	PTTActive       bool                  `json:"ptt_active"`
	MasterVolume    int                   `json:"master_volume"`
	MasterMuted     bool                  `json:"master_muted"`
	AudioLevel      int                   `json:"audio_level"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	channels := make([]domain.ChannelState, len(m.channels))
	copy(channels, m.channels)
	clients := make([]domain.ClientRecord, 0, len(m.clients))
	for _, r := range m.clients {
		clients = append(clients, r)
	}
	snap := Snapshot{
		State:         m.state.String(),
		AuthStatus:    string(m.lastStatus),
		ClientID:      m.identity,
		ServerURL:     m.serverURL,
		ActiveChannel: m.activeChannel,
		Channels:      channels,
		Clients:       clients,
		RTCReady:      m.rtcReady,
		PTTActive:     m.pttActive,
		MasterVolume:  m.masterVolume,
		MasterMuted:   m.masterMuted,
	}
	snap.IsAuthenticated = m.state == domain.Authenticated ||
		(m.wasAuthenticated && m.state == domain.Connecting)
	m.mu.Unlock()

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].Name != clients[j].Name {
			return clients[i].Name < clients[j].Name
		}
		return clients[i].ID < clients[j].ID
	})
	snap.MediaActive = m.media.Active()
	snap.AudioLevel = m.engine.Playback().Level()
	return snap
}
