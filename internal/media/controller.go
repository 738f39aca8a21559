// Package media owns the lifecycle of one negotiation with the server's
// mixer: capture, offer/answer exchange, candidate relay and recovery when
// the transport degrades. At most one session lives at a time.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/neilyboy/SoundMesh/internal/media/engine"
	"github.com/neilyboy/SoundMesh/internal/notify"
	"github.com/neilyboy/SoundMesh/internal/protocol"
	"github.com/neilyboy/SoundMesh/internal/sched"
)

var ErrNotEligible = errors.New("media start requires a connected, authenticated session")

// Deps wires the controller to its collaborators. Send goes through the
// signaling channel; EnqueueCandidate and FlushCandidates through the
// candidate relay queue; Eligible reflects connected && authenticated.
type Deps struct {
	Engine           engine.Engine
	Sched            sched.Scheduler
	Notifier         notify.Notifier
	Send             func(protocol.Message) bool
	EnqueueCandidate func(protocol.Candidate)
	FlushCandidates  func()
	Eligible         func() bool
	OnReady          func(bool)
	ICEServers       []string
	RestartDelay     time.Duration
}

type mediaSession struct {
	pc      *webrtc.PeerConnection
	capture engine.Capture
	cancel  context.CancelFunc
}

type Controller struct {
	deps Deps

	mu             sync.Mutex
	sess           *mediaSession
	starting       bool
	stopGen        uint64
	ready          bool
	restartPending bool
	restartStop    func() bool
	ctx            context.Context
}

func NewController(deps Deps) *Controller {
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if deps.Sched == nil {
		deps.Sched = sched.Timer{}
	}
	return &Controller{deps: deps}
}

func (c *Controller) rtcConfig() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.deps.ICEServers))
	for _, u := range c.deps.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// Ready reports whether the negotiated transport is currently usable.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Active reports whether a media session exists.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Start acquires capture and negotiates a fresh session. No-op if one
// already exists; fails without side effects when the session is not
// connected and authenticated. Start attempts are single-flight: the same
// guard serializes user starts and automatic restarts.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		log.Warn().Str("module", "media").Msg("media session already exists")
		return nil
	}
	if c.starting {
		c.mu.Unlock()
		log.Warn().Str("module", "media").Msg("media start already in flight")
		return nil
	}
	c.starting = true
	c.ctx = ctx
	gen := c.stopGen
	c.mu.Unlock()

	err := c.start(ctx, gen)

	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
	return err
}

func (c *Controller) start(ctx context.Context, gen uint64) error {
	if !c.deps.Eligible() {
		c.deps.Notifier.Error("Cannot start audio", "must be connected and authenticated")
		return ErrNotEligible
	}

	capture, err := c.deps.Engine.AcquireCapture(ctx)
	if err != nil {
		c.surfaceCaptureError(err)
		return err
	}

	pc, err := webrtc.NewPeerConnection(c.rtcConfig())
	if err != nil {
		capture.Stop()
		return fmt.Errorf("new peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sess := &mediaSession{pc: pc, capture: capture, cancel: cancel}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			log.Debug().Str("module", "media").Msg("candidate gathering complete")
			return
		}
		c.relayLocalCandidate(cand.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "media").Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track received")
		c.deps.Engine.Playback().Play(ctx, track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "media").Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.setReady(true)
			c.deps.Notifier.Success("Audio connection established", "")
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			c.setReady(false)
		case webrtc.PeerConnectionStateFailed:
			c.setReady(false)
			c.scheduleRestart()
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "media").Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected || s == webrtc.ICEConnectionStateFailed {
			// Replaying buffered candidates sometimes rescues the path.
			c.deps.FlushCandidates()
		}
	})

	if _, err := pc.AddTrack(capture.Track()); err != nil {
		c.teardown(sess)
		return fmt.Errorf("add local track: %w", err)
	}
	if err := capture.Start(ctx); err != nil {
		c.teardown(sess)
		return fmt.Errorf("start capture: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.teardown(sess)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.teardown(sess)
		return fmt.Errorf("set local description: %w", err)
	}

	c.mu.Lock()
	if c.stopGen != gen {
		// A Stop overtook the negotiation; nothing may survive it.
		c.mu.Unlock()
		c.teardown(sess)
		log.Info().Str("module", "media").Msg("start aborted: stopped during negotiation")
		return nil
	}
	c.sess = sess
	c.mu.Unlock()

	sdp := SanitizeExtensionIDs(offer.SDP)
	if !c.deps.Send(protocol.NewOffer(sdp)) {
		log.Warn().Str("module", "media").Msg("offer not transmitted")
	}
	log.Info().Str("module", "media").Msg("sent sanitized offer")
	return nil
}

func (c *Controller) surfaceCaptureError(err error) {
	switch engine.KindOf(err) {
	case engine.ErrPermissionDenied:
		c.deps.Notifier.Error("Microphone access denied",
			"enable microphone permissions and try again")
	case engine.ErrNoDevice:
		c.deps.Notifier.Error("No microphone detected",
			"connect a microphone and try again")
	default:
		c.deps.Notifier.Error("Failed to access microphone", err.Error())
	}
	log.Error().Err(err).Str("module", "media").Msg("capture acquisition failed")
}

// relayLocalCandidate forwards a gathered candidate, buffering it when the
// channel cannot legally transmit yet.
func (c *Controller) relayLocalCandidate(init webrtc.ICECandidateInit) {
	raw, err := json.Marshal(init)
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("marshal local candidate")
		return
	}
	msg := protocol.NewCandidate(raw)
	if !c.deps.Send(msg) {
		c.deps.EnqueueCandidate(msg)
	}
}

func (c *Controller) peer() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.pc
}

// HandleAnswer applies the server's answer, then opportunistically flushes
// buffered candidates.
func (c *Controller) HandleAnswer(sdp string) {
	pc := c.peer()
	if pc == nil {
		log.Warn().Str("module", "media").Msg("answer received but no media session")
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: SanitizeExtensionIDs(sdp)}
	if err := pc.SetRemoteDescription(desc); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("set remote description (answer)")
		c.deps.Notifier.Error("Failed to establish audio connection", "try reconnecting")
		return
	}
	log.Info().Str("module", "media").Msg("remote description (answer) applied")
	c.deps.FlushCandidates()
}

// HandleOffer services a server-initiated renegotiation without tearing
// down existing audio: apply remote, answer, apply local, transmit.
func (c *Controller) HandleOffer(sdp string) {
	pc := c.peer()
	if pc == nil {
		log.Warn().Str("module", "media").Msg("offer received but no media session")
		return
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: SanitizeExtensionIDs(sdp)}
	if err := pc.SetRemoteDescription(remote); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("set remote description (offer)")
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("create answer")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("set local description (answer)")
		return
	}
	if !c.deps.Send(protocol.NewAnswer(SanitizeExtensionIDs(answer.SDP))) {
		log.Warn().Str("module", "media").Msg("answer not transmitted")
	}
	log.Info().Str("module", "media").Msg("sent sanitized answer (renegotiation)")
}

// HandleCandidate applies a remote path descriptor. Malformed candidates
// are logged and dropped, never fatal.
func (c *Controller) HandleCandidate(raw json.RawMessage) {
	pc := c.peer()
	if pc == nil {
		log.Warn().Str("module", "media").Msg("candidate received but no media session")
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		log.Warn().Err(err).Str("module", "media").Msg("malformed remote candidate dropped")
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		log.Warn().Err(err).Str("module", "media").Msg("add remote candidate")
	}
}

// HandleTransportStatus reacts to the server's view of the media transport.
func (c *Controller) HandleTransportStatus(status, message string) {
	switch status {
	case protocol.RTCConnected:
		c.setReady(true)
		c.deps.Notifier.Success("Audio communication active", message)
	case protocol.RTCFailed:
		c.setReady(false)
		c.deps.Notifier.Error("Audio connection failed", message)
	case protocol.RTCICEFailed:
		c.setReady(false)
		c.deps.Notifier.Error("Audio path failed", message)
		c.deps.FlushCandidates()
	default:
		log.Warn().Str("module", "media").Str("status", status).Msg("unknown transport status")
	}
}

func (c *Controller) setReady(ready bool) {
	c.mu.Lock()
	changed := c.ready != ready
	c.ready = ready
	c.mu.Unlock()
	if changed && c.deps.OnReady != nil {
		c.deps.OnReady(ready)
	}
}

// scheduleRestart arms one delayed stop+restart. Repeated failure signals
// coalesce into the armed attempt; the restart only proceeds when the
// session is still connected and authenticated at fire time.
func (c *Controller) scheduleRestart() {
	c.mu.Lock()
	if c.restartPending || c.sess == nil {
		c.mu.Unlock()
		return
	}
	c.restartPending = true
	c.mu.Unlock()

	c.deps.Notifier.Info("Attempting to reconnect audio", "")
	stop := c.deps.Sched.AfterFunc(c.deps.RestartDelay, c.restartNow)
	c.mu.Lock()
	c.restartStop = stop
	c.mu.Unlock()
}

func (c *Controller) restartNow() {
	c.mu.Lock()
	c.restartPending = false
	c.restartStop = nil
	ctx := c.ctx
	c.mu.Unlock()

	c.Stop()
	if !c.deps.Eligible() {
		log.Info().Str("module", "media").Msg("not restarting media: not connected or authenticated")
		c.deps.Notifier.Warn("Audio not restarted", "check your connection and try again")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_ = c.Start(ctx)
}

func (c *Controller) teardown(s *mediaSession) {
	s.cancel()
	s.capture.Stop()
	if err := s.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("peer connection close error")
	}
}

// Stop releases capture, the peer connection and any bound playback, and
// cancels a pending automatic restart. A start still negotiating when Stop
// arrives tears its session down instead of installing it. Idempotent; safe
// with no session.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopGen++
	sess := c.sess
	c.sess = nil
	if c.restartStop != nil {
		c.restartStop()
		c.restartStop = nil
		c.restartPending = false
	}
	c.mu.Unlock()

	if sess != nil {
		c.teardown(sess)
		log.Info().Str("module", "media").Msg("media session stopped")
	}
	c.deps.Engine.Playback().StopAll()
	c.setReady(false)
}
