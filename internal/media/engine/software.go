package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	frameDuration = 20 * time.Millisecond
	clockRate     = 48000
	samplesPer    = clockRate / 50
	payloadType   = 111
)

// Software is the built-in Media Engine: a synthesized audio source and a
// draining playback sink. Real deployments swap in a hardware engine behind
// the same interface.
type Software struct {
	playback *drainPlayback
}

func NewSoftware() *Software {
	return &Software{playback: newDrainPlayback()}
}

func (s *Software) AcquireCapture(_ context.Context) (Capture, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: clockRate, Channels: 2},
		"audio", "soundmesh",
	)
	if err != nil {
		return nil, NewCaptureError(ErrOther, err)
	}
	return &toneCapture{track: track, ssrc: uint32(time.Now().UnixNano())}, nil
}

func (s *Software) Playback() Playback { return s.playback }

// toneCapture writes a low-amplitude tone as paced RTP frames. It stands in
// for a microphone so negotiation and routing can be exercised headless.
type toneCapture struct {
	track  *webrtc.TrackLocalStaticRTP
	ssrc   uint32
	cancel context.CancelFunc
	once   sync.Once
}

func (t *toneCapture) Track() *webrtc.TrackLocalStaticRTP { return t.track }

func (t *toneCapture) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.loop(ctx)
	return nil
}

func (t *toneCapture) loop(ctx context.Context) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var seq uint16
	var ts uint32
	phase := 0.0
	inc := 2 * math.Pi * 440 / float64(clockRate)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload := make([]byte, samplesPer/8)
		for i := range payload {
			payload[i] = byte(int8(math.Sin(phase) * 16))
			phase += inc * 8
			if phase >= 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           t.ssrc,
			},
			Payload: payload,
		}
		if err := t.track.WriteRTP(pkt); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("capture write RTP error, stopping")
			return
		}
		seq++
		ts += samplesPer
	}
}

func (t *toneCapture) Stop() {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
}

// drainPlayback reads remote RTP and keeps a coarse level for the UI; in a
// hardware engine this is where decoding and output routing happen.
type drainPlayback struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	level   int
}

func newDrainPlayback() *drainPlayback {
	return &drainPlayback{cancels: make(map[string]context.CancelFunc)}
}

func (p *drainPlayback) Play(ctx context.Context, track *webrtc.TrackRemote) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if prev, ok := p.cancels[track.ID()]; ok {
		prev()
	}
	p.cancels[track.ID()] = cancel
	p.mu.Unlock()

	log.Info().Str("module", "engine").Str("track_id", track.ID()).Str("kind", track.Kind().String()).Msg("playing remote track")

	go func() {
		defer p.remove(track.ID())
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			pkt, _, err := track.ReadRTP()
			if err != nil {
				log.Info().Err(err).Str("module", "engine").Str("track_id", track.ID()).Msg("remote track ended")
				return
			}
			p.mu.Lock()
			p.level = len(pkt.Payload) % 101
			p.mu.Unlock()
		}
	}()
}

func (p *drainPlayback) remove(id string) {
	p.mu.Lock()
	delete(p.cancels, id)
	if len(p.cancels) == 0 {
		p.level = 0
	}
	p.mu.Unlock()
}

func (p *drainPlayback) StopAll() {
	p.mu.Lock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	p.level = 0
	p.mu.Unlock()
}

func (p *drainPlayback) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}
