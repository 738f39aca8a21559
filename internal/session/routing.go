package session

import (
	"github.com/rs/zerolog/log"

	"github.com/neilyboy/SoundMesh/internal/domain"
	"github.com/neilyboy/SoundMesh/internal/protocol"
)

// JoinChannel requests a move to channel id. The active channel only changes
// on the server's channel_joined confirmation.
func (m *Manager) JoinChannel(id domain.ChannelID) error {
	if !m.channel.IsOpen() || m.State() != domain.Authenticated {
		m.notifier.Error("Cannot join channel", "not connected to a server")
		return ErrNotAuthenticated
	}
	if !m.channel.Send(protocol.NewJoinChannel(id)) {
		return ErrSendFailed
	}
	return nil
}

func (m *Manager) findChannelLocked(id domain.ChannelID) *domain.ChannelState {
	for i := range m.channels {
		if m.channels[i].ID == id {
			return &m.channels[i]
		}
	}
	return nil
}

// ToggleListen flips monitoring of one channel and transmits the complete
// listen set. The full set goes out on every toggle so a lost update is
// corrected by the next one.
func (m *Manager) ToggleListen(id domain.ChannelID) error {
	m.mu.Lock()
	ch := m.findChannelLocked(id)
	if ch == nil {
		m.mu.Unlock()
		return ErrUnknownChannel
	}
	if !ch.CanListen {
		m.mu.Unlock()
		m.notifier.Warn("Not permitted", "no listen permission for this channel")
		return ErrNotPermitted
	}
	ch.IsListening = !ch.IsListening

	ids := make([]domain.ChannelID, 0, len(m.channels))
	for _, c := range m.channels {
		if c.IsListening {
			ids = append(ids, c.ID)
		}
	}
	m.mu.Unlock()

	if !m.channel.Send(protocol.NewUpdateListenChannels(ids)) {
		log.Warn().Str("module", "session").Msg("listen set not transmitted, next toggle resends it")
	}
	return nil
}

// ToggleTalk flips the local talk intent for one channel. Nothing goes on
// the wire; the mixer reads talk state from the media path.
func (m *Manager) ToggleTalk(id domain.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.findChannelLocked(id)
	if ch == nil {
		return ErrUnknownChannel
	}
	if !ch.CanTalk {
		return ErrNotPermitted
	}
	ch.IsTalking = !ch.IsTalking
	return nil
}

// SetVolume sets one channel's playback volume, clamped to the valid range.
func (m *Manager) SetVolume(id domain.ChannelID, volume int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.findChannelLocked(id)
	if ch == nil {
		return ErrUnknownChannel
	}
	ch.Volume = domain.ClampVolume(volume)
	return nil
}

// ToggleMute flips one channel's local mute.
func (m *Manager) ToggleMute(id domain.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.findChannelLocked(id)
	if ch == nil {
		return ErrUnknownChannel
	}
	ch.IsMuted = !ch.IsMuted
	return nil
}

// SetMasterVolume sets the output master, clamped.
func (m *Manager) SetMasterVolume(volume int) {
	m.mu.Lock()
	m.masterVolume = domain.ClampVolume(volume)
	m.mu.Unlock()
}

// ToggleMasterMute flips the master mute and persists the preference.
func (m *Manager) ToggleMasterMute() bool {
	m.mu.Lock()
	m.masterMuted = !m.masterMuted
	muted := m.masterMuted
	m.mu.Unlock()
	m.store.SetMuted(muted)
	return muted
}

// ActivatePTT engages or releases push-to-talk. An empty channel id keys all
// talk-permitted channels; a specific id keys just that one. Talk state is
// set outright on both edges, so overlapping key-downs cannot leave a
// channel stuck talking.
func (m *Manager) ActivatePTT(active bool, id domain.ChannelID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.channels {
		ch := &m.channels[i]
		if !ch.CanTalk {
			continue
		}
		if id == "" || ch.ID == id {
			ch.IsTalking = active
		}
	}
	m.pttActive = active
	if active {
		m.pttChannel = id
	} else {
		m.pttChannel = ""
	}
}
