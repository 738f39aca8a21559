package domain

type ChannelID string

// Channel is the server-defined directory entry. Immutable on the client
// except via a full refresh.
type Channel struct {
	ID          ChannelID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
}

const (
	MinVolume = 0
	MaxVolume = 100
)

// ChannelState extends Channel with client-local routing state. Only
// IsListening and IsTalking are synchronized to the server.
type ChannelState struct {
	Channel

	CanListen   bool `json:"can_listen"`
	CanTalk     bool `json:"can_talk"`
	IsListening bool `json:"is_listening"`
	IsTalking   bool `json:"is_talking"`
	AudioLevel  int  `json:"audio_level"`
	Volume      int  `json:"volume"`
	IsMuted     bool `json:"is_muted"`
}

// NewChannelState avoids raw literals in callers and keeps defaults obvious.
func NewChannelState(ch Channel) ChannelState {
	return ChannelState{
		Channel:   ch,
		CanListen: true,
		CanTalk:   true,
		Volume:    MaxVolume,
	}
}

// ClampVolume bounds v to [MinVolume, MaxVolume].
func ClampVolume(v int) int {
	if v < MinVolume {
		return MinVolume
	}
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}
