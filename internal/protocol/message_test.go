package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neilyboy/SoundMesh/internal/domain"
)

func TestDecodeStatusUpdate(t *testing.T) {
	data := []byte(`{
		"type": "status_update",
		"status": "authorized",
		"client_id": "abc-123",
		"current_clients": [
			{"id": "other-1", "status": "authorized", "name": "Stage Left"}
		],
		"message": "welcome"
	}`)

	msg, err := Decode(data)
	require.NoError(t, err)

	su, ok := msg.(*StatusUpdate)
	require.True(t, ok, "expected *StatusUpdate, got %T", msg)
	assert.Equal(t, domain.StatusAuthorized, su.Status)
	assert.Equal(t, domain.ClientID("abc-123"), su.ClientID)
	require.Len(t, su.CurrentClients, 1)
	assert.Equal(t, "Stage Left", su.CurrentClients[0].Name)
	assert.Equal(t, "welcome", su.Message)
}

func TestDecodeUnknownKindIsIgnored(t *testing.T) {
	msg, err := Decode([]byte(`{"type": "server_gossip", "payload": {}}`))
	require.NoError(t, err)

	ig, ok := msg.(Ignored)
	require.True(t, ok, "expected Ignored, got %T", msg)
	assert.Equal(t, Kind("server_gossip"), ig.Kind())
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := Decode([]byte(`{"type": "offer", "sdp": 42}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeAuthenticate(t *testing.T) {
	b, err := Encode(NewAuthenticate("Monitor World", "hunter2"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "authenticate", got["type"])
	assert.Equal(t, "Monitor World", got["name"])
	assert.Equal(t, "hunter2", got["password"])
}

func TestEncodeUpdateListenChannels(t *testing.T) {
	b, err := Encode(NewUpdateListenChannels([]domain.ChannelID{"ch-1", "ch-2"}))
	require.NoError(t, err)

	var got struct {
		Type       string   `json:"type"`
		ChannelIDs []string `json:"channel_ids"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "update_listen_channels", got.Type)
	assert.Equal(t, []string{"ch-1", "ch-2"}, got.ChannelIDs)
}

func TestCandidateFingerprintIgnoresWhitespace(t *testing.T) {
	a := NewCandidate(json.RawMessage(`{"candidate": "c1", "sdpMid": "0"}`))
	b := NewCandidate(json.RawMessage(`{"candidate":"c1","sdpMid":"0"}`))
	c := NewCandidate(json.RawMessage(`{"candidate":"c2","sdpMid":"0"}`))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestDecodeCandidateRoundTrip(t *testing.T) {
	payload := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	b, err := Encode(NewCandidate(payload))
	require.NoError(t, err)

	msg, err := Decode(b)
	require.NoError(t, err)
	cand, ok := msg.(*Candidate)
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(cand.Candidate))
}
