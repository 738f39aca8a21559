// Package protocol defines the typed signaling messages exchanged with the
// intercom server as JSON text frames.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/neilyboy/SoundMesh/internal/domain"
)

type Kind string

const (
	KindAuthenticate         Kind = "authenticate"
	KindStatusUpdate         Kind = "status_update"
	KindClientIDChanged      Kind = "client_id_changed"
	KindClientUpdate         Kind = "client_update"
	KindClientDisconnect     Kind = "client_disconnect"
	KindChannelJoined        Kind = "channel_joined"
	KindOffer                Kind = "offer"
	KindAnswer               Kind = "answer"
	KindCandidate            Kind = "candidate"
	KindError                Kind = "error"
	KindConnectionStatus     Kind = "connection_status"
	KindJoinChannel          Kind = "join_channel"
	KindUpdateListenChannels Kind = "update_listen_channels"
)

// ConnectionStatus values reported by the server for the media transport.
const (
	RTCConnected = "connected"
	RTCFailed    = "failed"
	RTCICEFailed = "ice_failed"
)

// Message is one signaling frame. Exactly one kind per message.
type Message interface {
	Kind() Kind
}

// Authenticate is the only message allowed before authorization.
type Authenticate struct {
	Type     Kind   `json:"type"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func NewAuthenticate(name, password string) Authenticate {
	return Authenticate{Type: KindAuthenticate, Name: name, Password: password}
}

func (Authenticate) Kind() Kind { return KindAuthenticate }

type StatusUpdate struct {
	Status         domain.ClientStatus   `json:"status"`
	ClientID       domain.ClientID       `json:"client_id"`
	CurrentClients []domain.ClientRecord `json:"current_clients,omitempty"`
	Message        string                `json:"message,omitempty"`
}

func (StatusUpdate) Kind() Kind { return KindStatusUpdate }

type ClientIDChanged struct {
	OriginalID domain.ClientID `json:"original_id"`
	NewID      domain.ClientID `json:"new_id"`
	Message    string          `json:"message,omitempty"`
}

func (ClientIDChanged) Kind() Kind { return KindClientIDChanged }

type ClientUpdate struct {
	Payload struct {
		Client domain.ClientRecord `json:"client"`
	} `json:"payload"`
}

func (ClientUpdate) Kind() Kind { return KindClientUpdate }

type ClientDisconnect struct {
	Payload struct {
		ClientID domain.ClientID `json:"client_id"`
	} `json:"payload"`
}

func (ClientDisconnect) Kind() Kind { return KindClientDisconnect }

type ChannelJoined struct {
	ChannelID domain.ChannelID `json:"channel_id"`
}

func (ChannelJoined) Kind() Kind { return KindChannelJoined }

type Offer struct {
	Type Kind   `json:"type"`
	SDP  string `json:"sdp"`
}

func NewOffer(sdp string) Offer { return Offer{Type: KindOffer, SDP: sdp} }

func (Offer) Kind() Kind { return KindOffer }

type Answer struct {
	Type Kind   `json:"type"`
	SDP  string `json:"sdp"`
}

func NewAnswer(sdp string) Answer { return Answer{Type: KindAnswer, SDP: sdp} }

func (Answer) Kind() Kind { return KindAnswer }

// Candidate carries one ICE path descriptor. The payload stays opaque JSON;
// the client only needs structural equality for deduplication.
type Candidate struct {
	Type      Kind            `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
}

func NewCandidate(payload json.RawMessage) Candidate {
	return Candidate{Type: KindCandidate, Candidate: payload}
}

func (Candidate) Kind() Kind { return KindCandidate }

// Fingerprint returns a canonical form of the payload for structural
// equality checks. Falls back to the raw bytes if compaction fails.
func (c Candidate) Fingerprint() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, c.Candidate); err != nil {
		return string(c.Candidate)
	}
	return buf.String()
}

type ServerError struct {
	Message string `json:"message"`
}

func (ServerError) Kind() Kind { return KindError }

type ConnectionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (ConnectionStatus) Kind() Kind { return KindConnectionStatus }

type JoinChannel struct {
	Type      Kind             `json:"type"`
	ChannelID domain.ChannelID `json:"channel_id"`
}

func NewJoinChannel(id domain.ChannelID) JoinChannel {
	return JoinChannel{Type: KindJoinChannel, ChannelID: id}
}

func (JoinChannel) Kind() Kind { return KindJoinChannel }

type UpdateListenChannels struct {
	Type       Kind               `json:"type"`
	ChannelIDs []domain.ChannelID `json:"channel_ids"`
}

func NewUpdateListenChannels(ids []domain.ChannelID) UpdateListenChannels {
	return UpdateListenChannels{Type: KindUpdateListenChannels, ChannelIDs: ids}
}

func (UpdateListenChannels) Kind() Kind { return KindUpdateListenChannels }

// Ignored is the fallthrough for kinds this client does not understand.
// Unknown kinds are logged by the caller, never fatal.
type Ignored struct {
	Type string
}

func (m Ignored) Kind() Kind { return Kind(m.Type) }

// Encode marshals an outbound message to a JSON text frame.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return b, nil
}

// Decode parses one inbound frame into its typed message. Kinds outside the
// protocol decode to Ignored; malformed JSON is an error the caller drops.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	decodeAs := func(m Message) (Message, error) {
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	}

	switch env.Type {
	case KindAuthenticate:
		return decodeAs(&Authenticate{})
	case KindStatusUpdate:
		return decodeAs(&StatusUpdate{})
	case KindClientIDChanged:
		return decodeAs(&ClientIDChanged{})
	case KindClientUpdate:
		return decodeAs(&ClientUpdate{})
	case KindClientDisconnect:
		return decodeAs(&ClientDisconnect{})
	case KindChannelJoined:
		return decodeAs(&ChannelJoined{})
	case KindOffer:
		return decodeAs(&Offer{})
	case KindAnswer:
		return decodeAs(&Answer{})
	case KindCandidate:
		return decodeAs(&Candidate{})
	case KindError:
		return decodeAs(&ServerError{})
	case KindConnectionStatus:
		return decodeAs(&ConnectionStatus{})
	case KindJoinChannel:
		return decodeAs(&JoinChannel{})
	case KindUpdateListenChannels:
		return decodeAs(&UpdateListenChannels{})
	default:
		return Ignored{Type: string(env.Type)}, nil
	}
}
