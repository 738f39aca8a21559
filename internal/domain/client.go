package domain

// ClientStatus mirrors the server's client lifecycle states.
type ClientStatus string

const (
	StatusPending      ClientStatus = "pending"
	StatusAuthorized   ClientStatus = "authorized"
	StatusRejected     ClientStatus = "rejected"
	StatusDisconnected ClientStatus = "disconnected"
)

// Permissions as reported by the server. Evaluated server-side; the client
// only reflects them.
type Permissions struct {
	CanManageServer   bool     `json:"can_manage_server"`
	CanManageChannels bool     `json:"can_manage_channels"`
	CanManageClients  bool     `json:"can_manage_clients"`
	CanJoinChannels   []string `json:"can_join_channels,omitempty"`
}

// ClientRecord is another participant as seen by this client. The local
// identity never appears in the roster.
type ClientRecord struct {
	ID               ClientID     `json:"id"`
	Status           ClientStatus `json:"status"`
	Name             string       `json:"name,omitempty"`
	Permissions      Permissions  `json:"permissions"`
	CurrentChannelID ChannelID    `json:"current_channel_id,omitempty"`
}
