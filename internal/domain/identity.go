// Package domain contains entities without logic, just meta-data.
package domain

import "github.com/google/uuid"

type ClientID string

// NewClientID generates a fresh identity for first run. The server may
// reassign it later (identity-collision resolution); the old id is discarded.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// Credentials are persisted opportunistically so the session manager can
// re-authenticate silently after a reconnect.
type Credentials struct {
	DisplayName string `json:"name"`
	Password    string `json:"password"`
}

func (c Credentials) Empty() bool {
	return c.DisplayName == ""
}
