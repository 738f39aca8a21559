// Package store is the local persistence adapter: a handful of durable
// key-value entries the client survives restarts with. All keys are
// optional and safely absent on first run.
package store

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/neilyboy/SoundMesh/internal/domain"
)

const (
	keyClientID    = "client_id"
	keyServerURL   = "server_url"
	keyCredentials = "credentials"
	keyMuted       = "muted"
)

type Store struct {
	v    *viper.Viper
	path string
}

// Open reads the state file at path, tolerating its absence.
func Open(path string) *Store {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "store").Str("path", path).Msg("no prior state, starting fresh")
	}
	return &Store{v: v, path: path}
}

func (s *Store) persist() {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("failed to persist state")
	}
}

// Identity returns the stored client id, or a freshly generated one which
// is persisted immediately so subsequent runs keep it.
func (s *Store) Identity() domain.ClientID {
	if id := s.v.GetString(keyClientID); id != "" {
		return domain.ClientID(id)
	}
	id := domain.NewClientID()
	s.SetIdentity(id)
	return id
}

func (s *Store) SetIdentity(id domain.ClientID) {
	s.v.Set(keyClientID, string(id))
	s.persist()
}

func (s *Store) ServerURL() string {
	return s.v.GetString(keyServerURL)
}

func (s *Store) SetServerURL(url string) {
	s.v.Set(keyServerURL, url)
	s.persist()
}

func (s *Store) Credentials() domain.Credentials {
	raw := s.v.GetString(keyCredentials)
	if raw == "" {
		return domain.Credentials{}
	}
	var c domain.Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("stored credentials unreadable, ignoring")
		return domain.Credentials{}
	}
	return c
}

func (s *Store) SetCredentials(c domain.Credentials) {
	b, err := json.Marshal(c)
	if err != nil {
		log.Warn().Err(err).Str("module", "store").Msg("failed to serialize credentials")
		return
	}
	s.v.Set(keyCredentials, string(b))
	s.persist()
}

func (s *Store) Muted() bool {
	return s.v.GetBool(keyMuted)
}

func (s *Store) SetMuted(muted bool) {
	s.v.Set(keyMuted, muted)
	s.persist()
}
