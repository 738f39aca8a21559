// Package notify is the user-facing notice surface. A UI shell replaces the
// default logger-backed implementation; the core only ever talks to the
// interface.
package notify

import "github.com/rs/zerolog/log"

type Notifier interface {
	Info(title, detail string)
	Success(title, detail string)
	Warn(title, detail string)
	Error(title, detail string)
}

// Log routes notices to the global zerolog logger.
type Log struct{}

func (Log) Info(title, detail string) {
	log.Info().Str("module", "notify").Str("detail", detail).Msg(title)
}

func (Log) Success(title, detail string) {
	log.Info().Str("module", "notify").Str("detail", detail).Msg(title)
}

func (Log) Warn(title, detail string) {
	log.Warn().Str("module", "notify").Str("detail", detail).Msg(title)
}

func (Log) Error(title, detail string) {
	log.Error().Str("module", "notify").Str("detail", detail).Msg(title)
}
