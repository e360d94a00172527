package websocket

import (
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// logger returns the package logger tagged with the component name. It is
// derived on each call so it follows the global logger configured at startup.
func logger() *zerolog.Logger {
	l := zlog.With().Str("component", "websocket").Logger()
	return &l
}
