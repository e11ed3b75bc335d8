package session

import "github.com/rs/zerolog/log"

// Diagnostics receives human-readable protocol failure messages for the
// layer above.
type Diagnostics interface {
	Report(msg string)
}

type DiagnosticsFunc func(msg string)

func (f DiagnosticsFunc) Report(msg string) {
	f(msg)
}

// LogDiagnostics reports through the global zerolog logger.
type LogDiagnostics struct{}

func (LogDiagnostics) Report(msg string) {
	log.Error().Str("layer", "iso").Msg(msg)
}
