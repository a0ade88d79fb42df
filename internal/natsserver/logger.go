package natsserver

import "github.com/rs/zerolog"

// busLogger routes nats-server logs into zerolog. Server notices are
// routine on a desk bus and go to debug; fatal conditions are logged as
// errors so the daemon decides how to exit.
type busLogger struct {
	logger zerolog.Logger
}

func newZerologAdapter(l zerolog.Logger) *busLogger {
	return &busLogger{logger: l.With().Str("component", "nats").Logger()}
}

func (b *busLogger) Noticef(format string, v ...any) { b.logger.Debug().Msgf(format, v...) }
func (b *busLogger) Warnf(format string, v ...any)   { b.logger.Warn().Msgf(format, v...) }
func (b *busLogger) Fatalf(format string, v ...any) {
	b.logger.Error().Bool("fatal", true).Msgf(format, v...)
}
func (b *busLogger) Errorf(format string, v ...any) { b.logger.Error().Msgf(format, v...) }
func (b *busLogger) Debugf(format string, v ...any) { b.logger.Debug().Msgf(format, v...) }
func (b *busLogger) Tracef(format string, v ...any) { b.logger.Trace().Msgf(format, v...) }
