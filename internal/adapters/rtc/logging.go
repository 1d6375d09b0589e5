package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logs into zerolog. Messages below
// Level are dropped before formatting.
type LoggerFactory struct {
	Level zerolog.Level
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.Level)
	return &leveledLogger{log: l}
}

type leveledLogger struct {
	log zerolog.Logger
}

func (l *leveledLogger) Trace(msg string) { l.log.Trace().Msg(msg) }
func (l *leveledLogger) Debug(msg string) { l.log.Debug().Msg(msg) }
func (l *leveledLogger) Info(msg string)  { l.log.Info().Msg(msg) }
func (l *leveledLogger) Warn(msg string)  { l.log.Warn().Msg(msg) }
func (l *leveledLogger) Error(msg string) { l.log.Error().Msg(msg) }

func (l *leveledLogger) Tracef(format string, args ...any) { l.log.Trace().Msgf(format, args...) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.log.Debug().Msgf(format, args...) }
func (l *leveledLogger) Infof(format string, args ...any)  { l.log.Info().Msgf(format, args...) }
func (l *leveledLogger) Warnf(format string, args ...any)  { l.log.Warn().Msgf(format, args...) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }
