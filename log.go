package quic

import (
	"github.com/sirupsen/logrus"
)

// Log levels
const (
	LevelOff = iota
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace
)

// Logger logs QUIC transactions.
type Logger interface {
	Log(level int, format string, values ...interface{})
}

// LeveledLogger creates a logrus-backed logger that drops anything below
// level.
func LeveledLogger(level int) Logger {
	l := logrus.New()
	l.SetLevel(logrusLevel(level))
	return &leveledLogger{
		entry: logrus.NewEntry(l),
		level: level,
	}
}

func logrusLevel(level int) logrus.Level {
	switch {
	case level >= LevelTrace:
		return logrus.TraceLevel
	case level >= LevelDebug:
		return logrus.DebugLevel
	case level >= LevelInfo:
		return logrus.InfoLevel
	case level >= LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.PanicLevel
	}
}

type leveledLogger struct {
	entry *logrus.Entry
	level int
}

func (s *leveledLogger) Log(level int, format string, values ...interface{}) {
	if level > s.level {
		return
	}
	switch level {
	case LevelError:
		s.entry.Errorf(format, values...)
	case LevelInfo:
		s.entry.Infof(format, values...)
	case LevelDebug:
		s.entry.Debugf(format, values...)
	case LevelTrace:
		s.entry.Tracef(format, values...)
	}
}
