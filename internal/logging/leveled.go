package logging

import "go.uber.org/zap"

// LeveledLogger adapts zap to the key/value logger interface used by
// go-retryablehttp.
type LeveledLogger struct {
	s *zap.SugaredLogger
}

// Leveled wraps l for use as a retryablehttp.LeveledLogger.
func Leveled(l *zap.Logger) LeveledLogger {
	return LeveledLogger{s: OrNop(l).Sugar()}
}

func (l LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
