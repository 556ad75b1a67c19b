package kafka

import (
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// zapLogger routes franz-go client logs into zap. Debug output is dropped.
type zapLogger struct {
	l *zap.Logger
}

func (z zapLogger) Level() kgo.LogLevel {
	if z.l.Core().Enabled(zap.DebugLevel) {
		return kgo.LogLevelDebug
	}
	return kgo.LogLevelInfo
}

func (z zapLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	s := z.l.Sugar()
	switch level {
	case kgo.LogLevelError:
		s.Errorw(msg, keyvals...)
	case kgo.LogLevelWarn:
		s.Warnw(msg, keyvals...)
	case kgo.LogLevelInfo:
		s.Infow(msg, keyvals...)
	default:
		s.Debugw(msg, keyvals...)
	}
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
