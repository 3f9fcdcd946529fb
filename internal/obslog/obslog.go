// Package obslog is the zerolog-backed implementation of gasoline.Logger,
// adapted from the teacher's pkg/engine.DefaultLogger.
package obslog

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/coilrun/gasoline"
)

// Logger wraps a zerolog.Logger behind gasoline.Logger's key/value API,
// with optional random sampling on Warn/Error to keep a noisy worker
// fleet's GC/failover chatter from drowning real signal.
type Logger struct {
	logger  zerolog.Logger
	sampler zerolog.Sampler
	sampled zerolog.Logger
}

// New builds a Logger writing structured JSON to stderr with a
// timestamp field. GASOLINE_LOG_SAMPLE_N, if set to an integer > 1,
// samples one in N Warn/Error events.
func New() *Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	var samp zerolog.Sampler
	if v := os.Getenv("GASOLINE_LOG_SAMPLE_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			samp = zerolog.RandomSampler(n)
		}
	}
	var sampled zerolog.Logger
	if samp != nil {
		sampled = l.Sample(samp)
	}
	return &Logger{logger: l, sampler: samp, sampled: sampled}
}

func (l *Logger) log(event *zerolog.Event, msg string, keysAndValues ...interface{}) {
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		if i+1 < len(keysAndValues) {
			event.Interface(key, keysAndValues[i+1])
		} else {
			event.Interface(key, nil)
		}
	}
	event.Msg(msg)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(l.logger.Debug(), msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(l.logger.Info(), msg, kv...) }

func (l *Logger) Warn(msg string, kv ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Warn(), msg, kv...)
		return
	}
	l.log(l.logger.Warn(), msg, kv...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Error(), msg, kv...)
		return
	}
	l.log(l.logger.Error(), msg, kv...)
}

var _ gasoline.Logger = (*Logger)(nil)
