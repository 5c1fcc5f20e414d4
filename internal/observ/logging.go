// Package observ provides the orchestrator's logging and metrics surface: structured,
// leveled logging via zerolog and labelled Prometheus counters/gauges/histograms.
package observ

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logOnce sync.Once
	logger  zerolog.Logger
)

// Init configures the process-wide logger. Safe to call multiple times; only the first
// call takes effect, matching the teacher's single-writer expectation for its logger.
func Init(w io.Writer, level zerolog.Level) {
	logOnce.Do(func() {
		if w == nil {
			w = os.Stdout
		}
		zerolog.TimeFieldFormat = time.RFC3339Nano
		logger = zerolog.New(w).With().Timestamp().Logger().Level(level)
	})
}

func activeLogger() zerolog.Logger {
	logOnce.Do(func() {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	})
	return logger
}

// Log emits a structured event with the given fields, mirroring the teacher's
// observ.Log(event, kv) call shape so existing call sites barely change.
func Log(event string, kv map[string]any) {
	ev := activeLogger().Info()
	for k, v := range kv {
		ev = ev.Interface(k, v)
	}
	ev.Msg(event)
}

// LogError emits an error-level event with an attached error field.
func LogError(event string, err error, kv map[string]any) {
	ev := activeLogger().Error().Err(err)
	for k, v := range kv {
		ev = ev.Interface(k, v)
	}
	ev.Msg(event)
}

// LogWarn emits a warning-level event.
func LogWarn(event string, kv map[string]any) {
	ev := activeLogger().Warn()
	for k, v := range kv {
		ev = ev.Interface(k, v)
	}
	ev.Msg(event)
}
