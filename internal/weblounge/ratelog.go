package weblounge

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// rateLimitedLogger drops messages logged less than interval after the
// previous one.
type rateLimitedLogger struct {
	logger   logr.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(logger logr.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

func (l *rateLimitedLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()
	if dropped > 0 {
		keysAndValues = append(keysAndValues, "suppressed", dropped)
	}
	l.logger.Info(msg, keysAndValues...)
}
