package weblounge

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used with logger.V(...).
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// NewLogger builds a zap backed logr.Logger. level is one of error, info,
// verbose, debug, trace or a numeric verbosity.
func NewLogger(level string, development bool) (logr.Logger, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return logr.Discard(), err
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	zl, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

func parseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return zapcore.ErrorLevel, nil
	case "", "info":
		return zapcore.Level(-DEFAULT), nil
	case "verbose":
		return zapcore.Level(-VERBOSE), nil
	case "debug":
		return zapcore.Level(-DEBUG), nil
	case "trace":
		return zapcore.Level(-TRACE), nil
	}
	v, err := strconv.Atoi(level)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid log level %q", level)
	}
	return zapcore.Level(-v), nil
}

// loggerFrom returns the request logger stored in ctx, or fallback.
func loggerFrom(ctx context.Context, fallback logr.Logger) logr.Logger {
	if ctx == nil {
		return fallback
	}
	if l, err := logr.FromContext(ctx); err == nil {
		return l
	}
	return fallback
}
