// Package logx holds the process-wide logger. Components accept a
// *zap.SugaredLogger and fall back to this one through Or.
package logx

import (
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	lg    *zap.SugaredLogger
	level = zap.NewAtomicLevel()
)

// Init builds the JSON logger for service. Unknown level names mean info.
func Init(lvl, service string) {
	SetLevel(lvl)

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "json"
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	mu.Lock()
	lg = z.Sugar()
	mu.Unlock()
}

// SetLevel changes the level of the running logger.
func SetLevel(lvl string) {
	l, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(lvl)))
	if err != nil {
		l = zapcore.InfoLevel
	}
	level.SetLevel(l)
}

func Level() zapcore.Level { return level.Level() }

// LevelHandler serves GET/PUT of the current level as JSON.
func LevelHandler() http.Handler { return level }

func L() *zap.SugaredLogger {
	mu.RLock()
	l := lg
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(Level().String(), "")
	mu.RLock()
	defer mu.RUnlock()
	return lg
}

// Or returns l, or the process logger when l is nil.
func Or(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return L()
}

func Sync() { _ = L().Sync() }
