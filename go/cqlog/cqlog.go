// Package cqlog is the orchestrator's leveled-logging seam: a thin wrapper
// over zap.SugaredLogger giving every component the same
// Infof/Warningf/Errorf surface plus structured per-change fields without
// committing the whole module to a particular logging backend.
package cqlog

import (
	"sync"

	"go.skia.org/cqcore/go/change"
	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	sugared *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	sugared = l.Sugar()
}

// SetLogger replaces the package-level logger, e.g. with a
// zaptest.NewLogger(t) during tests, or a development config for
// local runs of cmd/cqrun.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sugared = l.Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugared
}

func Infof(format string, args ...interface{})    { current().Infof(format, args...) }
func Warningf(format string, args ...interface{}) { current().Warnf(format, args...) }
func Errorf(format string, args ...interface{})   { current().Errorf(format, args...) }
func Debugf(format string, args ...interface{})   { current().Debugf(format, args...) }

// ForChange returns a logger with the change's identity attached as
// structured fields, for call sites that log several lines about the same
// change.
func ForChange(ch *change.Change) *zap.SugaredLogger {
	if ch == nil {
		return current()
	}
	return current().With(
		"remote", string(ch.Remote),
		"gerrit_number", ch.GerritNumber,
		"change_id", ch.ChangeID,
		"patch_number", ch.PatchNumber,
	)
}
