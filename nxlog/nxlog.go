// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package nxlog is the leveled logging facade threaded through every
// component, mirroring the calling convention of a Helper-style logger:
// Errorf/Warnf/Infof/Debugf, with a level filter wrapping any sink.
//
// The upstream teacher imports its own "log" subpackage for this; that
// subpackage isn't part of the retrieval pack, so this is a small
// from-scratch facade over the standard library's log.Logger that keeps
// the same four-method call shape every component was written against.
package nxlog

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level orders verbosity from most to least severe.
type Level int

// Levels, from most to least severe.
const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal sink interface a Helper wraps.
type Logger interface {
	Log(level Level, msg string)
}

// stdLogger adapts *log.Logger (stdlib) to Logger.
type stdLogger struct {
	mu  sync.Mutex // the logfile is guarded by its own mutex (spec.md §5)
	out *log.Logger
}

// NewStdLogger builds a Logger that writes to w via the standard library.
func NewStdLogger(w *os.File) Logger {
	return &stdLogger{out: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

func (s *stdLogger) Log(level Level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Printf("[%s] %s", level, msg)
}

// filter drops messages below a minimum level before they reach the
// wrapped Logger, matching the teacher's log.NewFilter(logger,
// log.FilterLevel(...)) composition.
type filter struct {
	min  Level
	next Logger
}

// NewFilter wraps next so only messages at least as severe as min
// (level <= min) pass.
func NewFilter(next Logger, min Level) Logger {
	return &filter{min: min, next: next}
}

func (f *filter) Log(level Level, msg string) {
	if level <= f.min {
		f.next.Log(level, msg)
	}
}

// Helper is the per-component logging handle every package takes a
// pointer to, the same way saferwall/pe.File holds a *log.Helper.
type Helper struct {
	l Logger
}

// NewHelper wraps l in a Helper.
func NewHelper(l Logger) *Helper { return &Helper{l: l} }

func (h *Helper) Errorf(format string, args ...any) {
	if h == nil || h.l == nil {
		return
	}
	h.l.Log(LevelError, fmt.Sprintf(format, args...))
}

func (h *Helper) Warnf(format string, args ...any) {
	if h == nil || h.l == nil {
		return
	}
	h.l.Log(LevelWarn, fmt.Sprintf(format, args...))
}

func (h *Helper) Infof(format string, args ...any) {
	if h == nil || h.l == nil {
		return
	}
	h.l.Log(LevelInfo, fmt.Sprintf(format, args...))
}

func (h *Helper) Debugf(format string, args ...any) {
	if h == nil || h.l == nil {
		return
	}
	h.l.Log(LevelDebug, fmt.Sprintf(format, args...))
}

// Default returns a Helper writing to stderr filtered at LevelInfo,
// the shape components fall back to when no *Helper is supplied.
func Default() *Helper {
	return NewHelper(NewFilter(NewStdLogger(os.Stderr), LevelInfo))
}
