// Package nlog is a small leveled logger used throughout codpack.
//
// A package-level level knob (arguments are formatted before the level
// is checked, so a suppressed line still pays for formatting), and short verbs
// (Infoln/Infof/Warningln/Errorln/Errorf) instead of the stdlib's
// one-size-fits-all Printf.
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int32

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

var (
	mu     sync.Mutex
	out    io.Writer = os.Stderr
	level  Level     = LevelInfo
	tstamp           = "2006-01-02T15:04:05.000Z07:00"
)

// SetOutput redirects all log output; primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

// SetLevel adjusts the minimum emitted level.
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

func emit(l Level, tag, s string) {
	mu.Lock()
	defer mu.Unlock()
	if l > level {
		return
	}
	fmt.Fprintf(out, "%s %s %s\n", time.Now().UTC().Format(tstamp), tag, s)
}

func Infoln(args ...any)                 { emit(LevelInfo, "I", fmt.Sprintln(args...)) }
func Infof(format string, args ...any)   { emit(LevelInfo, "I", fmt.Sprintf(format, args...)) }
func Warningln(args ...any)              { emit(LevelWarning, "W", fmt.Sprintln(args...)) }
func Warningf(format string, args ...any) {
	emit(LevelWarning, "W", fmt.Sprintf(format, args...))
}
func Errorln(args ...any)               { emit(LevelError, "E", fmt.Sprintln(args...)) }
func Errorf(format string, args ...any) { emit(LevelError, "E", fmt.Sprintf(format, args...)) }
