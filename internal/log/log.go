// Package log prints colored diagnostics into an interactive shell session.
// Everything goes to one writer, stderr by default, so captured command
// output on stdout stays clean.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	debug bool
}

func New(out io.Writer) *Logger {
	return &Logger{out: out}
}

var std = New(os.Stderr)

// Default returns the package-level logger.
func Default() *Logger {
	return std
}

func (l *Logger) SetDebugMode(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
}

func (l *Logger) SetOutput(out io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = out
}

func (l *Logger) print(prefix, format string, elem ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	message := fmt.Sprintf(format, elem...)
	for _, line := range strings.Split(strings.TrimRight(message, "\n"), "\n") {
		fmt.Fprintln(l.out, prefix+line)
	}
}

func (l *Logger) Debug(format string, elem ...any) {
	l.mu.Lock()
	enabled := l.debug
	l.mu.Unlock()

	if enabled {
		l.print(color.CyanString("[DEBUG] "), format, elem...)
	}
}

func (l *Logger) Info(format string, elem ...any) {
	l.print(color.BlueString("[x] "), format, elem...)
}

func (l *Logger) Success(format string, elem ...any) {
	l.print(color.GreenString("[+] "), format, elem...)
}

func (l *Logger) Warn(format string, elem ...any) {
	l.print(color.YellowString("[!] "), format, elem...)
}

func (l *Logger) Error(format string, elem ...any) {
	l.print(color.RedString("[x] "), format, elem...)
}

// SetDebugMode enables or disables debug logging
func SetDebugMode(enabled bool) {
	std.SetDebugMode(enabled)
}

// Debug logs debug messages when debug mode is enabled
func Debug(format string, elem ...any) {
	std.Debug(format, elem...)
}

// Info logs an informational message
func Info(format string, elem ...any) {
	std.Info(format, elem...)
}

// Success logs a completed step
func Success(format string, elem ...any) {
	std.Success(format, elem...)
}

// Warn logs a recoverable problem
func Warn(format string, elem ...any) {
	std.Warn(format, elem...)
}

// Error logs an error message
func Error(format string, elem ...any) {
	std.Error(format, elem...)
}
