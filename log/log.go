// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package log defines the logging interface used by couchstream and its
// command line tool, along with a few backends.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Logger is the standard logger interface.
type Logger interface {
	// Debug logs debug output.
	Debug(...any)
	// Debugf logs formatted debug output.
	Debugf(string, ...any)
	// Info logs normal priority messages.
	Info(...any)
	// Infof logs formatted normal priority messages.
	Infof(string, ...any)
	// Error logs error messages.
	Error(...any)
	// Errorf logs formatted error messages.
	Errorf(string, ...any)
}

// StreamLogger is a Logger writing to a pair of streams. Debug and error
// output goes to the error stream.
type StreamLogger struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	debug  bool
}

var _ Logger = &StreamLogger{}

// New returns a new logger writing to stdout and stderr.
func New() *StreamLogger {
	return &StreamLogger{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// SetOut sets the destination for normal output.
func (l *StreamLogger) SetOut(out io.Writer) { l.stdout = out }

// SetErr sets the destination for error output.
func (l *StreamLogger) SetErr(err io.Writer) { l.stderr = err }

// SetDebug turns debug mode on or off.
func (l *StreamLogger) SetDebug(debug bool) { l.debug = debug }

func (l *StreamLogger) err(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintln(l.stderr, strings.TrimSpace(line))
}

func (l *StreamLogger) out(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintln(l.stdout, strings.TrimSpace(line))
}

func (l *StreamLogger) Debug(args ...any) {
	if l.debug {
		l.err(fmt.Sprint(args...))
	}
}

func (l *StreamLogger) Debugf(format string, args ...any) {
	if l.debug {
		l.err(fmt.Sprintf(format, args...))
	}
}

func (l *StreamLogger) Info(args ...any) {
	l.out(fmt.Sprint(args...))
}

func (l *StreamLogger) Infof(format string, args ...any) {
	l.out(fmt.Sprintf(format, args...))
}

func (l *StreamLogger) Error(args ...any) {
	l.err(fmt.Sprint(args...))
}

func (l *StreamLogger) Errorf(format string, args ...any) {
	l.err(fmt.Sprintf(format, args...))
}
