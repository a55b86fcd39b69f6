/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package logger wraps logrus with the error-log format mandated by
// spec section 6 (ISO-8601 UTC timestamp, level, pid, message) and a
// second sink for the NCSA-like access log. Each worker owns its own
// instance; there is no package-level logger singleton.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Level = logrus.Level

const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// errorFormatter renders "ISO-8601-UTC level[pid] message".
type errorFormatter struct {
	pid int
}

func (f *errorFormatter) Format(e *logrus.Entry) ([]byte, error) {
	line := fmt.Sprintf("%s %-5s [%d] %s\n",
		e.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		levelTag(e.Level), f.pid, e.Message)
	return []byte(line), nil
}

func levelTag(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel:
		return "debug"
	case logrus.InfoLevel:
		return "info"
	case logrus.WarnLevel:
		return "warn"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "error"
	default:
		return "info"
	}
}

// Logger is the logging surface threaded through worker and master
// construction. Kept small deliberately: internal/* packages only ever
// need leveled text logging, never logrus's full field API.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	Raw() *logrus.Logger
}

type logger struct {
	l      *logrus.Logger
	entry  *logrus.Entry
	fields logrus.Fields
}

// New builds an error-log sink at the given level and output writer,
// labelled with the current process id as spec section 6 requires.
func New(level Level, out io.Writer) Logger {
	if out == nil {
		out = os.Stderr
	}
	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(out)
	l.SetFormatter(&errorFormatter{pid: os.Getpid()})

	return &logger{l: l, entry: logrus.NewEntry(l), fields: logrus.Fields{}}
}

func (g *logger) WithField(key string, value interface{}) Logger {
	f := make(logrus.Fields, len(g.fields)+1)
	for k, v := range g.fields {
		f[k] = v
	}
	f[key] = value
	return &logger{l: g.l, entry: g.l.WithFields(f), fields: f}
}

func (g *logger) Raw() *logrus.Logger { return g.l }

func (g *logger) Debug(format string, args ...interface{}) { g.entry.Debugf(format, args...) }
func (g *logger) Info(format string, args ...interface{})  { g.entry.Infof(format, args...) }
func (g *logger) Warn(format string, args ...interface{})  { g.entry.Warnf(format, args...) }
func (g *logger) Error(format string, args ...interface{}) { g.entry.Errorf(format, args...) }

// ParseLevel maps the config file's level(debug|info|warn|error) key.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}
