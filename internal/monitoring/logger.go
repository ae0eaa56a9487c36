// Package monitoring owns the process log streams.
//
// Three streams are kept apart so operators can route them separately:
//   - ops: actionable warnings and failures
//   - diag: day-to-day diagnostics (session lifecycle, FSM transitions)
//   - trace: per-frame detail, muted unless explicitly enabled
//
// Each stream is a logrus logger, so entries carry structured fields. Packages
// hold a Component logger that tags every entry with the package name.
package monitoring

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	opsLog   = newStream(os.Stderr, logrus.InfoLevel)
	diagLog  = newStream(os.Stderr, logrus.InfoLevel)
	traceLog = newStream(io.Discard, logrus.PanicLevel)
)

func newStream(w io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	return l
}

// SetLogWriters routes the three streams. A nil writer mutes that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	route(opsLog, ops, logrus.InfoLevel)
	route(diagLog, diag, logrus.InfoLevel)
	route(traceLog, trace, logrus.TraceLevel)
}

func route(l *logrus.Logger, w io.Writer, level logrus.Level) {
	if w == nil {
		l.SetOutput(io.Discard)
		l.SetLevel(logrus.PanicLevel)
		return
	}
	l.SetOutput(w)
	l.SetLevel(level)
}

// SetLevel applies a logrus level name ("debug", "info", "warn", ...) to the
// ops and diag streams. The trace stream is controlled by SetLogWriters only.
func SetLevel(name string) error {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	opsLog.SetLevel(level)
	diagLog.SetLevel(level)
	return nil
}

// SetJSON switches every stream to JSON output.
func SetJSON(enabled bool) {
	for _, l := range []*logrus.Logger{opsLog, diagLog, traceLog} {
		if enabled {
			l.SetFormatter(&logrus.JSONFormatter{})
		} else {
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
		}
	}
}

// Logger writes to the shared streams with a fixed set of fields.
type Logger struct {
	fields logrus.Fields
}

// Component returns a Logger that tags entries with component=name.
func Component(name string) Logger {
	return Logger{fields: logrus.Fields{"component": name}}
}

// With returns a copy of l carrying the extra fields.
func (l Logger) With(fields logrus.Fields) Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return Logger{fields: merged}
}

// Opsf logs an actionable warning or failure.
func (l Logger) Opsf(format string, args ...interface{}) {
	opsLog.WithFields(l.fields).Warnf(format, args...)
}

// OpsErr logs err on the ops stream with the given message.
func (l Logger) OpsErr(err error, format string, args ...interface{}) {
	opsLog.WithFields(l.fields).WithError(err).Warnf(format, args...)
}

// Diagf logs a routine diagnostic.
func (l Logger) Diagf(format string, args ...interface{}) {
	diagLog.WithFields(l.fields).Infof(format, args...)
}

// Tracef logs per-frame detail.
func (l Logger) Tracef(format string, args ...interface{}) {
	if !traceLog.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	traceLog.WithFields(l.fields).Tracef(format, args...)
}

// TraceEnabled reports whether the trace stream is live, so callers can skip
// building expensive trace arguments.
func TraceEnabled() bool {
	return traceLog.IsLevelEnabled(logrus.TraceLevel)
}
