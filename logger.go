package auth

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger adapts a logrus logger to the Logger interface.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return logrusLogger{entry: logrus.NewEntry(l)}
}

// NewDefaultLogger builds a logrus logger writing to stdout.
// format is "json" or "text", level any logrus level name.
func NewDefaultLogger(level, format string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return NewLogrusLogger(l)
}

func (l logrusLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l logrusLogger) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l logrusLogger) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
func (l logrusLogger) Error(msg string, args ...any) { l.with(args).Error(msg) }

func (l logrusLogger) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}
	return l.entry.WithFields(fieldsFromArgs(args))
}

func fieldsFromArgs(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg_%d", i)
		}
		if i+1 >= len(args) {
			fields[key] = "(missing)"
			break
		}
		if err, ok := args[i+1].(error); ok {
			fields[key] = err.Error()
			continue
		}
		fields[key] = args[i+1]
	}
	return fields
}

var defLogger = NewLogrusLogger(nil)
