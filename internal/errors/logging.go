package errors

import (
	"github.com/sirupsen/logrus"
)

// Logger adds AppError classification to logrus entries.
type Logger struct {
	*logrus.Logger
}

// FromLogrus wraps an existing logrus logger
func FromLogrus(logger *logrus.Logger) *Logger {
	return &Logger{Logger: logger}
}

// WithError returns an entry carrying err plus, for an AppError, its code,
// flags and context.
func (l *Logger) WithError(err error) *logrus.Entry {
	entry := l.Logger.WithError(err)
	appErr, ok := As(err)
	if !ok {
		return entry
	}
	fields := logrus.Fields{
		"error_code": appErr.Code,
		"retryable":  appErr.Retryable,
		"critical":   appErr.Critical,
	}
	if appErr.UserMessage != "" {
		fields["user_message"] = appErr.UserMessage
	}
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return entry.WithFields(fields)
}

func (l *Logger) log(level logrus.Level, err error, message string, fields []logrus.Fields) {
	entry := l.WithError(err)
	for _, f := range fields {
		entry = entry.WithFields(f)
	}
	entry.Log(level, message)
}

// LogError logs an error with structured context
func (l *Logger) LogError(err error, message string, fields ...logrus.Fields) {
	l.log(logrus.ErrorLevel, err, message, fields)
}

// LogWarn logs a warning with structured context
func (l *Logger) LogWarn(err error, message string, fields ...logrus.Fields) {
	l.log(logrus.WarnLevel, err, message, fields)
}

// LogRetryableError logs at warn when another attempt will follow and at
// error otherwise.
func (l *Logger) LogRetryableError(err error, message string, fields ...logrus.Fields) {
	level := logrus.ErrorLevel
	if IsRetryable(err) {
		level = logrus.WarnLevel
	}
	l.log(level, err, message, fields)
}
