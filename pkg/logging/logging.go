// Package logging provides structured logging for a session. Callers can
// attach an origin/path/session-id triple to a context.Context, and
// WithContext adds whichever of the three are set to a log entry.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys used to carry logging fields.
type ContextKey string

const (
	SessionIDKey ContextKey = "session_id"
	OriginKey    ContextKey = "origin"
	PathKey      ContextKey = "path"
)

// Logger wraps logrus.Logger with the fields the LwM2M core cares about.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the named component ("store", "dispatch",
// "bootstrap", ...) with the given level ("debug".."panic") and format
// ("json" or "text").
func New(component, level, format string) *Logger {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json, for hosts that just want a working default.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry carrying session_id/origin/path, if set.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(SessionIDKey); v != nil {
		entry = entry.WithField("session_id", v)
	}
	if v := ctx.Value(OriginKey); v != nil {
		entry = entry.WithField("origin", v)
	}
	if v := ctx.Value(PathKey); v != nil {
		entry = entry.WithField("path", v)
	}
	return entry
}

// WithFields returns an entry with additional structured fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// WithSessionID attaches a session id to ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// WithOrigin attaches a request origin to ctx.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, OriginKey, origin)
}

// WithPath attaches an LwM2M path to ctx.
func WithPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, PathKey, path)
}
