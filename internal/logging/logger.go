// Package logging provides the process-wide structured logger: a single
// *zap.SugaredLogger behind sync.Once, context-scoped field injection, and
// participant-identifier redaction.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.SugaredLogger
)

// Initialize builds the process logger. development selects a
// human-readable console encoder; production selects JSON.
func Initialize(development bool) {
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
		} else {
			cfg = zap.NewProductionConfig()
		}
		base, err := cfg.Build()
		if err != nil {
			base = zap.NewNop()
		}
		logger = base.Sugar().With("service", "opentalk-signaling")
	})
}

// Get returns the process logger, falling back to a development logger if
// Initialize was never called (e.g. in tests).
func Get() *zap.SugaredLogger {
	if logger == nil {
		Initialize(true)
	}
	return logger
}

type ctxKey string

const (
	keyParticipantId   ctxKey = "participant_id"
	keyRunnerId        ctxKey = "runner_id"
	keySignalingRoomId ctxKey = "signaling_room_id"
)

// WithParticipant attaches a participant id to ctx for subsequent log calls.
func WithParticipant(ctx context.Context, participantId string) context.Context {
	return context.WithValue(ctx, keyParticipantId, participantId)
}

// WithRunner attaches a runner id to ctx for subsequent log calls.
func WithRunner(ctx context.Context, runnerId string) context.Context {
	return context.WithValue(ctx, keyRunnerId, runnerId)
}

// WithRoom attaches a signaling room id to ctx for subsequent log calls.
func WithRoom(ctx context.Context, signalingRoomId string) context.Context {
	return context.WithValue(ctx, keySignalingRoomId, signalingRoomId)
}

func contextFields(ctx context.Context) []any {
	var fields []any
	if v, ok := ctx.Value(keyParticipantId).(string); ok {
		fields = append(fields, "participant_id", v)
	}
	if v, ok := ctx.Value(keyRunnerId).(string); ok {
		fields = append(fields, "runner_id", v)
	}
	if v, ok := ctx.Value(keySignalingRoomId).(string); ok {
		fields = append(fields, "signaling_room_id", v)
	}
	return fields
}

func Info(ctx context.Context, msg string, kv ...any) {
	Get().Infow(msg, append(contextFields(ctx), kv...)...)
}

func Warn(ctx context.Context, msg string, kv ...any) {
	Get().Warnw(msg, append(contextFields(ctx), kv...)...)
}

func Error(ctx context.Context, msg string, kv ...any) {
	Get().Errorw(msg, append(contextFields(ctx), kv...)...)
}

// RedactParticipant returns a display-name-safe form for logs: first
// character plus length, never the full name.
func RedactParticipant(name string) string {
	if name == "" {
		return ""
	}
	r := []rune(name)
	if len(r) == 1 {
		return string(r[0]) + "***"
	}
	return string(r[0]) + "***(" + string(rune('0'+len(r)%10)) + ")"
}
