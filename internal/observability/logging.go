// Package observability builds the process logger and the shared log fields
// that identify connections, rooms and worlds.
package observability

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/multiworld/internal/config"
	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// NewLogger creates the logger for one binary. Every line carries the
// binary's name in the "service" field.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error";
// cfg.Format must be "json" or "console"; service must be non-empty.
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, service string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
		zapCfg.Sampling = nil
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.InitialFields = map[string]any{"service": service}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building %s logger: %w", service, err)
	}
	return logger, nil
}

// ConnFields returns the fields identifying an accepted connection before its
// handshake completes.
func ConnFields(remoteAddr string, endpoint string) []zap.Field {
	return []zap.Field{
		zap.String("remote_addr", remoteAddr),
		zap.String("endpoint", endpoint),
	}
}

// ConnID is the field carrying a connection's process-unique handle.
func ConnID(id uuid.UUID) zap.Field { return zap.Stringer("conn_id", id) }

// Room is the field carrying a room name.
func Room(name string) zap.Field { return zap.String("room", name) }

// World is the field carrying a world number.
func World(w protocol.World) zap.Field { return zap.Uint8("world", uint8(w)) }
