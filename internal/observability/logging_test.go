package observability

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/multiworld/internal/config"
)

func TestNewLogger_JSON(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json"}, "multiworld-server")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_Console(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "console"}, "multiworld-bridge")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"}, "x")
	assert.Error(t, err)
	_, err = NewLogger(config.LoggingConfig{Level: "info", Format: "xml"}, "x")
	assert.Error(t, err)
}

func TestNewLogger_LevelFilters(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, "x")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel), "debug must be filtered at warn")
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel), "warn must pass at warn")
}

func TestFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	id := uuid.New()

	logger.Info("claimed",
		append(ConnFields("10.0.0.1:5000", "public"), ConnID(id), Room("speedrun"), World(3))...)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "10.0.0.1:5000", fields["remote_addr"])
	assert.Equal(t, "public", fields["endpoint"])
	assert.Equal(t, id.String(), fields["conn_id"])
	assert.Equal(t, "speedrun", fields["room"])
	assert.Equal(t, uint8(3), fields["world"])
}
