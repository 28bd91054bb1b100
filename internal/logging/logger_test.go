package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestGormLevel(t *testing.T) {
	tests := []struct {
		level       string
		development bool
		want        logger.LogLevel
	}{
		{level: "debug", want: logger.Info},
		{level: "info", want: logger.Warn},
		{level: "info", development: true, want: logger.Info},
		{level: "error", want: logger.Error},
		{level: "error", development: true, want: logger.Error},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GormLevel(tt.level, tt.development), "%s development=%v", tt.level, tt.development)
	}
}

func TestNewLogger_WritesJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := newLogger(&buf, "warn")
	log.Info("dropped")
	log.Warn("kept", "account_id", "a1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "a1", entry["account_id"])
}
