package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug"}, &buf)

	logger.Info().Str("reference", "abc123").Msg("confirmed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "checkoutd", entry["service"])
	require.Equal(t, "abc123", entry["reference"])
	require.Equal(t, "confirmed", entry["message"])
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn"}, &buf)

	logger.Info().Msg("dropped")
	require.Zero(t, buf.Len())

	logger.Warn().Msg("kept")
	require.NotZero(t, buf.Len())
}

func TestNewWithWriter_BadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "loud"}, &buf)

	logger.Debug().Msg("dropped")
	require.Zero(t, buf.Len())
	logger.Info().Msg("kept")
	require.NotZero(t, buf.Len())
}
