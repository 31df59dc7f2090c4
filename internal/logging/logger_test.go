package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter("production", &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Str("article_id", "SKU1").Msg("download complete")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "download complete", entry["message"])
	assert.Equal(t, "SKU1", entry["article_id"])
	assert.Equal(t, "glb-processor", entry["service"])
}

func TestDevelopmentLoggerEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter("development", &buf)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	logger.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}
