package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithAction(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	log, closer, err := New(Options{Level: "debug", Output: &buf})
	require.NoError(t, err)
	defer closer.Close()

	componentLog := Component(log, "classifier")
	componentLog.Info().Str(FieldAction, ActionWebhookCall).Str("feedbackId", "f1").Msg("calling webhook")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, ActionWebhookCall, entry["action"])
	assert.Equal(t, "classifier", entry["component"])
	assert.Equal(t, "f1", entry["feedbackId"])
	assert.Contains(t, entry, "time")
}

func TestSetLevelFiltersGlobally(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	log, _, err := New(Options{Level: "warn", Output: &buf})
	require.NoError(t, err)

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	require.NoError(t, SetLevel("debug"))
	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")

	assert.Error(t, SetLevel("loud"))
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestNewAppendsToFile(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	path := filepath.Join(t.TempDir(), "feedbackd.log")
	log, closer, err := New(Options{File: path})
	require.NoError(t, err)
	log.Info().Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
