package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentTagsEvents(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(Config{})

	log := Component("runner")
	log.Info().Int("iteration", 3).Msg("iteration started")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "runner", event["component"])
	assert.Equal(t, "iteration started", event["message"])
	assert.Equal(t, float64(3), event["iteration"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	defer Init(Config{})

	log := Component("session")
	log.Debug().Msg("dropped")
	log.Info().Msg("dropped")
	log.Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "loud", Format: "json", Output: &buf})
	defer Init(Config{})

	log := Component("cli")
	log.Info().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}
