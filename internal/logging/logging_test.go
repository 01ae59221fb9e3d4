package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithConfig("debug", "json", &buf)

	logger.With("component", "scheduler").Error("step failed", "run_id", "r1", "attempt", 2, "error", errors.New("boom"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "step failed", entry["message"])
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithConfig("warn", "json", &buf)

	logger.Info("hidden")
	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown", "dangling")
	assert.Contains(t, buf.String(), "(MISSING)")
}
