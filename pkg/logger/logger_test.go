package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, INFO, ParseLevel("INFO"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("Error"))
	assert.Equal(t, FATAL, ParseLevel("FATAL"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, &buf, false)

	l.Log(INFO, "hidden", nil)
	assert.Empty(t, buf.String())

	l.Log(WARN, "visible", nil)
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "WARN")
}

func TestLoggerPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, &buf, false)

	l.LogError(ERROR, "operation failed", errors.New("boom"), map[string]interface{}{
		"session_id": "s1",
	})

	out := buf.String()
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "operation failed")
	assert.Contains(t, out, "session_id")
	assert.Contains(t, out, "error=boom")
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, &buf, true)

	l.Log(INFO, "structured line", map[string]interface{}{"count": 3})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "structured line", entry.Message)
	assert.EqualValues(t, 3, entry.Fields["count"])
	assert.NotEmpty(t, entry.Timestamp)
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	old := defaultLogger
	SetDefault(NewLogger(DEBUG, &buf, false))
	defer SetDefault(old)

	WithFields(map[string]interface{}{"session_id": "s1"}).Info("attached")

	assert.Contains(t, buf.String(), "attached")
	assert.Contains(t, buf.String(), "session_id")
}
