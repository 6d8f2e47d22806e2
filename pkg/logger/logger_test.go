package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, zerolog.InfoLevel).With(String("experiment", "rsi-vs-macd"))

	l.Info("settled",
		String("variant", "control"),
		Float64("pnl", 12.5),
		Duration("latency_ms", 1500*time.Millisecond),
		Error(errors.New("boom")),
	)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "settled", line["message"])
	assert.Equal(t, "rsi-vs-macd", line["experiment"])
	assert.Equal(t, "control", line["variant"])
	assert.Equal(t, 12.5, line["pnl"])
	assert.Equal(t, 1500.0, line["latency_ms"])
	assert.Equal(t, "boom", line["error"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, zerolog.WarnLevel)

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud"})
	assert.Error(t, err)
}
