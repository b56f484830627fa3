package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestWithService_JSON(t *testing.T) {
	var buf bytes.Buffer
	InitializeWriter(&buf, "info", "json")
	defer Initialize("info", "text")

	WithService("rental").Info("command applied", "command", "create")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "rental", line["service"])
	assert.Equal(t, "create", line["command"])
	assert.Equal(t, "command applied", line["msg"])
}

func TestDatabaseResult_LevelFollowsError(t *testing.T) {
	var buf bytes.Buffer
	InitializeWriter(&buf, "info", "text")
	defer Initialize("info", "text")

	DatabaseResult("save_instance", 1, nil)
	assert.Empty(t, buf.String(), "success is debug and filtered at info")

	DatabaseResult("save_instance", 0, errors.New("disk full"))
	assert.Contains(t, buf.String(), "database call failed")
	assert.Contains(t, buf.String(), "disk full")
}
