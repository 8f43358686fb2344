package utils

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiLogHandlerLevels(t *testing.T) {
	var console, file bytes.Buffer
	logger := slog.New(NewMultiLogHandler(
		slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	))

	logger.Debug("scan", "updated", 2)
	logger.With("component", "push").Info("sync", "op", "upload")

	assert.NotContains(t, console.String(), "scan")
	assert.Contains(t, console.String(), "component=push")
	assert.Contains(t, file.String(), `"msg":"scan"`)
	assert.Contains(t, file.String(), `"component":"push"`)
}

func TestMultiLogHandlerDisabled(t *testing.T) {
	var buf bytes.Buffer
	h := NewMultiLogHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))
	assert.False(t, h.Enabled(t.Context(), slog.LevelWarn))
	assert.True(t, h.Enabled(t.Context(), slog.LevelError))
}
