package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupHandlerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(SetupHandler("warn", &buf))

	logger.Info("too quiet to show")
	logger.Warn("worth showing")

	output := buf.String()
	assert.NotContains(t, output, "too quiet to show")
	assert.Contains(t, output, "worth showing")
}

func TestSetupHandlerDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(SetupHandler("debug", &buf))

	logger.Debug("diagnostic detail")

	assert.Contains(t, buf.String(), "diagnostic detail")
}

func TestSetupHandlerUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(SetupHandler("chatty", &buf))

	logger.Debug("hidden")
	logger.Info("visible")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "visible")
}

func TestSetupLoggerInstallsDefault(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	logger := SetupLogger("info")
	require.NotNil(t, logger)
	assert.Equal(t, logger, slog.Default())
}
