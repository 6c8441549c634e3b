package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupOffIsNoop(t *testing.T) {
	shutdown, err := SetupOTelSDK(context.Background(), Settings{Mode: ModeOff})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsUnknownMode(t *testing.T) {
	_, err := SetupOTelSDK(context.Background(), Settings{Mode: "loud"})
	assert.ErrorContains(t, err, "unknown telemetry mode")
}

func TestOTLPRequiresDSN(t *testing.T) {
	t.Setenv(UptraceDSNEnv, "")
	_, err := SetupOTelSDK(context.Background(), Settings{Mode: ModeOTLP})
	assert.ErrorContains(t, err, UptraceDSNEnv)
}

func TestStdoutModeExportsLogs(t *testing.T) {
	var buf bytes.Buffer
	settings := Settings{Mode: ModeStdout, ServiceName: "mailer-test", Writer: &buf}

	shutdown, err := SetupOTelSDK(context.Background(), settings)
	require.NoError(t, err)

	NewLogger(settings).Info("consent server listening", "uri", "http://127.0.0.1:8089")
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "consent server listening")
	assert.Contains(t, out, "mailer-test")
}
