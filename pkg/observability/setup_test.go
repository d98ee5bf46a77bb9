package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetupLoggerLevel(t *testing.T) {
	logger := SetupLogger("carpool", "debug")
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger = SetupLogger("carpool", "bogus")
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestMetricsRouter(t *testing.T) {
	srv := httptest.NewServer(MetricsRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetupTracer(t *testing.T) {
	shutdown, err := SetupTracer(context.Background(), "carpool")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
