package api

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/fleettrack/pkg/api/routes"
)

func TestNewApp(t *testing.T) {
	app := NewApp(&routes.Dependencies{})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/tracking/version", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/tracking/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Plain GET against the websocket endpoint is refused before any service is touched
	req := httptest.NewRequest(fiber.MethodGet, "/tracking/ws", nil)
	req.Header.Set("X-Driver-Id", "d1")
	req.Header.Set("X-Company-Id", "c1")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/tracking/drivers/active", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
