package api

import (
	"net/http"
	"testing"

	"ai-lightning/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routeMiddlewareCounts(t *testing.T) map[string]int {
	t.Helper()

	s := &Server{auth: auth.NewService(nil, "test-secret")}
	s.hub = NewHub(nil, nil, nil)

	router, ok := s.routes().(chi.Routes)
	require.True(t, ok)

	counts := make(map[string]int)
	err := chi.Walk(router, func(method, route string, _ http.Handler, mws ...func(http.Handler) http.Handler) error {
		counts[method+" "+route] = len(mws)
		return nil
	})
	require.NoError(t, err)
	return counts
}

// The websocket serves a session for up to two hours; it must not inherit
// the per-request timeout the REST routes run under.
func TestRoutes_WebsocketOutsideRequestTimeout(t *testing.T) {
	counts := routeMiddlewareCounts(t)

	require.Contains(t, counts, "GET /api/ws")
	require.Contains(t, counts, "GET /api/me")
	assert.Less(t, counts["GET /api/ws"], counts["GET /api/me"])
}

func TestRoutes_WalletDepositCheckPath(t *testing.T) {
	counts := routeMiddlewareCounts(t)
	assert.Contains(t, counts, "GET /api/wallet/deposit/check/{payment_hash}")
}
