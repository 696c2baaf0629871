package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/observability"
)

func newTestRouter(t *testing.T, ready func(context.Context) error, limit int) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stock := inventory.NewMemoryRepository(time.Second)
	svc := inventory.NewService(stock, nil, inventory.ServiceConfig{Logger: logger})
	return NewRouter(RouterParams{
		Logger:           logger,
		Config:           &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second},
		Metrics:          observability.NewMetrics(),
		InventoryHandler: inventory.NewHandler(logger, svc),
		Ready:            ready,
		MutationLimit:    limit,
	})
}

func serve(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterHealthAndReadiness(t *testing.T) {
	router := newTestRouter(t, func(context.Context) error { return errors.New("down") }, 0)

	rec := serve(router, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = serve(router, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stockledger_http_requests_total")
}

func TestActorHeadersReachHandlers(t *testing.T) {
	router := newTestRouter(t, nil, 0)
	body := `{"type":"opening_stock","business_id":1,"product_id":5,"variation_id":7,"location_id":3,"qty":"12","reference":{"type":"opening_stock","id":"open-7"}}`

	rec := serve(router, http.MethodPost, "/api/v1/inventory/mutations", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())

	rec = serve(router, http.MethodPost, "/api/v1/inventory/mutations", body, map[string]string{HeaderActorID: "abc"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(router, http.MethodPost, "/api/v1/inventory/mutations", body, map[string]string{
		HeaderActorID: "9", HeaderActorName: "Sari", HeaderBusinessID: "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(router, http.MethodGet, "/api/v1/inventory/positions/7/3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"qty_available":"12"`)
}

func TestMutationRateLimitSkipsReads(t *testing.T) {
	router := newTestRouter(t, nil, 1)
	headers := map[string]string{HeaderActorID: "9"}

	for i := 0; i < 3; i++ {
		rec := serve(router, http.MethodGet, "/api/v1/inventory/positions", "", headers)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	first := serve(router, http.MethodPost, "/api/v1/inventory/mutations", `{}`, headers)
	require.NotEqual(t, http.StatusTooManyRequests, first.Code)
	second := serve(router, http.MethodPost, "/api/v1/inventory/mutations", `{}`, headers)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LARGE_ADJUSTMENT_THRESHOLD", "250.5")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.StoreDriver)
	require.Equal(t, 3*time.Second, cfg.StockLockTimeout)
	require.Equal(t, "250.5", cfg.LargeAdjustmentThreshold.String())
	require.Equal(t, 3, cfg.RetryPolicy().Attempts)

	t.Setenv("STORE_DRIVER", "sqlite")
	_, err = LoadConfig()
	require.Error(t, err)
}
