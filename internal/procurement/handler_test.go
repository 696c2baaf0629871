package procurement

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	f := newFixture(t, Config{})
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc)
	actors := map[string]shared.Actor{"receiver": receiver, "approver": approver}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actor, ok := actors[r.Header.Get("X-Test-Actor")]; ok {
				r = r.WithContext(shared.ContextWithActor(r.Context(), actor))
			}
			next.ServeHTTP(w, r)
		})
	})
	h.MountRoutes(r)
	return r
}

func call(t *testing.T, h http.Handler, method, path, actor string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Test-Actor", actor)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerReceiptLifecycle(t *testing.T) {
	router := newTestRouter(t)
	body := map[string]any{
		"purchase_order_id": 4,
		"supplier_id":       3,
		"location_id":       10,
		"lines": []map[string]any{
			{"product_id": 101, "variation_id": 1, "qty": "20", "unit_cost": "2", "serial_numbers": []string{"SN-1"}},
		},
	}
	rec := call(t, router, http.MethodPost, "/receipts/", "receiver", body, "Idempotency-Key", "rcv-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created receiptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, GRNStatusPending, created.Status)

	rec = call(t, router, http.MethodPost, "/receipts/", "receiver", body, "Idempotency-Key", "rcv-1")
	require.Equal(t, http.StatusOK, rec.Code)

	path := "/receipts/" + strconv.FormatInt(created.ID, 10)
	rec = call(t, router, http.MethodPost, path+"/approve", "receiver", nil)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = call(t, router, http.MethodPost, path+"/approve", "approver", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, router, http.MethodPost, path+"/reject", "approver", map[string]any{"reason": "late"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, router, http.MethodGet, path, "approver", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var shown receiptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shown))
	require.Equal(t, GRNStatusApproved, shown.Status)
	require.Len(t, shown.Lines, 1)

	rec = call(t, router, http.MethodGet, "/receipts/?status=approved", "approver", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":1`)
}

func TestHandlerReceiptErrors(t *testing.T) {
	router := newTestRouter(t)

	rec := call(t, router, http.MethodPost, "/receipts/", "", map[string]any{"location_id": 10})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, router, http.MethodPost, "/receipts/", "receiver", map[string]any{"location_id": 10, "lines": []any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, router, http.MethodGet, "/receipts/999", "receiver", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, router, http.MethodPost, "/receipts/abc/approve", "approver", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
