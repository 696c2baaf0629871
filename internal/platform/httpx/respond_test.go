package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

type sampleRequest struct {
	LocationID int64  `json:"location_id" validate:"gt=0"`
	Reason     string `json:"reason" validate:"required"`
}

func TestDecodeAndValidate(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"location_id":0}`))
	var body sampleRequest
	err := DecodeAndValidate(req, &body)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "LocationID")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"location_id":3,"reason":"count"}`))
	require.NoError(t, DecodeAndValidate(req, &body))
	require.Equal(t, int64(3), body.LocationID)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	require.ErrorIs(t, DecodeAndValidate(req, &body), ErrValidation)
}

func TestRespondErrorMapsSharedKinds(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("receipt 9: %w", shared.ErrNotFound):             http.StatusNotFound,
		fmt.Errorf("receipt: %w", shared.ErrInvalidStateTransition): http.StatusConflict,
		fmt.Errorf("approve: %w", shared.ErrForbidden):              http.StatusForbidden,
		fmt.Errorf("bad: %w", ErrValidation):                        http.StatusBadRequest,
		fmt.Errorf("unexpected"):                                    http.StatusInternalServerError,
	}
	for err, status := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, err)
		require.Equal(t, status, rec.Code, err.Error())
		var problem ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		require.Equal(t, status, problem.Status)
	}
}
