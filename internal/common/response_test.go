package common_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/errand-pay/internal/common"
)

func TestFailWritesEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	common.Fail(rr, http.StatusBadRequest, "payment_id is required")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.JSONEq(t, `{"success":false,"error":"payment_id is required"}`, rr.Body.String())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	require.Equal(t, "10.0.0.7", common.ClientIP{}.Of(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "10.0.0.7", common.ClientIP{}.Of(req), "forwarded header ignored without a trusted proxy")
	require.Equal(t, "203.0.113.9", common.ClientIP{TrustProxy: true}.Of(req))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.4")
	require.Equal(t, "198.51.100.4", common.ClientIP{TrustProxy: true}.Of(req))
}
