package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMiddlewarePassesThrough(t *testing.T) {
	t.Parallel()

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "short and stout", rec.Body.String())
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()

	ObserveTask("done")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "applyfleet_tasks_total")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, "2xx", classify(204))
	require.Equal(t, "3xx", classify(302))
	require.Equal(t, "4xx", classify(429))
	require.Equal(t, "5xx", classify(502))
	require.Equal(t, "other", classify(0))
}
