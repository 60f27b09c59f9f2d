package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/scrape/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ok := httpRequestsTotal.WithLabelValues("GET", "200")
	missing := httpRequestsTotal.WithLabelValues("GET", "404")
	beforeOK := testutil.ToFloat64(ok)
	beforeMissing := testutil.ToFloat64(missing)

	for _, path := range []string{"/health", "/scrape/abc"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, beforeOK+1, testutil.ToFloat64(ok), 0.0001)
	require.InDelta(t, beforeMissing+1, testutil.ToFloat64(missing), 0.0001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSecond))
}
