package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-caisse/internal/obs"
)

func TestHTTPMetricsUseMatchedRoute(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("caisse", []float64{10, 1}, registry)

	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Route("/api/v1/sales", func(sr chi.Router) {
		sr.Post("/{id}/cancel", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	for _, id := range []string{"s-1", "s-2"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/sales/"+id+"/cancel", nil))
		require.Equal(t, http.StatusNoContent, rr.Code)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodPost, "/api/v1/sales/{id}/cancel", "204")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "unknown", "404")))
	require.Equal(t, 2, testutil.CollectAndCount(metrics.ReqDur))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestHTTPMetricsReuseRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("caisse", nil, registry)
	second := obs.NewHTTPMetrics("caisse", nil, registry)
	require.Same(t, first.ReqTotal, second.ReqTotal)

	handler := obs.HTTPObs{Metrics: second}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/health/live"))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, 1.0, testutil.ToFloat64(first.ReqTotal.WithLabelValues(http.MethodGet, "/health/live", "200")))
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 25.5, 100}, obs.ParseBucketsCSV(" 5, 25.5,x,-1,,100"))
	require.Empty(t, obs.ParseBucketsCSV(""))
}

func TestRequestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Get("/api/v1/carts/{id}", func(w http.ResponseWriter, req *http.Request) {
		zerolog.Ctx(req.Context()).Info().Msg("inner")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/carts/c-9", nil)
	req.Header.Set(obs.RegisterHeader, "till-2")
	r.ServeHTTP(httptest.NewRecorder(), req)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var inner, access map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &inner))
	require.Equal(t, "till-2", inner["register_id"])

	require.NoError(t, json.Unmarshal(lines[1], &access))
	require.Equal(t, "http_request", access["message"])
	require.Equal(t, "/api/v1/carts/{id}", access["route"])
	require.Equal(t, "/api/v1/carts/c-9", access["path"])
	require.EqualValues(t, http.StatusAccepted, access["status"])
	require.EqualValues(t, 2, access["bytes"])
}
