package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/services/search"
	"github.com/freva-org/freva-rest/internal/services/stac"
)

func newTestStac(t *testing.T, solr http.Handler) *StacHandler {
	t.Helper()
	srv := httptest.NewServer(solr)
	t.Cleanup(srv.Close)

	cfg := common.NewDefaultConfig()
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cfg.Solr.Host = parsed.Hostname()
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	cfg.Solr.Port = port

	logger := common.GetLogger()
	svc := stac.NewService(cfg, search.NewClient(cfg, logger), logger)
	return NewStacHandler(svc, nil)
}

func stacGet(t *testing.T, h *StacHandler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	h.Route("/api/freva-nextgen/stacapi")(rec, req)
	return rec
}

func TestStacLandingRoute(t *testing.T) {
	h := newTestStac(t, http.NotFoundHandler())

	rec := stacGet(t, h, "/api/freva-nextgen/stacapi")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"freva"`)

	rec = stacGet(t, h, "/api/freva-nextgen/stacapi/conformance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conformsTo")

	rec = stacGet(t, h, "/api/freva-nextgen/stacapi/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "PONG")

	rec = stacGet(t, h, "/api/freva-nextgen/stacapi/no-such-route")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStacCollectionsRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(solrReply(5, nil, map[string]interface{}{
			"project": []interface{}{"obs", float64(5)},
		}))
	})
	h := newTestStac(t, mux)

	rec := stacGet(t, h, "/api/freva-nextgen/stacapi/collections")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"obs"`)

	rec = stacGet(t, h, "/api/freva-nextgen/stacapi/collections/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStacSearchPost(t *testing.T) {
	var gotFQ []string
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		gotFQ = r.URL.Query()["fq"]
		json.NewEncoder(w).Encode(solrReply(0, nil, nil))
	})
	h := newTestStac(t, mux)

	body := `{"collections": ["obs"], "bbox": [-10, -5, 10, 5]}`
	req := httptest.NewRequest("POST", "/api/freva-nextgen/stacapi/search", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Route("/api/freva-nextgen/stacapi")(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, gotFQ, "project:(obs)")
}

func TestStacSearchGetBadBbox(t *testing.T) {
	h := newTestStac(t, http.NotFoundHandler())

	rec := stacGet(t, h, "/api/freva-nextgen/stacapi/search?bbox=1,2,oops,4")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStacRateLimiting(t *testing.T) {
	h := newTestStac(t, http.NotFoundHandler())

	// Burst through the limiter; the tail must get throttled.
	throttled := false
	for i := 0; i < 100; i++ {
		rec := stacGet(t, h, "/api/freva-nextgen/stacapi/healthz")
		if rec.Code == http.StatusTooManyRequests {
			throttled = true
			break
		}
	}
	assert.True(t, throttled, "burst past the limit gets 429")
}
