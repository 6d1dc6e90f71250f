package handlers

import (
	"context"
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
	"github.com/freva-org/freva-rest/internal/models"
	"github.com/freva-org/freva-rest/internal/services/flavour"
	"github.com/freva-org/freva-rest/internal/services/search"
)

type fakeValidator struct {
	principals map[string]models.Principal
}

func (f *fakeValidator) Validate(_ context.Context, raw string) (models.Principal, error) {
	principal, ok := f.principals[raw]
	if !ok {
		return models.Principal{}, models.ErrUnauthenticated
	}
	return principal, nil
}

type fakeFlavourStore struct {
	flavours []models.Flavour
}

func (f *fakeFlavourStore) ListFlavours(_ context.Context) ([]models.Flavour, error) {
	return append([]models.Flavour(nil), f.flavours...), nil
}

func (f *fakeFlavourStore) InsertFlavour(_ context.Context, flv models.Flavour) error {
	f.flavours = append(f.flavours, flv)
	return nil
}

func (f *fakeFlavourStore) ReplaceFlavour(_ context.Context, name, owner string, flv models.Flavour) error {
	for i, existing := range f.flavours {
		if existing.Name == name && existing.Owner == owner {
			f.flavours[i] = flv
			return nil
		}
	}
	return models.ErrNotFound
}

func (f *fakeFlavourStore) DeleteFlavour(_ context.Context, name, owner string) error {
	for i, existing := range f.flavours {
		if existing.Name == name && existing.Owner == owner {
			f.flavours = append(f.flavours[:i], f.flavours[i+1:]...)
			return nil
		}
	}
	return models.ErrNotFound
}

func solrReply(numFound int64, docs []map[string]interface{}, facets map[string]interface{}) map[string]interface{} {
	reply := map[string]interface{}{
		"response": map[string]interface{}{"numFound": numFound, "docs": docs},
	}
	if facets != nil {
		reply["facet_counts"] = map[string]interface{}{"facet_fields": facets}
	}
	return reply
}

func newTestDatabrowser(t *testing.T, solr http.Handler) *DatabrowserHandler {
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
	registry := flavour.NewRegistry(&fakeFlavourStore{}, logger)
	require.NoError(t, registry.Refresh(context.Background()))
	client := search.NewClient(cfg, logger)
	userData := search.NewUserData(client, nil, logger)
	validator := &fakeValidator{principals: map[string]models.Principal{
		"alice-token": {Subject: "alice-sub", Username: "alice"},
		"root-token":  {Subject: "root-sub", Username: "root", Admin: true},
	}}
	return NewDatabrowserHandler(cfg, registry, client, userData, nil, validator, nil)
}

func TestOverviewListsFlavoursAndAttributes(t *testing.T) {
	h := newTestDatabrowser(t, http.NotFoundHandler())

	req := httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/overview", nil)
	rec := httptest.NewRecorder()
	h.OverviewHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Flavours   []string            `json:"flavours"`
		Attributes map[string][]string `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Flavours, "freva")
	assert.Contains(t, body.Flavours, "cmip6")
	assert.Contains(t, body.Attributes["cmip6"], "source_id", "cmip6 vocabulary is translated")
	assert.Contains(t, body.Attributes["freva"], "model")
}

func TestDataSearchStreamsKeys(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("rows") == "0" {
			json.NewEncoder(w).Encode(solrReply(2, nil, nil))
			return
		}
		json.NewEncoder(w).Encode(solrReply(2, []map[string]interface{}{
			{"file": "/arch/a.nc"},
			{"file": "/arch/b.nc"},
		}, nil))
	})
	h := newTestDatabrowser(t, mux)

	req := httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/data-search/freva/file?variable=tas", nil)
	rec := httptest.NewRecorder()
	h.DataSearchHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "2", rec.Header().Get("X-Total-Count"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Equal(t, []string{"/arch/a.nc", "/arch/b.nc"}, lines)
}

func TestDataSearchRejectsUnknownFacet(t *testing.T) {
	h := newTestDatabrowser(t, http.NotFoundHandler())

	req := httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/data-search/freva/file?no_such_facet=x", nil)
	rec := httptest.NewRecorder()
	h.DataSearchHandler(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "detail")
}

func TestDataSearchRejectsBadUniqKey(t *testing.T) {
	h := newTestDatabrowser(t, http.NotFoundHandler())

	req := httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/data-search/freva/nope", nil)
	rec := httptest.NewRecorder()
	h.DataSearchHandler(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDataSearchZarrStreamRequiresAuth(t *testing.T) {
	h := newTestDatabrowser(t, http.NotFoundHandler())

	req := httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/data-search/freva/file?zarr_stream=true", nil)
	rec := httptest.NewRecorder()
	h.DataSearchHandler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetadataSearchReturnsFacets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(solrReply(7, nil, map[string]interface{}{
			"variable": []interface{}{"tas", float64(7)},
		}))
	})
	h := newTestDatabrowser(t, mux)

	req := httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/metadata-search/freva/file", nil)
	rec := httptest.NewRecorder()
	h.MetadataSearchHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result models.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, int64(7), result.TotalCount)
	assert.Contains(t, result.Facets, "variable")
}

func TestIntakeEmptyResultIsBadRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(solrReply(0, nil, nil))
	})
	h := newTestDatabrowser(t, mux)

	req := httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/intake-catalogue/freva/file", nil)
	rec := httptest.NewRecorder()
	h.IntakeHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntakeStreamsCatalogue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursorMark") != "" {
			json.NewEncoder(w).Encode(solrReply(1, []map[string]interface{}{
				{"file": "/arch/a.nc", "project": "obs", "variable": []interface{}{"tas"}},
			}, nil))
			return
		}
		json.NewEncoder(w).Encode(solrReply(1, nil, map[string]interface{}{
			"project":  []interface{}{"obs", float64(1)},
			"variable": []interface{}{"tas", float64(1)},
		}))
	})
	h := newTestDatabrowser(t, mux)

	req := httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/intake-catalogue/freva/file", nil)
	rec := httptest.NewRecorder()
	h.IntakeHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "catalogue.json")

	var catalogue map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalogue), "streamed catalogue is valid JSON")
	assert.Equal(t, "0.1.0", catalogue["esmcat_version"])
	entries, ok := catalogue["catalog_dict"].([]interface{})
	require.True(t, ok)
	require.Len(t, entries, 1)
}

func TestUserDataRequiresAuth(t *testing.T) {
	h := newTestDatabrowser(t, http.NotFoundHandler())

	req := httptest.NewRequest("POST", "/api/freva-nextgen/databrowser/userdata/alice", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.UserDataHandler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("POST", "/api/freva-nextgen/databrowser/userdata/bob", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer alice-token")
	rec = httptest.NewRecorder()
	h.UserDataHandler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code, "non-admins only manage their own data")
}

func TestUserDataIngest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(solrReply(0, nil, nil)) // no duplicates
	})
	mux.HandleFunc("/solr/latest/update/json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})
	h := newTestDatabrowser(t, mux)

	body := `{"user_metadata": [{"file": "/home/alice/tas.nc", "variable": "tas",
		"time": "[2000 TO 2001]", "time_frequency": "mon"}], "facets": {"project": "user-data"}}`
	req := httptest.NewRequest("POST", "/api/freva-nextgen/databrowser/userdata/alice", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	h.UserDataHandler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result models.UserDataResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Ingested)
}

func TestFlavourCreateAndList(t *testing.T) {
	h := newTestDatabrowser(t, http.NotFoundHandler())

	body := `{"flavour_name": "mine", "mapping": {"model": "source"}}`
	req := httptest.NewRequest("POST", "/api/freva-nextgen/databrowser/flavours", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	h.FlavoursHandler(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/flavours", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec = httptest.NewRecorder()
	h.FlavoursHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mine"`)

	// Anonymous listings never see user flavours.
	req = httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/flavours", nil)
	rec = httptest.NewRecorder()
	h.FlavoursHandler(rec, req)
	assert.NotContains(t, rec.Body.String(), `"mine"`)
}

func TestFlavourUpdateRenames(t *testing.T) {
	h := newTestDatabrowser(t, http.NotFoundHandler())

	body := `{"flavour_name": "mine", "mapping": {"model": "source"}}`
	req := httptest.NewRequest("POST", "/api/freva-nextgen/databrowser/flavours", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	h.FlavoursHandler(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The body's flavour_name carries the new name; the path names the
	// flavour being changed.
	body = `{"flavour_name": "renamed", "mapping": {"model": "source_id"}}`
	req = httptest.NewRequest("PUT", "/api/freva-nextgen/databrowser/flavours/mine", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer alice-token")
	rec = httptest.NewRecorder()
	h.FlavourHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated models.Flavour
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "renamed", updated.Name)

	req = httptest.NewRequest("GET", "/api/freva-nextgen/databrowser/flavours", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec = httptest.NewRecorder()
	h.FlavoursHandler(rec, req)
	assert.Contains(t, rec.Body.String(), `"renamed"`)
	assert.NotContains(t, rec.Body.String(), `"mine"`)
}

func TestFlavourUpdateValidatesBody(t *testing.T) {
	h := newTestDatabrowser(t, http.NotFoundHandler())

	// Missing flavour_name and mapping.
	req := httptest.NewRequest("PUT", "/api/freva-nextgen/databrowser/flavours/mine", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	h.FlavourHandler(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestFlavourCreateBuiltinConflict(t *testing.T) {
	h := newTestDatabrowser(t, http.NotFoundHandler())

	body := `{"flavour_name": "cmip6", "mapping": {"model": "source"}}`
	req := httptest.NewRequest("POST", "/api/freva-nextgen/databrowser/flavours", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	h.FlavoursHandler(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "built-ins are immutable")
}
