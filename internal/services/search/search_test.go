package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/services/flavour"
)

// newTestClient points a Client at a fake index server.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := common.NewDefaultConfig()
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := splitHostPort(parsed.Host)
	require.NoError(t, err)
	cfg.Solr.Host = host
	cfg.Solr.Port = port

	return NewClient(cfg, common.GetLogger()), srv
}

func splitHostPort(hostport string) (string, int, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("no port in %q", hostport)
	}
	port, err := strconv.Atoi(hostport[idx+1:])
	return hostport[:idx], port, err
}

func testTranslator(t *testing.T, name string) *flavour.Translator {
	t.Helper()
	registry := flavour.NewRegistry(nil, common.GetLogger())
	tr, err := registry.Translator(name, "", true)
	require.NoError(t, err)
	return tr
}

func selectReply(numFound int64, docs []map[string]interface{}, cursor string) map[string]interface{} {
	reply := map[string]interface{}{
		"response": map[string]interface{}{
			"numFound": numFound,
			"docs":     docs,
		},
	}
	if cursor != "" {
		reply["nextCursorMark"] = cursor
	}
	return reply
}

func TestNewRejectsInvalidInput(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())
	tr := testTranslator(t, "freva")

	_, err := New(client, tr, Options{UniqKey: "path"}, url.Values{}, common.GetLogger())
	assert.Error(t, err, "uniq_key other than file/uri must be rejected")

	_, err = New(client, tr, Options{}, url.Values{"banana": {"yes"}}, common.GetLogger())
	assert.Error(t, err, "unknown facet keys must be rejected")
}

func TestNewBuildsFilterQueries(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())

	t.Run("facet clause with user exclusion", func(t *testing.T) {
		s, err := New(client, testTranslator(t, "freva"), Options{},
			url.Values{"model": {"MPI-ESM"}}, common.GetLogger())
		require.NoError(t, err)
		assert.Equal(t, []string{"{!ex=userTag}-user:*", `model:(mpi\-esm)`}, s.filterQueries)
	})

	t.Run("flavour vocabulary canonicalised", func(t *testing.T) {
		s, err := New(client, testTranslator(t, "cmip6"), Options{},
			url.Values{"source_id": {"MPI-ESM"}}, common.GetLogger())
		require.NoError(t, err)
		assert.Contains(t, s.filterQueries, `model:(mpi\-esm)`)
	})

	t.Run("canonical name invalid under renaming flavour", func(t *testing.T) {
		_, err := New(client, testTranslator(t, "cmip6"), Options{},
			url.Values{"model": {"MPI-ESM"}}, common.GetLogger())
		assert.Error(t, err)
	})

	t.Run("negated key suffix", func(t *testing.T) {
		s, err := New(client, testTranslator(t, "freva"), Options{},
			url.Values{"model_not_": {"MPI-ESM"}}, common.GetLogger())
		require.NoError(t, err)
		assert.Contains(t, s.filterQueries, `-model:(mpi\-esm)`)
	})

	t.Run("user flavour selects user data", func(t *testing.T) {
		s, err := New(client, testTranslator(t, "user"), Options{}, url.Values{}, common.GetLogger())
		require.NoError(t, err)
		assert.Contains(t, s.filterQueries, "user:*")
		assert.Contains(t, s.filterQueries, "*:*")
	})

	t.Run("time and bbox precede facet clauses", func(t *testing.T) {
		s, err := New(client, testTranslator(t, "freva"), Options{},
			url.Values{"time": {"2000 to 2010"}, "bbox": {"-10,10,-10,10"}}, common.GetLogger())
		require.NoError(t, err)
		require.Len(t, s.filterQueries, 3)
		assert.True(t, strings.HasPrefix(s.filterQueries[0], "{!field f=time"))
		assert.True(t, strings.HasPrefix(s.filterQueries[1], `bbox:"`))
	})
}

func TestTotalCount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.URL.Query().Get("rows"))
		json.NewEncoder(w).Encode(selectReply(42, nil, ""))
	})
	client, _ := newTestClient(t, mux)

	s, err := New(client, testTranslator(t, "freva"), Options{}, url.Values{}, common.GetLogger())
	require.NoError(t, err)

	count, err := s.TotalCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestStreamKeysPagesThroughCursor(t *testing.T) {
	pages := map[string]struct {
		docs []map[string]interface{}
		next string
	}{
		"*":  {docs: []map[string]interface{}{{"file": "/a.nc"}, {"file": "/b.nc"}}, next: "p2"},
		"p2": {docs: []map[string]interface{}{{"file": "/c.nc"}}, next: "p2"},
	}
	var requests int
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		requests++
		q := r.URL.Query()
		assert.Equal(t, "file desc", q.Get("sort"))
		page := pages[q.Get("cursorMark")]
		json.NewEncoder(w).Encode(selectReply(3, page.docs, page.next))
	})
	client, _ := newTestClient(t, mux)

	s, err := New(client, testTranslator(t, "freva"), Options{}, url.Values{}, common.GetLogger())
	require.NoError(t, err)

	var keys []string
	require.NoError(t, s.StreamKeys(context.Background(), func(key string) error {
		keys = append(keys, key)
		return nil
	}))
	assert.Equal(t, []string{"/a.nc", "/b.nc", "/c.nc"}, keys)
	assert.Equal(t, 2, requests, "stops when the cursor mark repeats")
}

func TestStreamKeysHonoursStartOffset(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(selectReply(3, []map[string]interface{}{
			{"file": "/a.nc"}, {"file": "/b.nc"}, {"file": "/c.nc"},
		}, r.URL.Query().Get("cursorMark")))
	})
	client, _ := newTestClient(t, mux)

	s, err := New(client, testTranslator(t, "freva"), Options{Start: 2}, url.Values{}, common.GetLogger())
	require.NoError(t, err)

	var keys []string
	require.NoError(t, s.StreamKeys(context.Background(), func(key string) error {
		keys = append(keys, key)
		return nil
	}))
	assert.Equal(t, []string{"/c.nc"}, keys)
}

func TestFacetSearchTranslatesFacetNames(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/schema/fields", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"fields": []map[string]string{
				{"name": "model", "type": "extra_facet"},
				{"name": "variable", "type": "extra_facet"},
				{"name": "file", "type": "text_general"},
			},
		})
	})
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		reply := selectReply(1, []map[string]interface{}{{"file": "/a.nc", "fs_type": "posix"}}, "")
		reply["facet_counts"] = map[string]interface{}{
			"facet_fields": map[string]interface{}{
				"model": []interface{}{"mpi-esm", float64(1)},
			},
		}
		json.NewEncoder(w).Encode(reply)
	})
	client, _ := newTestClient(t, mux)

	s, err := New(client, testTranslator(t, "cmip6"), Options{}, url.Values{}, common.GetLogger())
	require.NoError(t, err)

	result, err := s.FacetSearch(context.Background(), nil, 10, false, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.TotalCount)
	assert.Contains(t, result.Facets, "source_id", "facet names come back in the flavour vocabulary")
	assert.Contains(t, result.PrimaryFacets, "source_id")
	assert.Len(t, result.Search, 1)
}

type fakeMetaStore struct {
	upserts map[string]map[string]interface{}
	deleted []string
}

func (f *fakeMetaStore) UpsertUserDataMeta(_ context.Context, _, file string, meta map[string]interface{}) error {
	if f.upserts == nil {
		f.upserts = map[string]map[string]interface{}{}
	}
	f.upserts[file] = meta
	return nil
}

func (f *fakeMetaStore) DeleteUserDataMeta(_ context.Context, user string, _ []string) error {
	f.deleted = append(f.deleted, user)
	return nil
}

func TestUserDataAdd(t *testing.T) {
	var ingested []map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		// /known.nc already indexed, everything else is new.
		numFound := int64(0)
		if strings.Contains(r.URL.Query().Get("q"), "known.nc") {
			numFound = 1
		}
		json.NewEncoder(w).Encode(selectReply(numFound, nil, ""))
	})
	mux.HandleFunc("/solr/latest/update/json", func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		ingested = append(ingested, batch...)
	})
	client, _ := newTestClient(t, mux)

	meta := &fakeMetaStore{}
	ud := NewUserData(client, meta, common.GetLogger())

	entries := []map[string]interface{}{
		{"file": "/new.nc", "variable": "tas", "time": "[2000 TO 2001]", "time_frequency": "mon"},
		{"file": "/known.nc", "variable": "pr", "time": "[2000 TO 2001]", "time_frequency": "mon"},
		{"variable": "uas"}, // missing required fields
	}
	result, err := ud.Add(context.Background(), "alice", entries, map[string]string{"project": "obs"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Ingested)
	assert.Equal(t, 2, result.Skipped)
	require.Len(t, ingested, 1)
	assert.Equal(t, "/new.nc", ingested[0]["file"])
	assert.Equal(t, "/new.nc", ingested[0]["uri"], "uri mirrors the file path")
	assert.Equal(t, "alice", ingested[0]["user"])
	assert.Equal(t, "posix", ingested[0]["fs_type"])
	assert.Equal(t, "obs", ingested[0]["project"])
	assert.Contains(t, meta.upserts, "/new.nc")
}

func TestUserDataAddAllInvalid(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())
	ud := NewUserData(client, nil, common.GetLogger())

	_, err := ud.Add(context.Background(), "alice",
		[]map[string]interface{}{{"variable": "tas"}}, nil)
	assert.Error(t, err, "no valid metadata must be an input error")
}

func TestUserDataDelete(t *testing.T) {
	var deleteQueries []string
	mux := http.NewServeMux()
	mux.HandleFunc("/solr/latest/select", func(w http.ResponseWriter, r *http.Request) {
		reply := selectReply(2, nil, "")
		reply["facet_counts"] = map[string]interface{}{
			"facet_fields": map[string]interface{}{
				"user": []interface{}{"alice", float64(1), "bob", float64(1)},
			},
		}
		json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("/solr/latest/update/json", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Delete struct {
				Query string `json:"query"`
			} `json:"delete"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		deleteQueries = append(deleteQueries, payload.Delete.Query)
	})
	client, _ := newTestClient(t, mux)
	meta := &fakeMetaStore{}
	ud := NewUserData(client, meta, common.GetLogger())

	t.Run("rejects when the match spans owners", func(t *testing.T) {
		err := ud.Delete(context.Background(), "alice",
			map[string]string{"variable": "tas"}, false)
		assert.Error(t, err)
		assert.Empty(t, deleteQueries, "nothing may be deleted on rejection")
	})

	t.Run("admin may delete across owners", func(t *testing.T) {
		err := ud.Delete(context.Background(), "alice",
			map[string]string{"variable": "tas"}, true)
		require.NoError(t, err)
		require.Len(t, deleteQueries, 1)
		assert.Contains(t, deleteQueries[0], "variable:tas")
		assert.Contains(t, deleteQueries[0], "user:alice")
	})

	t.Run("non-admin cannot target another user", func(t *testing.T) {
		err := ud.Delete(context.Background(), "alice",
			map[string]string{"user": "bob"}, false)
		assert.Error(t, err)
	})
}
