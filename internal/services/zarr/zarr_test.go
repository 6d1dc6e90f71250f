package zarr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
)

// fakeCache is an in-memory Cache with a switchable publish failure.
type fakeCache struct {
	data        map[string][]byte
	published   [][]byte
	publishFail bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := c.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	return value, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.data[key] = value
	return nil
}

func (c *fakeCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = value
	return true, nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func (c *fakeCache) Publish(_ context.Context, _ string, payload []byte) error {
	if c.publishFail {
		return fmt.Errorf("%w: channel down", models.ErrBackendUnavailable)
	}
	c.published = append(c.published, payload)
	return nil
}

func (c *fakeCache) CompareAndSwap(_ context.Context, key string, oldValue, newValue []byte, _ time.Duration) error {
	if !bytes.Equal(c.data[key], oldValue) {
		return fmt.Errorf("%w: value changed", models.ErrConflict)
	}
	c.data[key] = newValue
	return nil
}

func newTestBroker(t *testing.T) (*Broker, *fakeCache) {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Cache.Password = "test-secret"
	cache := newFakeCache()
	return NewBroker(cfg, cache, common.GetLogger()), cache
}

func TestTokenIdempotency(t *testing.T) {
	opts := models.ConvertOptions{Aggregate: "concat", Dim: "time"}

	t.Run("same inputs give the same token", func(t *testing.T) {
		assert.Equal(t,
			TokenFor("sub-1", []string{"/a.nc", "/b.nc"}, opts),
			TokenFor("sub-1", []string{"/a.nc", "/b.nc"}, opts))
	})
	t.Run("path order does not matter", func(t *testing.T) {
		assert.Equal(t,
			TokenFor("sub-1", []string{"/b.nc", "/a.nc"}, opts),
			TokenFor("sub-1", []string{"/a.nc", "/b.nc"}, opts))
	})
	t.Run("different subject gives a different token", func(t *testing.T) {
		assert.NotEqual(t,
			TokenFor("sub-1", []string{"/a.nc"}, opts),
			TokenFor("sub-2", []string{"/a.nc"}, opts))
	})
	t.Run("different options give a different token", func(t *testing.T) {
		assert.NotEqual(t,
			TokenFor("sub-1", []string{"/a.nc"}, opts),
			TokenFor("sub-1", []string{"/a.nc"}, models.ConvertOptions{}))
	})
}

func TestConvertSubmitsJobs(t *testing.T) {
	broker, cache := newTestBroker(t)
	principal := models.Principal{Subject: "sub-1", Username: "alice"}

	urls, err := broker.Convert(context.Background(), principal, models.ConvertRequest{
		Path: []string{"/a.nc", "/b.nc"},
	})
	require.NoError(t, err)
	assert.Len(t, urls, 2, "one URL per path without aggregation")
	assert.Len(t, cache.published, 2)
	for _, u := range urls {
		assert.True(t, strings.HasSuffix(u, ".zarr"))
		assert.Contains(t, u, "/api/freva-nextgen/data-portal/zarr/")
	}

	// Resubmission is idempotent: same URLs, no new worker messages.
	again, err := broker.Convert(context.Background(), principal, models.ConvertRequest{
		Path: []string{"/a.nc", "/b.nc"},
	})
	require.NoError(t, err)
	assert.Equal(t, urls, again)
	assert.Len(t, cache.published, 2)
}

func TestConvertRequeuesFailedJob(t *testing.T) {
	broker, cache := newTestBroker(t)
	principal := models.Principal{Subject: "sub-1", Username: "alice"}

	urls, err := broker.Convert(context.Background(), principal, models.ConvertRequest{Path: []string{"/a.nc"}})
	require.NoError(t, err)
	require.Len(t, cache.published, 1)
	token := strings.TrimSuffix(urls[0][strings.LastIndex(urls[0], "/")+1:], ".zarr")

	// The worker reports a failure.
	job, err := broker.Job(context.Background(), token)
	require.NoError(t, err)
	job.Status = models.ZarrFailed
	job.Reason = "conversion crashed"
	record, _ := json.Marshal(&job)
	cache.data[statusKey(token)] = record

	// Resubmitting swaps the failed record for a fresh queued one and
	// notifies the worker again.
	again, err := broker.Convert(context.Background(), principal, models.ConvertRequest{Path: []string{"/a.nc"}})
	require.NoError(t, err)
	assert.Equal(t, urls, again)
	assert.Len(t, cache.published, 2)

	status, err := broker.Status(context.Background(), token, 0)
	require.NoError(t, err)
	assert.Equal(t, models.ZarrQueued, status.Status)
}

func TestConvertAggregatedSingleURL(t *testing.T) {
	broker, cache := newTestBroker(t)
	principal := models.Principal{Subject: "sub-1", Username: "alice"}

	urls, err := broker.Convert(context.Background(), principal, models.ConvertRequest{
		Path:           []string{"/a.nc", "/b.nc"},
		ConvertOptions: models.ConvertOptions{Aggregate: "concat", Dim: "time"},
	})
	require.NoError(t, err)
	require.Len(t, urls, 1)
	require.Len(t, cache.published, 1)

	var msg workerMessage
	require.NoError(t, json.Unmarshal(cache.published[0], &msg))
	assert.Equal(t, []string{"/a.nc", "/b.nc"}, msg.Paths)
	assert.Equal(t, "concat", msg.Options.Aggregate)
}

func TestConvertValidation(t *testing.T) {
	broker, _ := newTestBroker(t)
	principal := models.Principal{Subject: "sub-1", Username: "alice"}

	_, err := broker.Convert(context.Background(), principal, models.ConvertRequest{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = broker.Convert(context.Background(), principal, models.ConvertRequest{
		Path:           []string{"/a.nc"},
		ConvertOptions: models.ConvertOptions{Join: "outer"},
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput, "join without aggregate")

	_, err = broker.Convert(context.Background(), principal, models.ConvertRequest{
		Path:           []string{"/a.nc"},
		ConvertOptions: models.ConvertOptions{TTLSeconds: 10},
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput, "ttl below the minimum")
}

func TestConvertRollsBackOnPublishFailure(t *testing.T) {
	broker, cache := newTestBroker(t)
	cache.publishFail = true
	principal := models.Principal{Subject: "sub-1", Username: "alice"}

	_, err := broker.Convert(context.Background(), principal, models.ConvertRequest{Path: []string{"/a.nc"}})
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
	assert.Empty(t, cache.data, "status record must be rolled back")
}

func TestStatusAndJobLookup(t *testing.T) {
	broker, cache := newTestBroker(t)
	principal := models.Principal{Subject: "sub-1", Username: "alice"}

	urls, err := broker.Convert(context.Background(), principal, models.ConvertRequest{Path: []string{"/a.nc"}})
	require.NoError(t, err)
	token := strings.TrimSuffix(urls[0][strings.LastIndex(urls[0], "/")+1:], ".zarr")

	status, err := broker.Status(context.Background(), token, 0)
	require.NoError(t, err)
	assert.Equal(t, models.ZarrQueued, status.Status)
	assert.Equal(t, "submitted", status.Reason)

	// The worker flips the record to ready.
	job, err := broker.Job(context.Background(), token)
	require.NoError(t, err)
	job.Status = models.ZarrReady
	record, _ := json.Marshal(&job)
	cache.data[statusKey(token)] = record

	status, err = broker.Status(context.Background(), token, 0)
	require.NoError(t, err)
	assert.Equal(t, models.ZarrReady, status.Status)

	_, err = broker.Status(context.Background(), "no-such-token", 0)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReadKey(t *testing.T) {
	broker, cache := newTestBroker(t)
	token := "t-1"
	cache.data[blobKey(token, ".zmetadata")] = []byte(`{"metadata":{}}`)
	cache.data[blobKey(token, "tas/.zarray")] = []byte(`{"shape":[10]}`)
	cache.data[blobKey(token, "tas/0.0")] = []byte{0x1, 0x2}

	tests := []struct {
		name        string
		key         string
		contentType string
		wantErr     error
	}{
		{name: "consolidated metadata", key: ".zmetadata", contentType: "application/json"},
		{name: "variable metadata", key: "tas/.zarray", contentType: "application/json"},
		{name: "chunk bytes", key: "tas/0.0", contentType: "application/octet-stream"},
		{name: "missing chunk", key: "tas/9.9", wantErr: models.ErrNotFound},
		{name: "nested group rejected", key: "group/tas/.zarray", wantErr: models.ErrInvalidInput},
		{name: "empty key rejected", key: "", wantErr: models.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, contentType, err := broker.ReadKey(context.Background(), token, tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, data)
			assert.Equal(t, tt.contentType, contentType)
		})
	}
}

func TestAuthorize(t *testing.T) {
	broker, _ := newTestBroker(t)
	authed := &models.Principal{Subject: "sub-1", Username: "alice"}
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	assert.NoError(t, broker.Authorize(models.ZarrJob{Expiry: future}, authed))
	assert.NoError(t, broker.Authorize(models.ZarrJob{Public: true, Expiry: future}, nil))
	assert.ErrorIs(t, broker.Authorize(models.ZarrJob{Expiry: future}, nil), models.ErrUnauthenticated)
	assert.ErrorIs(t, broker.Authorize(models.ZarrJob{Public: true, Expiry: past}, nil), models.ErrUnauthenticated)
}

func TestShareRoundTrip(t *testing.T) {
	broker, _ := newTestBroker(t)
	principal := models.Principal{Subject: "sub-1", Username: "alice"}

	urls, err := broker.Convert(context.Background(), principal, models.ConvertRequest{Path: []string{"/a.nc"}})
	require.NoError(t, err)

	grant, err := broker.CreateShare(context.Background(), models.ShareRequest{Path: urls[0], TTLSeconds: 3600})
	require.NoError(t, err)
	assert.Equal(t, "GET", grant.Method)
	assert.Contains(t, grant.URL, "/data-portal/share/"+grant.Sig+"/")
	assert.Greater(t, grant.Expires, time.Now().Unix())

	assert.NoError(t, broker.VerifyShare(context.Background(), grant.Sig, grant.Token))

	t.Run("tampered signature rejected", func(t *testing.T) {
		err := broker.VerifyShare(context.Background(), grant.Sig+"x", grant.Token)
		assert.ErrorIs(t, err, models.ErrUnauthenticated)
	})

	t.Run("signature bound to the token", func(t *testing.T) {
		err := broker.VerifyShare(context.Background(), grant.Sig, "other-token")
		assert.ErrorIs(t, err, models.ErrUnauthenticated)
	})

	t.Run("expired grant rejected", func(t *testing.T) {
		broker.now = func() time.Time { return time.Unix(grant.Expires+1, 0) }
		defer func() { broker.now = time.Now }()
		err := broker.VerifyShare(context.Background(), grant.Sig, grant.Token)
		assert.ErrorIs(t, err, models.ErrUnauthenticated)
	})

	t.Run("unknown token rejected at issue time", func(t *testing.T) {
		_, err := broker.CreateShare(context.Background(), models.ShareRequest{
			Path: "/api/freva-nextgen/data-portal/zarr/ffffffff-0000-0000-0000-000000000000.zarr",
		})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestWritePreview(t *testing.T) {
	broker, cache := newTestBroker(t)
	principal := models.Principal{Subject: "sub-1", Username: "alice"}
	urls, err := broker.Convert(context.Background(), principal, models.ConvertRequest{Path: []string{"/a.nc"}})
	require.NoError(t, err)
	token := strings.TrimSuffix(urls[0][strings.LastIndex(urls[0], "/")+1:], ".zarr")
	cache.data[blobKey(token, ".zmetadata")] = []byte(`{"metadata":{"tas/.zarray":{"shape":[10]},".zgroup":{"zarr_format":2}}}`)

	var out bytes.Buffer
	require.NoError(t, broker.WritePreview(context.Background(), &out, token))
	html := out.String()
	assert.Contains(t, html, token)
	assert.Contains(t, html, "queued")
	assert.Contains(t, html, "tas")
}
