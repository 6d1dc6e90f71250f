package zarr

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/interfaces"
	"github.com/freva-org/freva-rest/internal/models"
)

// WorkerChannel is the pub/sub channel the conversion worker subscribes to.
const WorkerChannel = "data-portal"

// statusPollInterval is the wait between status reads when the client asks
// to block until the job leaves the queue.
const statusPollInterval = time.Second

// serviceNamespace seeds the per-user UUIDv5 namespaces. Fixed so tokens
// stay stable across restarts.
var serviceNamespace = uuid.MustParse("9a1f8f9e-4c3b-5f26-8d9a-2e61b4c0a7d3")

// Broker turns conversion requests into stable streaming tokens, hands the
// work to the external worker over the cache's pub/sub channel and serves
// job state and chunk data back out of the cache.
type Broker struct {
	cfg    *common.Config
	cache  interfaces.Cache
	logger arbor.ILogger
	now    func() time.Time
}

// NewBroker wires the zarr broker against the shared cache.
func NewBroker(cfg *common.Config, cache interfaces.Cache, logger arbor.ILogger) *Broker {
	return &Broker{cfg: cfg, cache: cache, logger: logger, now: time.Now}
}

func statusKey(token string) string { return "zarr:" + token + ":status" }
func blobKey(token, key string) string {
	return "zarr:" + token + ":blob:" + key
}

// userNamespace folds the principal subject into the service namespace, so
// two users converting the same paths get distinct tokens.
func userNamespace(subject string) uuid.UUID {
	digest := sha256.Sum256([]byte(subject))
	var ns uuid.UUID
	for i := range ns {
		ns[i] = serviceNamespace[i] ^ digest[i]
	}
	return ns
}

// canonicalRequest renders paths and options deterministically: sorted
// paths and a fixed field order, so equal requests map onto equal tokens.
func canonicalRequest(paths []string, opts models.ConvertOptions) []byte {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	payload, _ := json.Marshal(struct {
		Paths   []string              `json:"paths"`
		Options models.ConvertOptions `json:"options"`
	}{sorted, opts})
	return payload
}

// TokenFor derives the idempotent job token for one request.
func TokenFor(subject string, paths []string, opts models.ConvertOptions) string {
	return uuid.NewSHA1(userNamespace(subject), canonicalRequest(paths, opts)).String()
}

// StreamURL is the public address of a token's zarr store.
func (b *Broker) StreamURL(token string) string {
	return fmt.Sprintf("%s/api/freva-nextgen/data-portal/zarr/%s.zarr",
		strings.TrimRight(b.cfg.Server.Proxy, "/"), token)
}

type workerMessage struct {
	Token   string                `json:"token"`
	Paths   []string              `json:"paths"`
	Options models.ConvertOptions `json:"options"`
}

// submit registers one job and notifies the worker. Resubmitting an active
// token is a no-op, a failed job gets re-queued, and a failed publish rolls
// the fresh status record back.
func (b *Broker) submit(ctx context.Context, owner, token string, paths []string, opts models.ConvertOptions, ttl time.Duration) error {
	now := b.now().UTC()
	job := models.ZarrJob{
		Token:     token,
		Status:    models.ZarrQueued,
		Reason:    "submitted",
		Owner:     owner,
		Public:    opts.Public,
		CreatedAt: now,
		Expiry:    now.Add(ttl),
		Paths:     paths,
		Options:   opts,
	}
	record, err := json.Marshal(&job)
	if err != nil {
		return err
	}
	created, err := b.cache.SetNX(ctx, statusKey(token), record, ttl)
	if err != nil {
		return err
	}
	if !created {
		old, err := b.cache.Get(ctx, statusKey(token))
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// The record decayed between the two reads; someone else will
				// pick the job up on their next submit.
				return nil
			}
			return err
		}
		var existing models.ZarrJob
		if err := json.Unmarshal(old, &existing); err != nil {
			return fmt.Errorf("decode job record: %w", err)
		}
		if existing.Status != models.ZarrFailed {
			b.logger.Debug().Str("token", token).Msg("Conversion already submitted")
			return nil
		}
		// Re-queue a failed job, unless a concurrent writer swapped the
		// record first.
		if err := b.cache.CompareAndSwap(ctx, statusKey(token), old, record, ttl); err != nil {
			if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
				b.logger.Debug().Str("token", token).Msg("Conversion already resubmitted")
				return nil
			}
			return err
		}
	}

	message, err := json.Marshal(workerMessage{Token: token, Paths: paths, Options: opts})
	if err != nil {
		return err
	}
	if err := b.cache.Publish(ctx, WorkerChannel, message); err != nil {
		if delErr := b.cache.Delete(ctx, statusKey(token)); delErr != nil {
			b.logger.Warn().Err(delErr).Str("token", token).Msg("Could not roll back job status")
		}
		return fmt.Errorf("%w: worker channel unreachable: %v", models.ErrBackendUnavailable, err)
	}
	b.logger.Info().Str("token", token).Strs("paths", paths).Str("owner", owner).Msg("Conversion submitted")
	return nil
}

func jobTTL(seconds int) (time.Duration, error) {
	if seconds == 0 {
		return models.ZarrDefaultTTL * time.Second, nil
	}
	if seconds < models.ZarrMinTTL || seconds > models.ZarrMaxTTL {
		return 0, fmt.Errorf("%w: ttl_seconds must be between %d and %d",
			models.ErrInvalidInput, models.ZarrMinTTL, models.ZarrMaxTTL)
	}
	return time.Duration(seconds) * time.Second, nil
}

// Convert submits the conversion request and returns the streaming URLs.
// Without aggregation every path becomes its own job and URL; aggregated
// requests collapse into a single job keyed by the sorted path set.
func (b *Broker) Convert(ctx context.Context, principal models.Principal, req models.ConvertRequest) ([]string, error) {
	if len(req.Path) == 0 {
		return nil, fmt.Errorf("%w: at least one path is required", models.ErrInvalidInput)
	}
	ttl, err := jobTTL(req.TTLSeconds)
	if err != nil {
		return nil, err
	}
	if req.Join != "" && req.Aggregate == "" {
		return nil, fmt.Errorf("%w: join is only valid with aggregate", models.ErrInvalidInput)
	}

	if req.Aggregate != "" {
		token := TokenFor(principal.Subject, req.Path, req.ConvertOptions)
		if err := b.submit(ctx, principal.Username, token, req.Path, req.ConvertOptions, ttl); err != nil {
			return nil, err
		}
		return []string{b.StreamURL(token)}, nil
	}

	urls := make([]string, 0, len(req.Path))
	for _, path := range req.Path {
		token := TokenFor(principal.Subject, []string{path}, req.ConvertOptions)
		if err := b.submit(ctx, principal.Username, token, []string{path}, req.ConvertOptions, ttl); err != nil {
			return nil, err
		}
		urls = append(urls, b.StreamURL(token))
	}
	return urls, nil
}

// PublishPath submits a single path with default options under the shared
// location namespace and returns its streaming URL. Search results use it
// to rewrite file locations on the fly.
func (b *Broker) PublishPath(ctx context.Context, owner, path string) (string, error) {
	token := uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String()
	if err := b.submit(ctx, owner, token, []string{path}, models.ConvertOptions{}, models.ZarrDefaultTTL*time.Second); err != nil {
		return "", err
	}
	return b.StreamURL(token), nil
}

// Job reads one status record. Unknown or decayed tokens map to not-found.
func (b *Broker) Job(ctx context.Context, token string) (models.ZarrJob, error) {
	raw, err := b.cache.Get(ctx, statusKey(token))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ZarrJob{}, fmt.Errorf("%w: unknown zarr token %q", models.ErrNotFound, token)
		}
		return models.ZarrJob{}, err
	}
	var job models.ZarrJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.ZarrJob{}, fmt.Errorf("decode job record: %w", err)
	}
	return job, nil
}

// Status returns the job state. A positive timeout blocks, polling once a
// second, until the job leaves the queue or the deadline passes; the last
// observed state comes back either way.
func (b *Broker) Status(ctx context.Context, token string, timeout time.Duration) (models.ZarrStatus, error) {
	deadline := b.now().Add(timeout)
	for {
		job, err := b.Job(ctx, token)
		if err != nil {
			return models.ZarrStatus{}, err
		}
		status := models.ZarrStatus{Status: job.Status, Reason: job.Reason}
		if job.Status == models.ZarrReady || job.Status == models.ZarrFailed {
			return status, nil
		}
		if timeout <= 0 || !b.now().Before(deadline) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, nil
		case <-time.After(statusPollInterval):
		}
	}
}

// Authorize decides whether principal may read this job's data. Anonymous
// reads pass only for unexpired public jobs; the share path bypasses this
// via its signature check.
func (b *Broker) Authorize(job models.ZarrJob, principal *models.Principal) error {
	if principal != nil {
		return nil
	}
	if job.Public && !job.Expired(b.now()) {
		return nil
	}
	return fmt.Errorf("%w: zarr store requires authentication", models.ErrUnauthenticated)
}

// metadataKeys are the consolidated/variable metadata entries served as
// JSON; anything else is raw chunk bytes.
var metadataKeys = map[string]bool{
	".zmetadata": true,
	".zgroup":    true,
	".zattrs":    true,
	".zarray":    true,
}

// ReadKey serves one store entry: consolidated metadata at the root,
// variable metadata one level down, or chunk bytes. Deeper nesting is not
// part of the store layout and is rejected.
func (b *Broker) ReadKey(ctx context.Context, token, key string) ([]byte, string, error) {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "":
		return nil, "", fmt.Errorf("%w: empty store key", models.ErrInvalidInput)
	case len(parts) > 2:
		return nil, "", fmt.Errorf("%w: nested groups are not served, got %q", models.ErrInvalidInput, key)
	case len(parts) == 1 && strings.HasPrefix(parts[0], ".") && !metadataKeys[parts[0]]:
		return nil, "", fmt.Errorf("%w: unknown metadata key %q", models.ErrInvalidInput, key)
	}

	data, err := b.cache.Get(ctx, blobKey(token, strings.Join(parts, "/")))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: store key %q", models.ErrNotFound, key)
		}
		return nil, "", err
	}
	contentType := "application/octet-stream"
	if metadataKeys[parts[len(parts)-1]] {
		contentType = "application/json"
	}
	return data, contentType, nil
}
