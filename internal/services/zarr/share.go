package zarr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freva-org/freva-rest/internal/models"
)

// shareMethod is the only HTTP method pre-signed URLs grant.
const shareMethod = "GET"

func shareKey(sig string) string { return "zarr:share:" + sig }

// secret is the signing key for pre-signed URLs. The cache password
// doubles as the shared server secret.
func (b *Broker) secret() []byte {
	return []byte(b.cfg.Cache.Password)
}

// Sign computes the base64url HMAC-SHA256 over "method|token|expires".
func (b *Broker) Sign(method, token string, expires int64) string {
	mac := hmac.New(sha256.New, b.secret())
	fmt.Fprintf(mac, "%s|%s|%d", method, token, expires)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// tokenFromPath pulls the job token out of a streaming URL or path. The
// path must address a store under /data-portal/zarr/.
func tokenFromPath(path string) (string, error) {
	idx := strings.Index(path, "/data-portal/zarr/")
	if idx < 0 {
		return "", fmt.Errorf("%w: path does not address a zarr store", models.ErrInvalidInput)
	}
	rest := path[idx+len("/data-portal/zarr/"):]
	token, _, _ := strings.Cut(rest, "/")
	token = strings.TrimSuffix(token, ".zarr")
	if token == "" {
		return "", fmt.Errorf("%w: path does not name a zarr token", models.ErrInvalidInput)
	}
	return token, nil
}

// JobForPath resolves the job a streaming URL or path addresses.
func (b *Broker) JobForPath(ctx context.Context, path string) (models.ZarrJob, error) {
	token, err := tokenFromPath(path)
	if err != nil {
		return models.ZarrJob{}, err
	}
	return b.Job(ctx, token)
}

// CreateShare issues a pre-signed URL for an existing job. The grant is
// recorded in the cache for its lifetime so the share route can recover
// the expiry during verification.
func (b *Broker) CreateShare(ctx context.Context, req models.ShareRequest) (models.ShareGrant, error) {
	token, err := tokenFromPath(req.Path)
	if err != nil {
		return models.ShareGrant{}, err
	}
	if _, err := b.Job(ctx, token); err != nil {
		return models.ShareGrant{}, err
	}
	ttl, err := jobTTL(req.TTLSeconds)
	if err != nil {
		return models.ShareGrant{}, err
	}

	expires := b.now().Add(ttl).Unix()
	sig := b.Sign(shareMethod, token, expires)
	grant := models.ShareGrant{
		URL: fmt.Sprintf("%s/api/freva-nextgen/data-portal/share/%s/%s.zarr",
			strings.TrimRight(b.cfg.Server.Proxy, "/"), sig, token),
		Sig:     sig,
		Token:   token,
		Expires: expires,
		Method:  shareMethod,
	}
	record, err := json.Marshal(&grant)
	if err != nil {
		return models.ShareGrant{}, err
	}
	if err := b.cache.Set(ctx, shareKey(sig), record, ttl); err != nil {
		return models.ShareGrant{}, err
	}
	b.logger.Info().Str("token", token).Int64("expires", expires).Msg("Share URL issued")
	return grant, nil
}

// VerifyShare checks a share signature: the grant must exist, the
// recomputed HMAC must match in constant time and the expiry must lie in
// the future.
func (b *Broker) VerifyShare(ctx context.Context, sig, token string) error {
	raw, err := b.cache.Get(ctx, shareKey(sig))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: unknown or expired share link", models.ErrUnauthenticated)
		}
		return err
	}
	var grant models.ShareGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return fmt.Errorf("decode share grant: %w", err)
	}
	expected := b.Sign(grant.Method, token, grant.Expires)
	if !hmac.Equal([]byte(expected), []byte(sig)) || grant.Token != token {
		return fmt.Errorf("%w: share signature mismatch", models.ErrUnauthenticated)
	}
	if b.now().After(time.Unix(grant.Expires, 0)) {
		return fmt.Errorf("%w: share link expired", models.ErrUnauthenticated)
	}
	return nil
}
