package search

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/interfaces"
	"github.com/freva-org/freva-rest/internal/models"
	"github.com/freva-org/freva-rest/internal/services/workers"
)

// requiredUserDataFields must be present in every ingested entry.
var requiredUserDataFields = []string{"file", "variable", "time", "time_frequency"}

// ingestWorkers bounds the parallel index round trips per ingest request.
const ingestWorkers = 4

// UserData implements ingest and deletion of user-owned documents. The
// search index holds the authoritative copy; the meta store keeps the
// auxiliary record per file.
type UserData struct {
	client *Client
	meta   interfaces.UserDataMetaStore // nil disables the auxiliary copy
	logger arbor.ILogger
}

// NewUserData wires the user-data operations.
func NewUserData(client *Client, meta interfaces.UserDataMetaStore, logger arbor.ILogger) *UserData {
	return &UserData{client: client, meta: meta, logger: logger}
}

func escapeExact(value string) string {
	for _, char := range escapeChars {
		value = strings.ReplaceAll(value, char, "\\"+char)
	}
	return strings.ReplaceAll(value, `"`, `\"`)
}

// isDuplicate reports whether a document with this uri or file already
// exists in the latest core.
func (u *UserData) isDuplicate(ctx context.Context, uri, file string) (bool, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("uri:%q OR file:%q", escapeExact(uri), escapeExact(file)))
	params.Set("fl", "id")
	params.Set("rows", "1")
	params.Set("wt", "json")
	resp, err := u.client.Select(ctx, u.client.LatestCore(), params)
	if err != nil {
		return false, err
	}
	return resp.Response.NumFound > 0, nil
}

// Add validates, deduplicates and ingests user metadata. Facets apply to
// every entry; an entry's own keys win. Every written document carries
// user = username.
func (u *UserData) Add(ctx context.Context, username string, entries []map[string]interface{}, facets map[string]string) (models.UserDataResult, error) {
	result := models.UserDataResult{}

	writes := map[string]interface{}{
		"user":    username,
		"fs_type": "posix",
	}
	for k, v := range facets {
		writes[k] = v
	}

	var valid []map[string]interface{}
nextEntry:
	for _, entry := range entries {
		for _, field := range requiredUserDataFields {
			if _, ok := entry[field]; !ok {
				result.Skipped++
				result.Reasons = append(result.Reasons,
					fmt.Sprintf("missing required field %q", field))
				continue nextEntry
			}
		}
		merged := make(map[string]interface{}, len(entry)+len(writes)+1)
		for k, v := range entry {
			merged[k] = v
		}
		for k, v := range writes {
			merged[k] = v
		}
		merged["uri"] = merged["file"]
		valid = append(valid, merged)
	}
	if len(valid) == 0 {
		return result, fmt.Errorf("%w: no valid metadata found in the input", models.ErrInvalidInput)
	}

	// Dedup and ingest run as independent index round trips, so a batch
	// fans out over a small worker pool.
	pool := workers.NewPool(ingestWorkers, u.logger)
	pool.Start()
	var mu sync.Mutex
	for _, entry := range valid {
		entry := entry
		if err := pool.Submit(func(context.Context) error {
			file, _ := entry["file"].(string)
			uri, _ := entry["uri"].(string)
			dup, err := u.isDuplicate(ctx, uri, file)
			if err != nil {
				return err
			}
			if dup {
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return nil
			}
			if err := u.client.Update(ctx, u.client.LatestCore(), []interface{}{entry}); err != nil {
				return err
			}
			mu.Lock()
			result.Ingested++
			mu.Unlock()
			if u.meta != nil {
				if err := u.meta.UpsertUserDataMeta(ctx, username, file, entry); err != nil {
					u.logger.Warn().Err(err).Str("file", file).Msg("Could not store user-data metadata")
				}
			}
			return nil
		}); err != nil {
			break
		}
	}
	pool.Wait()
	if errs := pool.Errors(); len(errs) > 0 {
		return result, errs[0]
	}

	u.logger.Info().
		Str("user", username).
		Int("ingested", result.Ingested).
		Int("skipped", result.Skipped).
		Msg("User data ingested")
	return result, nil
}

// deleteQuery renders the Lucene conjunction for the search keys.
// Values are lowercased except for file paths, matching how they were
// indexed.
func deleteQuery(searchKeys map[string]string) string {
	parts := make([]string, 0, len(searchKeys))
	for key, value := range searchKeys {
		key = strings.ToLower(key)
		if key != "file" && key != "uri" {
			value = strings.ToLower(value)
		}
		parts = append(parts, fmt.Sprintf("%s:%s", key, escapeExact(value)))
	}
	return strings.Join(parts, " AND ")
}

// owners returns the distinct user values among the documents matching
// the search keys.
func (u *UserData) owners(ctx context.Context, query string) ([]string, error) {
	params := url.Values{}
	params.Set("q", "*:*")
	params.Set("fq", query)
	params.Set("rows", "0")
	params.Set("wt", "json")
	params.Set("facet", "true")
	params.Set("facet.mincount", "1")
	params.Set("facet.limit", "-1")
	params.Set("facet.field", "user")
	resp, err := u.client.Select(ctx, u.client.LatestCore(), params)
	if err != nil {
		return nil, err
	}
	interleaved := resp.FacetCounts.FacetFields["user"]
	var users []string
	for i := 0; i+1 < len(interleaved); i += 2 {
		if name, ok := interleaved[i].(string); ok {
			users = append(users, name)
		}
	}
	return users, nil
}

// Delete purges the caller's documents matching the search keys from the
// index and the meta store. When the match includes documents owned by
// someone else the whole request is rejected before anything is deleted;
// admins may target another user by passing user=<name> explicitly.
func (u *UserData) Delete(ctx context.Context, username string, searchKeys map[string]string, admin bool) error {
	target := username
	if explicit, ok := searchKeys["user"]; ok && explicit != username {
		if !admin {
			return fmt.Errorf("%w: only admins may delete another user's data", models.ErrForbidden)
		}
		target = explicit
	}
	delete(searchKeys, "user")

	if len(searchKeys) > 0 {
		owners, err := u.owners(ctx, deleteQuery(searchKeys)+" AND user:*")
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if owner != target && !admin {
				return fmt.Errorf("%w: matched data owned by another user", models.ErrForbidden)
			}
		}
	}

	searchKeys["user"] = target
	query := deleteQuery(searchKeys)
	if err := u.client.DeleteByQuery(ctx, u.client.LatestCore(), query); err != nil {
		return err
	}
	if u.meta != nil {
		if err := u.meta.DeleteUserDataMeta(ctx, target, nil); err != nil {
			u.logger.Warn().Err(err).Str("user", target).Msg("Could not purge user-data metadata")
		}
	}
	u.logger.Info().Str("user", target).Str("query", query).Msg("User data deleted")
	return nil
}
