package flavour

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/interfaces"
	"github.com/freva-org/freva-rest/internal/models"
)

// Registry resolves flavour names to translators and manages user-defined
// flavours. User flavours live in the document store; the registry keeps a
// read-mostly snapshot that is swapped atomically after every write.
type Registry struct {
	store  interfaces.FlavourStore
	logger arbor.ILogger

	cache atomic.Pointer[snapshot]
	mu    sync.Mutex // serialises writes and snapshot rebuilds
}

type snapshot struct {
	// byKey indexes user flavours by name + "\x00" + owner.
	byKey map[string]models.Flavour
}

func key(name, owner string) string { return name + "\x00" + owner }

// NewRegistry creates a registry. The store may be nil, which disables
// user flavours (built-ins keep working).
func NewRegistry(store interfaces.FlavourStore, logger arbor.ILogger) *Registry {
	r := &Registry{store: store, logger: logger}
	r.cache.Store(&snapshot{byKey: map[string]models.Flavour{}})
	return r
}

// Refresh reloads the user flavour snapshot from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	flavours, err := r.store.ListFlavours(ctx)
	if err != nil {
		return err
	}
	byKey := make(map[string]models.Flavour, len(flavours))
	for _, f := range flavours {
		byKey[key(f.Name, f.Owner)] = f
	}
	r.cache.Store(&snapshot{byKey: byKey})
	r.logger.Debug().Int("user_flavours", len(byKey)).Msg("Flavour cache refreshed")
	return nil
}

// Builtins returns the immutable flavour names.
func (r *Registry) Builtins() []string {
	return append([]string(nil), builtinOrder...)
}

// Names lists every flavour visible to username: built-ins, global
// definitions and the user's own.
func (r *Registry) Names(username string) []string {
	names := append([]string(nil), builtinOrder...)
	snap := r.cache.Load()
	extra := []string{}
	for _, f := range snap.byKey {
		if f.Owner == models.GlobalOwner || f.Owner == username {
			extra = append(extra, f.Name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

// List returns the visible flavour definitions for username, built-ins
// included.
func (r *Registry) List(username string) []models.Flavour {
	out := make([]models.Flavour, 0, len(builtinOrder))
	for _, name := range builtinOrder {
		out = append(out, models.Flavour{
			Name:    name,
			Owner:   models.GlobalOwner,
			Mapping: builtinMapping(name),
			Builtin: true,
		})
	}
	snap := r.cache.Load()
	extra := make([]models.Flavour, 0, len(snap.byKey))
	for _, f := range snap.byKey {
		if f.Owner == models.GlobalOwner || f.Owner == username {
			extra = append(extra, f)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Name < extra[j].Name })
	return append(out, extra...)
}

// Lookup resolves a flavour for username: built-in first, then the user's
// own definition, then a global one.
func (r *Registry) Lookup(name, username string) (models.Flavour, error) {
	if mapping := builtinMapping(name); mapping != nil {
		return models.Flavour{Name: name, Owner: models.GlobalOwner, Mapping: mapping, Builtin: true}, nil
	}
	snap := r.cache.Load()
	if username != "" {
		if f, ok := snap.byKey[key(name, username)]; ok {
			return f, nil
		}
	}
	if f, ok := snap.byKey[key(name, models.GlobalOwner)]; ok {
		return f, nil
	}
	return models.Flavour{}, fmt.Errorf("%w: flavour %q", models.ErrNotFound, name)
}

// Translator resolves a flavour and wraps it for translation.
func (r *Registry) Translator(name, username string, translate bool) (*Translator, error) {
	f, err := r.Lookup(name, username)
	if err != nil {
		return nil, err
	}
	return NewTranslator(f, translate), nil
}

// validateMapping rejects non-canonical keys and non-injective values.
func validateMapping(mapping map[string]string) error {
	seen := make(map[string]string, len(mapping))
	for canonical, name := range mapping {
		if !models.IsCanonicalFacet(canonical) {
			return fmt.Errorf("%w: unknown canonical facet %q", models.ErrInvalidInput, canonical)
		}
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty mapping for facet %q", models.ErrInvalidInput, canonical)
		}
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("%w: facets %q and %q both map to %q",
				models.ErrInvalidInput, prev, canonical, name)
		}
		seen[name] = canonical
	}
	return nil
}

// resolveOwner picks the owner for a write and enforces the admin gate on
// global definitions.
func resolveOwner(principal models.Principal, global bool) (string, error) {
	if global {
		if !principal.Admin {
			return "", fmt.Errorf("%w: only admins may manage global flavours", models.ErrForbidden)
		}
		return models.GlobalOwner, nil
	}
	if principal.Username == "" {
		return "", fmt.Errorf("%w: missing principal", models.ErrUnauthenticated)
	}
	return principal.Username, nil
}

// Create stores a new user flavour.
func (r *Registry) Create(ctx context.Context, principal models.Principal, name string, mapping map[string]string, global bool) (models.Flavour, error) {
	if r.store == nil {
		return models.Flavour{}, fmt.Errorf("%w: flavour store disabled", models.ErrBackendUnavailable)
	}
	if IsBuiltin(name) {
		return models.Flavour{}, fmt.Errorf("%w: flavour %q is built in", models.ErrImmutable, name)
	}
	if err := validateMapping(mapping); err != nil {
		return models.Flavour{}, err
	}
	owner, err := resolveOwner(principal, global)
	if err != nil {
		return models.Flavour{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache.Load().byKey[key(name, owner)]; ok {
		return models.Flavour{}, fmt.Errorf("%w: flavour %q already exists", models.ErrConflict, name)
	}
	now := time.Now().UTC()
	f := models.Flavour{Name: name, Owner: owner, Mapping: mapping, CreatedAt: now, UpdatedAt: now}
	if err := r.store.InsertFlavour(ctx, f); err != nil {
		return models.Flavour{}, err
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Flavour cache refresh failed after create")
	}
	r.logger.Info().Str("flavour", name).Str("owner", owner).Msg("Flavour created")
	return f, nil
}

// Update edits an existing user flavour. newName renames it atomically;
// a rename onto an existing name is a conflict.
func (r *Registry) Update(ctx context.Context, principal models.Principal, name, newName string, mapping map[string]string, global bool) (models.Flavour, error) {
	if r.store == nil {
		return models.Flavour{}, fmt.Errorf("%w: flavour store disabled", models.ErrBackendUnavailable)
	}
	if IsBuiltin(name) {
		return models.Flavour{}, fmt.Errorf("%w: flavour %q is built in", models.ErrImmutable, name)
	}
	owner, err := resolveOwner(principal, global)
	if err != nil {
		return models.Flavour{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.cache.Load()
	existing, ok := snap.byKey[key(name, owner)]
	if !ok {
		return models.Flavour{}, fmt.Errorf("%w: flavour %q", models.ErrNotFound, name)
	}

	target := existing
	if newName != "" && newName != name {
		if IsBuiltin(newName) {
			return models.Flavour{}, fmt.Errorf("%w: flavour %q is built in", models.ErrImmutable, newName)
		}
		if _, collide := snap.byKey[key(newName, owner)]; collide {
			return models.Flavour{}, fmt.Errorf("%w: flavour %q already exists", models.ErrConflict, newName)
		}
		target.Name = newName
	}
	if mapping != nil {
		if err := validateMapping(mapping); err != nil {
			return models.Flavour{}, err
		}
		// Partial update: supplied keys replace, others keep prior values.
		merged := make(map[string]string, len(existing.Mapping)+len(mapping))
		for k, v := range existing.Mapping {
			merged[k] = v
		}
		for k, v := range mapping {
			merged[k] = v
		}
		if err := validateMapping(merged); err != nil {
			return models.Flavour{}, err
		}
		target.Mapping = merged
	}
	target.UpdatedAt = time.Now().UTC()

	if err := r.store.ReplaceFlavour(ctx, name, owner, target); err != nil {
		return models.Flavour{}, err
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Flavour cache refresh failed after update")
	}
	r.logger.Info().Str("flavour", name).Str("owner", owner).Str("renamed_to", target.Name).Msg("Flavour updated")
	return target, nil
}

// Delete removes a user flavour. Built-ins are immutable.
func (r *Registry) Delete(ctx context.Context, principal models.Principal, name string, global bool) error {
	if r.store == nil {
		return fmt.Errorf("%w: flavour store disabled", models.ErrBackendUnavailable)
	}
	if IsBuiltin(name) {
		return fmt.Errorf("%w: flavour %q is built in", models.ErrImmutable, name)
	}
	owner, err := resolveOwner(principal, global)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.DeleteFlavour(ctx, name, owner); err != nil {
		return err
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Flavour cache refresh failed after delete")
	}
	r.logger.Info().Str("flavour", name).Str("owner", owner).Msg("Flavour deleted")
	return nil
}
