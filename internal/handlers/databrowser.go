package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
	"github.com/freva-org/freva-rest/internal/services/flavour"
	"github.com/freva-org/freva-rest/internal/services/search"
	"github.com/freva-org/freva-rest/internal/services/stats"
)

// controlParams are query keys steering a search rather than filtering it.
// They never reach facet validation.
var controlParams = map[string]bool{
	"start":         true,
	"max-results":   true,
	"multi-version": true,
	"translate":     true,
	"facets":        true,
}

// defaultExtendedResults caps one extended-search page.
const defaultExtendedResults = 150

// DatabrowserHandler serves the databrowser search surface.
type DatabrowserHandler struct {
	cfg       *common.Config
	registry  *flavour.Registry
	client    *search.Client
	userData  *search.UserData
	publisher search.ZarrPublisher // nil when the zarr-stream service is off
	auth      TokenValidator
	stats     *stats.Recorder
	validate  *validator.Validate
	logger    arbor.ILogger
}

// NewDatabrowserHandler wires the databrowser routes.
func NewDatabrowserHandler(cfg *common.Config, registry *flavour.Registry, client *search.Client,
	userData *search.UserData, publisher search.ZarrPublisher, auth TokenValidator, recorder *stats.Recorder) *DatabrowserHandler {
	return &DatabrowserHandler{
		cfg:       cfg,
		registry:  registry,
		client:    client,
		userData:  userData,
		publisher: publisher,
		auth:      auth,
		stats:     recorder,
		validate:  validator.New(),
		logger:    common.GetLogger(),
	}
}

// flavourAndKey reads the trailing /{flavour}/{uniq_key} path segments.
func flavourAndKey(r *http.Request, route string) (string, string, error) {
	marker := "/" + route + "/"
	idx := strings.Index(r.URL.Path, marker)
	if idx < 0 {
		return "", "", fmt.Errorf("%w: malformed path", models.ErrInvalidInput)
	}
	parts := strings.Split(strings.Trim(r.URL.Path[idx+len(marker):], "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: path wants /%s/{flavour}/{uniq_key}", models.ErrInvalidInput, route)
	}
	return parts[0], parts[1], nil
}

// newSearch resolves the flavour and compiles the validated query.
func (h *DatabrowserHandler) newSearch(r *http.Request, flavourName, uniqKey, username string) (*search.Search, error) {
	translate := QueryBool(r, "translate", true)
	multiVersion := QueryBool(r, "multi-version", false)
	start, err := QueryInt(r, "start", 0)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("%w: start must be a non-negative integer", models.ErrInvalidInput)
	}

	translator, err := h.registry.Translator(flavourName, username, translate)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	for key, values := range r.URL.Query() {
		if controlParams[strings.ToLower(key)] {
			continue
		}
		query[key] = values
	}
	return search.New(h.client, translator, search.Options{
		UniqKey:      uniqKey,
		Start:        start,
		MultiVersion: multiVersion,
		Translate:    translate,
	}, query, h.logger)
}

// record enqueues the usage record of one terminal request, unless the
// client went away first.
func (h *DatabrowserHandler) record(r *http.Request, s *search.Search, route string, count int64, status int, started time.Time, principal *models.Principal) {
	if h.stats == nil || r.Context().Err() != nil {
		return
	}
	rec := models.StatsRecord{
		Metadata: models.StatsMetadata{
			Route:       route,
			APIType:     "databrowser",
			Flavour:     s.Translator().Name,
			UniqKey:     s.UniqKey(),
			ResultCount: count,
			DurationMS:  time.Since(started).Milliseconds(),
			Status:      status,
		},
		Query: s.Facets(),
	}
	if principal != nil {
		rec.Metadata.Principal = principal.Username
	}
	h.stats.Record(rec)
}

// OverviewHandler lists the available flavours and their vocabularies.
func (h *DatabrowserHandler) OverviewHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	principal, err := OptionalPrincipal(r.Context(), r, h.auth)
	if err != nil {
		WriteError(w, err)
		return
	}
	username := ""
	if principal != nil {
		username = principal.Username
	}

	names := h.registry.Names(username)
	attributes := make(map[string][]string, len(names))
	for _, name := range names {
		translator, err := h.registry.Translator(name, username, true)
		if err != nil {
			continue
		}
		attributes[name] = translator.ValidFacets()
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"flavours":   names,
		"attributes": attributes,
	})
}

// DataSearchHandler streams the matching file locations as text/plain,
// one per line. zarr_stream=true rewrites each location into its
// streaming URL and requires authentication.
func (h *DatabrowserHandler) DataSearchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	started := time.Now()
	flavourName, uniqKey, err := flavourAndKey(r, "data-search")
	if err != nil {
		WriteError(w, err)
		return
	}

	zarrStream := QueryBool(r, "zarr_stream", false)
	var principal *models.Principal
	if zarrStream {
		p, err := RequirePrincipal(r.Context(), r, h.auth)
		if err != nil {
			WriteError(w, err)
			return
		}
		if h.publisher == nil {
			WriteError(w, fmt.Errorf("%w: zarr streaming is not enabled", models.ErrInvalidInput))
			return
		}
		principal = &p
	} else if principal, err = OptionalPrincipal(r.Context(), r, h.auth); err != nil {
		WriteError(w, err)
		return
	}
	username := ""
	if principal != nil {
		username = principal.Username
	}

	s, err := h.newSearch(r, flavourName, uniqKey, username)
	if err != nil {
		WriteError(w, err)
		return
	}
	total, err := s.TotalCount(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}

	// Headers commit here; anything failing beyond this point can only be
	// logged and the connection closed.
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Total-Count", fmt.Sprintf("%d", total))
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	write := func(key string) error {
		if _, err := fmt.Fprintln(w, key); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	if zarrStream {
		err = s.StreamZarrKeys(r.Context(), h.publisher, username, write)
	} else {
		err = s.StreamKeys(r.Context(), write)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("flavour", flavourName).Msg("Data search stream aborted")
		return
	}
	h.record(r, s, "/databrowser/data-search", total, http.StatusOK, started, principal)
}

// MetadataSearchHandler returns the facet counts of a query without the
// matching documents.
func (h *DatabrowserHandler) MetadataSearchHandler(w http.ResponseWriter, r *http.Request) {
	h.facetSearch(w, r, "metadata-search", 0)
}

// ExtendedSearchHandler returns facet counts plus a page of documents.
func (h *DatabrowserHandler) ExtendedSearchHandler(w http.ResponseWriter, r *http.Request) {
	h.facetSearch(w, r, "extended-search", defaultExtendedResults)
}

func (h *DatabrowserHandler) facetSearch(w http.ResponseWriter, r *http.Request, route string, defaultResults int) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	started := time.Now()
	flavourName, uniqKey, err := flavourAndKey(r, route)
	if err != nil {
		WriteError(w, err)
		return
	}
	principal, err := OptionalPrincipal(r.Context(), r, h.auth)
	if err != nil {
		WriteError(w, err)
		return
	}
	username := ""
	if principal != nil {
		username = principal.Username
	}
	maxResults, err := QueryInt(r, "max-results", defaultResults)
	if err != nil || maxResults < 0 {
		WriteError(w, fmt.Errorf("%w: max-results must be a non-negative integer", models.ErrInvalidInput))
		return
	}
	zarrStream := QueryBool(r, "zarr_stream", false)
	if zarrStream {
		if _, err := RequirePrincipal(r.Context(), r, h.auth); err != nil {
			WriteError(w, err)
			return
		}
	}

	s, err := h.newSearch(r, flavourName, uniqKey, username)
	if err != nil {
		WriteError(w, err)
		return
	}
	result, err := s.FacetSearch(r.Context(), r.URL.Query()["facets"], maxResults, zarrStream, h.publisher, username)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
	h.record(r, s, "/databrowser/"+route, result.TotalCount, http.StatusOK, started, principal)
}

// IntakeHandler streams an intake-ESM catalogue of the query result.
// Empty results are a client error: an empty catalogue is not loadable.
func (h *DatabrowserHandler) IntakeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	started := time.Now()
	flavourName, uniqKey, err := flavourAndKey(r, "intake-catalogue")
	if err != nil {
		WriteError(w, err)
		return
	}
	principal, err := OptionalPrincipal(r.Context(), r, h.auth)
	if err != nil {
		WriteError(w, err)
		return
	}
	username := ""
	if principal != nil {
		username = principal.Username
	}
	maxResults, err := QueryInt(r, "max-results", 0)
	if err != nil || maxResults < 0 {
		WriteError(w, fmt.Errorf("%w: max-results must be a non-negative integer", models.ErrInvalidInput))
		return
	}
	zarrStream := QueryBool(r, "zarr_stream", false)
	if zarrStream {
		if _, err := RequirePrincipal(r.Context(), r, h.auth); err != nil {
			WriteError(w, err)
			return
		}
		if h.publisher == nil {
			WriteError(w, fmt.Errorf("%w: zarr streaming is not enabled", models.ErrInvalidInput))
			return
		}
	}

	s, err := h.newSearch(r, flavourName, uniqKey, username)
	if err != nil {
		WriteError(w, err)
		return
	}
	total, attrs, err := s.InitIntake(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if total == 0 {
		WriteDetail(w, http.StatusBadRequest, "No results found for query")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="catalogue.json"`)
	w.WriteHeader(http.StatusOK)
	if zarrStream {
		err = s.StreamZarrIntake(r.Context(), w, attrs, maxResults, h.publisher, username)
	} else {
		err = s.StreamIntake(r.Context(), w, attrs, maxResults)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("flavour", flavourName).Msg("Intake catalogue stream aborted")
		return
	}
	h.record(r, s, "/databrowser/intake-catalogue", total, http.StatusOK, started, principal)
}

// UserDataHandler handles ingest and purge of user-owned documents under
// /databrowser/userdata/{username}.
func (h *DatabrowserHandler) UserDataHandler(w http.ResponseWriter, r *http.Request) {
	marker := "/userdata/"
	idx := strings.Index(r.URL.Path, marker)
	if idx < 0 {
		WriteError(w, fmt.Errorf("%w: path wants /userdata/{username}", models.ErrInvalidInput))
		return
	}
	username := strings.Trim(r.URL.Path[idx+len(marker):], "/")
	if username == "" || strings.Contains(username, "/") {
		WriteError(w, fmt.Errorf("%w: path wants /userdata/{username}", models.ErrInvalidInput))
		return
	}

	principal, err := RequirePrincipal(r.Context(), r, h.auth)
	if err != nil {
		WriteError(w, err)
		return
	}
	if principal.Username != username && !principal.Admin {
		WriteError(w, fmt.Errorf("%w: only admins may manage another user's data", models.ErrForbidden))
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req models.UserDataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, fmt.Errorf("%w: malformed request body", models.ErrInvalidInput))
			return
		}
		if err := h.validate.Struct(&req); err != nil {
			WriteError(w, fmt.Errorf("%w: %s", models.ErrInvalidInput, err))
			return
		}
		result, err := h.userData.Add(r.Context(), username, req.UserMetadata, req.Facets)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, result)
	case http.MethodDelete:
		searchKeys := map[string]string{}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				searchKeys[strings.ToLower(key)] = values[0]
			}
		}
		if err := h.userData.Delete(r.Context(), username, searchKeys, principal.Admin); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		WriteDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// flavourRequest is the body of flavour create and update calls. On
// update, flavour_name carries the (possibly new) name while the URL path
// names the flavour being changed.
type flavourRequest struct {
	Name    string            `json:"flavour_name" validate:"required"`
	Mapping map[string]string `json:"mapping" validate:"required,min=1"`
	Global  bool              `json:"global,omitempty"`
}

// FlavoursHandler lists the visible flavours (GET) or creates one (POST).
func (h *DatabrowserHandler) FlavoursHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		principal, err := OptionalPrincipal(r.Context(), r, h.auth)
		if err != nil {
			WriteError(w, err)
			return
		}
		username := ""
		if principal != nil {
			username = principal.Username
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"flavours": h.registry.List(username),
		})
	case http.MethodPost:
		principal, err := RequirePrincipal(r.Context(), r, h.auth)
		if err != nil {
			WriteError(w, err)
			return
		}
		var req flavourRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, fmt.Errorf("%w: malformed request body", models.ErrInvalidInput))
			return
		}
		if err := h.validate.Struct(&req); err != nil {
			WriteError(w, fmt.Errorf("%w: %s", models.ErrInvalidInput, err))
			return
		}
		created, err := h.registry.Create(r.Context(), principal, req.Name, req.Mapping, req.Global)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	default:
		WriteDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// FlavourHandler updates (PUT) or deletes (DELETE) one user flavour under
// /databrowser/flavours/{name}.
func (h *DatabrowserHandler) FlavourHandler(w http.ResponseWriter, r *http.Request) {
	marker := "/flavours/"
	idx := strings.Index(r.URL.Path, marker)
	if idx < 0 {
		WriteError(w, fmt.Errorf("%w: path wants /flavours/{name}", models.ErrInvalidInput))
		return
	}
	name := strings.Trim(r.URL.Path[idx+len(marker):], "/")
	if name == "" || strings.Contains(name, "/") {
		WriteError(w, fmt.Errorf("%w: path wants /flavours/{name}", models.ErrInvalidInput))
		return
	}

	principal, err := RequirePrincipal(r.Context(), r, h.auth)
	if err != nil {
		WriteError(w, err)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req flavourRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, fmt.Errorf("%w: malformed request body", models.ErrInvalidInput))
			return
		}
		if err := h.validate.Struct(&req); err != nil {
			WriteError(w, fmt.Errorf("%w: %s", models.ErrInvalidInput, err))
			return
		}
		updated, err := h.registry.Update(r.Context(), principal, name, req.Name, req.Mapping, req.Global)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		global := QueryBool(r, "global", false)
		if err := h.registry.Delete(r.Context(), principal, name, global); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		WriteDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
