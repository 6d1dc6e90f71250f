package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
	"github.com/freva-org/freva-rest/internal/services/stac"
	"github.com/freva-org/freva-rest/internal/services/stats"
)

// StacHandler serves the STAC API surface. Every route runs through one
// shared rate limiter.
type StacHandler struct {
	svc     *stac.Service
	limiter *rate.Limiter
	stats   *stats.Recorder
	logger  arbor.ILogger
}

// NewStacHandler wires the STAC routes. The limiter allows 20 requests
// per second with bursts of 40 across all stacapi endpoints.
func NewStacHandler(svc *stac.Service, recorder *stats.Recorder) *StacHandler {
	return &StacHandler{
		svc:     svc,
		limiter: rate.NewLimiter(20, 40),
		stats:   recorder,
		logger:  common.GetLogger(),
	}
}

func (h *StacHandler) allow(w http.ResponseWriter) bool {
	if !h.limiter.Allow() {
		WriteDetail(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

func (h *StacHandler) record(r *http.Request, route string, count int64, started time.Time) {
	if h.stats == nil || r.Context().Err() != nil {
		return
	}
	h.stats.Record(models.StatsRecord{
		Metadata: models.StatsMetadata{
			Route:       route,
			APIType:     "stacapi",
			Flavour:     "freva",
			ResultCount: count,
			DurationMS:  time.Since(started).Milliseconds(),
			Status:      http.StatusOK,
		},
	})
}

// Route dispatches everything below the stacapi base path.
func (h *StacHandler) Route(base string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.allow(w) {
			return
		}
		parts := PathTail(r, base)
		switch {
		case len(parts) == 0:
			h.landing(w, r)
		case parts[0] == "conformance" && len(parts) == 1:
			h.conformance(w, r)
		case parts[0] == "queryables" && len(parts) == 1:
			h.queryables(w, r)
		case parts[0] == "healthz" && len(parts) == 1:
			h.healthz(w, r)
		case parts[0] == "search" && len(parts) == 1:
			h.search(w, r)
		case parts[0] == "collections":
			h.collections(w, r, parts[1:])
		default:
			WriteDetail(w, http.StatusNotFound, "The requested endpoint does not exist")
		}
	}
}

func (h *StacHandler) landing(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.svc.Landing())
}

func (h *StacHandler) conformance(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.svc.Conformance())
}

func (h *StacHandler) queryables(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.svc.Queryables(r.Context()))
}

func (h *StacHandler) healthz(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.svc.Ping())
}

func (h *StacHandler) collections(w http.ResponseWriter, r *http.Request, parts []string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	switch {
	case len(parts) == 0:
		list, err := h.svc.Collections(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	case len(parts) == 1:
		collection, err := h.svc.Collection(r.Context(), parts[0])
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, collection)
	case len(parts) == 2 && parts[1] == "queryables":
		WriteJSON(w, http.StatusOK, h.svc.Queryables(r.Context()))
	case len(parts) == 2 && parts[1] == "items":
		h.items(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "items":
		item, err := h.svc.Item(r.Context(), parts[0], parts[2])
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, item)
	default:
		WriteDetail(w, http.StatusNotFound, "The requested endpoint does not exist")
	}
}

func (h *StacHandler) items(w http.ResponseWriter, r *http.Request, collection string) {
	started := time.Now()
	limit, err := QueryInt(r, "limit", 0)
	if err != nil {
		WriteError(w, fmt.Errorf("%w: limit must be an integer", models.ErrInvalidInput))
		return
	}
	page, err := h.svc.Items(r.Context(), collection, limit, r.URL.Query().Get("token"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
	h.record(r, "/stacapi/collections/"+collection+"/items", page.NumberMatched, started)
}

// search handles the cross-collection item search, GET and POST.
func (h *StacHandler) search(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req stac.SearchRequest
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		if collections := query.Get("collections"); collections != "" {
			req.Collections = splitCommaList(collections)
		}
		if bbox := query.Get("bbox"); bbox != "" {
			parsed, err := parseFloatList(bbox)
			if err != nil {
				WriteError(w, fmt.Errorf("%w: malformed bbox", models.ErrInvalidInput))
				return
			}
			req.Bbox = parsed
		}
		req.Datetime = query.Get("datetime")
		req.Token = query.Get("token")
		limit, err := QueryInt(r, "limit", 0)
		if err != nil {
			WriteError(w, fmt.Errorf("%w: limit must be an integer", models.ErrInvalidInput))
			return
		}
		req.Limit = limit
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, fmt.Errorf("%w: malformed request body", models.ErrInvalidInput))
			return
		}
	default:
		WriteDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	page, err := h.svc.Search(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
	h.record(r, "/stacapi/search", page.NumberMatched, started)
}
