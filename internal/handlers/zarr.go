package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
	"github.com/freva-org/freva-rest/internal/services/zarr"
)

// maxStatusTimeout bounds the long-poll window of the status endpoint.
const maxStatusTimeout = 1500 * time.Second

// ZarrHandler serves the data-portal surface: conversion requests, zarr
// chunk reads and pre-signed share URLs.
type ZarrHandler struct {
	broker   *zarr.Broker
	auth     TokenValidator
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewZarrHandler wires the data-portal routes.
func NewZarrHandler(broker *zarr.Broker, auth TokenValidator) *ZarrHandler {
	return &ZarrHandler{
		broker:   broker,
		auth:     auth,
		validate: validator.New(),
		logger:   common.GetLogger(),
	}
}

// convertRequestFromQuery builds a conversion request from the GET alias.
func convertRequestFromQuery(r *http.Request) models.ConvertRequest {
	query := r.URL.Query()
	req := models.ConvertRequest{Path: query["path"]}
	req.Aggregate = query.Get("aggregate")
	req.Join = query.Get("join")
	req.Compat = query.Get("compat")
	req.DataVars = query.Get("data_vars")
	req.Coords = query.Get("coords")
	req.Dim = query.Get("dim")
	req.GroupBy = query.Get("group_by")
	req.Public = QueryBool(r, "public", false)
	if ttl, err := QueryInt(r, "ttl_seconds", 0); err == nil {
		req.TTLSeconds = ttl
	}
	return req
}

// ConvertHandler accepts a conversion request and answers with the
// streaming URLs. GET is an alias of POST with query parameters.
func (h *ZarrHandler) ConvertHandler(w http.ResponseWriter, r *http.Request) {
	principal, err := RequirePrincipal(r.Context(), r, h.auth)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req models.ConvertRequest
	switch r.Method {
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, fmt.Errorf("%w: malformed request body", models.ErrInvalidInput))
			return
		}
	case http.MethodGet:
		req = convertRequestFromQuery(r)
	default:
		WriteDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, fmt.Errorf("%w: %s", models.ErrInvalidInput, err))
		return
	}

	urls, err := h.broker.Convert(r.Context(), principal, req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"urls": urls})
}

// splitToken reads "{token}.zarr" into the bare token.
func splitToken(segment string) (string, bool) {
	token := strings.TrimSuffix(segment, ".zarr")
	return token, token != segment && token != ""
}

// ZarrHandlerFunc dispatches everything below /data-portal/zarr/:
// the HTML preview, status polling and chunk reads.
func (h *ZarrHandler) ZarrHandlerFunc(base string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !RequireMethod(w, r, "GET") {
			return
		}
		parts := PathTail(r, base)
		if len(parts) == 0 {
			WriteDetail(w, http.StatusNotFound, "The requested endpoint does not exist")
			return
		}
		token, ok := splitToken(parts[0])
		if !ok {
			WriteError(w, fmt.Errorf("%w: path wants {token}.zarr", models.ErrInvalidInput))
			return
		}

		job, ok := h.authorizedJob(w, r, token)
		if !ok {
			return
		}

		switch {
		case len(parts) == 1:
			h.preview(w, r, token, job)
		case len(parts) == 2 && parts[1] == "status":
			h.status(w, r, token)
		default:
			h.readKey(w, r, token, strings.Join(parts[1:], "/"))
		}
	}
}

// queryToken reads the token query parameter, tolerating a trailing
// ".zarr" so pasted dataset URLs work as is.
func queryToken(r *http.Request) (string, error) {
	token := strings.TrimSuffix(r.URL.Query().Get("token"), ".zarr")
	if token == "" {
		return "", fmt.Errorf("%w: token query parameter wanted", models.ErrInvalidInput)
	}
	return token, nil
}

// authorizedJob resolves the caller and checks read access to the job
// behind token. Errors are already written to w when ok is false.
func (h *ZarrHandler) authorizedJob(w http.ResponseWriter, r *http.Request, token string) (models.ZarrJob, bool) {
	principal, err := OptionalPrincipal(r.Context(), r, h.auth)
	if err != nil {
		WriteError(w, err)
		return models.ZarrJob{}, false
	}
	job, err := h.broker.Job(r.Context(), token)
	if err != nil {
		WriteError(w, err)
		return models.ZarrJob{}, false
	}
	if err := h.broker.Authorize(job, principal); err != nil {
		WriteError(w, err)
		return models.ZarrJob{}, false
	}
	return job, true
}

// StatusUtilHandler answers the job status for a token passed as a query
// parameter instead of a path segment.
func (h *ZarrHandler) StatusUtilHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	token, err := queryToken(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, ok := h.authorizedJob(w, r, token); !ok {
		return
	}
	h.status(w, r, token)
}

// HTMLUtilHandler renders the HTML dataset summary for a token passed as
// a query parameter.
func (h *ZarrHandler) HTMLUtilHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	token, err := queryToken(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, ok := h.authorizedJob(w, r, token); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.broker.WritePreview(r.Context(), w, token); err != nil {
		h.logger.Warn().Err(err).Str("token", token).Msg("Could not render zarr preview")
	}
}

// preview renders the HTML summary, or the job record for API clients.
func (h *ZarrHandler) preview(w http.ResponseWriter, r *http.Request, token string, job models.ZarrJob) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := h.broker.WritePreview(r.Context(), w, token); err != nil {
			h.logger.Warn().Err(err).Str("token", token).Msg("Could not render zarr preview")
		}
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// status long-polls the job state. timeout=0 answers immediately.
func (h *ZarrHandler) status(w http.ResponseWriter, r *http.Request, token string) {
	seconds, err := QueryInt(r, "timeout", 0)
	if err != nil || seconds < 0 || time.Duration(seconds)*time.Second > maxStatusTimeout {
		WriteError(w, fmt.Errorf("%w: timeout must be between 0 and %d seconds",
			models.ErrInvalidInput, int(maxStatusTimeout/time.Second)))
		return
	}
	status, err := h.broker.Status(r.Context(), token, time.Duration(seconds)*time.Second)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (h *ZarrHandler) readKey(w http.ResponseWriter, r *http.Request, token, key string) {
	payload, contentType, err := h.broker.ReadKey(r.Context(), token, key)
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn().Err(err).Str("token", token).Str("key", key).Msg("Chunk write aborted")
	}
}

// ShareHandler issues a pre-signed share URL for an existing dataset.
func (h *ZarrHandler) ShareHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	principal, err := RequirePrincipal(r.Context(), r, h.auth)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req models.ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, fmt.Errorf("%w: malformed request body", models.ErrInvalidInput))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, fmt.Errorf("%w: %s", models.ErrInvalidInput, err))
		return
	}

	job, err := h.broker.JobForPath(r.Context(), req.Path)
	if err != nil {
		WriteError(w, err)
		return
	}
	if job.Owner != principal.Username && !principal.Admin {
		WriteError(w, fmt.Errorf("%w: only the owner may share a dataset", models.ErrForbidden))
		return
	}
	grant, err := h.broker.CreateShare(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, grant)
}

// SharedHandlerFunc serves chunk reads through a pre-signed share URL:
// /data-portal/share/{sig}/{token}.zarr/{key}.
func (h *ZarrHandler) SharedHandlerFunc(base string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !RequireMethod(w, r, "GET") {
			return
		}
		parts := PathTail(r, base)
		if len(parts) < 2 {
			WriteError(w, fmt.Errorf("%w: path wants {sig}/{token}.zarr/{key}", models.ErrInvalidInput))
			return
		}
		sig := parts[0]
		token, ok := splitToken(parts[1])
		if !ok {
			WriteError(w, fmt.Errorf("%w: path wants {sig}/{token}.zarr/{key}", models.ErrInvalidInput))
			return
		}
		if err := h.broker.VerifyShare(r.Context(), sig, token); err != nil {
			WriteError(w, err)
			return
		}
		h.readKey(w, r, token, strings.Join(parts[2:], "/"))
	}
}
