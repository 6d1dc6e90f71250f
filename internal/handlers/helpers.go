package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/freva-org/freva-rest/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteDetail writes the standard error body {"detail": ...}.
func WriteDetail(w http.ResponseWriter, statusCode int, detail string) error {
	return WriteJSON(w, statusCode, map[string]string{"detail": detail})
}

// WriteError maps a service error onto its status code and writes the
// error body. Internal errors keep their detail out of the response.
func WriteError(w http.ResponseWriter, err error) error {
	status := models.HTTPStatus(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "Internal server error"
	}
	return WriteDetail(w, status, detail)
}

// BearerToken extracts the bearer token from the Authorization header,
// empty when the request is anonymous.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// TokenValidator resolves a bearer token into a request principal.
type TokenValidator interface {
	Validate(ctx context.Context, rawToken string) (models.Principal, error)
}

// OptionalPrincipal validates the bearer token when one is present.
// Anonymous requests come back as (nil, nil); a present but invalid token
// is an error.
func OptionalPrincipal(ctx context.Context, r *http.Request, v TokenValidator) (*models.Principal, error) {
	raw := BearerToken(r)
	if raw == "" || v == nil {
		return nil, nil
	}
	principal, err := v.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	return &principal, nil
}

// RequirePrincipal validates the bearer token, rejecting anonymous requests.
func RequirePrincipal(ctx context.Context, r *http.Request, v TokenValidator) (models.Principal, error) {
	principal, err := OptionalPrincipal(ctx, r, v)
	if err != nil {
		return models.Principal{}, err
	}
	if principal == nil {
		return models.Principal{}, models.ErrUnauthenticated
	}
	return *principal, nil
}

// QueryBool reads a boolean query parameter, tolerating the usual spellings.
func QueryBool(r *http.Request, key string, def bool) bool {
	value := r.URL.Query().Get(key)
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(strings.ToLower(value))
	if err != nil {
		return def
	}
	return parsed
}

// QueryInt reads an integer query parameter.
func QueryInt(r *http.Request, key string, def int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, models.ErrInvalidInput
	}
	return parsed, nil
}

// splitCommaList splits a comma separated parameter, dropping empties.
func splitCommaList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseFloatList reads a comma separated list of floats.
func parseFloatList(value string) ([]float64, error) {
	parts := splitCommaList(value)
	out := make([]float64, len(parts))
	for i, part := range parts {
		parsed, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, err
		}
		out[i] = parsed
	}
	return out, nil
}

// PathTail splits the URL path after prefix into its remaining segments.
func PathTail(r *http.Request, prefix string) []string {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" {
		return nil
	}
	return strings.Split(tail, "/")
}
