package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
	"github.com/freva-org/freva-rest/internal/services/auth"
)

// AuthHandler mediates between clients and the OIDC provider.
type AuthHandler struct {
	cfg      *common.Config
	mediator *auth.Mediator
	logger   arbor.ILogger
}

// NewAuthHandler wires the auth/v2 routes.
func NewAuthHandler(cfg *common.Config, mediator *auth.Mediator) *AuthHandler {
	return &AuthHandler{
		cfg:      cfg,
		mediator: mediator,
		logger:   common.GetLogger(),
	}
}

// LoginHandler starts the authorization code flow with a 307 to the
// provider's authorization endpoint.
func (h *AuthHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	redirectURI := r.URL.Query().Get("redirect_uri")
	offline := QueryBool(r, "offline_access", false)
	authURL, err := h.mediator.BeginLogin(r.Context(), redirectURI, offline)
	if err != nil {
		WriteError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// CallbackHandler finishes the code flow: the single-use state resolves
// back to the client's redirect target, which receives the code.
func (h *AuthHandler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	query := r.URL.Query()
	target, err := h.mediator.CompleteLogin(query.Get("state"), query.Get("code"))
	if err != nil {
		WriteError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// tokenRequest carries the /token parameters; form and JSON bodies both
// decode into it.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	DeviceCode   string `json:"device_code,omitempty"`
}

func decodeTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("%w: malformed request body", models.ErrInvalidInput)
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("%w: malformed form body", models.ErrInvalidInput)
	}
	req.GrantType = r.PostForm.Get("grant_type")
	req.Code = r.PostForm.Get("code")
	req.RedirectURI = r.PostForm.Get("redirect_uri")
	req.RefreshToken = r.PostForm.Get("refresh_token")
	req.DeviceCode = r.PostForm.Get("device_code")
	return req, nil
}

// TokenHandler exchanges a grant for tokens. Supported grant types:
// authorization_code, refresh_token and device_code.
func (h *AuthHandler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	req, err := decodeTokenRequest(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var token models.TokenResponse
	switch req.GrantType {
	case "authorization_code":
		if req.Code == "" {
			WriteError(w, fmt.Errorf("%w: code is required", models.ErrInvalidInput))
			return
		}
		token, err = h.mediator.ExchangeCode(r.Context(), req.Code, req.RedirectURI)
	case "refresh_token":
		if req.RefreshToken == "" {
			WriteError(w, fmt.Errorf("%w: refresh_token is required", models.ErrInvalidInput))
			return
		}
		token, err = h.mediator.Refresh(r.Context(), req.RefreshToken)
	case "device_code", "urn:ietf:params:oauth:grant-type:device_code":
		if req.DeviceCode == "" {
			WriteError(w, fmt.Errorf("%w: device_code is required", models.ErrInvalidInput))
			return
		}
		token, err = h.mediator.PollDeviceFlow(r.Context(), req.DeviceCode)
	default:
		WriteError(w, fmt.Errorf("%w: unsupported grant type %q", models.ErrInvalidInput, req.GrantType))
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, token)
}

// DeviceHandler starts the device authorization flow.
func (h *AuthHandler) DeviceHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	resp, err := h.mediator.BeginDeviceFlow(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// StatusHandler reports the validity of the presented access token.
func (h *AuthHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	raw := BearerToken(r)
	if raw == "" {
		WriteError(w, models.ErrUnauthenticated)
		return
	}
	status, err := h.mediator.Status(r.Context(), raw)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// UserInfoHandler returns the normalised profile of the token holder.
func (h *AuthHandler) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	principal, err := RequirePrincipal(r.Context(), r, h.mediator)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.mediator.UserInfo(principal))
}

// SystemUserHandler resolves the system account of the token holder.
// Guest tokens are rejected.
func (h *AuthHandler) SystemUserHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	principal, err := RequirePrincipal(r.Context(), r, h.mediator)
	if err != nil {
		WriteError(w, err)
		return
	}
	username, err := h.mediator.SystemUser(principal)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"username": username})
}

// CheckUserHandler verifies the token holder against the local passwd
// database.
func (h *AuthHandler) CheckUserHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	principal, err := RequirePrincipal(r.Context(), r, h.mediator)
	if err != nil {
		WriteError(w, err)
		return
	}
	name, err := h.mediator.CheckUser(principal)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"pw_name": name})
}

// LogoutHandler redirects to the provider's end-session endpoint. The
// standard post_logout_redirect_uri parameter names where to land
// afterwards; the shorter redirect_uri spelling is accepted as well.
func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	redirect := r.URL.Query().Get("post_logout_redirect_uri")
	if redirect == "" {
		redirect = r.URL.Query().Get("redirect_uri")
	}
	target, err := h.mediator.LogoutURL(r.Context(), redirect)
	if err != nil {
		WriteError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// AuthPortsHandler lists the loopback ports accepted as redirect targets.
func (h *AuthHandler) AuthPortsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"valid_ports": h.cfg.OIDC.AuthPorts,
	})
}

// WellKnownHandler proxies the provider discovery document with the token
// and userinfo endpoints rewritten to this service.
func (h *AuthHandler) WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	doc, err := h.mediator.WellKnown(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}
