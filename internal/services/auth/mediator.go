package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/models"
)

// discoveryTTL is how long a fetched OIDC discovery document stays valid.
const discoveryTTL = 10 * time.Minute

// Discovery is the subset of the OIDC discovery document the mediator
// consumes.
type Discovery struct {
	Issuer                      string `json:"issuer"`
	AuthorizationEndpoint       string `json:"authorization_endpoint"`
	TokenEndpoint               string `json:"token_endpoint"`
	UserinfoEndpoint            string `json:"userinfo_endpoint"`
	JWKSURI                     string `json:"jwks_uri"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
	EndSessionEndpoint          string `json:"end_session_endpoint"`
}

type discoverySnapshot struct {
	doc       Discovery
	fetchedAt time.Time
}

// Mediator brokers between clients and the identity provider: it runs the
// OIDC code and device flows, validates bearer tokens against the cached
// JWKS and applies the configured claim filters.
type Mediator struct {
	cfg    *common.Config
	httpc  *http.Client
	logger arbor.ILogger

	claimFilters [][2]string
	adminFilters [][2]string

	discovery atomic.Pointer[discoverySnapshot]
	discMu    sync.Mutex

	keys   atomic.Pointer[keySet]
	keysMu sync.Mutex

	states *stateStore
	now    func() time.Time
}

// NewMediator builds the auth mediator. The claim filter specs from the
// configuration are compiled up front so malformed filters fail at boot.
func NewMediator(cfg *common.Config, logger arbor.ILogger) (*Mediator, error) {
	tokenFilters, err := common.ParseClaimFilters(cfg.OIDC.TokenClaims)
	if err != nil {
		return nil, fmt.Errorf("token_claims: %w", err)
	}
	adminFilters, err := common.ParseClaimFilters(cfg.OIDC.AdminClaims)
	if err != nil {
		return nil, fmt.Errorf("admin_claims: %w", err)
	}
	return &Mediator{
		cfg:          cfg,
		httpc:        &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		claimFilters: tokenFilters,
		adminFilters: adminFilters,
		states:       newStateStore(),
		now:          time.Now,
	}, nil
}

// Discover returns the discovery document, refetching it when the cached
// copy is older than ten minutes.
func (m *Mediator) Discover(ctx context.Context) (Discovery, error) {
	if snap := m.discovery.Load(); snap != nil && m.now().Sub(snap.fetchedAt) < discoveryTTL {
		return snap.doc, nil
	}
	m.discMu.Lock()
	defer m.discMu.Unlock()
	if snap := m.discovery.Load(); snap != nil && m.now().Sub(snap.fetchedAt) < discoveryTTL {
		return snap.doc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.OIDC.DiscoveryURL, nil)
	if err != nil {
		return Discovery{}, err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return Discovery{}, fmt.Errorf("%w: discovery fetch: %v", models.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Discovery{}, fmt.Errorf("%w: discovery endpoint replied %d",
			models.ErrBackendUnavailable, resp.StatusCode)
	}
	var doc Discovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Discovery{}, fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.Issuer == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return Discovery{}, fmt.Errorf("%w: discovery document incomplete", models.ErrBackendUnavailable)
	}
	m.discovery.Store(&discoverySnapshot{doc: doc, fetchedAt: m.now()})
	m.logger.Info().Str("issuer", doc.Issuer).Msg("OIDC discovery loaded")
	return doc, nil
}

// oauthConfig assembles the x/oauth2 client for this provider.
func (m *Mediator) oauthConfig(ctx context.Context, redirectURI string) (*oauth2.Config, error) {
	doc, err := m.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     m.cfg.OIDC.ClientID,
		ClientSecret: m.cfg.OIDC.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:       doc.AuthorizationEndpoint,
			TokenURL:      doc.TokenEndpoint,
			DeviceAuthURL: doc.DeviceAuthorizationEndpoint,
		},
		Scopes: []string{"openid", "profile", "email"},
	}, nil
}

// ValidateRedirect enforces the redirect_uri policy: a registered absolute
// URL, or localhost on one of the configured auth ports.
func (m *Mediator) ValidateRedirect(redirectURI string) error {
	for _, registered := range m.cfg.Server.RedirURL {
		if redirectURI == registered {
			return nil
		}
	}
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: redirect_uri must be absolute", models.ErrInvalidInput)
	}
	host := parsed.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return fmt.Errorf("%w: redirect_uri %q is not registered", models.ErrInvalidInput, redirectURI)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		return fmt.Errorf("%w: localhost redirect needs an explicit port", models.ErrInvalidInput)
	}
	for _, allowed := range m.cfg.OIDC.AuthPorts {
		if port == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: port %d is not an allowed auth port", models.ErrInvalidInput, port)
}

// BeginLogin validates the redirect target and returns the IdP authorize
// URL plus the state handed to the browser.
func (m *Mediator) BeginLogin(ctx context.Context, redirectURI string, offlineAccess bool) (string, error) {
	if err := m.ValidateRedirect(redirectURI); err != nil {
		return "", err
	}
	conf, err := m.oauthConfig(ctx, redirectURI)
	if err != nil {
		return "", err
	}
	state := m.states.Put(redirectURI)
	var opts []oauth2.AuthCodeOption
	if offlineAccess {
		opts = append(opts, oauth2.SetAuthURLParam("scope", strings.Join(append(conf.Scopes, "offline_access"), " ")))
	}
	return conf.AuthCodeURL(state, opts...), nil
}

// CompleteLogin consumes the state and returns the redirect target the
// browser should be sent to with the authorization code attached.
func (m *Mediator) CompleteLogin(state, code string) (string, error) {
	redirectURI, ok := m.states.Take(state)
	if !ok {
		return "", fmt.Errorf("%w: unknown or reused state", models.ErrUnauthenticated)
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("%w: stored redirect_uri invalid", models.ErrInvalidInput)
	}
	q := target.Query()
	q.Set("code", code)
	target.RawQuery = q.Encode()
	return target.String(), nil
}

// tokenResponse converts an x/oauth2 token into the wire shape, carrying
// the provider's refresh expiry through when it sends one.
func (m *Mediator) tokenResponse(token *oauth2.Token) models.TokenResponse {
	out := models.TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		Expires:      token.Expiry.Unix(),
		RefreshToken: token.RefreshToken,
	}
	if out.TokenType == "" {
		out.TokenType = "Bearer"
	}
	if scope, ok := token.Extra("scope").(string); ok {
		out.Scope = scope
	}
	if refreshExpiresIn, ok := token.Extra("refresh_expires_in").(float64); ok {
		out.RefreshExpires = m.now().Unix() + int64(refreshExpiresIn)
	}
	return out
}

// ExchangeCode trades an authorization code for tokens.
func (m *Mediator) ExchangeCode(ctx context.Context, code, redirectURI string) (models.TokenResponse, error) {
	conf, err := m.oauthConfig(ctx, redirectURI)
	if err != nil {
		return models.TokenResponse{}, err
	}
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return models.TokenResponse{}, fmt.Errorf("%w: code exchange failed: %v", models.ErrUnauthenticated, err)
	}
	return m.tokenResponse(token), nil
}

// Refresh trades a refresh token for a fresh token pair.
func (m *Mediator) Refresh(ctx context.Context, refreshToken string) (models.TokenResponse, error) {
	conf, err := m.oauthConfig(ctx, "")
	if err != nil {
		return models.TokenResponse{}, err
	}
	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return models.TokenResponse{}, fmt.Errorf("%w: token refresh failed: %v", models.ErrUnauthenticated, err)
	}
	return m.tokenResponse(token), nil
}

// BeginDeviceFlow starts the device authorization grant for clients that
// cannot bind a localhost port.
func (m *Mediator) BeginDeviceFlow(ctx context.Context) (models.DeviceFlowResponse, error) {
	conf, err := m.oauthConfig(ctx, "")
	if err != nil {
		return models.DeviceFlowResponse{}, err
	}
	if conf.Endpoint.DeviceAuthURL == "" {
		return models.DeviceFlowResponse{}, fmt.Errorf("%w: provider has no device authorization endpoint",
			models.ErrBackendUnavailable)
	}
	resp, err := conf.DeviceAuth(ctx)
	if err != nil {
		return models.DeviceFlowResponse{}, fmt.Errorf("%w: device authorization failed: %v",
			models.ErrBackendUnavailable, err)
	}
	return models.DeviceFlowResponse{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		Interval:        int(resp.Interval),
		ExpiresIn:       int(resp.Expiry.Unix() - m.now().Unix()),
	}, nil
}

// PollDeviceFlow redeems a device code once the user has approved it.
func (m *Mediator) PollDeviceFlow(ctx context.Context, deviceCode string) (models.TokenResponse, error) {
	conf, err := m.oauthConfig(ctx, "")
	if err != nil {
		return models.TokenResponse{}, err
	}
	token, err := conf.DeviceAccessToken(ctx, &oauth2.DeviceAuthResponse{
		DeviceCode: deviceCode,
		// A single non-blocking poll per request; the client drives the
		// retry interval.
		Expiry: m.now().Add(time.Second),
	})
	if err != nil {
		return models.TokenResponse{}, fmt.Errorf("%w: device code not yet authorised: %v",
			models.ErrUnauthenticated, err)
	}
	return m.tokenResponse(token), nil
}

// LogoutURL builds the IdP end-session redirect.
func (m *Mediator) LogoutURL(ctx context.Context, postLogoutRedirect string) (string, error) {
	doc, err := m.Discover(ctx)
	if err != nil {
		return "", err
	}
	if doc.EndSessionEndpoint == "" {
		return "", fmt.Errorf("%w: provider has no end-session endpoint", models.ErrNotFound)
	}
	target, err := url.Parse(doc.EndSessionEndpoint)
	if err != nil {
		return "", err
	}
	if postLogoutRedirect != "" {
		q := target.Query()
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
		q.Set("client_id", m.cfg.OIDC.ClientID)
		target.RawQuery = q.Encode()
	}
	return target.String(), nil
}

// WellKnown returns the discovery document with the endpoints this service
// proxies rewritten to point at it.
func (m *Mediator) WellKnown(ctx context.Context) (map[string]interface{}, error) {
	doc, err := m.Discover(ctx)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(m.cfg.Server.Proxy, "/") + "/api/freva-nextgen/auth/v2"
	return map[string]interface{}{
		"issuer":                        doc.Issuer,
		"authorization_endpoint":        doc.AuthorizationEndpoint,
		"token_endpoint":                base + "/token",
		"userinfo_endpoint":             base + "/userinfo",
		"jwks_uri":                      doc.JWKSURI,
		"device_authorization_endpoint": doc.DeviceAuthorizationEndpoint,
		"end_session_endpoint":          doc.EndSessionEndpoint,
	}, nil
}
