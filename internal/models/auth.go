package models

// Principal is the internal identity derived from a validated access token.
type Principal struct {
	Subject   string                 `json:"sub"`
	Username  string                 `json:"username"`
	Email     string                 `json:"email,omitempty"`
	FirstName string                 `json:"first_name,omitempty"`
	LastName  string                 `json:"last_name,omitempty"`
	Guest     bool                   `json:"is_guest,omitempty"`
	Admin     bool                   `json:"-"`
	Expiry    int64                  `json:"-"`
	Claims    map[string]interface{} `json:"-"`
}

// TokenResponse is what /auth/v2/token hands back for every grant type.
type TokenResponse struct {
	AccessToken    string `json:"access_token"`
	TokenType      string `json:"token_type"`
	Expires        int64  `json:"expires"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	RefreshExpires int64  `json:"refresh_expires,omitempty"`
	Scope          string `json:"scope,omitempty"`
}

// DeviceFlowResponse starts a device authorization grant.
type DeviceFlowResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in,omitempty"`
}

// UserInfo is the normalised profile returned by /auth/v2/userinfo.
type UserInfo struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Home      string `json:"home,omitempty"`
	Guest     bool   `json:"is_guest"`
}

// TokenStatus is the minimal /auth/v2/status body.
type TokenStatus struct {
	Subject string `json:"sub"`
	Expiry  int64  `json:"exp"`
	Email   string `json:"email,omitempty"`
}
