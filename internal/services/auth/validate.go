package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/freva-org/freva-rest/internal/models"
)

// claimValue descends a dot-separated path into the claim tree. The final
// value may be a scalar or a list.
func claimValue(claims map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = claims
	for _, part := range strings.Split(path, ".") {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if current, ok = node[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

// matchClaim applies one filter: the pattern must match, as a word, at
// least one of the addressed values.
func matchClaim(claims map[string]interface{}, path, pattern string) bool {
	value, ok := claimValue(claims, path)
	if !ok {
		return false
	}
	re, err := regexp.Compile(`\b` + pattern + `\b`)
	if err != nil {
		return false
	}
	candidates := []interface{}{value}
	if list, isList := value.([]interface{}); isList {
		candidates = list
	}
	for _, candidate := range candidates {
		if re.MatchString(fmt.Sprint(candidate)) {
			return true
		}
	}
	return false
}

func matchAllClaims(claims map[string]interface{}, filters [][2]string) bool {
	for _, filter := range filters {
		if !matchClaim(claims, filter[0], filter[1]) {
			return false
		}
	}
	return true
}

// Validate checks a bearer token: signature against the cached JWKS,
// issuer, lifetime, then the configured claim filters. The returned
// principal carries the full claim set for downstream use.
func (m *Mediator) Validate(ctx context.Context, rawToken string) (models.Principal, error) {
	doc, err := m.Discover(ctx)
	if err != nil {
		return models.Principal{}, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		return m.signingKey(ctx, kid)
	},
		jwt.WithIssuer(doc.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
	)
	if err != nil {
		return models.Principal{}, fmt.Errorf("%w: %v", models.ErrUnauthenticated, err)
	}

	if !matchAllClaims(claims, m.claimFilters) {
		return models.Principal{}, fmt.Errorf("%w: token claims rejected by filter", models.ErrUnauthenticated)
	}

	principal := models.Principal{
		Claims:   claims,
		Username: usernameFromClaims(claims),
	}
	principal.Subject, _ = claims["sub"].(string)
	principal.Email, _ = claims["email"].(string)
	principal.FirstName = firstClaimString(claims, "given_name", "given-name", "first_name", "first-name", "firstname")
	principal.LastName = firstClaimString(claims, "family_name", "family-name", "last_name", "last-name", "lastname")
	if guest, ok := claims["is_guest"].(bool); ok {
		principal.Guest = guest
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		principal.Expiry = exp.Unix()
	}
	if len(m.adminFilters) > 0 {
		principal.Admin = matchAllClaims(claims, m.adminFilters)
	}
	return principal, nil
}

// Status is the minimal token introspection body.
func (m *Mediator) Status(ctx context.Context, rawToken string) (models.TokenStatus, error) {
	principal, err := m.Validate(ctx, rawToken)
	if err != nil {
		return models.TokenStatus{}, err
	}
	return models.TokenStatus{
		Subject: principal.Subject,
		Expiry:  principal.Expiry,
		Email:   principal.Email,
	}, nil
}
