package auth

import (
	"fmt"
	"os/user"
	"strings"

	"github.com/freva-org/freva-rest/internal/models"
)

// usernameKeys are the claim names providers use for the login name, in
// preference order. Each is also tried with underscores and with the
// separator dropped.
var usernameKeys = []string{"preferred-username", "user-name", "uid"}

func keyVariants(key string) []string {
	return []string{
		key,
		strings.ReplaceAll(key, "-", "_"),
		strings.ReplaceAll(key, "-", ""),
	}
}

func firstClaimString(claims map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if value, ok := claims[key]; ok && value != nil {
			return fmt.Sprint(value)
		}
	}
	return ""
}

// usernameFromClaims resolves the login name across provider conventions,
// falling back to the subject.
func usernameFromClaims(claims map[string]interface{}) string {
	for _, key := range usernameKeys {
		if name := firstClaimString(claims, keyVariants(key)...); name != "" {
			return name
		}
	}
	return firstClaimString(claims, "sub")
}

// UserInfo normalises a validated principal into the public profile shape.
// Home is filled in when the username resolves to a system account.
func (m *Mediator) UserInfo(principal models.Principal) models.UserInfo {
	info := models.UserInfo{
		Username:  principal.Username,
		FirstName: principal.FirstName,
		LastName:  principal.LastName,
		Email:     principal.Email,
		Guest:     principal.Guest,
	}
	if account, err := user.Lookup(principal.Username); err == nil {
		info.Home = account.HomeDir
	}
	return info
}

// SystemUser returns the canonical login name; guests are rejected.
func (m *Mediator) SystemUser(principal models.Principal) (string, error) {
	if principal.Guest {
		return "", fmt.Errorf("%w: guest accounts have no system user", models.ErrForbidden)
	}
	return principal.Username, nil
}

// CheckUser resolves the principal against the local account database and
// returns the pw_name entry.
func (m *Mediator) CheckUser(principal models.Principal) (string, error) {
	account, err := user.Lookup(principal.Username)
	if err != nil {
		return "", fmt.Errorf("%w: no system account for %q", models.ErrNotFound, principal.Username)
	}
	return account.Username, nil
}
