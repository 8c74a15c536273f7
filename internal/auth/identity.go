// Package auth resolves request identity from headers and decides whether a
// principal may mutate board content.
package auth

import (
	"crypto/subtle"
	"strings"

	"bbj/internal/bbjerr"
	"bbj/internal/models"
	"bbj/internal/storage"
)

// HeaderUser and HeaderAuth are the identity headers. Both or neither must be
// present on a request.
const (
	HeaderUser = "User"
	HeaderAuth = "Auth"
)

// Resolve turns the optional User/Auth header pair into a principal. A nil
// principal with a nil error is the anonymous case. Handlers never see the
// raw headers.
func Resolve(repo storage.Repository, userHeader, authHeader string) (*models.User, error) {
	userHeader = strings.TrimSpace(userHeader)
	authHeader = strings.TrimSpace(authHeader)

	switch {
	case userHeader == "" && authHeader == "":
		return nil, nil
	case userHeader == "" || authHeader == "":
		return nil, bbjerr.AuthHeaderMismatch()
	}

	user, ok := repo.ResolveUser(userHeader)
	if !ok {
		return nil, bbjerr.UnknownUser(userHeader)
	}
	if !CredentialsMatch(user.AuthHash, authHeader) {
		return nil, bbjerr.InvalidCredential()
	}
	return &user, nil
}

// CredentialsMatch compares a stored credential digest against a candidate.
// The match is case-insensitive to stay compatible with existing clients, but
// the comparison itself is constant time.
func CredentialsMatch(stored, candidate string) bool {
	a := []byte(strings.ToLower(stored))
	b := []byte(strings.ToLower(candidate))
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
