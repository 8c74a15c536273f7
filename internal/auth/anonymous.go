package auth

import "bbj/internal/storage"

// AnonymousName is the reserved username backing anonymous posts.
const AnonymousName = "anonymous"

// AnonymousHash is the digest stored on the shared anonymous row. Clients
// that post anonymously never present it; the row exists only so anonymous
// posts have a real author id.
const AnonymousHash = "5430eeed859cad61d925097ec4f532461ccf1ab6b9802b09a313be1478a4d614"

// EnsureAnonymous resolves or creates the anonymous user row and returns its
// id. It runs once at startup, before any request is served.
func EnsureAnonymous(repo storage.Repository) (string, error) {
	if user, ok := repo.ResolveUser(AnonymousName); ok {
		return user.ID, nil
	}
	user, err := repo.RegisterUser(storage.RegisterUserParams{
		Name:     AnonymousName,
		AuthHash: AnonymousHash,
	})
	if err != nil {
		return "", err
	}
	return user.ID, nil
}
