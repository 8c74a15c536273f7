package api

import (
	"bbj/internal/models"
	"bbj/internal/storage"
)

// UserMap collects the user ids referenced by a response payload and resolves
// them to externally-safe user records, so clients never need per-author
// follow-up lookups. Unknown ids are silently omitted; enrichment never fails
// a request. Adding is idempotent and order-independent.
type UserMap struct {
	repo  storage.Repository
	users map[string]models.User
}

func newUserMap(repo storage.Repository) *UserMap {
	return &UserMap{repo: repo, users: make(map[string]models.User)}
}

// Add resolves a single user id into the map.
func (u *UserMap) Add(id string) {
	if id == "" {
		return
	}
	if _, ok := u.users[id]; ok {
		return
	}
	user, ok := u.repo.ResolveUser(id)
	if !ok {
		return
	}
	u.users[id] = user.Externalize()
}

// AddMessages resolves the author of every message.
func (u *UserMap) AddMessages(messages []models.Message) {
	for _, message := range messages {
		u.Add(message.AuthorID)
	}
}

// AddThreads resolves the author and last author of every index row.
func (u *UserMap) AddThreads(threads []models.Thread) {
	for _, thread := range threads {
		u.Add(thread.AuthorID)
		u.Add(thread.LastAuthorID)
		u.AddMessages(thread.Messages)
	}
}

// Users returns the accumulated mapping. Never nil.
func (u *UserMap) Users() map[string]models.User {
	return u.users
}
