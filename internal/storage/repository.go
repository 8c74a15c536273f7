package storage

import (
	"context"
	"errors"
	"time"

	"bbj/internal/models"
)

// Repository exposes the datastore operations required by the API handlers.
// Implementations provide serializable per-row update semantics; the API core
// adds no locking of its own.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	RegisterUser(params RegisterUserParams) (models.User, error)
	// ResolveUser looks a user up by id or by name.
	ResolveUser(ref string) (models.User, bool)
	UpdateUser(id string, update UserUpdate) (models.User, error)

	// ThreadIndex returns all threads ordered by most recent activity with
	// pinned threads first. Messages are not loaded.
	ThreadIndex() ([]models.Thread, error)
	CreateThread(params CreateThreadParams) (models.Thread, error)
	// GetThread returns a thread with all of its messages loaded.
	GetThread(id string) (models.Thread, error)
	ReplyThread(threadID, authorID, body string, sendRaw bool) (models.Message, error)
	SetThreadPin(threadID string, pinned bool) (models.Thread, error)

	GetMessage(threadID string, postID int) (models.Message, error)
	EditMessage(threadID string, postID int, update MessageUpdate) (models.Message, error)
	// DeleteMessage removes a message. Deleting post index 0 deletes the
	// owning thread and every message in it; the returned flag reports
	// whether that cascade happened.
	DeleteMessage(threadID string, postID int) (bool, error)

	// MessageFeed returns every message created strictly after the given
	// time, newest first, along with the threads they belong to.
	MessageFeed(since time.Time) (models.Feed, error)
}

// RegisterUserParams captures the attributes set when registering a user.
type RegisterUserParams struct {
	Name     string
	AuthHash string
	IsAdmin  bool
}

// UserUpdate carries the fields user_update may change. Nil fields are left
// untouched.
type UserUpdate struct {
	Name     *string
	AuthHash *string
	Quip     *string
	Bio      *string
	Color    *int
	IsAdmin  *bool
}

// CreateThreadParams captures the attributes of a new thread and its root
// message.
type CreateThreadParams struct {
	AuthorID string
	Title    string
	Body     string
	SendRaw  bool
}

// MessageUpdate carries the fields an edit commit may change. Nil fields are
// left untouched.
type MessageUpdate struct {
	Body    *string
	SendRaw *bool
}

var (
	// ErrUserNotFound is returned when a user reference resolves to nothing.
	ErrUserNotFound = errors.New("user not found")
	// ErrNameTaken is returned when a registration or rename collides with
	// an existing username.
	ErrNameTaken = errors.New("username already registered")
	// ErrThreadNotFound is returned for an unknown thread id.
	ErrThreadNotFound = errors.New("thread does not exist")
	// ErrMessageNotFound is returned for an unknown post index.
	ErrMessageNotFound = errors.New("post does not exist in this thread")
)
