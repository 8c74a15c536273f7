// Package models defines the domain types shared by the API pipeline and the
// storage backends.
package models

import "time"

// User is a registered principal. AuthHash is the client-supplied credential
// digest stored verbatim; it is stripped from externalized records.
type User struct {
	ID        string    `json:"user_id"`
	Name      string    `json:"user_name"`
	AuthHash  string    `json:"auth_hash,omitempty"`
	Quip      string    `json:"quip"`
	Bio       string    `json:"bio"`
	Color     int       `json:"color"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created"`
}

// Externalize returns a copy safe to show to other users: everything except
// the credential digest.
func (u User) Externalize() User {
	out := u
	out.AuthHash = ""
	return out
}

// Thread is an ordered sequence of messages. Post index 0 is the root; its
// deletion deletes the thread.
type Thread struct {
	ID           string    `json:"thread_id"`
	Title        string    `json:"title"`
	AuthorID     string    `json:"author"`
	LastAuthorID string    `json:"last_author"`
	Pinned       bool      `json:"pinned"`
	ReplyCount   int       `json:"reply_count"`
	CreatedAt    time.Time `json:"created"`
	LastModified time.Time `json:"last_mod"`
	Messages     []Message `json:"messages,omitempty"`
}

// Message belongs to exactly one thread and is addressed by its post index
// within it.
type Message struct {
	ThreadID  string    `json:"thread_id"`
	PostID    int       `json:"post_id"`
	AuthorID  string    `json:"author"`
	Body      string    `json:"body"`
	SendRaw   bool      `json:"send_raw"`
	Edited    bool      `json:"edited"`
	CreatedAt time.Time `json:"created"`
	EditedAt  time.Time `json:"edited_at,omitempty"`
}

// IsRoot reports whether the message is its thread's original post.
func (m Message) IsRoot() bool {
	return m.PostID == 0
}

// Feed is the message_feed payload: every thread touched since the requested
// time plus the new messages themselves, newest first.
type Feed struct {
	Threads  map[string]Thread `json:"threads"`
	Messages []Message         `json:"messages"`
}
