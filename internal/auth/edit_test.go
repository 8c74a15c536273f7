package auth

import (
	"testing"
	"time"

	"bbj/internal/bbjerr"
	"bbj/internal/models"
)

func TestCanMutate(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	message := models.Message{ThreadID: "t1", PostID: 2, AuthorID: "author", CreatedAt: created}
	author := &models.User{ID: "author", Name: "desvox"}
	stranger := &models.User{ID: "other", Name: "someone"}
	admin := &models.User{ID: "root", Name: "operator", IsAdmin: true}

	cases := []struct {
		name      string
		principal *models.User
		now       time.Time
		allowed   bool
	}{
		{name: "author within window", principal: author, now: created.Add(time.Hour), allowed: true},
		{name: "author at window edge", principal: author, now: created.Add(EditWindow), allowed: true},
		{name: "author past window", principal: author, now: created.Add(EditWindow + time.Second)},
		{name: "admin past window", principal: admin, now: created.Add(100 * 24 * time.Hour), allowed: true},
		{name: "admin non-author", principal: admin, now: created.Add(time.Hour), allowed: true},
		{name: "non-author within window", principal: stranger, now: created.Add(time.Hour)},
		{name: "anonymous", principal: nil, now: created.Add(time.Minute)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := CanMutate(tc.principal, message, tc.now)
			if tc.allowed {
				if err != nil {
					t.Fatalf("expected mutation allowed, got %v", err)
				}
				return
			}
			domain, ok := bbjerr.As(err)
			if !ok {
				t.Fatalf("expected a domain error, got %v", err)
			}
			if domain.Kind != bbjerr.KindPermissionDenied {
				t.Fatalf("expected permission denial, got %v", domain.Kind)
			}
		})
	}
}

func TestCanMutateAnonymousMessageText(t *testing.T) {
	err := CanMutate(nil, models.Message{AuthorID: "anyone"}, time.Now())
	domain, ok := bbjerr.As(err)
	if !ok {
		t.Fatalf("expected domain error, got %v", err)
	}
	if domain.Description != "anonymous principals cannot modify content" {
		t.Fatalf("unexpected refusal text %q", domain.Description)
	}
}
