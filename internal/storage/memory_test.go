package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testHash(seed string) string {
	hexDigits := "0123456789abcdef"
	var out strings.Builder
	for i := 0; i < 64; i++ {
		out.WriteByte(hexDigits[(i+len(seed))%len(hexDigits)])
	}
	return out.String()
}

func newTestRepo(t *testing.T) *MemoryRepository {
	t.Helper()
	repo, err := NewMemoryRepository("")
	if err != nil {
		t.Fatalf("open memory repository: %v", err)
	}
	return repo
}

func TestRegisterUserRejectsDuplicateNames(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.RegisterUser(RegisterUserParams{Name: "desvox", AuthHash: testHash("a")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := repo.RegisterUser(RegisterUserParams{Name: "DESVOX", AuthHash: testHash("b")})
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken for case-folded duplicate, got %v", err)
	}
	_, err = repo.RegisterUser(RegisterUserParams{Name: "  desvox  ", AuthHash: testHash("c")})
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken for whitespace-padded duplicate, got %v", err)
	}
}

func TestResolveUserByIDAndName(t *testing.T) {
	repo := newTestRepo(t)
	user, err := repo.RegisterUser(RegisterUserParams{Name: "desvox", AuthHash: testHash("a")})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if got, ok := repo.ResolveUser(user.ID); !ok || got.ID != user.ID {
		t.Fatalf("expected id lookup to resolve, got ok=%v", ok)
	}
	if got, ok := repo.ResolveUser("DesVox"); !ok || got.ID != user.ID {
		t.Fatalf("expected case-insensitive name lookup to resolve, got ok=%v", ok)
	}
	if _, ok := repo.ResolveUser("nobody"); ok {
		t.Fatalf("expected unknown reference not to resolve")
	}
}

func TestUpdateUserAppliesSubsetAndValidates(t *testing.T) {
	repo := newTestRepo(t)
	user, err := repo.RegisterUser(RegisterUserParams{Name: "desvox", AuthHash: testHash("a")})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	quip := "hello"
	color := 4
	updated, err := repo.UpdateUser(user.ID, UserUpdate{Quip: &quip, Color: &color})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Quip != "hello" || updated.Color != 4 {
		t.Fatalf("expected quip and color applied, got %+v", updated)
	}
	if updated.Name != "desvox" {
		t.Fatalf("expected untouched fields preserved, got %+v", updated)
	}

	badColor := 99
	if _, err := repo.UpdateUser(user.ID, UserUpdate{Color: &badColor}); err == nil {
		t.Fatalf("expected out-of-range color to fail")
	}
	if _, err := repo.UpdateUser("missing", UserUpdate{Quip: &quip}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCreateThreadSeedsRootMessage(t *testing.T) {
	repo := newTestRepo(t)
	thread, err := repo.CreateThread(CreateThreadParams{AuthorID: "u1", Title: "first", Body: "hello"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if len(thread.Messages) != 1 {
		t.Fatalf("expected exactly the root message, got %d", len(thread.Messages))
	}
	root := thread.Messages[0]
	if root.PostID != 0 || root.ThreadID != thread.ID || root.Body != "hello" {
		t.Fatalf("unexpected root message %+v", root)
	}
	if thread.LastAuthorID != "u1" || thread.ReplyCount != 0 {
		t.Fatalf("unexpected thread metadata %+v", thread)
	}
}

func TestReplyThreadNeverReusesPostIDs(t *testing.T) {
	repo := newTestRepo(t)
	thread, err := repo.CreateThread(CreateThreadParams{AuthorID: "u1", Title: "t", Body: "root"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	first, err := repo.ReplyThread(thread.ID, "u2", "one", false)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	second, err := repo.ReplyThread(thread.ID, "u2", "two", false)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if first.PostID != 1 || second.PostID != 2 {
		t.Fatalf("expected sequential post ids 1,2, got %d,%d", first.PostID, second.PostID)
	}

	if _, err := repo.DeleteMessage(thread.ID, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	third, err := repo.ReplyThread(thread.ID, "u3", "three", false)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if third.PostID != 3 {
		t.Fatalf("expected post id 3 after deleting post 2, got %d", third.PostID)
	}
	if _, err := repo.GetMessage(thread.ID, 2); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected post 2 to stay deleted, got %v", err)
	}
}

func TestDeleteRootCascadesToThread(t *testing.T) {
	repo := newTestRepo(t)
	thread, err := repo.CreateThread(CreateThreadParams{AuthorID: "u1", Title: "t", Body: "root"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := repo.ReplyThread(thread.ID, "u2", "reply", false); err != nil {
		t.Fatalf("reply: %v", err)
	}

	cascaded, err := repo.DeleteMessage(thread.ID, 0)
	if err != nil {
		t.Fatalf("delete root: %v", err)
	}
	if !cascaded {
		t.Fatalf("expected root deletion to report thread cascade")
	}
	if _, err := repo.GetThread(thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected thread gone, got %v", err)
	}
}

func TestDeleteReplyKeepsThread(t *testing.T) {
	repo := newTestRepo(t)
	thread, err := repo.CreateThread(CreateThreadParams{AuthorID: "u1", Title: "t", Body: "root"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	reply, err := repo.ReplyThread(thread.ID, "u2", "reply", false)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	cascaded, err := repo.DeleteMessage(thread.ID, reply.PostID)
	if err != nil {
		t.Fatalf("delete reply: %v", err)
	}
	if cascaded {
		t.Fatalf("expected reply deletion not to cascade")
	}
	got, err := repo.GetThread(thread.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if len(got.Messages) != 1 || got.ReplyCount != 0 {
		t.Fatalf("expected only the root message to remain, got %+v", got)
	}
	if _, err := repo.GetMessage(thread.ID, reply.PostID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected deleted message to be gone, got %v", err)
	}
}

func TestThreadIndexOrdersPinnedThenActivity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	repo, err := NewMemoryRepository("", WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}

	older, err := repo.CreateThread(CreateThreadParams{AuthorID: "u1", Title: "older", Body: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	newer, err := repo.CreateThread(CreateThreadParams{AuthorID: "u1", Title: "newer", Body: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pinned, err := repo.CreateThread(CreateThreadParams{AuthorID: "u1", Title: "pinned", Body: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.SetThreadPin(pinned.ID, true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	// A reply bumps the older thread above the newer one.
	if _, err := repo.ReplyThread(older.ID, "u2", "bump", false); err != nil {
		t.Fatalf("reply: %v", err)
	}

	index, err := repo.ThreadIndex()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(index) != 3 {
		t.Fatalf("expected 3 threads, got %d", len(index))
	}
	if index[0].ID != pinned.ID {
		t.Fatalf("expected pinned thread first, got %q", index[0].Title)
	}
	if index[1].ID != older.ID || index[2].ID != newer.ID {
		t.Fatalf("expected activity order older,newer after bump, got %q,%q",
			index[1].Title, index[2].Title)
	}
	for _, thread := range index {
		if thread.Messages != nil {
			t.Fatalf("expected index entries without messages, got %d", len(thread.Messages))
		}
	}
}

func TestEditMessageMarksEdited(t *testing.T) {
	repo := newTestRepo(t)
	thread, err := repo.CreateThread(CreateThreadParams{AuthorID: "u1", Title: "t", Body: "root"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	body := "rewritten"
	edited, err := repo.EditMessage(thread.ID, 0, MessageUpdate{Body: &body})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Body != "rewritten" || !edited.Edited || edited.EditedAt.IsZero() {
		t.Fatalf("expected edit applied and flagged, got %+v", edited)
	}

	raw := true
	edited, err = repo.EditMessage(thread.ID, 0, MessageUpdate{SendRaw: &raw})
	if err != nil {
		t.Fatalf("edit raw flag: %v", err)
	}
	if !edited.SendRaw || edited.Body != "rewritten" {
		t.Fatalf("expected raw flag applied and body preserved, got %+v", edited)
	}
}

func TestMessageFeedFiltersAndOrders(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	repo, err := NewMemoryRepository("", WithClock(func() time.Time {
		clock = clock.Add(time.Hour)
		return clock
	}))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}

	threadA, err := repo.CreateThread(CreateThreadParams{AuthorID: "u1", Title: "a", Body: "old root"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cutoff := clock
	if _, err := repo.ReplyThread(threadA.ID, "u2", "recent reply", false); err != nil {
		t.Fatalf("reply: %v", err)
	}
	threadB, err := repo.CreateThread(CreateThreadParams{AuthorID: "u3", Title: "b", Body: "recent root"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	feed, err := repo.MessageFeed(cutoff)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(feed.Messages) != 2 {
		t.Fatalf("expected 2 messages after cutoff, got %d", len(feed.Messages))
	}
	if !feed.Messages[0].CreatedAt.After(feed.Messages[1].CreatedAt) {
		t.Fatalf("expected newest-first ordering")
	}
	if _, ok := feed.Threads[threadA.ID]; !ok {
		t.Fatalf("expected thread with recent reply in feed threads")
	}
	if _, ok := feed.Threads[threadB.ID]; !ok {
		t.Fatalf("expected recently created thread in feed threads")
	}
	for _, thread := range feed.Threads {
		if thread.Messages != nil {
			t.Fatalf("expected feed thread entries without message payloads")
		}
	}
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "board.json")

	repo, err := NewMemoryRepository(path)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	user, err := repo.RegisterUser(RegisterUserParams{Name: "desvox", AuthHash: testHash("a")})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	thread, err := repo.CreateThread(CreateThreadParams{AuthorID: user.ID, Title: "t", Body: "root"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reopened, err := NewMemoryRepository(path)
	if err != nil {
		t.Fatalf("reopen repository: %v", err)
	}
	if _, ok := reopened.ResolveUser("desvox"); !ok {
		t.Fatalf("expected user to survive reopen")
	}
	got, err := reopened.GetThread(thread.ID)
	if err != nil {
		t.Fatalf("expected thread to survive reopen: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Body != "root" {
		t.Fatalf("expected thread contents intact, got %+v", got)
	}
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Desvox", "desvox"},
		{"  spaced  ", "spaced"},
		{"MIXED case", "mixed case"},
	}
	for _, tc := range cases {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
