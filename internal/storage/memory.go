package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"bbj/internal/models"
)

type dataset struct {
	Users   map[string]models.User   `json:"users"`
	Threads map[string]models.Thread `json:"threads"`
	// NextPostIDs tracks the next post index per thread so deleted indices
	// are never handed out again.
	NextPostIDs map[string]int `json:"next_post_ids"`
}

func newDataset() dataset {
	return dataset{
		Users:       make(map[string]models.User),
		Threads:     make(map[string]models.Thread),
		NextPostIDs: make(map[string]int),
	}
}

// MemoryRepository is a mutex-guarded in-memory store with optional JSON-file
// persistence. With an empty path it never touches the filesystem, which is
// what the tests use; with a path every mutation is atomically rewritten to
// disk.
type MemoryRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
}

// MemoryOption mutates repository configuration.
type MemoryOption func(*MemoryRepository)

// WithClock overrides the time source. Intended for tests that exercise the
// edit window and feed ordering.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryRepository) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMemoryRepository opens the store, loading existing data when a file path
// is configured.
func NewMemoryRepository(path string, opts ...MemoryOption) (*MemoryRepository, error) {
	repo := &MemoryRepository{
		filePath: path,
		data:     newDataset(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(repo)
	}
	if path != "" {
		if err := repo.load(); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

func (m *MemoryRepository) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(m.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&m.data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if m.data.Users == nil {
		m.data.Users = make(map[string]models.User)
	}
	if m.data.Threads == nil {
		m.data.Threads = make(map[string]models.Thread)
	}
	if m.data.NextPostIDs == nil {
		m.data.NextPostIDs = make(map[string]int)
		for id, thread := range m.data.Threads {
			next := 0
			for _, message := range thread.Messages {
				if message.PostID >= next {
					next = message.PostID + 1
				}
			}
			m.data.NextPostIDs[id] = next
		}
	}
	return nil
}

func (m *MemoryRepository) persistLocked() error {
	if m.filePath == "" {
		return nil
	}
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "board-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, m.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// NormalizeName canonicalizes a username for lookup: NFC form, trimmed,
// case-folded.
func NormalizeName(name string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(name)))
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRepository) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked()
}

// User operations

func (m *MemoryRepository) RegisterUser(params RegisterUserParams) (models.User, error) {
	if err := models.ValidateField("user_name", params.Name); err != nil {
		return models.User{}, err
	}
	if err := models.ValidateField("auth_hash", params.AuthHash); err != nil {
		return models.User{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	normalized := NormalizeName(params.Name)
	for _, user := range m.data.Users {
		if NormalizeName(user.Name) == normalized {
			return models.User{}, ErrNameTaken
		}
	}

	user := models.User{
		ID:        uuid.NewString(),
		Name:      params.Name,
		AuthHash:  strings.ToLower(params.AuthHash),
		IsAdmin:   params.IsAdmin,
		CreatedAt: m.clock(),
	}
	m.data.Users[user.ID] = user
	if err := m.persistLocked(); err != nil {
		delete(m.data.Users, user.ID)
		return models.User{}, err
	}
	return user, nil
}

func (m *MemoryRepository) ResolveUser(ref string) (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if user, ok := m.data.Users[ref]; ok {
		return user, true
	}
	normalized := NormalizeName(ref)
	for _, user := range m.data.Users {
		if NormalizeName(user.Name) == normalized {
			return user, true
		}
	}
	return models.User{}, false
}

func (m *MemoryRepository) UpdateUser(id string, update UserUpdate) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.data.Users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}

	if update.Name != nil {
		if err := models.ValidateField("user_name", *update.Name); err != nil {
			return models.User{}, err
		}
		normalized := NormalizeName(*update.Name)
		for otherID, other := range m.data.Users {
			if otherID != id && NormalizeName(other.Name) == normalized {
				return models.User{}, ErrNameTaken
			}
		}
		user.Name = *update.Name
	}
	if update.AuthHash != nil {
		if err := models.ValidateField("auth_hash", *update.AuthHash); err != nil {
			return models.User{}, err
		}
		user.AuthHash = strings.ToLower(*update.AuthHash)
	}
	if update.Quip != nil {
		if err := models.ValidateField("quip", *update.Quip); err != nil {
			return models.User{}, err
		}
		user.Quip = *update.Quip
	}
	if update.Bio != nil {
		if err := models.ValidateField("bio", *update.Bio); err != nil {
			return models.User{}, err
		}
		user.Bio = *update.Bio
	}
	if update.Color != nil {
		if *update.Color < 0 || *update.Color > models.MaxColor {
			return models.User{}, models.Validationf("colors must be an integer between 0 and %d", models.MaxColor)
		}
		user.Color = *update.Color
	}
	if update.IsAdmin != nil {
		user.IsAdmin = *update.IsAdmin
	}

	previous := m.data.Users[id]
	m.data.Users[id] = user
	if err := m.persistLocked(); err != nil {
		m.data.Users[id] = previous
		return models.User{}, err
	}
	return user, nil
}

// Thread operations

func (m *MemoryRepository) ThreadIndex() ([]models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	threads := make([]models.Thread, 0, len(m.data.Threads))
	for _, thread := range m.data.Threads {
		thread.Messages = nil
		threads = append(threads, thread)
	}
	sortThreadIndex(threads)
	return threads, nil
}

// sortThreadIndex orders pinned threads first, then by most recent activity.
func sortThreadIndex(threads []models.Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].Pinned != threads[j].Pinned {
			return threads[i].Pinned
		}
		return threads[i].LastModified.After(threads[j].LastModified)
	})
}

func (m *MemoryRepository) CreateThread(params CreateThreadParams) (models.Thread, error) {
	if err := models.ValidateField("title", params.Title); err != nil {
		return models.Thread{}, err
	}
	if err := models.ValidateField("body", params.Body); err != nil {
		return models.Thread{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	thread := models.Thread{
		ID:           uuid.NewString(),
		Title:        params.Title,
		AuthorID:     params.AuthorID,
		LastAuthorID: params.AuthorID,
		CreatedAt:    now,
		LastModified: now,
		Messages: []models.Message{{
			PostID:    0,
			AuthorID:  params.AuthorID,
			Body:      params.Body,
			SendRaw:   params.SendRaw,
			CreatedAt: now,
		}},
	}
	thread.Messages[0].ThreadID = thread.ID

	m.data.Threads[thread.ID] = thread
	m.data.NextPostIDs[thread.ID] = 1
	if err := m.persistLocked(); err != nil {
		delete(m.data.Threads, thread.ID)
		delete(m.data.NextPostIDs, thread.ID)
		return models.Thread{}, err
	}
	return thread, nil
}

func (m *MemoryRepository) GetThread(id string) (models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.data.Threads[id]
	if !ok {
		return models.Thread{}, ErrThreadNotFound
	}
	thread.Messages = append([]models.Message(nil), thread.Messages...)
	return thread, nil
}

func (m *MemoryRepository) ReplyThread(threadID, authorID, body string, sendRaw bool) (models.Message, error) {
	if err := models.ValidateField("body", body); err != nil {
		return models.Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.data.Threads[threadID]
	if !ok {
		return models.Message{}, ErrThreadNotFound
	}

	now := m.clock()
	postID := m.data.NextPostIDs[threadID]
	if postID == 0 {
		postID = len(thread.Messages)
	}
	message := models.Message{
		ThreadID:  threadID,
		PostID:    postID,
		AuthorID:  authorID,
		Body:      body,
		SendRaw:   sendRaw,
		CreatedAt: now,
	}
	previous := m.data.Threads[threadID]
	thread.Messages = append(append([]models.Message(nil), thread.Messages...), message)
	thread.LastModified = now
	thread.LastAuthorID = authorID
	thread.ReplyCount = len(thread.Messages) - 1
	m.data.Threads[threadID] = thread
	m.data.NextPostIDs[threadID] = postID + 1
	if err := m.persistLocked(); err != nil {
		m.data.Threads[threadID] = previous
		m.data.NextPostIDs[threadID] = postID
		return models.Message{}, err
	}
	return message, nil
}

func (m *MemoryRepository) SetThreadPin(threadID string, pinned bool) (models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.data.Threads[threadID]
	if !ok {
		return models.Thread{}, ErrThreadNotFound
	}
	previous := thread
	thread.Pinned = pinned
	m.data.Threads[threadID] = thread
	if err := m.persistLocked(); err != nil {
		m.data.Threads[threadID] = previous
		return models.Thread{}, err
	}
	thread.Messages = nil
	return thread, nil
}

// Message operations

func (m *MemoryRepository) GetMessage(threadID string, postID int) (models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.data.Threads[threadID]
	if !ok {
		return models.Message{}, ErrThreadNotFound
	}
	for _, message := range thread.Messages {
		if message.PostID == postID {
			return message, nil
		}
	}
	return models.Message{}, ErrMessageNotFound
}

func (m *MemoryRepository) EditMessage(threadID string, postID int, update MessageUpdate) (models.Message, error) {
	if update.Body != nil {
		if err := models.ValidateField("body", *update.Body); err != nil {
			return models.Message{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.data.Threads[threadID]
	if !ok {
		return models.Message{}, ErrThreadNotFound
	}
	index := -1
	for i, message := range thread.Messages {
		if message.PostID == postID {
			index = i
			break
		}
	}
	if index < 0 {
		return models.Message{}, ErrMessageNotFound
	}

	previous := thread
	messages := append([]models.Message(nil), thread.Messages...)
	message := messages[index]
	if update.Body != nil {
		message.Body = *update.Body
	}
	if update.SendRaw != nil {
		message.SendRaw = *update.SendRaw
	}
	message.Edited = true
	message.EditedAt = m.clock()
	messages[index] = message
	thread.Messages = messages
	m.data.Threads[threadID] = thread
	if err := m.persistLocked(); err != nil {
		m.data.Threads[threadID] = previous
		return models.Message{}, err
	}
	return message, nil
}

func (m *MemoryRepository) DeleteMessage(threadID string, postID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.data.Threads[threadID]
	if !ok {
		return false, ErrThreadNotFound
	}
	index := -1
	for i, message := range thread.Messages {
		if message.PostID == postID {
			index = i
			break
		}
	}
	if index < 0 {
		return false, ErrMessageNotFound
	}

	if postID == 0 {
		previous := thread
		previousNext := m.data.NextPostIDs[threadID]
		delete(m.data.Threads, threadID)
		delete(m.data.NextPostIDs, threadID)
		if err := m.persistLocked(); err != nil {
			m.data.Threads[threadID] = previous
			m.data.NextPostIDs[threadID] = previousNext
			return false, err
		}
		return true, nil
	}

	previous := thread
	messages := append([]models.Message(nil), thread.Messages[:index]...)
	messages = append(messages, thread.Messages[index+1:]...)
	thread.Messages = messages
	thread.ReplyCount = len(messages) - 1
	m.data.Threads[threadID] = thread
	if err := m.persistLocked(); err != nil {
		m.data.Threads[threadID] = previous
		return false, err
	}
	return false, nil
}

func (m *MemoryRepository) MessageFeed(since time.Time) (models.Feed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	feed := models.Feed{Threads: make(map[string]models.Thread)}
	for _, thread := range m.data.Threads {
		touched := false
		for _, message := range thread.Messages {
			if message.CreatedAt.After(since) {
				feed.Messages = append(feed.Messages, message)
				touched = true
			}
		}
		if touched {
			indexEntry := thread
			indexEntry.Messages = nil
			feed.Threads[thread.ID] = indexEntry
		}
	}
	sort.SliceStable(feed.Messages, func(i, j int) bool {
		return feed.Messages[i].CreatedAt.After(feed.Messages[j].CreatedAt)
	})
	return feed, nil
}

var _ Repository = (*MemoryRepository)(nil)
