package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"bbj/internal/models"
)

// SQLiteRepository is the default persistent backend. It keeps the same
// contract as MemoryRepository but survives restarts and is safe for the
// one-process deployments this board targets.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (and if necessary creates) the database at path
// and applies the schema. Pragmas ride the DSN because database/sql pools
// connections and pragma state is per-connection.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteRepository{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			name_key TEXT NOT NULL UNIQUE,
			auth_hash TEXT NOT NULL,
			quip TEXT NOT NULL DEFAULT '',
			bio TEXT NOT NULL DEFAULT '',
			color INTEGER NOT NULL DEFAULT 0,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author_id TEXT NOT NULL,
			last_author_id TEXT NOT NULL,
			pinned INTEGER NOT NULL DEFAULT 0,
			next_post_id INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			last_mod INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			thread_id TEXT NOT NULL,
			post_id INTEGER NOT NULL,
			author_id TEXT NOT NULL,
			body TEXT NOT NULL,
			send_raw INTEGER NOT NULL DEFAULT 0,
			edited INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			edited_at INTEGER,
			PRIMARY KEY (thread_id, post_id),
			FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_threads_activity ON threads(pinned, last_mod);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteRepository) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteRepository) Close(ctx context.Context) error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// User operations

func (s *SQLiteRepository) RegisterUser(params RegisterUserParams) (models.User, error) {
	if err := models.ValidateField("user_name", params.Name); err != nil {
		return models.User{}, err
	}
	if err := models.ValidateField("auth_hash", params.AuthHash); err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:        uuid.NewString(),
		Name:      params.Name,
		AuthHash:  strings.ToLower(params.AuthHash),
		IsAdmin:   params.IsAdmin,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, name_key, auth_hash, is_admin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, NormalizeName(user.Name), user.AuthHash,
		boolInt(user.IsAdmin), nanos(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrNameTaken
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *SQLiteRepository) ResolveUser(ref string) (models.User, bool) {
	row := s.db.QueryRow(
		`SELECT id, name, auth_hash, quip, bio, color, is_admin, created_at
		 FROM users WHERE id = ? OR name_key = ?`,
		ref, NormalizeName(ref),
	)
	user, err := scanUser(row)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (models.User, error) {
	var user models.User
	var isAdmin int
	var createdAt int64
	err := row.Scan(&user.ID, &user.Name, &user.AuthHash, &user.Quip, &user.Bio,
		&user.Color, &isAdmin, &createdAt)
	if err != nil {
		return models.User{}, err
	}
	user.IsAdmin = isAdmin != 0
	user.CreatedAt = fromNanos(createdAt)
	return user, nil
}

func (s *SQLiteRepository) UpdateUser(id string, update UserUpdate) (models.User, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return models.User{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, name, auth_hash, quip, bio, color, is_admin, created_at
		 FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	} else if err != nil {
		return models.User{}, fmt.Errorf("load user: %w", err)
	}

	if update.Name != nil {
		if err := models.ValidateField("user_name", *update.Name); err != nil {
			return models.User{}, err
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

	_, err = tx.Exec(
		`UPDATE users SET name=?, name_key=?, auth_hash=?, quip=?, bio=?, color=?, is_admin=?
		 WHERE id=?`,
		user.Name, NormalizeName(user.Name), user.AuthHash, user.Quip, user.Bio,
		user.Color, boolInt(user.IsAdmin), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrNameTaken
		}
		return models.User{}, fmt.Errorf("update user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.User{}, fmt.Errorf("commit update: %w", err)
	}
	return user, nil
}

// Thread operations

func (s *SQLiteRepository) ThreadIndex() ([]models.Thread, error) {
	rows, err := s.db.Query(
		`SELECT t.id, t.title, t.author_id, t.last_author_id, t.pinned, t.created_at, t.last_mod,
		        (SELECT COUNT(*) - 1 FROM messages m WHERE m.thread_id = t.id)
		 FROM threads t
		 ORDER BY t.pinned DESC, t.last_mod DESC`)
	if err != nil {
		return nil, fmt.Errorf("query thread index: %w", err)
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

func scanThread(row rowScanner) (models.Thread, error) {
	var thread models.Thread
	var pinned int
	var createdAt, lastMod int64
	err := row.Scan(&thread.ID, &thread.Title, &thread.AuthorID, &thread.LastAuthorID,
		&pinned, &createdAt, &lastMod, &thread.ReplyCount)
	if err != nil {
		return models.Thread{}, err
	}
	thread.Pinned = pinned != 0
	thread.CreatedAt = fromNanos(createdAt)
	thread.LastModified = fromNanos(lastMod)
	return thread, nil
}

func (s *SQLiteRepository) CreateThread(params CreateThreadParams) (models.Thread, error) {
	if err := models.ValidateField("title", params.Title); err != nil {
		return models.Thread{}, err
	}
	if err := models.ValidateField("body", params.Body); err != nil {
		return models.Thread{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return models.Thread{}, fmt.Errorf("begin create thread: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
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

	if _, err := tx.Exec(
		`INSERT INTO threads (id, title, author_id, last_author_id, created_at, last_mod)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.Title, thread.AuthorID, thread.LastAuthorID,
		nanos(now), nanos(now),
	); err != nil {
		return models.Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO messages (thread_id, post_id, author_id, body, send_raw, created_at)
		 VALUES (?, 0, ?, ?, ?, ?)`,
		thread.ID, params.AuthorID, params.Body, boolInt(params.SendRaw), nanos(now),
	); err != nil {
		return models.Thread{}, fmt.Errorf("insert root message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Thread{}, fmt.Errorf("commit create thread: %w", err)
	}
	return thread, nil
}

func (s *SQLiteRepository) GetThread(id string) (models.Thread, error) {
	row := s.db.QueryRow(
		`SELECT t.id, t.title, t.author_id, t.last_author_id, t.pinned, t.created_at, t.last_mod,
		        (SELECT COUNT(*) - 1 FROM messages m WHERE m.thread_id = t.id)
		 FROM threads t WHERE t.id = ?`, id)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Thread{}, ErrThreadNotFound
	} else if err != nil {
		return models.Thread{}, fmt.Errorf("load thread: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT thread_id, post_id, author_id, body, send_raw, edited, created_at, edited_at
		 FROM messages WHERE thread_id = ? ORDER BY post_id`, id)
	if err != nil {
		return models.Thread{}, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return models.Thread{}, fmt.Errorf("scan message: %w", err)
		}
		thread.Messages = append(thread.Messages, message)
	}
	return thread, rows.Err()
}

func scanMessage(row rowScanner) (models.Message, error) {
	var message models.Message
	var sendRaw, edited int
	var createdAt int64
	var editedAt sql.NullInt64
	err := row.Scan(&message.ThreadID, &message.PostID, &message.AuthorID, &message.Body,
		&sendRaw, &edited, &createdAt, &editedAt)
	if err != nil {
		return models.Message{}, err
	}
	message.SendRaw = sendRaw != 0
	message.Edited = edited != 0
	message.CreatedAt = fromNanos(createdAt)
	if editedAt.Valid {
		message.EditedAt = fromNanos(editedAt.Int64)
	}
	return message, nil
}

func (s *SQLiteRepository) ReplyThread(threadID, authorID, body string, sendRaw bool) (models.Message, error) {
	if err := models.ValidateField("body", body); err != nil {
		return models.Message{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return models.Message{}, fmt.Errorf("begin reply: %w", err)
	}
	defer tx.Rollback()

	var postID int
	err = tx.QueryRow(`SELECT next_post_id FROM threads WHERE id = ?`, threadID).Scan(&postID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrThreadNotFound
	} else if err != nil {
		return models.Message{}, fmt.Errorf("allocate post id: %w", err)
	}

	now := time.Now().UTC()
	message := models.Message{
		ThreadID:  threadID,
		PostID:    postID,
		AuthorID:  authorID,
		Body:      body,
		SendRaw:   sendRaw,
		CreatedAt: now,
	}
	if _, err := tx.Exec(
		`INSERT INTO messages (thread_id, post_id, author_id, body, send_raw, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, postID, authorID, body, boolInt(sendRaw), nanos(now),
	); err != nil {
		return models.Message{}, fmt.Errorf("insert reply: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE threads SET next_post_id = ?, last_mod = ?, last_author_id = ? WHERE id = ?`,
		postID+1, nanos(now), authorID, threadID,
	); err != nil {
		return models.Message{}, fmt.Errorf("touch thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit reply: %w", err)
	}
	return message, nil
}

func (s *SQLiteRepository) SetThreadPin(threadID string, pinned bool) (models.Thread, error) {
	result, err := s.db.Exec(`UPDATE threads SET pinned = ? WHERE id = ?`, boolInt(pinned), threadID)
	if err != nil {
		return models.Thread{}, fmt.Errorf("pin thread: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.Thread{}, ErrThreadNotFound
	}
	thread, err := s.GetThread(threadID)
	if err != nil {
		return models.Thread{}, err
	}
	thread.Messages = nil
	return thread, nil
}

// Message operations

func (s *SQLiteRepository) GetMessage(threadID string, postID int) (models.Message, error) {
	if _, err := s.threadExists(threadID); err != nil {
		return models.Message{}, err
	}
	row := s.db.QueryRow(
		`SELECT thread_id, post_id, author_id, body, send_raw, edited, created_at, edited_at
		 FROM messages WHERE thread_id = ? AND post_id = ?`, threadID, postID)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	} else if err != nil {
		return models.Message{}, fmt.Errorf("load message: %w", err)
	}
	return message, nil
}

func (s *SQLiteRepository) threadExists(threadID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrThreadNotFound
	} else if err != nil {
		return false, fmt.Errorf("check thread: %w", err)
	}
	return true, nil
}

func (s *SQLiteRepository) EditMessage(threadID string, postID int, update MessageUpdate) (models.Message, error) {
	if update.Body != nil {
		if err := models.ValidateField("body", *update.Body); err != nil {
			return models.Message{}, err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return models.Message{}, fmt.Errorf("begin edit: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRow(`SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrThreadNotFound
	} else if err != nil {
		return models.Message{}, fmt.Errorf("check thread: %w", err)
	}

	row := tx.QueryRow(
		`SELECT thread_id, post_id, author_id, body, send_raw, edited, created_at, edited_at
		 FROM messages WHERE thread_id = ? AND post_id = ?`, threadID, postID)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	} else if err != nil {
		return models.Message{}, fmt.Errorf("load message: %w", err)
	}

	if update.Body != nil {
		message.Body = *update.Body
	}
	if update.SendRaw != nil {
		message.SendRaw = *update.SendRaw
	}
	message.Edited = true
	message.EditedAt = time.Now().UTC()

	if _, err := tx.Exec(
		`UPDATE messages SET body = ?, send_raw = ?, edited = 1, edited_at = ?
		 WHERE thread_id = ? AND post_id = ?`,
		message.Body, boolInt(message.SendRaw), nanos(message.EditedAt), threadID, postID,
	); err != nil {
		return models.Message{}, fmt.Errorf("update message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit edit: %w", err)
	}
	return message, nil
}

func (s *SQLiteRepository) DeleteMessage(threadID string, postID int) (bool, error) {
	if _, err := s.GetMessage(threadID, postID); err != nil {
		return false, err
	}

	if postID == 0 {
		// The cascade is explicit: foreign_keys is a per-connection pragma in
		// sqlite, so the schema-level ON DELETE CASCADE must not be load-bearing.
		tx, err := s.db.Begin()
		if err != nil {
			return false, fmt.Errorf("begin delete thread: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
			return false, fmt.Errorf("delete thread messages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, threadID); err != nil {
			return false, fmt.Errorf("delete thread: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit delete thread: %w", err)
		}
		return true, nil
	}
	if _, err := s.db.Exec(
		`DELETE FROM messages WHERE thread_id = ? AND post_id = ?`, threadID, postID,
	); err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return false, nil
}

func (s *SQLiteRepository) MessageFeed(since time.Time) (models.Feed, error) {
	feed := models.Feed{Threads: make(map[string]models.Thread)}

	rows, err := s.db.Query(
		`SELECT thread_id, post_id, author_id, body, send_raw, edited, created_at, edited_at
		 FROM messages WHERE created_at > ? ORDER BY created_at DESC`, nanos(since))
	if err != nil {
		return models.Feed{}, fmt.Errorf("query feed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return models.Feed{}, fmt.Errorf("scan feed message: %w", err)
		}
		feed.Messages = append(feed.Messages, message)
	}
	if err := rows.Err(); err != nil {
		return models.Feed{}, err
	}

	for _, message := range feed.Messages {
		if _, ok := feed.Threads[message.ThreadID]; ok {
			continue
		}
		row := s.db.QueryRow(
			`SELECT t.id, t.title, t.author_id, t.last_author_id, t.pinned, t.created_at, t.last_mod,
			        (SELECT COUNT(*) - 1 FROM messages m WHERE m.thread_id = t.id)
			 FROM threads t WHERE t.id = ?`, message.ThreadID)
		thread, err := scanThread(row)
		if err != nil {
			return models.Feed{}, fmt.Errorf("load feed thread: %w", err)
		}
		feed.Threads[thread.ID] = thread
	}
	return feed, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Repository = (*SQLiteRepository)(nil)
