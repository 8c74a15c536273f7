package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bbj/internal/models"
)

// PostgresConfig tunes the connection pool for the Postgres backend.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ApplicationName string
}

// PostgresRepository is the Postgres-backed store for deployments that have
// outgrown SQLite.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a pooled Postgres connection and applies the
// schema.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (p *PostgresRepository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			name_key TEXT NOT NULL UNIQUE,
			auth_hash TEXT NOT NULL,
			quip TEXT NOT NULL DEFAULT '',
			bio TEXT NOT NULL DEFAULT '',
			color INTEGER NOT NULL DEFAULT 0,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author_id TEXT NOT NULL,
			last_author_id TEXT NOT NULL,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			next_post_id INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			last_mod TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			post_id INTEGER NOT NULL,
			author_id TEXT NOT NULL,
			body TEXT NOT NULL,
			send_raw BOOLEAN NOT NULL DEFAULT FALSE,
			edited BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			edited_at TIMESTAMPTZ,
			PRIMARY KEY (thread_id, post_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_activity ON threads(pinned, last_mod)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// User operations

func (p *PostgresRepository) RegisterUser(params RegisterUserParams) (models.User, error) {
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
	ctx := context.Background()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, name, name_key, auth_hash, is_admin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Name, NormalizeName(user.Name), user.AuthHash, user.IsAdmin, user.CreatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return models.User{}, ErrNameTaken
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (p *PostgresRepository) ResolveUser(ref string) (models.User, bool) {
	row := p.pool.QueryRow(context.Background(),
		`SELECT id, name, auth_hash, quip, bio, color, is_admin, created_at
		 FROM users WHERE id = $1 OR name_key = $2`,
		ref, NormalizeName(ref))
	var user models.User
	err := row.Scan(&user.ID, &user.Name, &user.AuthHash, &user.Quip, &user.Bio,
		&user.Color, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (p *PostgresRepository) UpdateUser(id string, update UserUpdate) (models.User, error) {
	ctx := context.Background()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.User{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT id, name, auth_hash, quip, bio, color, is_admin, created_at
		 FROM users WHERE id = $1 FOR UPDATE`, id)
	var user models.User
	err = row.Scan(&user.ID, &user.Name, &user.AuthHash, &user.Quip, &user.Bio,
		&user.Color, &user.IsAdmin, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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

	_, err = tx.Exec(ctx,
		`UPDATE users SET name=$1, name_key=$2, auth_hash=$3, quip=$4, bio=$5, color=$6, is_admin=$7
		 WHERE id=$8`,
		user.Name, NormalizeName(user.Name), user.AuthHash, user.Quip, user.Bio,
		user.Color, user.IsAdmin, id)
	if err != nil {
		if isPgUniqueViolation(err) {
			return models.User{}, ErrNameTaken
		}
		return models.User{}, fmt.Errorf("update user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.User{}, fmt.Errorf("commit update: %w", err)
	}
	return user, nil
}

// Thread operations

const pgThreadColumns = `t.id, t.title, t.author_id, t.last_author_id, t.pinned, t.created_at, t.last_mod,
	(SELECT COUNT(*) - 1 FROM messages m WHERE m.thread_id = t.id)`

func scanPgThread(row pgx.Row) (models.Thread, error) {
	var thread models.Thread
	var replyCount int64
	err := row.Scan(&thread.ID, &thread.Title, &thread.AuthorID, &thread.LastAuthorID,
		&thread.Pinned, &thread.CreatedAt, &thread.LastModified, &replyCount)
	if err != nil {
		return models.Thread{}, err
	}
	thread.ReplyCount = int(replyCount)
	thread.CreatedAt = thread.CreatedAt.UTC()
	thread.LastModified = thread.LastModified.UTC()
	return thread, nil
}

func (p *PostgresRepository) ThreadIndex() ([]models.Thread, error) {
	rows, err := p.pool.Query(context.Background(),
		`SELECT `+pgThreadColumns+` FROM threads t ORDER BY t.pinned DESC, t.last_mod DESC`)
	if err != nil {
		return nil, fmt.Errorf("query thread index: %w", err)
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	for rows.Next() {
		thread, err := scanPgThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

func (p *PostgresRepository) CreateThread(params CreateThreadParams) (models.Thread, error) {
	if err := models.ValidateField("title", params.Title); err != nil {
		return models.Thread{}, err
	}
	if err := models.ValidateField("body", params.Body); err != nil {
		return models.Thread{}, err
	}

	ctx := context.Background()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.Thread{}, fmt.Errorf("begin create thread: %w", err)
	}
	defer tx.Rollback(ctx)

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

	if _, err := tx.Exec(ctx,
		`INSERT INTO threads (id, title, author_id, last_author_id, created_at, last_mod)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		thread.ID, thread.Title, thread.AuthorID, thread.LastAuthorID, now, now); err != nil {
		return models.Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (thread_id, post_id, author_id, body, send_raw, created_at)
		 VALUES ($1, 0, $2, $3, $4, $5)`,
		thread.ID, params.AuthorID, params.Body, params.SendRaw, now); err != nil {
		return models.Thread{}, fmt.Errorf("insert root message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Thread{}, fmt.Errorf("commit create thread: %w", err)
	}
	return thread, nil
}

func scanPgMessage(row pgx.Row) (models.Message, error) {
	var message models.Message
	var editedAt *time.Time
	err := row.Scan(&message.ThreadID, &message.PostID, &message.AuthorID, &message.Body,
		&message.SendRaw, &message.Edited, &message.CreatedAt, &editedAt)
	if err != nil {
		return models.Message{}, err
	}
	message.CreatedAt = message.CreatedAt.UTC()
	if editedAt != nil {
		message.EditedAt = editedAt.UTC()
	}
	return message, nil
}

func (p *PostgresRepository) GetThread(id string) (models.Thread, error) {
	ctx := context.Background()
	row := p.pool.QueryRow(ctx,
		`SELECT `+pgThreadColumns+` FROM threads t WHERE t.id = $1`, id)
	thread, err := scanPgThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Thread{}, ErrThreadNotFound
	} else if err != nil {
		return models.Thread{}, fmt.Errorf("load thread: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT thread_id, post_id, author_id, body, send_raw, edited, created_at, edited_at
		 FROM messages WHERE thread_id = $1 ORDER BY post_id`, id)
	if err != nil {
		return models.Thread{}, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		message, err := scanPgMessage(rows)
		if err != nil {
			return models.Thread{}, fmt.Errorf("scan message: %w", err)
		}
		thread.Messages = append(thread.Messages, message)
	}
	return thread, rows.Err()
}

func (p *PostgresRepository) ReplyThread(threadID, authorID, body string, sendRaw bool) (models.Message, error) {
	if err := models.ValidateField("body", body); err != nil {
		return models.Message{}, err
	}

	ctx := context.Background()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin reply: %w", err)
	}
	defer tx.Rollback(ctx)

	var postID int
	err = tx.QueryRow(ctx,
		`SELECT next_post_id FROM threads WHERE id = $1 FOR UPDATE`, threadID).Scan(&postID)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (thread_id, post_id, author_id, body, send_raw, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		threadID, postID, authorID, body, sendRaw, now); err != nil {
		return models.Message{}, fmt.Errorf("insert reply: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE threads SET next_post_id = $1, last_mod = $2, last_author_id = $3 WHERE id = $4`,
		postID+1, now, authorID, threadID); err != nil {
		return models.Message{}, fmt.Errorf("touch thread: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, fmt.Errorf("commit reply: %w", err)
	}
	return message, nil
}

func (p *PostgresRepository) SetThreadPin(threadID string, pinned bool) (models.Thread, error) {
	ctx := context.Background()
	tag, err := p.pool.Exec(ctx, `UPDATE threads SET pinned = $1 WHERE id = $2`, pinned, threadID)
	if err != nil {
		return models.Thread{}, fmt.Errorf("pin thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Thread{}, ErrThreadNotFound
	}
	row := p.pool.QueryRow(ctx,
		`SELECT `+pgThreadColumns+` FROM threads t WHERE t.id = $1`, threadID)
	return scanPgThread(row)
}

// Message operations

func (p *PostgresRepository) GetMessage(threadID string, postID int) (models.Message, error) {
	ctx := context.Background()
	var one int
	err := p.pool.QueryRow(ctx, `SELECT 1 FROM threads WHERE id = $1`, threadID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, ErrThreadNotFound
	} else if err != nil {
		return models.Message{}, fmt.Errorf("check thread: %w", err)
	}

	row := p.pool.QueryRow(ctx,
		`SELECT thread_id, post_id, author_id, body, send_raw, edited, created_at, edited_at
		 FROM messages WHERE thread_id = $1 AND post_id = $2`, threadID, postID)
	message, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	} else if err != nil {
		return models.Message{}, fmt.Errorf("load message: %w", err)
	}
	return message, nil
}

func (p *PostgresRepository) EditMessage(threadID string, postID int, update MessageUpdate) (models.Message, error) {
	if update.Body != nil {
		if err := models.ValidateField("body", *update.Body); err != nil {
			return models.Message{}, err
		}
	}

	message, err := p.GetMessage(threadID, postID)
	if err != nil {
		return models.Message{}, err
	}
	if update.Body != nil {
		message.Body = *update.Body
	}
	if update.SendRaw != nil {
		message.SendRaw = *update.SendRaw
	}
	message.Edited = true
	message.EditedAt = time.Now().UTC()

	if _, err := p.pool.Exec(context.Background(),
		`UPDATE messages SET body = $1, send_raw = $2, edited = TRUE, edited_at = $3
		 WHERE thread_id = $4 AND post_id = $5`,
		message.Body, message.SendRaw, message.EditedAt, threadID, postID); err != nil {
		return models.Message{}, fmt.Errorf("update message: %w", err)
	}
	return message, nil
}

func (p *PostgresRepository) DeleteMessage(threadID string, postID int) (bool, error) {
	if _, err := p.GetMessage(threadID, postID); err != nil {
		return false, err
	}

	ctx := context.Background()
	if postID == 0 {
		if _, err := p.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, threadID); err != nil {
			return false, fmt.Errorf("delete thread: %w", err)
		}
		return true, nil
	}
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM messages WHERE thread_id = $1 AND post_id = $2`, threadID, postID); err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return false, nil
}

func (p *PostgresRepository) MessageFeed(since time.Time) (models.Feed, error) {
	ctx := context.Background()
	feed := models.Feed{Threads: make(map[string]models.Thread)}

	rows, err := p.pool.Query(ctx,
		`SELECT thread_id, post_id, author_id, body, send_raw, edited, created_at, edited_at
		 FROM messages WHERE created_at > $1 ORDER BY created_at DESC`, since.UTC())
	if err != nil {
		return models.Feed{}, fmt.Errorf("query feed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		message, err := scanPgMessage(rows)
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
		row := p.pool.QueryRow(ctx,
			`SELECT `+pgThreadColumns+` FROM threads t WHERE t.id = $1`, message.ThreadID)
		thread, err := scanPgThread(row)
		if err != nil {
			return models.Feed{}, fmt.Errorf("load feed thread: %w", err)
		}
		feed.Threads[thread.ID] = thread
	}
	return feed, nil
}

var _ Repository = (*PostgresRepository)(nil)
