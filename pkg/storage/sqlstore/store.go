package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
)

// Config controls table naming and the embedding column.
type Config struct {
	// TablePrefix is prepended to every table name (default "mc_").
	TablePrefix string

	// EmbeddingDims is the dimension of the embedding column.
	EmbeddingDims int
}

// Store implements storage.Store with database/sql.
type Store struct {
	db      *sql.DB
	dialect *Dialect
	dims    int

	messages   string
	sessions   string
	categories string
	memories   string
}

// New wraps db and creates the tables if they do not exist.
func New(ctx context.Context, db *sql.DB, dialect *Dialect, cfg *Config) (*Store, error) {
	if db == nil || dialect == nil {
		return nil, errors.New("sqlstore: db and dialect are required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = "mc_"
	}
	s := &Store{
		db:         db,
		dialect:    dialect,
		dims:       cfg.EmbeddingDims,
		messages:   prefix + "messages",
		sessions:   prefix + "sessions",
		categories: prefix + "categories",
		memories:   prefix + "memories",
	}
	if err := s.initTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initTables(ctx context.Context) error {
	d := s.dialect
	index := func(name, cols string) string {
		if d.InlineIndexes {
			return fmt.Sprintf(",\n\t\t\tINDEX idx_%s (%s)", name, cols)
		}
		return ""
	}

	tables := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id %s PRIMARY KEY,
			user_id %s NOT NULL,
			persona_id %s NOT NULL,
			content %s NOT NULL,
			is_from_user %s NOT NULL,
			created_at BIGINT NOT NULL%s
		)`, s.messages, d.KeyType, d.KeyType, d.KeyType, d.TextType, d.BoolType,
			index(s.messages+"_pair", "user_id, persona_id, created_at")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id %s PRIMARY KEY,
			user_id %s NOT NULL,
			persona_id %s,
			started_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL%s
		)`, s.sessions, d.KeyType, d.KeyType, d.KeyType,
			index(s.sessions+"_user", "user_id, expires_at")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id %s,
			name %s NOT NULL,
			parent_id BIGINT
		)`, s.categories, d.AutoIncrementPK, d.KeyType),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			user_id %s NOT NULL,
			persona_id %s NOT NULL,
			category_id BIGINT NOT NULL,
			content %s NOT NULL,
			embedding %s,
			owner %s NOT NULL,
			source %s NOT NULL,
			confidence %s NOT NULL,
			tags %s,
			created_at BIGINT NOT NULL,
			last_updated BIGINT NOT NULL,
			active %s NOT NULL%s
		)`, s.memories, d.KeyType, d.KeyType, d.TextType, d.VectorType(s.dims), d.KeyType, d.KeyType,
			d.FloatType, d.TextType, d.BoolType,
			index(s.memories+"_pair", "user_id, persona_id, category_id")),
	}
	if !d.InlineIndexes {
		tables = append(tables,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_pair ON %s(user_id, persona_id, created_at)", s.messages, s.messages),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id, expires_at)", s.sessions, s.sessions),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_pair ON %s(user_id, persona_id, category_id)", s.memories, s.memories),
		)
	}
	for _, q := range tables {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("initTables: %s: %w", d.Name, err)
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// AddMessage inserts a message.
func (s *Store) AddMessage(ctx context.Context, msg *storage.Message) error {
	_, err := s.exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, user_id, persona_id, content, is_from_user, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, s.messages),
		msg.ID, msg.UserID, msg.PersonaID, msg.Content, msg.IsFromUser, toNanos(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("AddMessage: %w", err)
	}
	return nil
}

const messageColumns = "id, user_id, persona_id, content, is_from_user, created_at"

func scanMessage(rows *sql.Rows) (*storage.Message, error) {
	var (
		m       storage.Message
		created int64
	)
	if err := rows.Scan(&m.ID, &m.UserID, &m.PersonaID, &m.Content, &m.IsFromUser, &created); err != nil {
		return nil, err
	}
	m.CreatedAt = fromNanos(created)
	return &m, nil
}

func (s *Store) queryMessages(ctx context.Context, op, query string, args ...interface{}) ([]*storage.Message, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Store) queryMessage(ctx context.Context, op, query string, args ...interface{}) (*storage.Message, error) {
	msgs, err := s.queryMessages(ctx, op, query, args...)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// ListMessages returns the pair's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, userID, personaID string) ([]*storage.Message, error) {
	return s.queryMessages(ctx, "ListMessages", fmt.Sprintf(`
		SELECT %s FROM %s WHERE user_id = ? AND persona_id = ?
		ORDER BY created_at ASC, id ASC`, messageColumns, s.messages), userID, personaID)
}

// CountMessagesSince counts the pair's messages created at or after since.
func (s *Store) CountMessagesSince(ctx context.Context, userID, personaID string, since time.Time) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE user_id = ? AND persona_id = ? AND created_at >= ?`, s.messages)),
		userID, personaID, toNanos(since))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("CountMessagesSince: %w", err)
	}
	return n, nil
}

// LatestMessage returns the pair's newest message.
func (s *Store) LatestMessage(ctx context.Context, userID, personaID string) (*storage.Message, error) {
	return s.queryMessage(ctx, "LatestMessage", fmt.Sprintf(`
		SELECT %s FROM %s WHERE user_id = ? AND persona_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, messageColumns, s.messages), userID, personaID)
}

// FirstMessageSince returns the pair's oldest message at or after since.
func (s *Store) FirstMessageSince(ctx context.Context, userID, personaID string, since time.Time) (*storage.Message, error) {
	return s.queryMessage(ctx, "FirstMessageSince", fmt.Sprintf(`
		SELECT %s FROM %s WHERE user_id = ? AND persona_id = ? AND created_at >= ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, messageColumns, s.messages), userID, personaID, toNanos(since))
}

// LatestMessageExcluding returns the newest message, from either side, between
// the user and any other persona.
func (s *Store) LatestMessageExcluding(ctx context.Context, userID, personaID string) (*storage.Message, error) {
	return s.queryMessage(ctx, "LatestMessageExcluding", fmt.Sprintf(`
		SELECT %s FROM %s WHERE user_id = ? AND persona_id <> ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, messageColumns, s.messages), userID, personaID)
}

// ActiveSession returns the longest-lived unexpired session of the user.
func (s *Store) ActiveSession(ctx context.Context, userID string, now time.Time) (*storage.Session, error) {
	rows, err := s.query(ctx, fmt.Sprintf(`
		SELECT id, user_id, persona_id, started_at, expires_at FROM %s
		WHERE user_id = ? AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1`, s.sessions), userID, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("ActiveSession: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		sess             storage.Session
		persona          sql.NullString
		started, expires int64
	)
	if err := rows.Scan(&sess.ID, &sess.UserID, &persona, &started, &expires); err != nil {
		return nil, fmt.Errorf("ActiveSession: %w", err)
	}
	sess.PersonaID = persona.String
	sess.StartedAt = fromNanos(started)
	sess.ExpiresAt = fromNanos(expires)
	return &sess, nil
}

// UpsertSession replaces the session with the same id.
func (s *Store) UpsertSession(ctx context.Context, sess *storage.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("UpsertSession: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.sessions)), sess.ID); err != nil {
		return fmt.Errorf("UpsertSession: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (id, user_id, persona_id, started_at, expires_at) VALUES (?, ?, ?, ?, ?)`, s.sessions)),
		sess.ID, sess.UserID, sess.PersonaID, toNanos(sess.StartedAt), toNanos(sess.ExpiresAt)); err != nil {
		return fmt.Errorf("UpsertSession: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("UpsertSession: %w", err)
	}
	return nil
}

// ListCategories returns all categories ordered by id.
func (s *Store) ListCategories(ctx context.Context) ([]*storage.Category, error) {
	rows, err := s.query(ctx, fmt.Sprintf("SELECT id, name, parent_id FROM %s ORDER BY id", s.categories))
	if err != nil {
		return nil, fmt.Errorf("ListCategories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Category
	for rows.Next() {
		var (
			c      storage.Category
			parent sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Name, &parent); err != nil {
			return nil, fmt.Errorf("ListCategories: %w", err)
		}
		if parent.Valid {
			p := parent.Int64
			c.ParentID = &p
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListCategories: %w", err)
	}
	return out, nil
}

// CreateCategory inserts c and sets its generated id.
func (s *Store) CreateCategory(ctx context.Context, c *storage.Category) error {
	var parent interface{}
	if c.ParentID != nil {
		parent = *c.ParentID
	}
	query := fmt.Sprintf("INSERT INTO %s (name, parent_id) VALUES (?, ?)", s.categories)
	if s.dialect.Returning {
		row := s.db.QueryRowContext(ctx, s.dialect.Rebind(query+" RETURNING id"), c.Name, parent)
		if err := row.Scan(&c.ID); err != nil {
			return fmt.Errorf("CreateCategory: %w", err)
		}
		return nil
	}
	res, err := s.exec(ctx, query, c.Name, parent)
	if err != nil {
		return fmt.Errorf("CreateCategory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("CreateCategory: %w", err)
	}
	c.ID = id
	return nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CreateMemory inserts m.
func (s *Store) CreateMemory(ctx context.Context, m *storage.MemoryRecord) error {
	vec, err := s.dialect.EncodeVector(m.Embedding)
	if err != nil {
		return fmt.Errorf("CreateMemory: %w", err)
	}
	tags, err := encodeTags(m.Tags)
	if err != nil {
		return fmt.Errorf("CreateMemory: %w", err)
	}
	_, err = s.exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
		(id, user_id, persona_id, category_id, content, embedding, owner, source, confidence, tags, created_at, last_updated, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.memories),
		m.ID, m.UserID, m.PersonaID, m.CategoryID, m.Content, vec, string(m.Owner), string(m.Source),
		m.Confidence, tags, toNanos(m.CreatedAt), toNanos(m.LastUpdated), m.Active)
	if err != nil {
		return fmt.Errorf("CreateMemory: %w", err)
	}
	return nil
}

// UpdateMemory replaces content, embedding, tags, confidence, timestamps and state.
func (s *Store) UpdateMemory(ctx context.Context, m *storage.MemoryRecord) error {
	vec, err := s.dialect.EncodeVector(m.Embedding)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	tags, err := encodeTags(m.Tags)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	res, err := s.exec(ctx, fmt.Sprintf(`
		UPDATE %s SET content = ?, embedding = ?, tags = ?, confidence = ?, last_updated = ?, active = ?
		WHERE id = ?`, s.memories),
		m.Content, vec, tags, m.Confidence, toNanos(m.LastUpdated), m.Active, m.ID)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	// MySQL reports zero affected rows when nothing changed.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		exists, err := s.memoryExists(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("UpdateMemory: %w", err)
		}
		if !exists {
			return fmt.Errorf("UpdateMemory: memory %d: %w", m.ID, storage.ErrNotFound)
		}
	}
	return nil
}

func (s *Store) memoryExists(ctx context.Context, id int64) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE id = ?`, s.memories)), id)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

const memoryColumns = "id, user_id, persona_id, category_id, content, embedding, owner, source, confidence, tags, created_at, last_updated, active"

func (s *Store) scanMemory(rows *sql.Rows) (*storage.MemoryRecord, error) {
	var (
		m                storage.MemoryRecord
		owner, source    string
		tags             sql.NullString
		created, updated int64
	)
	vec := s.dialect.NewVectorScanner()
	if err := rows.Scan(&m.ID, &m.UserID, &m.PersonaID, &m.CategoryID, &m.Content, vec,
		&owner, &source, &m.Confidence, &tags, &created, &updated, &m.Active); err != nil {
		return nil, err
	}
	m.Embedding = vec.Vector()
	m.Owner = storage.Owner(owner)
	m.Source = storage.Source(source)
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	m.CreatedAt = fromNanos(created)
	m.LastUpdated = fromNanos(updated)
	return &m, nil
}

func (s *Store) queryMemories(ctx context.Context, op, query string, args ...interface{}) ([]*storage.MemoryRecord, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.MemoryRecord
	for rows.Next() {
		m, err := s.scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ListActiveMemories returns active memories of the pair within a category.
func (s *Store) ListActiveMemories(ctx context.Context, userID, personaID string, categoryID int64) ([]*storage.MemoryRecord, error) {
	return s.queryMemories(ctx, "ListActiveMemories", fmt.Sprintf(`
		SELECT %s FROM %s WHERE user_id = ? AND persona_id = ? AND category_id = ? AND active = ?
		ORDER BY created_at ASC, id ASC`, memoryColumns, s.memories), userID, personaID, categoryID, true)
}

// ListMemories returns every memory of the pair.
func (s *Store) ListMemories(ctx context.Context, userID, personaID string) ([]*storage.MemoryRecord, error) {
	return s.queryMemories(ctx, "ListMemories", fmt.Sprintf(`
		SELECT %s FROM %s WHERE user_id = ? AND persona_id = ?
		ORDER BY created_at ASC, id ASC`, memoryColumns, s.memories), userID, personaID)
}

// CountMemoriesBySource counts the pair's memories with the given source.
func (s *Store) CountMemoriesBySource(ctx context.Context, userID, personaID string, source storage.Source) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE user_id = ? AND persona_id = ? AND source = ?`, s.memories)),
		userID, personaID, string(source))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("CountMemoriesBySource: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
