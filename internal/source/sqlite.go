package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"caption-sky/server/internal/captions"
)

// timestampLayout keeps stored timestamps lexically ordered.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// OpenSQLite opens a caption database. Use ":memory:" for a private
// in-memory database.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("open caption database: empty path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open caption database: %w", err)
	}
	// In-memory databases are per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open caption database: %w", err)
	}
	return db, nil
}

// SQLite queries a local captions table with the same shape as the hosted
// one.
type SQLite struct {
	db    *sql.DB
	table string
	limit int
}

func NewSQLite(db *sql.DB, table string, limit int) *SQLite {
	if table == "" {
		table = DefaultTable
	}
	if limit <= 0 {
		limit = captions.FetchLimit
	}
	return &SQLite{db: db, table: table, limit: limit}
}

// EnsureSchema creates the captions table when it does not exist.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	if !tableName.MatchString(s.table) {
		return fmt.Errorf("invalid table name %q", s.table)
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		like_count INTEGER,
		created_datetime_utc TEXT,
		is_public INTEGER
	)`)
	if err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Insert stores records, replacing rows with the same id.
func (s *SQLite) Insert(ctx context.Context, records ...captions.Record) error {
	if !tableName.MatchString(s.table) {
		return fmt.Errorf("invalid table name %q", s.table)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO `+s.table+`
		(id, content, like_count, created_datetime_utc, is_public) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		var (
			likes   sql.NullInt64
			created sql.NullString
			public  sql.NullBool
		)
		if record.LikeCount != nil {
			likes = sql.NullInt64{Int64: int64(*record.LikeCount), Valid: true}
		}
		if record.CreatedAt != nil {
			created = sql.NullString{String: record.CreatedAt.UTC().Format(timestampLayout), Valid: true}
		}
		if record.IsPublic != nil {
			public = sql.NullBool{Bool: *record.IsPublic, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, record.ID, record.Content, likes, created, public); err != nil {
			return fmt.Errorf("insert caption %s: %w", record.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Fetch(ctx context.Context) ([]captions.Record, error) {
	if !tableName.MatchString(s.table) {
		return nil, fmt.Errorf("invalid table name %q", s.table)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, like_count, created_datetime_utc, is_public
		FROM `+s.table+`
		ORDER BY created_datetime_utc DESC
		LIMIT ?`, s.limit)
	if err != nil {
		return nil, fmt.Errorf("query captions: %w", err)
	}
	defer rows.Close()

	var records []captions.Record
	for rows.Next() {
		var (
			record  captions.Record
			likes   sql.NullInt64
			created sql.NullString
			public  sql.NullBool
		)
		if err := rows.Scan(&record.ID, &record.Content, &likes, &created, &public); err != nil {
			return nil, fmt.Errorf("scan caption: %w", err)
		}
		if likes.Valid {
			n := int(likes.Int64)
			record.LikeCount = &n
		}
		if created.Valid && created.String != "" {
			at, err := time.Parse(time.RFC3339Nano, created.String)
			if err != nil {
				return nil, fmt.Errorf("caption %s: invalid created_datetime_utc: %w", record.ID, err)
			}
			record.CreatedAt = &at
		}
		if public.Valid {
			b := public.Bool
			record.IsPublic = &b
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate captions: %w", err)
	}
	return records, nil
}
