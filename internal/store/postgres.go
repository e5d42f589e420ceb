package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"livecode/api/internal/collab"
)

const (
	defaultSaveLimit = 50
	maxSaveLimit     = 500
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordSave appends a successful save to the save log. Recording the same
// commit of a session version twice is a no-op.
func (s *PostgresStore) RecordSave(ctx context.Context, record collab.SaveRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO save_log (session_id, repository_id, file_path, version, commit_hash, requested_by, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, version, commit_hash) DO NOTHING
	`, record.SessionID, record.RepositoryID, record.FilePath, int64(record.Version), record.Commit, record.RequestedBy, record.CommittedAt)
	if err != nil {
		return fmt.Errorf("insert save log: %w", err)
	}
	return nil
}

// ListSaves returns the newest saves first, optionally narrowed to a
// repository and file.
func (s *PostgresStore) ListSaves(ctx context.Context, filter SaveFilter) ([]SaveEntry, error) {
	query, args := buildListSavesQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list saves: %w", err)
	}
	defer rows.Close()

	items := make([]SaveEntry, 0)
	for rows.Next() {
		var (
			entry   SaveEntry
			version int64
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.RepositoryID,
			&entry.FilePath,
			&version,
			&entry.Commit,
			&entry.RequestedBy,
			&entry.CommittedAt,
			&entry.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan save: %w", err)
		}
		entry.Version = uint64(version)
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saves: %w", err)
	}
	return items, nil
}

func buildListSavesQuery(filter SaveFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if repositoryID := strings.TrimSpace(filter.RepositoryID); repositoryID != "" {
		args = append(args, repositoryID)
		clauses = append(clauses, fmt.Sprintf("repository_id = $%d", len(args)))
	}
	if filePath := strings.TrimSpace(filter.FilePath); filePath != "" {
		args = append(args, filePath)
		clauses = append(clauses, fmt.Sprintf("file_path = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSaveLimit
	}
	if limit > maxSaveLimit {
		limit = maxSaveLimit
	}
	args = append(args, limit)

	var b strings.Builder
	b.WriteString(`SELECT id, session_id, repository_id, file_path, version, commit_hash, requested_by, committed_at, recorded_at FROM save_log`)
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY committed_at DESC, id DESC LIMIT $%d", len(args))
	return b.String(), args
}
