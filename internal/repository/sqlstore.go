package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sheetflow/backend/internal/models"
)

const defaultOpTimeout = 5 * time.Second

// dialect captures the few places DuckDB and MySQL disagree.
type dialect struct {
	name        string
	schema      string
	isDuplicate func(error) bool
}

var sortColumns = map[SortField]string{
	SortByCreatedAt: "created_at",
	SortByFilename:  "display_name",
	SortByStatus:    "status",
	SortByRowCount:  "row_count",
}

// SQLStore implements Repository on database/sql. Both supported engines
// accept '?' placeholders, so the statements are shared.
type SQLStore struct {
	db        *sql.DB
	dialect   dialect
	opTimeout time.Duration
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, opTimeout: defaultOpTimeout}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("%s: creating files table: %w", s.dialect.name, err)
	}
	return nil
}

// Create inserts a new record.
func (s *SQLStore) Create(ctx context.Context, rec *models.FileRecord) error {
	if err := validateStatus(rec.Status); err != nil {
		return err
	}
	blob, err := encodeRows(rec.ParsedRows)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO files (id, display_name, status, created_at, row_count, parsed_rows) VALUES (?, ?, ?, ?, ?, ?)",
		rec.ID, rec.DisplayName, string(rec.Status), rec.CreatedAt.UTC(), len(rec.ParsedRows), blob)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
		}
		return fmt.Errorf("repo create: %w", err)
	}
	rec.RowCount = len(rec.ParsedRows)
	return nil
}

// FindByID returns the record including its parsed rows.
func (s *SQLStore) FindByID(ctx context.Context, id string) (*models.FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var (
		rec    models.FileRecord
		status string
		blob   []byte
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, display_name, status, created_at, row_count, parsed_rows FROM files WHERE id = ?", id,
	).Scan(&rec.ID, &rec.DisplayName, &status, &rec.CreatedAt, &rec.RowCount, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("repo findByID: %w", err)
	}

	rec.Status = models.Status(status)
	rec.ParsedRows, err = decodeRows(blob)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateByID applies upd to the record.
func (s *SQLStore) UpdateByID(ctx context.Context, id string, upd RecordUpdate) error {
	if err := validateStatus(upd.Status); err != nil {
		return err
	}

	query := "UPDATE files SET status = ? WHERE id = ?"
	args := []any{string(upd.Status), id}
	if upd.SetRows {
		blob, err := encodeRows(upd.Rows)
		if err != nil {
			return err
		}
		query = "UPDATE files SET status = ?, row_count = ?, parsed_rows = ? WHERE id = ?"
		args = []any{string(upd.Status), len(upd.Rows), blob, id}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("repo update: %w", err)
	}
	return requireAffected(res, id)
}

// DeleteByID removes the record.
func (s *SQLStore) DeleteByID(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("repo delete: %w", err)
	}
	return requireAffected(res, id)
}

// FindFiltered returns matching records without rows.
func (s *SQLStore) FindFiltered(ctx context.Context, f Filter, p Page) ([]*models.FileRecord, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}

	where, args := whereClause(f)
	col, ok := sortColumns[p.SortBy]
	if !ok {
		col = sortColumns[SortByCreatedAt]
	}
	dir := "DESC"
	if p.Ascending {
		dir = "ASC"
	}

	var q strings.Builder
	q.WriteString("SELECT id, display_name, status, created_at, row_count FROM files")
	q.WriteString(where)
	fmt.Fprintf(&q, " ORDER BY %s %s, id %s", col, dir, dir)
	if p.Limit > 0 {
		q.WriteString(" LIMIT " + strconv.Itoa(p.Limit))
	}
	if p.Skip > 0 {
		if p.Limit <= 0 && s.dialect.name == "mysql" {
			// MySQL has no OFFSET without LIMIT.
			q.WriteString(" LIMIT 18446744073709551615")
		}
		q.WriteString(" OFFSET " + strconv.Itoa(p.Skip))
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("repo findFiltered: %w", err)
	}
	defer rows.Close()

	out := make([]*models.FileRecord, 0)
	for rows.Next() {
		var (
			rec    models.FileRecord
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.DisplayName, &status, &rec.CreatedAt, &rec.RowCount); err != nil {
			return nil, fmt.Errorf("repo scan: %w", err)
		}
		rec.Status = models.Status(status)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo findFiltered: %w", err)
	}
	return out, nil
}

// Count returns the number of records matching f.
func (s *SQLStore) Count(ctx context.Context, f Filter) (int, error) {
	if err := validateFilter(f); err != nil {
		return 0, err
	}
	where, args := whereClause(f)

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("repo count: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func whereClause(f Filter) (string, []any) {
	if f.Status == "" {
		return "", nil
	}
	return " WHERE status = ?", []any{string(f.Status)}
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repo rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
