package remote

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// execer is the part of Client the Service needs.
type execer interface {
	ExecuteResult(ctx context.Context, sql string, args ...any) (int64, error)
}

// Service performs row-level writes against the remote schema.
type Service struct {
	db     execer
	now    func() time.Time
	logger *slog.Logger
}

// NewService wraps client.
func NewService(client *Client, logger *slog.Logger) *Service {
	return newService(client, logger)
}

func newService(db execer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		now:    time.Now,
		logger: logger.With("component", "remote-service"),
	}
}

// Insert adds record to table. An existing row with the same primary key is
// left untouched and reported as ErrDuplicate.
func (s *Service) Insert(ctx context.Context, table string, record map[string]any) error {
	cols, args, err := sortedColumns(table, record)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		table, strings.Join(cols, ", "), placeholders)

	n, err := s.db.ExecuteResult(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("insert %s: %w", table, ErrDuplicate)
	}
	return nil
}

// DeleteByKey removes the rows matching key. Matching no rows is ErrNotFound.
func (s *Service) DeleteByKey(ctx context.Context, table string, key map[string]any) error {
	where, args, err := whereClause(table, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}

	n, err := s.db.ExecuteResult(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", table, ErrNotFound)
	}
	return nil
}

// UpdateByKey overwrites fields on the rows matching key. Matching no rows is
// ErrNotFound.
func (s *Service) UpdateByKey(ctx context.Context, table string, key, fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("update %s: no fields", table)
	}
	setCols, setArgs, err := sortedColumns(table, fields)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	where, whereArgs, err := whereClause(table, key)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}

	assignments := make([]string, 0, len(setCols)+1)
	for _, c := range setCols {
		assignments = append(assignments, c+" = ?")
	}
	if touch, ok := touchColumn[table]; ok {
		assignments = append(assignments, touch+" = ?")
		setArgs = append(setArgs, s.now().UTC().Unix())
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(assignments, ", "), where)
	n, err := s.db.ExecuteResult(ctx, query, append(setArgs, whereArgs...)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", table, ErrNotFound)
	}
	return nil
}

// sortedColumns validates the keys of m against table and returns them in a
// stable order with their values.
func sortedColumns(table string, m map[string]any) ([]string, []any, error) {
	if len(m) == 0 {
		return nil, nil, fmt.Errorf("no columns")
	}
	cols := make([]string, 0, len(m))
	for c := range m {
		if err := CheckColumn(table, c); err != nil {
			return nil, nil, err
		}
		cols = append(cols, c)
	}
	slices.Sort(cols)

	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = m[c]
	}
	return cols, args, nil
}

func whereClause(table string, key map[string]any) (string, []any, error) {
	cols, args, err := sortedColumns(table, key)
	if err != nil {
		return "", nil, fmt.Errorf("key: %w", err)
	}
	conds := make([]string, len(cols))
	for i, c := range cols {
		conds[i] = c + " = ?"
	}
	return strings.Join(conds, " AND "), args, nil
}
