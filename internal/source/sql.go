package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/colebrumley/tablewatch/internal/recipe"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQL reads whole tables through database/sql. One pool is kept per DSN and
// shared by every recipe that points at it.
type SQL struct {
	driver            string // "sqlite" or "mysql"
	lastModifiedField string
	timeout           time.Duration
	logger            *slog.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQL creates a SQL source for the given database/sql driver name. A
// positive timeout bounds each fetch, from connect to the last row.
func NewSQL(driver, lastModifiedField string, timeout time.Duration, logger *slog.Logger) *SQL {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQL{
		driver:            driver,
		lastModifiedField: lastModifiedField,
		timeout:           timeout,
		logger:            logger,
		dbs:               make(map[string]*sql.DB),
	}
}

func (s *SQL) open(dsn string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	s.dbs[dsn] = db
	return db, nil
}

// FetchAll implements Source.
func (s *SQL) FetchAll(ctx context.Context, conn recipe.Connection) ([]Record, error) {
	records, err := s.fetch(ctx, conn)
	if err != nil {
		return nil, &UnavailableError{Source: s.driver, Table: conn.TableName, Err: err}
	}
	s.logger.Debug("fetched records", "source", s.driver, "table", conn.TableName, "count", len(records))
	return records, nil
}

func (s *SQL) fetch(ctx context.Context, conn recipe.Connection) ([]Record, error) {
	if !identPattern.MatchString(conn.TableName) {
		return nil, fmt.Errorf("invalid table name %q", conn.TableName)
	}
	idColumn := conn.IDColumn
	if idColumn == "" {
		idColumn = "id"
	}
	field := s.lastModifiedField
	if conn.LastModifiedField != "" {
		field = conn.LastModifiedField
	}

	db, err := s.open(conn.DSN)
	if err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rows, err := db.QueryContext(ctx, "SELECT * FROM `"+conn.TableName+"`")
	if err != nil {
		return nil, fmt.Errorf("querying table: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var records []Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		fields := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				fields[col] = string(b)
			} else {
				fields[col] = values[i]
			}
		}

		id, ok := fields[idColumn]
		if !ok || id == nil {
			return nil, fmt.Errorf("row has no %q column", idColumn)
		}
		records = append(records, Record{
			ID:           fmt.Sprint(id),
			Fields:       fields,
			LastModified: lastModified(fields, field),
		})
	}
	return records, rows.Err()
}

// Close closes every pool opened by s.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for dsn, db := range s.dbs {
		errs = append(errs, db.Close())
		delete(s.dbs, dsn)
	}
	return errors.Join(errs...)
}
