package crdtstorage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Dialect selects placeholder and column syntax for SQLAdapter.
type Dialect string

const (
	// DialectSQLite targets github.com/mattn/go-sqlite3.
	DialectSQLite Dialect = "sqlite3"
	// DialectPostgres targets the pgx stdlib driver.
	DialectPostgres Dialect = "pgx"
)

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) blobType() string {
	if d == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// SQLAdapter stores records in a single table of a database/sql database.
type SQLAdapter struct {
	db         *sql.DB
	tableName  string
	dialect    Dialect
	serializer DocumentSerializer
	ownsDB     bool
}

// NewSQLAdapter creates the table when missing. The database stays owned
// by the caller.
func NewSQLAdapter(ctx context.Context, db *sql.DB, dialect Dialect, tableName string) (*SQLAdapter, error) {
	if tableName == "" {
		tableName = "documents"
	}
	if !validIdentifier(tableName) {
		return nil, fmt.Errorf("invalid table name %q", tableName)
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported SQL dialect: %s", dialect)
	}

	a := &SQLAdapter{
		db:         db,
		tableName:  tableName,
		dialect:    dialect,
		serializer: NewJSONSerializer(),
	}
	if err := a.createTable(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func validIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

func (a *SQLAdapter) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data %s NOT NULL,
			version BIGINT NOT NULL,
			last_modified TIMESTAMP NOT NULL
		)`, a.tableName, a.dialect.blobType())

	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// SaveDocument upserts rec.
func (a *SQLAdapter) SaveDocument(ctx context.Context, rec *Record) error {
	data, err := a.serializer.Serialize(rec)
	if err != nil {
		return err
	}

	p := a.dialect.placeholder
	query := fmt.Sprintf(`INSERT INTO %s (id, data, version, last_modified) VALUES (%s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, version = excluded.version, last_modified = excluded.last_modified`,
		a.tableName, p(1), p(2), p(3), p(4))

	if _, err := a.db.ExecContext(ctx, query, rec.ID, data, int64(rec.Version), rec.LastModified); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// LoadDocument returns the record stored under documentID.
func (a *SQLAdapter) LoadDocument(ctx context.Context, documentID string) (*Record, error) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = %s", a.tableName, a.dialect.placeholder(1))

	var data []byte
	if err := a.db.QueryRowContext(ctx, query, documentID).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(documentID)
		}
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return a.serializer.Deserialize(data)
}

// ListDocuments returns every stored id in order.
func (a *SQLAdapter) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s ORDER BY id", a.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document rows: %w", err)
	}
	return ids, nil
}

// DeleteDocument removes the record.
func (a *SQLAdapter) DeleteDocument(ctx context.Context, documentID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = %s", a.tableName, a.dialect.placeholder(1))
	if _, err := a.db.ExecContext(ctx, query, documentID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Close closes the database only when the adapter opened it.
func (a *SQLAdapter) Close() error {
	if a.ownsDB {
		return a.db.Close()
	}
	return nil
}

