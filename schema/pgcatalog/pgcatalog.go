// Package pgcatalog implements schema.CatalogLoader against a Postgres
// information_schema-shaped catalog, as a concrete reference for the
// schema snapshot's external-collaborator contract.
package pgcatalog

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"go.redoflow.dev/core/schema"
)

// Loader loads (owner, table) -> key-column mappings from a Postgres
// database's information_schema tables, filtered to tables matching
// |ownerPattern| (a SQL LIKE pattern against table_schema).
type Loader struct {
	db           *sql.DB
	ownerPattern string
}

// New opens (lazily, on first Load) a Postgres connection described by
// dsn, matching tables whose schema name matches ownerPattern.
func New(dsn, ownerPattern string) (*Loader, error) {
	var db, err = sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres catalog connection")
	}
	return &Loader{db: db, ownerPattern: ownerPattern}, nil
}

var _ schema.CatalogLoader = (*Loader)(nil)

// Load implements schema.CatalogLoader. It queries information_schema for
// every table matching the configured owner pattern, then a second query
// per table for its primary-key columns in ordinal position order.
func (l *Loader) Load(ctx context.Context) ([]schema.Element, error) {
	const tablesQuery = `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_schema LIKE $1 AND table_type = 'BASE TABLE'
		ORDER BY table_schema, table_name`

	rows, err := l.db.QueryContext(ctx, tablesQuery, l.ownerPattern)
	if err != nil {
		return nil, errors.Wrap(err, "querying information_schema.tables")
	}
	defer rows.Close()

	var elements []schema.Element
	for rows.Next() {
		var owner, table string
		if err := rows.Scan(&owner, &table); err != nil {
			return nil, errors.Wrap(err, "scanning table row")
		}
		keys, err := l.keyColumns(ctx, owner, table)
		if err != nil {
			return nil, err
		}
		elements = append(elements, schema.Element{
			Owner:      owner,
			Table:      table,
			KeyColumns: keys,
		})
	}
	return elements, errors.Wrap(rows.Err(), "iterating information_schema.tables")
}

const keyColumnsQuery = `
	SELECT kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
	  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
	WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
	ORDER BY kcu.ordinal_position`

func (l *Loader) keyColumns(ctx context.Context, owner, table string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, keyColumnsQuery, owner, table)
	if err != nil {
		return nil, errors.Wrap(err, "querying primary key columns")
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, errors.Wrap(err, "scanning key column row")
		}
		cols = append(cols, col)
	}
	return cols, errors.Wrap(rows.Err(), "iterating primary key columns")
}

// Close releases the underlying database connection.
func (l *Loader) Close() error { return l.db.Close() }
