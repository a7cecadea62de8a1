package store

import (
	"context"

	"github.com/lib/pq"
	"github.com/studyreports/apiserver/internal/db/migrations"
)

const (
	TableMeta         = "meta"
	TableAccessGroups = "access_groups"
	TableUsers        = "users"
	TableParticipants = "participants"
)

// Schema creates and drops the reporting tables. The DDL is shared with the
// migrate command so both paths produce the same schema.
type Schema struct{}

// TableNames lists the reporting tables in dependency order.
func (Schema) TableNames() []string {
	return []string{TableMeta, TableAccessGroups, TableUsers, TableParticipants}
}

// Create runs the schema DDL. Existing tables are left as they are, so a
// schema set up by the migrate command is accepted.
func (Schema) Create(ctx context.Context, q Querier) error {
	ddl, err := migrations.FS.ReadFile(migrations.InitUp)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, string(ddl))
	return classify("create schema", err)
}

// Drop removes every reporting table. Missing tables are not an error.
func (Schema) Drop(ctx context.Context, q Querier) error {
	ddl, err := migrations.FS.ReadFile(migrations.InitDown)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, string(ddl))
	return classify("drop schema", err)
}

// IsEmpty reports whether none of the reporting tables exist.
func (s Schema) IsEmpty(ctx context.Context, q Querier) (bool, error) {
	const query = `
		SELECT COUNT(1)
		FROM information_schema.tables
		WHERE table_schema = current_schema()
		  AND table_name = ANY($1)`
	var count int
	if err := q.QueryRowContext(ctx, query, pq.Array(s.TableNames())).Scan(&count); err != nil {
		return false, classify("inspect schema", err)
	}
	return count == 0, nil
}
