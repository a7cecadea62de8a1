package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/studyreports/apiserver/types"
)

// syncLockKey is the advisory lock taken by every sync transaction so that
// refreshes from separate processes cannot interleave.
const syncLockKey int64 = 0x5359_4e43

// SyncRepository opens the transactions a sync runs in.
type SyncRepository struct {
	db     *sql.DB
	schema Schema
}

func NewSyncRepository(db *sql.DB) *SyncRepository {
	return &SyncRepository{db: db}
}

// IsEmpty reports whether the reporting schema has not been created yet.
func (r *SyncRepository) IsEmpty(ctx context.Context) (bool, error) {
	return r.schema.IsEmpty(ctx, r.db)
}

// Begin starts a sync transaction and waits for the sync advisory lock.
func (r *SyncRepository) Begin(ctx context.Context) (*SyncTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, syncLockKey); err != nil {
		_ = tx.Rollback()
		return nil, classify("acquire sync lock", err)
	}
	return &SyncTx{tx: tx}, nil
}

// SyncTx groups the writes of one sync. Nothing is visible to readers until Commit.
type SyncTx struct {
	tx     *sql.Tx
	schema Schema
}

func (t *SyncTx) IsEmpty(ctx context.Context) (bool, error) {
	return t.schema.IsEmpty(ctx, t.tx)
}

func (t *SyncTx) CreateSchema(ctx context.Context) error {
	return t.schema.Create(ctx, t.tx)
}

// Reset drops and recreates the schema, discarding every issued token.
func (t *SyncTx) Reset(ctx context.Context) error {
	if err := t.schema.Drop(ctx, t.tx); err != nil {
		return err
	}
	return t.schema.Create(ctx, t.tx)
}

// PreviousFill returns the last fill time, or ErrNotFound when there is none
// or the meta table does not exist.
func (t *SyncTx) PreviousFill(ctx context.Context) (time.Time, error) {
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, TableMeta).Scan(&exists); err != nil {
		return time.Time{}, classify("inspect meta", err)
	}
	if !exists {
		return time.Time{}, ErrNotFound
	}
	return lastFill(ctx, t.tx)
}

// Wipe deletes every row of the reporting tables and returns the users that
// held a token beforehand so the caller can restore them.
func (t *SyncTx) Wipe(ctx context.Context) ([]types.User, error) {
	const backupQuery = `
		SELECT email, access_group, token_hash
		FROM users
		WHERE token_hash IS NOT NULL
		ORDER BY email`
	rows, err := t.tx.QueryContext(ctx, backupQuery)
	if err != nil {
		return nil, classify("backup tokens", err)
	}
	defer rows.Close()

	backup := make([]types.User, 0)
	for rows.Next() {
		var user types.User
		var tokenHash string
		if err := rows.Scan(&user.Email, &user.AccessGroup, &tokenHash); err != nil {
			return nil, err
		}
		user.TokenHash = &tokenHash
		backup = append(backup, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, table := range []string{TableParticipants, TableUsers, TableAccessGroups, TableMeta} {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return nil, classify("wipe "+table, err)
		}
	}
	return backup, nil
}

func (t *SyncTx) InsertAccessGroups(ctx context.Context, names []string) error {
	const query = `
		INSERT INTO access_groups (name)
		SELECT unnest($1::text[])`
	_, err := t.tx.ExecContext(ctx, query, pq.Array(names))
	return classify("insert access groups", err)
}

func (t *SyncTx) InsertUsers(ctx context.Context, users []types.User) error {
	emails := make([]string, len(users))
	groups := make([]string, len(users))
	hashes := make([]sql.NullString, len(users))
	for i, user := range users {
		emails[i] = user.Email
		groups[i] = user.AccessGroup
		hashes[i] = nullString(user.TokenHash)
	}

	const query = `
		INSERT INTO users (email, access_group, token_hash)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[])`
	_, err := t.tx.ExecContext(ctx, query, pq.Array(emails), pq.Array(groups), pq.Array(hashes))
	return classify("insert users", err)
}

func (t *SyncTx) InsertParticipants(ctx context.Context, participants []types.Participant) error {
	n := len(participants)
	recordIDs := make([]string, n)
	pids := make([]string, n)
	years := make([]int64, n)
	groups := make([]sql.NullString, n)
	sites := make([]sql.NullString, n)
	screened := make([]sql.NullString, n)
	emails := make([]sql.NullString, n)
	mobiles := make([]sql.NullString, n)
	dobs := make([]sql.NullString, n)
	for i, p := range participants {
		recordIDs[i] = p.RecordID
		pids[i] = p.PID
		years[i] = int64(p.Year)
		groups[i] = nullString(p.AccessGroup)
		sites[i] = nullString(p.Site)
		screened[i] = nullDate(p.DateScreening)
		emails[i] = nullString(p.Email)
		mobiles[i] = nullString(p.Mobile)
		dobs[i] = nullDate(p.DOB)
	}

	const query = `
		INSERT INTO participants (record_id, pid, year, access_group, site, date_screening, email, mobile, dob)
		SELECT * FROM unnest(
			$1::text[], $2::text[], $3::int[], $4::text[], $5::text[],
			$6::date[], $7::text[], $8::text[], $9::date[]
		)`
	_, err := t.tx.ExecContext(
		ctx,
		query,
		pq.Array(recordIDs),
		pq.Array(pids),
		pq.Array(years),
		pq.Array(groups),
		pq.Array(sites),
		pq.Array(screened),
		pq.Array(emails),
		pq.Array(mobiles),
		pq.Array(dobs),
	)
	return classify("insert participants", err)
}

func (t *SyncTx) SetLastFill(ctx context.Context, at time.Time) error {
	const query = `
		INSERT INTO meta (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	_, err := t.tx.ExecContext(ctx, query, MetaKeyLastFill, at.UTC().Format(time.RFC3339Nano))
	return classify("set last fill", err)
}

func (t *SyncTx) Commit() error {
	return classify("commit sync", t.tx.Commit())
}

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (t *SyncTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
