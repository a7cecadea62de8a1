package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/studyreports/apiserver/types"
)

// ParticipantRepository reads participants for the reports.
type ParticipantRepository struct {
	db *sql.DB
}

func NewParticipantRepository(db *sql.DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

const participantColumns = `record_id, pid, year, access_group, site, date_screening, email, mobile, dob`

// ListAll returns every participant ordered by pid.
func (r *ParticipantRepository) ListAll(ctx context.Context) ([]types.Participant, error) {
	const query = `
		SELECT ` + participantColumns + `
		FROM participants
		ORDER BY pid`
	return r.list(ctx, query)
}

// ListByAccessGroup returns participants of one access group, compared case-insensitively.
func (r *ParticipantRepository) ListByAccessGroup(ctx context.Context, accessGroup string) ([]types.Participant, error) {
	const query = `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE lower(access_group) = lower($1)
		ORDER BY pid`
	return r.list(ctx, query, accessGroup)
}

func (r *ParticipantRepository) list(ctx context.Context, query string, args ...any) ([]types.Participant, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]types.Participant, 0)
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, participant)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return participants, nil
}

func scanParticipant(rows *sql.Rows) (types.Participant, error) {
	var participant types.Participant
	var accessGroup, site, email, mobile sql.NullString
	var dateScreening, dob sql.NullTime
	if err := rows.Scan(
		&participant.RecordID,
		&participant.PID,
		&participant.Year,
		&accessGroup,
		&site,
		&dateScreening,
		&email,
		&mobile,
		&dob,
	); err != nil {
		return types.Participant{}, err
	}
	participant.AccessGroup = stringPtr(accessGroup)
	participant.Site = stringPtr(site)
	participant.DateScreening = timePtr(dateScreening)
	participant.Email = stringPtr(email)
	participant.Mobile = stringPtr(mobile)
	participant.DOB = timePtr(dob)
	return participant, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// nullDate renders a date for a postgres date[] literal.
func nullDate(v *time.Time) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.Format(time.DateOnly), Valid: true}
}
