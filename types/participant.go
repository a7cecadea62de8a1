package types

import "time"

// Participant is a study participant as recorded in REDCap.
// Optional fields are nil when REDCap has no value for them.
type Participant struct {
	// RecordID is the REDCap record identifier.
	RecordID string `json:"recordId" db:"record_id"`

	// PID is the study participant identifier, unique across years.
	PID string `json:"pid" db:"pid"`

	// Year is the study year of the REDCap project the record came from.
	Year int `json:"year" db:"year"`

	// AccessGroup is the REDCap data access group the participant belongs to.
	AccessGroup *string `json:"accessGroup" db:"access_group"`

	Site          *string    `json:"site" db:"site"`
	DateScreening *time.Time `json:"dateScreening" db:"date_screening"`
	Email         *string    `json:"email" db:"email"`
	Mobile        *string    `json:"mobile" db:"mobile"`
	DOB           *time.Time `json:"dob" db:"dob"`
}
