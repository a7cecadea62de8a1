package types

import "strings"

// Access groups every deployment knows about. Site groups come from configuration.
const (
	// AccessGroupAdmin may read everything and manage synchronisation.
	AccessGroupAdmin = "admin"

	// AccessGroupUnrestricted may read every participant. REDCap users
	// without a data access group fall into this group.
	AccessGroupUnrestricted = "unrestricted"
)

// User represents a member of study staff allowed to use the reports.
type User struct {
	// Email is the lowercased address that identifies the user.
	Email string `json:"email" db:"email"`

	// AccessGroup is the partition of participants the user may read.
	AccessGroup string `json:"accessGroup" db:"access_group"`

	// TokenHash stores the bcrypt hash of the user's current bearer token.
	// It is nil until a token is issued and is never exposed in API responses.
	TokenHash *string `json:"-" db:"token_hash"`
}

// SeesAllParticipants reports whether members of group may read every participant.
func SeesAllParticipants(group string) bool {
	switch strings.ToLower(group) {
	case AccessGroupAdmin, AccessGroupUnrestricted:
		return true
	default:
		return false
	}
}

// NormalizeEmail lowercases and trims an address so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
