package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConstraint is returned when a write violates a foreign-key, unique or
// check constraint. During a sync this points at an ordering bug or at REDCap
// data that slipped past validation, not at a transient fault.
var ErrConstraint = errors.New("constraint violation")

// integrityViolation is the postgres error class for constraint failures.
const integrityViolation = "23"

const undefinedTable = "42P01"

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == undefinedTable
}

// classify maps driver errors onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == integrityViolation {
		return fmt.Errorf("%s: %w: %s (%s)", op, ErrConstraint, pqErr.Message, pqErr.Constraint)
	}
	return fmt.Errorf("%s: %w", op, err)
}
