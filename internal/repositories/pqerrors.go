package repositories

import (
	"errors"

	"github.com/lib/pq"
)

const (
	pqForeignKeyViolation = pq.ErrorCode("23503")
	pqInvalidTextRepr     = pq.ErrorCode("22P02")
)

// missingReference reports whether err means the referenced row does not
// exist: a foreign key violation, or an id that is not even a valid uuid.
func missingReference(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqForeignKeyViolation || pqErr.Code == pqInvalidTextRepr
}
