package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories translate into domain errors.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
)

// IsUniqueViolation reports whether err represents a unique constraint violation. When constraint is non-empty the
// violated constraint or index must also match.
func IsUniqueViolation(err error, constraint ...string) bool {
	return matches(err, codeUniqueViolation, constraint)
}

// IsForeignKeyViolation reports whether err represents a foreign key constraint violation.
func IsForeignKeyViolation(err error) bool {
	return matches(err, codeForeignKeyViolation, nil)
}

// IsCheckViolation reports whether err represents a CHECK constraint violation.
func IsCheckViolation(err error, constraint ...string) bool {
	return matches(err, codeCheckViolation, constraint)
}

func matches(err error, code string, constraint []string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != code {
		return false
	}
	if len(constraint) == 0 {
		return true
	}
	for _, c := range constraint {
		if pgErr.ConstraintName == c {
			return true
		}
	}
	return false
}
