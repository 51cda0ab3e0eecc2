package database

import (
	"errors"
	"regexp"
)

var (
	// ErrInvalidTableName is returned when the table name contains invalid characters
	ErrInvalidTableName = errors.New("table name must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validTableNamePattern validates PostgreSQL-safe identifiers
	validTableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ValidateTableName checks if tableName is valid for use as a PostgreSQL identifier prefix.
// Queries interpolate it into SQL, so callers must validate names that come from users.
func ValidateTableName(tableName string) error {
	if tableName == "" {
		return errors.New("table name cannot be empty")
	}

	// 63 minus the "_records" suffix
	if len(tableName) > 55 {
		return errors.New("table name must be 55 characters or less")
	}

	if !validTableNamePattern.MatchString(tableName) {
		return ErrInvalidTableName
	}

	return nil
}
