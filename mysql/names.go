package mysql

import (
	"fmt"
	"strings"
)

// maxIdentifierLength is the MySQL limit for table and schema names.
const maxIdentifierLength = 64

// sanitizeTableName accepts table or schema.table made of ASCII letters,
// digits and underscores. Names are interpolated into DDL and DML, so nothing
// that would need quoting gets through.
func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}

	schema, table, qualified := strings.Cut(name, ".")
	parts := []string{schema}
	if qualified {
		parts = append(parts, table)
	}
	for _, part := range parts {
		if !validIdentifier(part) {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return name, nil
}

func validIdentifier(part string) bool {
	if part == "" || len(part) > maxIdentifierLength {
		return false
	}

	digits := true
	for _, r := range part {
		switch {
		case r >= '0' && r <= '9':
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			digits = false
		default:
			return false
		}
	}

	// An all-digit name reads as a number.
	return !digits
}
