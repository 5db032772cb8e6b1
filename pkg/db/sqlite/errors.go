package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/accretional/cardvault/pkg/collection"
)

var duplicateID = regexp.MustCompile(`UNIQUE constraint failed: \w+\.id\b`)

// classify maps driver errors onto the collection error taxonomy. The original error
// stays in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", collection.ErrNotFound, err)
	}

	var sqlErr *msqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: %w", collection.ErrReferentialIntegrity, err)
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %w", collection.ErrPrimaryKeyViolation, err)
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return classifyUnique(err)
		}
	}

	// Without extended result codes only the message distinguishes constraint kinds.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %w", collection.ErrReferentialIntegrity, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return classifyUnique(err)
	}
	return err
}

// classifyUnique separates duplicate ids on rowid tables from other unique columns.
func classifyUnique(err error) error {
	if duplicateID.MatchString(err.Error()) {
		return fmt.Errorf("%w: %w", collection.ErrPrimaryKeyViolation, err)
	}
	return fmt.Errorf("%w: %w", collection.ErrUniqueViolation, err)
}

// isBusy reports whether err is a transient lock conflict worth retrying.
func isBusy(err error) bool {
	var sqlErr *msqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
