package collection

import "errors"

var (
	// ErrNotFound is returned when a card, item or price row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReferentialIntegrity is returned when a row references a missing card.
	ErrReferentialIntegrity = errors.New("referential integrity violation")

	// ErrUniqueViolation is returned when a non-null card uuid already exists.
	ErrUniqueViolation = errors.New("uniqueness violation")

	// ErrPrimaryKeyViolation is returned when an explicit row id already exists.
	ErrPrimaryKeyViolation = errors.New("primary key violation")

	// ErrSchemaInit is returned when a migration fails and its transaction is rolled back.
	ErrSchemaInit = errors.New("schema initialization failed")

	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidCard     = errors.New("invalid card")

	// ErrSearchIndexCorrupt is returned when the full-text index disagrees with cards.
	ErrSearchIndexCorrupt = errors.New("search index out of sync")
)
