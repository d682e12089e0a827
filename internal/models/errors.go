package models

import "errors"

var (
	// ErrInvalidRow marks a store row that cannot be used in ledger arithmetic.
	ErrInvalidRow = errors.New("invalid ledger row")
	// ErrInvalidRateTable marks a package whose commission table is malformed.
	ErrInvalidRateTable = errors.New("invalid commission rate table")
)
