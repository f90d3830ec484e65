package store

import "github.com/pkg/errors"

var (
	ErrLocationNotFound = errors.New("location not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrInvalidState     = errors.New("invalid customer state")
	ErrAccessDenied     = errors.New("access denied")
	ErrTooSoon          = errors.New("repeated too soon")
)
