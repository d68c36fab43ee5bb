package orders

import (
	"errors"
	"fmt"
)

// Failure kinds. Callers branch with errors.Is.
var (
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
	ErrGateway     = errors.New("payment gateway error")
	ErrPersistence = errors.New("persistence error")
	ErrInvalid     = errors.New("invalid input")
)

var (
	ErrInsufficientStock    = fmt.Errorf("%w: insufficient stock", ErrConflict)
	ErrCheckoutInProgress   = fmt.Errorf("%w: checkout already in progress", ErrConflict)
	ErrDuplicateReservation = fmt.Errorf("%w: reservation already exists", ErrConflict)
	ErrEmptyCart            = fmt.Errorf("%w: cart is empty", ErrInvalid)
)

// Persistence wraps a storage failure so it reads as ErrPersistence while
// keeping the driver error reachable.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// Gateway wraps a payment provider failure.
func Gateway(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrGateway, err)
}
