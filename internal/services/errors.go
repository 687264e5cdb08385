package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"circulation/internal/payments"
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrNotFound is matched by every "<entity> not found" error below.
	ErrNotFound = errors.New("not found")

	ErrBookNotFound = fmt.Errorf("book %w", ErrNotFound)
	ErrUserNotFound = fmt.Errorf("user %w", ErrNotFound)
	ErrLoanNotFound = fmt.Errorf("loan %w", ErrNotFound)
	ErrFineNotFound = fmt.Errorf("fine %w", ErrNotFound)

	// ErrOutOfStock is returned when a loan is requested for a book with no
	// copies left on the shelf.
	ErrOutOfStock = errors.New("no copies available to loan")

	// ErrBookAvailable is returned when a reservation is attempted on a book
	// that can be loaned right away.
	ErrBookAvailable = errors.New("book is available, loan it instead of reserving")

	// ErrAlreadyReturned is returned for a second return of the same loan.
	ErrAlreadyReturned = errors.New("loan already returned")

	// ErrFineAlreadyPaid is returned for a second payment of the same fine.
	ErrFineAlreadyPaid = errors.New("fine already paid")

	// ErrInvalidInstrument is returned when card validation fails. The concrete
	// error is a *payments.InstrumentError carrying the reason.
	ErrInvalidInstrument = payments.ErrInvalidInstrument

	// ErrInvalidInput covers missing or malformed caller input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBookInUse is returned when deleting a book still referenced by loans
	// or reservations.
	ErrBookInUse = errors.New("book has loans or reservations")

	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrUnavailable wraps every store or transaction failure.
	ErrUnavailable = errors.New("store unavailable")
)

var domainErrors = []error{
	ErrNotFound,
	ErrOutOfStock,
	ErrBookAvailable,
	ErrAlreadyReturned,
	ErrFineAlreadyPaid,
	ErrInvalidInstrument,
	ErrInvalidInput,
	ErrBookInUse,
	ErrEmailTaken,
	ErrInvalidCredentials,
}

func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// notFound maps gorm's missing-row error to the given sentinel.
func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ─── Transactions ─────────────────────────────────────────────────────────────

// runTx executes fn in a single transaction bounded by timeout. Domain errors
// returned by fn roll the transaction back and reach the caller unchanged;
// anything else is reported as ErrUnavailable.
func runTx(ctx context.Context, db *gorm.DB, timeout time.Duration, op string, fn func(tx *gorm.DB) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := db.WithContext(ctx).Transaction(fn)
	if err == nil || isDomainError(err) {
		return err
	}
	log.Printf("[ERROR] %s: transaction failed: %v", op, err)
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// storeErr wraps a failed read outside a transaction.
func storeErr(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	log.Printf("[ERROR] %s: query failed: %v", op, err)
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
