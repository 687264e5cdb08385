package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"circulation/internal/fines"
	"circulation/internal/models"
	"circulation/internal/payments"
	"circulation/internal/repositories"
)

// ─── Service Interface ────────────────────────────────────────────────────────

// LibraryService defines the application-level operations of the library system.
type LibraryService interface {
	CreateBook(ctx context.Context, in BookInput) (*models.Book, error)
	UpdateBook(ctx context.Context, bookID uuid.UUID, in BookInput) (*models.Book, error)
	DeleteBook(ctx context.Context, bookID uuid.UUID) error
	GetBook(ctx context.Context, bookID uuid.UUID) (*models.Book, error)
	ListBooks(ctx context.Context, availableOnly bool) ([]models.Book, error)
	SearchBooks(ctx context.Context, query string, availableOnly bool) ([]models.Book, error)

	RegisterUser(ctx context.Context, in UserInput) (*models.User, error)
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	LoanBook(ctx context.Context, userID, bookID uuid.UUID, dueDate time.Time) (*models.Loan, error)
	ReturnLoan(ctx context.Context, loanID uuid.UUID, returnDate time.Time) (*ReturnResult, error)
	ReserveBook(ctx context.Context, userID, bookID uuid.UUID) (*models.Reservation, error)
	PayFine(ctx context.Context, fineID uuid.UUID, req PaymentRequest) (*models.Payment, error)

	ListUserLoans(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]models.Loan, error)
	ListUserReservations(ctx context.Context, userID uuid.UUID) ([]models.Reservation, error)
	ListBookReservations(ctx context.Context, bookID uuid.UUID) ([]models.Reservation, error)
	ListPendingFines(ctx context.Context) ([]models.Fine, error)
	ListUserFines(ctx context.Context, userID uuid.UUID) ([]models.Fine, error)
	ListPayments(ctx context.Context, userID uuid.UUID) ([]models.Payment, error)
}

// ReturnResult is the outcome of a return: the closed loan, the fine when the
// return was late, and the reservations notified because the book came back
// on the shelf.
type ReturnResult struct {
	Loan     *models.Loan         `json:"loan"`
	Fine     *models.Fine         `json:"fine,omitempty"`
	Notified []models.Reservation `json:"notified,omitempty"`
}

// PaymentRequest settles a fine. Card is required for CARD payments and
// ignored otherwise.
type PaymentRequest struct {
	Method models.PaymentMethod `json:"method"`
	Card   *payments.Card       `json:"card,omitempty"`
}

// Options tunes a LibraryService. Zero values fall back to defaults; a nil
// DailyRate means the default rate, a zero one disables fines.
type Options struct {
	DailyRate  *decimal.Decimal
	TxTimeout  time.Duration
	BcryptCost int
	Clock      func() time.Time
}

// ─── Implementation ───────────────────────────────────────────────────────────

type libraryService struct {
	db              *gorm.DB
	userRepo        repositories.UserRepository
	bookRepo        repositories.BookRepository
	loanRepo        repositories.LoanRepository
	reservationRepo repositories.ReservationRepository
	fineRepo        repositories.FineRepository
	paymentRepo     repositories.PaymentRepository
	notifier        *ReservationNotifier

	dailyRate  decimal.Decimal
	txTimeout  time.Duration
	bcryptCost int
	clock      func() time.Time
}

// NewLibraryService wires up all dependencies and returns a LibraryService.
func NewLibraryService(
	db *gorm.DB,
	repos repositories.Set,
	notifier *ReservationNotifier,
	opts Options,
) LibraryService {
	s := &libraryService{
		db:              db,
		userRepo:        repos.Users,
		bookRepo:        repos.Books,
		loanRepo:        repos.Loans,
		reservationRepo: repos.Reservations,
		fineRepo:        repos.Fines,
		paymentRepo:     repos.Payments,
		notifier:        notifier,
		dailyRate:       fines.DefaultDailyRate,
		txTimeout:       opts.TxTimeout,
		bcryptCost:      opts.BcryptCost,
		clock:           opts.Clock,
	}
	if opts.DailyRate != nil {
		s.dailyRate = *opts.DailyRate
	}
	if s.txTimeout <= 0 {
		s.txTimeout = 5 * time.Second
	}
	if s.bcryptCost == 0 {
		s.bcryptCost = bcrypt.DefaultCost
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.notifier == nil {
		s.notifier = NewReservationNotifier(db, repos.Books, repos.Reservations, nil, "", s.txTimeout)
	}
	return s
}

func (s *libraryService) now() time.Time {
	return s.clock().UTC()
}

func (s *libraryService) inTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	return runTx(ctx, s.db, s.txTimeout, op, fn)
}

// ─── Queries ──────────────────────────────────────────────────────────────────

// ListUserLoans returns the loans of a user, newest first.
func (s *libraryService) ListUserLoans(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]models.Loan, error) {
	loans, err := s.loanRepo.ListByUser(s.db.WithContext(ctx), userID, activeOnly)
	return loans, storeErr("ListUserLoans", err)
}

func (s *libraryService) ListUserReservations(ctx context.Context, userID uuid.UUID) ([]models.Reservation, error) {
	res, err := s.reservationRepo.ListByUser(s.db.WithContext(ctx), userID)
	return res, storeErr("ListUserReservations", err)
}

func (s *libraryService) ListBookReservations(ctx context.Context, bookID uuid.UUID) ([]models.Reservation, error) {
	res, err := s.reservationRepo.ListByBook(s.db.WithContext(ctx), bookID)
	return res, storeErr("ListBookReservations", err)
}

func (s *libraryService) ListPendingFines(ctx context.Context) ([]models.Fine, error) {
	f, err := s.fineRepo.ListPending(s.db.WithContext(ctx))
	return f, storeErr("ListPendingFines", err)
}

func (s *libraryService) ListUserFines(ctx context.Context, userID uuid.UUID) ([]models.Fine, error) {
	f, err := s.fineRepo.ListByUser(s.db.WithContext(ctx), userID)
	return f, storeErr("ListUserFines", err)
}

// ListPayments returns the payment history of a user, newest first.
func (s *libraryService) ListPayments(ctx context.Context, userID uuid.UUID) ([]models.Payment, error) {
	p, err := s.paymentRepo.ListByUser(s.db.WithContext(ctx), userID)
	return p, storeErr("ListPayments", err)
}
