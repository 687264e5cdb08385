package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"circulation/internal/fines"
	"circulation/internal/models"
	"circulation/internal/notify"
	"circulation/internal/payments"
)

// ─── Loan ─────────────────────────────────────────────────────────────────────

// LoanBook lends one copy of a book to a user.
//
// In one transaction: lock the book row, refuse with ErrOutOfStock when no
// copy is on the shelf, decrement total_copies (available is rewritten in
// the same statement) and insert an ACTIVE loan. The decrement is guarded by
// total_copies > 0, so concurrent loans of the last copy cannot both commit.
func (s *libraryService) LoanBook(ctx context.Context, userID, bookID uuid.UUID, dueDate time.Time) (*models.Loan, error) {
	now := s.now()
	if dueDate.IsZero() {
		return nil, invalidInput("due date is required")
	}
	if fines.CalendarDate(dueDate).Before(fines.CalendarDate(now)) {
		return nil, invalidInput("due date %s is before the loan date", dueDate.Format("2006-01-02"))
	}

	var loan *models.Loan
	err := s.inTx(ctx, "LoanBook", func(tx *gorm.DB) error {
		if _, err := s.userRepo.GetByID(tx, userID); err != nil {
			return notFound(err, ErrUserNotFound)
		}

		book, err := s.bookRepo.GetByIDForUpdate(tx, bookID)
		if err != nil {
			return notFound(err, ErrBookNotFound)
		}
		if book.TotalCopies <= 0 {
			log.Printf("[INFO] LoanBook: book %s out of stock, user %s", bookID, userID)
			return ErrOutOfStock
		}

		ok, err := s.bookRepo.AdjustCopies(tx, bookID, -1)
		if err != nil {
			log.Printf("[ERROR] LoanBook: failed to decrement copies of book %s: %v", bookID, err)
			return err
		}
		if !ok {
			return ErrOutOfStock
		}

		loan = &models.Loan{
			UserID:     userID,
			BookID:     bookID,
			DateLoaned: now,
			DateDue:    dueDate.UTC(),
			Status:     models.LoanStatusActive,
		}
		if err := s.loanRepo.Create(tx, loan); err != nil {
			log.Printf("[ERROR] LoanBook: failed to create loan record: %v", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] LoanBook: loan created (id=%s) for user %s / book %s, due %s", loan.ID, userID, bookID, loan.DateDue.Format("2006-01-02"))
	return loan, nil
}

// ─── Return ───────────────────────────────────────────────────────────────────

// ReturnLoan closes an active loan. A zero returnDate means now.
//
// Steps (all in one transaction):
//  1. Lock the loan row and guard against a double return.
//  2. Lock the book row and remember whether it was available.
//  3. Mark the loan RETURNED and put the copy back on the shelf.
//  4. Create a PENDING fine when the return is late.
//  5. If the book just became available, mark its pending reservations NOTIFIED.
//
// Notifications are delivered after commit.
func (s *libraryService) ReturnLoan(ctx context.Context, loanID uuid.UUID, returnDate time.Time) (*ReturnResult, error) {
	if returnDate.IsZero() {
		returnDate = s.now()
	}
	returnDate = returnDate.UTC()

	var result ReturnResult
	var events []notify.Event

	err := s.inTx(ctx, "ReturnLoan", func(tx *gorm.DB) error {
		loan, err := s.loanRepo.GetByIDForUpdate(tx, loanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		if loan.Status == models.LoanStatusReturned {
			log.Printf("[WARN] ReturnLoan: loan %s already returned at %s", loanID, loan.DateReturned)
			return ErrAlreadyReturned
		}

		book, err := s.bookRepo.GetByIDForUpdate(tx, loan.BookID)
		if err != nil {
			return notFound(err, ErrBookNotFound)
		}
		wasAvailable := book.Available

		ok, err := s.loanRepo.MarkReturned(tx, loan.ID, returnDate)
		if err != nil {
			log.Printf("[ERROR] ReturnLoan: failed to mark loan %s as returned: %v", loanID, err)
			return err
		}
		if !ok {
			return ErrAlreadyReturned
		}

		if _, err := s.bookRepo.AdjustCopies(tx, book.ID, 1); err != nil {
			log.Printf("[ERROR] ReturnLoan: failed to increment copies of book %s: %v", book.ID, err)
			return err
		}
		book.TotalCopies++
		book.Available = true

		amount := fines.Compute(loan.DateDue, returnDate, s.dailyRate)
		if amount.IsPositive() {
			fine := &models.Fine{
				LoanID: loan.ID,
				Amount: amount,
				Status: models.FineStatusPending,
			}
			if err := s.fineRepo.Create(tx, fine); err != nil {
				log.Printf("[ERROR] ReturnLoan: failed to create fine for loan %s: %v", loanID, err)
				return err
			}
			result.Fine = fine
			log.Printf("[INFO] ReturnLoan: loan %s returned %d day(s) late, fine %s", loanID, fines.DaysLate(loan.DateDue, returnDate), amount)
		}

		if !wasAvailable {
			result.Notified, events, err = s.notifier.markNotified(tx, book)
			if err != nil {
				return err
			}
		}

		reloaded, err := s.loanRepo.GetByID(tx, loanID)
		if err != nil {
			return err
		}
		result.Loan = reloaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.dispatch(events)
	log.Printf("[INFO] ReturnLoan: loan %s returned on %s", loanID, returnDate.Format("2006-01-02"))
	return &result, nil
}

// ─── Reservation ──────────────────────────────────────────────────────────────

// ReserveBook records a user's interest in a book with no copies on the
// shelf. Available books must be loaned instead.
func (s *libraryService) ReserveBook(ctx context.Context, userID, bookID uuid.UUID) (*models.Reservation, error) {
	now := s.now()

	var reservation *models.Reservation
	err := s.inTx(ctx, "ReserveBook", func(tx *gorm.DB) error {
		if _, err := s.userRepo.GetByID(tx, userID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		book, err := s.bookRepo.GetByIDForUpdate(tx, bookID)
		if err != nil {
			return notFound(err, ErrBookNotFound)
		}
		if book.Available {
			return ErrBookAvailable
		}

		reservation = &models.Reservation{
			UserID:       userID,
			BookID:       bookID,
			DateReserved: now,
			Status:       models.ReservationStatusPending,
		}
		if err := s.reservationRepo.Create(tx, reservation); err != nil {
			log.Printf("[ERROR] ReserveBook: failed to create reservation for user %s / book %s: %v", userID, bookID, err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] ReserveBook: reservation created (id=%s) for user %s / book %s", reservation.ID, userID, bookID)
	return reservation, nil
}

// ─── Payment ──────────────────────────────────────────────────────────────────

// PayFine settles a pending fine in full. The instrument is validated before
// any write; the fine transition and the ledger row commit together.
func (s *libraryService) PayFine(ctx context.Context, fineID uuid.UUID, req PaymentRequest) (*models.Payment, error) {
	now := s.now()
	if !req.Method.Valid() {
		return nil, invalidInput("unknown payment method %q", req.Method)
	}

	var cardNumber *string
	if req.Method == models.PaymentMethodCard {
		if req.Card == nil {
			return nil, invalidInput("card details are required for card payments")
		}
		if err := req.Card.Validate(now); err != nil {
			log.Printf("[WARN] PayFine: card rejected for fine %s: %v", fineID, err)
			return nil, err
		}
		masked := payments.MaskNumber(req.Card.Number)
		cardNumber = &masked
	}

	var payment *models.Payment
	err := s.inTx(ctx, "PayFine", func(tx *gorm.DB) error {
		fine, err := s.fineRepo.GetByIDForUpdate(tx, fineID)
		if err != nil {
			return notFound(err, ErrFineNotFound)
		}
		if fine.Status == models.FineStatusPaid {
			return ErrFineAlreadyPaid
		}
		loan, err := s.loanRepo.GetByID(tx, fine.LoanID)
		if err != nil {
			return err
		}

		ok, err := s.fineRepo.MarkPaid(tx, fine.ID)
		if err != nil {
			log.Printf("[ERROR] PayFine: failed to mark fine %s paid: %v", fineID, err)
			return err
		}
		if !ok {
			return ErrFineAlreadyPaid
		}

		payment = &models.Payment{
			UserID:     loan.UserID,
			FineID:     fine.ID,
			Amount:     fine.Amount,
			Method:     req.Method,
			Date:       now,
			CardNumber: cardNumber,
		}
		if err := s.paymentRepo.Create(tx, payment); err != nil {
			log.Printf("[ERROR] PayFine: failed to record payment for fine %s: %v", fineID, err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] PayFine: fine %s paid (payment=%s, method=%s, amount=%s)", fineID, payment.ID, payment.Method, payment.Amount)
	return payment, nil
}
