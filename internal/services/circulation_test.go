package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/internal/models"
	"circulation/internal/payments"
)

func TestLoanBook_DecrementsCopiesUntilOutOfStock(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 2)

	loan := f.loan(t, u.ID, b.ID)
	assert.Equal(t, models.LoanStatusActive, loan.Status)
	assert.Equal(t, f.now, loan.DateLoaned)
	assert.Nil(t, loan.DateReturned)

	after := f.reload(t, b.ID)
	assert.Equal(t, 1, after.TotalCopies)
	assert.True(t, after.Available)

	f.loan(t, u.ID, b.ID)
	after = f.reload(t, b.ID)
	assert.Equal(t, 0, after.TotalCopies)
	assert.False(t, after.Available)

	_, err := f.svc.LoanBook(f.ctx, u.ID, b.ID, f.due())
	assert.ErrorIs(t, err, ErrOutOfStock)
	assert.Equal(t, 0, f.reload(t, b.ID).TotalCopies)
	assert.EqualValues(t, 2, f.activeLoans(t, b.ID))
}

func TestLoanBook_NotFound(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 1)

	_, err := f.svc.LoanBook(f.ctx, u.ID, uuid.New(), f.due())
	assert.ErrorIs(t, err, ErrBookNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.LoanBook(f.ctx, uuid.New(), b.ID, f.due())
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, 1, f.reload(t, b.ID).TotalCopies)
}

func TestLoanBook_RejectsBadDueDate(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 1)

	_, err := f.svc.LoanBook(f.ctx, u.ID, b.ID, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.LoanBook(f.ctx, u.ID, b.ID, f.now.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, ErrInvalidInput)

	// due the same day is allowed
	_, err = f.svc.LoanBook(f.ctx, u.ID, b.ID, f.now)
	assert.NoError(t, err)
}

func TestReturnLoan_OnTimeCreatesNoFine(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 1)
	l := f.loan(t, u.ID, b.ID)

	res, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue)
	require.NoError(t, err)
	assert.Nil(t, res.Fine)
	assert.Equal(t, models.LoanStatusReturned, res.Loan.Status)
	require.NotNil(t, res.Loan.DateReturned)
	assert.True(t, l.DateDue.Equal(*res.Loan.DateReturned))

	fines, err := f.svc.ListUserFines(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, fines)

	after := f.reload(t, b.ID)
	assert.Equal(t, 1, after.TotalCopies)
	assert.True(t, after.Available)
}

func TestReturnLoan_EarlyReturnNeverFines(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 1)
	l := f.loan(t, u.ID, b.ID)

	res, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Nil(t, res.Fine)
}

func TestReturnLoan_TwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 1)
	l := f.loan(t, u.ID, b.ID)

	_, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue.AddDate(0, 0, 2))
	require.NoError(t, err)

	_, err = f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue.AddDate(0, 0, 5))
	assert.ErrorIs(t, err, ErrAlreadyReturned)

	assert.Equal(t, 1, f.reload(t, b.ID).TotalCopies)
	fines, err := f.svc.ListUserFines(f.ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, fines, 1)
	assert.True(t, decimal.NewFromInt(10).Equal(fines[0].Amount))
}

func TestReturnLoan_UnknownLoan(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ReturnLoan(f.ctx, uuid.New(), f.now)
	assert.ErrorIs(t, err, ErrLoanNotFound)

}

func TestReturnLoan_ZeroDateUsesClock(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 1)
	l := f.loan(t, u.ID, b.ID)

	f.now = l.DateDue.AddDate(0, 0, 2)
	res, err := f.svc.ReturnLoan(f.ctx, l.ID, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, res.Loan.DateReturned)
	assert.True(t, f.now.Equal(*res.Loan.DateReturned))
	require.NotNil(t, res.Fine)
	assert.True(t, decimal.NewFromInt(10).Equal(res.Fine.Amount))
}

func TestConservationAcrossLoanReturnCycles(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "Dune", 3)
	users := []*models.User{f.user(t, "a"), f.user(t, "b"), f.user(t, "c")}

	stock := func() int64 {
		return int64(f.reload(t, b.ID).TotalCopies) + f.activeLoans(t, b.ID)
	}
	require.EqualValues(t, 3, stock())

	var open []*models.Loan
	for round := 0; round < 3; round++ {
		for _, u := range users {
			open = append(open, f.loan(t, u.ID, b.ID))
			assert.EqualValues(t, 3, stock())
			book := f.reload(t, b.ID)
			assert.Equal(t, book.TotalCopies > 0, book.Available)
		}
		_, err := f.svc.LoanBook(f.ctx, users[0].ID, b.ID, f.due())
		require.ErrorIs(t, err, ErrOutOfStock)

		for _, l := range open {
			_, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue)
			require.NoError(t, err)
			assert.EqualValues(t, 3, stock())
		}
		open = open[:0]
	}
}

func TestReserveBook(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	b := f.book(t, "Dune", 1)

	_, err := f.svc.ReserveBook(f.ctx, bob.ID, b.ID)
	assert.ErrorIs(t, err, ErrBookAvailable)

	f.loan(t, alice.ID, b.ID)

	r, err := f.svc.ReserveBook(f.ctx, bob.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusPending, r.Status)
	assert.Equal(t, f.now, r.DateReserved)

	_, err = f.svc.ReserveBook(f.ctx, bob.ID, uuid.New())
	assert.ErrorIs(t, err, ErrBookNotFound)
	_, err = f.svc.ReserveBook(f.ctx, uuid.New(), b.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)

	mine, err := f.svc.ListUserReservations(f.ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, r.ID, mine[0].ID)
}

func TestReservationFanOut(t *testing.T) {
	f := newFixture(t)
	holder := f.user(t, "holder")
	b := f.book(t, "Dune", 1)
	l := f.loan(t, holder.ID, b.ID)

	waiting := map[uuid.UUID]bool{}
	for _, name := range []string{"a", "b", "c"} {
		u := f.user(t, name)
		_, err := f.svc.ReserveBook(f.ctx, u.ID, b.ID)
		require.NoError(t, err)
		waiting[u.ID] = true
	}

	res, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue)
	require.NoError(t, err)
	require.Len(t, res.Notified, 3)
	for _, r := range res.Notified {
		assert.True(t, waiting[r.UserID])
		assert.Equal(t, models.ReservationStatusNotified, r.Status)
	}

	stored, err := f.svc.ListBookReservations(f.ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for _, r := range stored {
		assert.Equal(t, models.ReservationStatusNotified, r.Status)
	}
	assert.Len(t, f.sink.Messages(), 3)
}

func TestReservationNotifiedOnlyOnce(t *testing.T) {
	f := newFixture(t)
	first := f.user(t, "first")
	second := f.user(t, "second")
	waiter := f.user(t, "waiter")
	late := f.user(t, "late")
	b := f.book(t, "Dune", 1)

	l := f.loan(t, first.ID, b.ID)
	_, err := f.svc.ReserveBook(f.ctx, waiter.ID, b.ID)
	require.NoError(t, err)
	_, err = f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue)
	require.NoError(t, err)
	require.Len(t, f.sink.Messages(), 1)

	l = f.loan(t, second.ID, b.ID)
	_, err = f.svc.ReserveBook(f.ctx, late.ID, b.ID)
	require.NoError(t, err)
	res, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue)
	require.NoError(t, err)

	require.Len(t, res.Notified, 1)
	assert.Equal(t, late.ID, res.Notified[0].UserID)
	assert.Len(t, f.sink.Messages(), 2)
}

func TestReturnWithCopiesLeftDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, "a")
	c := f.user(t, "c")
	waiter := f.user(t, "waiter")
	b := f.book(t, "Dune", 2)

	la := f.loan(t, a.ID, b.ID)
	lc := f.loan(t, c.ID, b.ID)
	_, err := f.svc.ReserveBook(f.ctx, waiter.ID, b.ID)
	require.NoError(t, err)

	res, err := f.svc.ReturnLoan(f.ctx, la.ID, la.DateDue)
	require.NoError(t, err)
	assert.Len(t, res.Notified, 1)

	// book already available: second return does not trigger a pass
	res, err = f.svc.ReturnLoan(f.ctx, lc.ID, lc.DateDue)
	require.NoError(t, err)
	assert.Empty(t, res.Notified)
	assert.Len(t, f.sink.Messages(), 1)
}

func TestNotificationFailureKeepsReservationNotified(t *testing.T) {
	f := newFixture(t)
	f.sink.Err = errors.New("push service down")
	holder := f.user(t, "holder")
	waiter := f.user(t, "waiter")
	b := f.book(t, "Dune", 1)
	l := f.loan(t, holder.ID, b.ID)
	_, err := f.svc.ReserveBook(f.ctx, waiter.ID, b.ID)
	require.NoError(t, err)

	res, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue)
	require.NoError(t, err)
	require.Len(t, res.Notified, 1)

	stored, err := f.svc.ListUserReservations(f.ctx, waiter.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.ReservationStatusNotified, stored[0].Status)
}

// Book{copies=1}; U1 loans it, U2 reserves it, U1 returns it three days late.
func TestEndToEndLateReturnWithReservation(t *testing.T) {
	f := newFixture(t)
	u1 := f.user(t, "u1")
	u2 := f.user(t, "u2")
	b := f.book(t, "The Left Hand of Darkness", 1)

	l := f.loan(t, u1.ID, b.ID)
	book := f.reload(t, b.ID)
	require.Equal(t, 0, book.TotalCopies)
	require.False(t, book.Available)

	r, err := f.svc.ReserveBook(f.ctx, u2.ID, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationStatusPending, r.Status)

	res, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue.AddDate(0, 0, 3))
	require.NoError(t, err)

	assert.Equal(t, models.LoanStatusReturned, res.Loan.Status)
	book = f.reload(t, b.ID)
	assert.Equal(t, 1, book.TotalCopies)
	assert.True(t, book.Available)

	require.NotNil(t, res.Fine)
	assert.True(t, decimal.NewFromInt(15).Equal(res.Fine.Amount), "fine %s", res.Fine.Amount)
	assert.Equal(t, models.FineStatusPending, res.Fine.Status)
	assert.Equal(t, l.ID, res.Fine.LoanID)

	stored, err := f.svc.ListUserReservations(f.ctx, u2.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.ReservationStatusNotified, stored[0].Status)

	msgs := f.sink.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "library-channel", msgs[0].Channel)
	assert.Equal(t, u2.ID, msgs[0].UserID)
	assert.Equal(t, stored[0].ID, msgs[0].ReservationID)
	assert.Contains(t, msgs[0].Body, "The Left Hand of Darkness")
}

func TestPayFine_Cash(t *testing.T) {
	f := newFixture(t)
	u, fine := f.lateFine(t)

	p, err := f.svc.PayFine(f.ctx, fine.ID, PaymentRequest{Method: models.PaymentMethodCash})
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.UserID)
	assert.Equal(t, fine.ID, p.FineID)
	assert.True(t, fine.Amount.Equal(p.Amount))
	assert.Nil(t, p.CardNumber)
	assert.Equal(t, f.now, p.Date)

	paid, err := f.repos.Fines.GetByID(nil, fine.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FineStatusPaid, paid.Status)

	pending, err := f.svc.ListPendingFines(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	history, err := f.svc.ListPayments(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPayFine_CardStoresMaskedNumber(t *testing.T) {
	f := newFixture(t)
	_, fine := f.lateFine(t)

	p, err := f.svc.PayFine(f.ctx, fine.ID, PaymentRequest{
		Method: models.PaymentMethodCard,
		Card:   &payments.Card{Number: "4111111111111234", ExpiryMonth: 12, ExpiryYear: 2030, CVV: "123"},
	})
	require.NoError(t, err)
	require.NotNil(t, p.CardNumber)
	assert.Equal(t, "************1234", *p.CardNumber)
}

func TestPayFine_InvalidCardLeavesFineUntouched(t *testing.T) {
	f := newFixture(t)
	u, fine := f.lateFine(t)

	cases := []struct {
		card   *payments.Card
		reason payments.Reason
	}{
		{&payments.Card{Number: "4111", ExpiryMonth: 12, ExpiryYear: 2030, CVV: "123"}, payments.ReasonCardNumber},
		{&payments.Card{Number: "4111111111111111", ExpiryMonth: 1, ExpiryYear: 2024, CVV: "123"}, payments.ReasonExpired},
		{&payments.Card{Number: "4111111111111111", ExpiryMonth: 12, ExpiryYear: 2030, CVV: "12"}, payments.ReasonCVV},
	}
	for _, tc := range cases {
		_, err := f.svc.PayFine(f.ctx, fine.ID, PaymentRequest{Method: models.PaymentMethodCard, Card: tc.card})
		require.ErrorIs(t, err, ErrInvalidInstrument)
		var ie *payments.InstrumentError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, tc.reason, ie.Reason)
	}

	_, err := f.svc.PayFine(f.ctx, fine.ID, PaymentRequest{Method: models.PaymentMethodCard})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.PayFine(f.ctx, fine.ID, PaymentRequest{Method: "CHEQUE"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	stored, err := f.repos.Fines.GetByID(nil, fine.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FineStatusPending, stored.Status)
	history, err := f.svc.ListPayments(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPayFine_TwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	_, fine := f.lateFine(t)

	_, err := f.svc.PayFine(f.ctx, fine.ID, PaymentRequest{Method: models.PaymentMethodCash})
	require.NoError(t, err)
	_, err = f.svc.PayFine(f.ctx, fine.ID, PaymentRequest{Method: models.PaymentMethodCash})
	assert.ErrorIs(t, err, ErrFineAlreadyPaid)

	ledger, err := f.repos.Payments.ListByFine(nil, fine.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
}

func TestPayFine_UnknownFine(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.PayFine(f.ctx, uuid.New(), PaymentRequest{Method: models.PaymentMethodCash})
	assert.ErrorIs(t, err, ErrFineNotFound)
}

func TestConcurrentLoansOfLastCopy(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "Dune", 1)

	const workers = 8
	users := make([]*models.User, workers)
	for i := range users {
		users[i] = f.user(t, "reader")
	}

	errs := make([]error, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			_, errs[idx] = f.svc.LoanBook(f.ctx, users[idx].ID, b.ID, f.due())
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOutOfStock):
			outOfStock++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, outOfStock)
	assert.Equal(t, 0, f.reload(t, b.ID).TotalCopies)
	assert.EqualValues(t, 1, f.activeLoans(t, b.ID))
}

func TestConcurrentPaymentsOfSameFine(t *testing.T) {
	f := newFixture(t)
	_, fine := f.lateFine(t)

	const workers = 5
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = f.svc.PayFine(f.ctx, fine.ID, PaymentRequest{Method: models.PaymentMethodCash})
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrFineAlreadyPaid)
	}
	assert.Equal(t, 1, ok)
	ledger, err := f.repos.Payments.ListByFine(nil, fine.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 1)
	require.NoError(t, f.store.Close())

	_, err := f.svc.LoanBook(f.ctx, u.ID, b.ID, f.due())
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = f.svc.ListBooks(f.ctx, false)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestReturnLoan_ZeroRateCreatesNoFine(t *testing.T) {
	zero := decimal.Zero
	f := newFixtureWithRate(t, &zero)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 1)
	l := f.loan(t, u.ID, b.ID)

	res, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Nil(t, res.Fine)

	fines, err := f.svc.ListUserFines(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, fines)
}

func TestReturnLoan_DefaultRateWhenUnset(t *testing.T) {
	f := newFixtureWithRate(t, nil)
	u := f.user(t, "alice")
	b := f.book(t, "Dune", 1)
	l := f.loan(t, u.ID, b.ID)

	res, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.NotNil(t, res.Fine)
	assert.True(t, decimal.NewFromInt(10).Equal(res.Fine.Amount))
}
