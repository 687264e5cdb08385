package services

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"circulation/internal/config"
	"circulation/internal/models"
	"circulation/internal/notify"
	"circulation/internal/repositories"
	"circulation/internal/store"
)

type fixture struct {
	svc   LibraryService
	store *store.Store
	repos repositories.Set
	sink  *notify.Recorder
	now   time.Time
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rate := decimal.NewFromInt(5)
	return newFixtureWithRate(t, &rate)
}

func newFixtureWithRate(t *testing.T, rate *decimal.Decimal) *fixture {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate())

	f := &fixture{
		store: st,
		repos: repositories.NewSet(st.DB()),
		sink:  &notify.Recorder{},
		now:   time.Date(2024, time.March, 1, 9, 30, 0, 0, time.UTC),
		ctx:   context.Background(),
	}
	notifier := NewReservationNotifier(st.DB(), f.repos.Books, f.repos.Reservations, f.sink, notify.DefaultChannel, 5*time.Second)
	f.svc = NewLibraryService(st.DB(), f.repos, notifier, Options{
		DailyRate:  rate,
		TxTimeout:  5 * time.Second,
		BcryptCost: bcrypt.MinCost,
		Clock:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) user(t *testing.T, name string) *models.User {
	t.Helper()
	u, err := f.svc.RegisterUser(f.ctx, UserInput{
		Name:     name,
		Email:    fmt.Sprintf("%s-%s@example.com", name, uuid.NewString()[:8]),
		Password: "secret",
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) book(t *testing.T, title string, copies int) *models.Book {
	t.Helper()
	b, err := f.svc.CreateBook(f.ctx, BookInput{Title: title, Author: "Author", ISBN: "978-0-00-000000-0", TotalCopies: copies})
	require.NoError(t, err)
	return b
}

func (f *fixture) reload(t *testing.T, bookID uuid.UUID) *models.Book {
	t.Helper()
	b, err := f.svc.GetBook(f.ctx, bookID)
	require.NoError(t, err)
	return b
}

func (f *fixture) due() time.Time {
	return f.now.AddDate(0, 0, 14)
}

func (f *fixture) loan(t *testing.T, userID, bookID uuid.UUID) *models.Loan {
	t.Helper()
	l, err := f.svc.LoanBook(f.ctx, userID, bookID, f.due())
	require.NoError(t, err)
	return l
}

func (f *fixture) activeLoans(t *testing.T, bookID uuid.UUID) int64 {
	t.Helper()
	n, err := f.repos.Loans.CountActiveByBook(nil, bookID)
	require.NoError(t, err)
	return n
}

// lateFine returns a loan of a fresh book returned three days late, and its fine.
func (f *fixture) lateFine(t *testing.T) (*models.User, *models.Fine) {
	t.Helper()
	u := f.user(t, "debtor")
	b := f.book(t, "Overdue", 1)
	l := f.loan(t, u.ID, b.ID)
	res, err := f.svc.ReturnLoan(f.ctx, l.ID, l.DateDue.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.NotNil(t, res.Fine)
	return u, res.Fine
}
