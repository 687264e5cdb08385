package repositories

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"circulation/internal/models"
)

type UserRepository interface {
	Create(db *gorm.DB, user *models.User) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.User, error)
	GetByEmail(db *gorm.DB, email string) (*models.User, error)
	List(db *gorm.DB) ([]models.User, error)
}

type BookRepository interface {
	Create(db *gorm.DB, book *models.Book) error
	Save(db *gorm.DB, book *models.Book) error
	Delete(db *gorm.DB, id uuid.UUID) error
	List(db *gorm.DB, availableOnly bool) ([]models.Book, error)
	Search(db *gorm.DB, query string, availableOnly bool) ([]models.Book, error)
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Book, error)
	AdjustCopies(db *gorm.DB, bookID uuid.UUID, delta int) (bool, error)
}

type LoanRepository interface {
	Create(db *gorm.DB, loan *models.Loan) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Loan, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Loan, error)
	MarkReturned(db *gorm.DB, loanID uuid.UUID, returnedAt time.Time) (bool, error)
	ListByUser(db *gorm.DB, userID uuid.UUID, activeOnly bool) ([]models.Loan, error)
	CountByBook(db *gorm.DB, bookID uuid.UUID) (int64, error)
	CountActiveByBook(db *gorm.DB, bookID uuid.UUID) (int64, error)
}

type ReservationRepository interface {
	Create(db *gorm.DB, reservation *models.Reservation) error
	ListPendingForBookForUpdate(db *gorm.DB, bookID uuid.UUID) ([]models.Reservation, error)
	MarkNotified(db *gorm.DB, ids []uuid.UUID) (int64, error)
	ListByBook(db *gorm.DB, bookID uuid.UUID) ([]models.Reservation, error)
	ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.Reservation, error)
	CountByBook(db *gorm.DB, bookID uuid.UUID) (int64, error)
}

type FineRepository interface {
	Create(db *gorm.DB, fine *models.Fine) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Fine, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Fine, error)
	GetByLoan(db *gorm.DB, loanID uuid.UUID) (*models.Fine, error)
	MarkPaid(db *gorm.DB, id uuid.UUID) (bool, error)
	ListPending(db *gorm.DB) ([]models.Fine, error)
	ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.Fine, error)
}

type PaymentRepository interface {
	Create(db *gorm.DB, payment *models.Payment) error
	ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.Payment, error)
	ListByFine(db *gorm.DB, fineID uuid.UUID) ([]models.Payment, error)
}

// concrete implementations

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(db *gorm.DB, user *models.User) error {
	if db == nil {
		db = r.db
	}
	return db.Create(user).Error
}

func (r *userRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.User, error) {
	if db == nil {
		db = r.db
	}
	var user models.User
	if err := db.First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByEmail(db *gorm.DB, email string) (*models.User, error) {
	if db == nil {
		db = r.db
	}
	var user models.User
	if err := db.First(&user, "email = ?", email).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) List(db *gorm.DB) ([]models.User, error) {
	if db == nil {
		db = r.db
	}
	var users []models.User
	if err := db.Order("name ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

type bookRepository struct {
	db *gorm.DB
}

func NewBookRepository(db *gorm.DB) BookRepository {
	return &bookRepository{db: db}
}

func (r *bookRepository) Create(db *gorm.DB, book *models.Book) error {
	if db == nil {
		db = r.db
	}
	return db.Create(book).Error
}

// Save writes every column; the model's BeforeSave hook keeps available in
// step with total_copies.
func (r *bookRepository) Save(db *gorm.DB, book *models.Book) error {
	if db == nil {
		db = r.db
	}
	return db.Save(book).Error
}

func (r *bookRepository) Delete(db *gorm.DB, id uuid.UUID) error {
	if db == nil {
		db = r.db
	}
	return db.Delete(&models.Book{}, "id = ?", id).Error
}

func (r *bookRepository) List(db *gorm.DB, availableOnly bool) ([]models.Book, error) {
	if db == nil {
		db = r.db
	}
	q := db.Order("title ASC")
	if availableOnly {
		q = q.Where("total_copies > 0")
	}
	var books []models.Book
	if err := q.Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (r *bookRepository) Search(db *gorm.DB, query string, availableOnly bool) ([]models.Book, error) {
	if db == nil {
		db = r.db
	}
	like := "%" + query + "%"
	q := db.Where("LOWER(title) LIKE LOWER(?) OR LOWER(author) LIKE LOWER(?) OR isbn = ?", like, like, query).
		Order("title ASC")
	if availableOnly {
		q = q.Where("total_copies > 0")
	}
	var books []models.Book
	if err := q.Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (r *bookRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error) {
	if db == nil {
		db = r.db
	}
	var book models.Book
	if err := db.First(&book, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &book, nil
}

func (r *bookRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Book, error) {
	if db == nil {
		db = r.db
	}
	var book models.Book
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&book, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// AdjustCopies adds delta to total_copies and rewrites available in the same
// statement. The update is refused when it would take the count below zero;
// the boolean reports whether a row changed.
func (r *bookRepository) AdjustCopies(db *gorm.DB, bookID uuid.UUID, delta int) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Book{}).
		Where("id = ? AND total_copies + ? >= 0", bookID, delta).
		UpdateColumns(map[string]interface{}{
			"total_copies": gorm.Expr("total_copies + ?", delta),
			"available":    gorm.Expr("total_copies + ? > 0", delta),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

type loanRepository struct {
	db *gorm.DB
}

func NewLoanRepository(db *gorm.DB) LoanRepository {
	return &loanRepository{db: db}
}

func (r *loanRepository) Create(db *gorm.DB, loan *models.Loan) error {
	if db == nil {
		db = r.db
	}
	return db.Omit(clause.Associations).Create(loan).Error
}

func (r *loanRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loan models.Loan
	if err := db.First(&loan, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *loanRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loan models.Loan
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&loan, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// MarkReturned moves an active loan to returned. It reports false when the
// loan was not active.
func (r *loanRepository) MarkReturned(db *gorm.DB, loanID uuid.UUID, returnedAt time.Time) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Loan{}).
		Where("id = ? AND status = ?", loanID, models.LoanStatusActive).
		UpdateColumns(map[string]interface{}{
			"date_returned": returnedAt,
			"status":        models.LoanStatusReturned,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *loanRepository) ListByUser(db *gorm.DB, userID uuid.UUID, activeOnly bool) ([]models.Loan, error) {
	if db == nil {
		db = r.db
	}
	q := db.Where("user_id = ?", userID)
	if activeOnly {
		q = q.Where("status = ?", models.LoanStatusActive)
	}
	var loans []models.Loan
	if err := q.Order("date_loaned DESC").Find(&loans).Error; err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *loanRepository) CountByBook(db *gorm.DB, bookID uuid.UUID) (int64, error) {
	if db == nil {
		db = r.db
	}
	var n int64
	err := db.Model(&models.Loan{}).Where("book_id = ?", bookID).Count(&n).Error
	return n, err
}

func (r *loanRepository) CountActiveByBook(db *gorm.DB, bookID uuid.UUID) (int64, error) {
	if db == nil {
		db = r.db
	}
	var n int64
	err := db.Model(&models.Loan{}).
		Where("book_id = ? AND status = ?", bookID, models.LoanStatusActive).
		Count(&n).Error
	return n, err
}

type reservationRepository struct {
	db *gorm.DB
}

func NewReservationRepository(db *gorm.DB) ReservationRepository {
	return &reservationRepository{db: db}
}

func (r *reservationRepository) Create(db *gorm.DB, reservation *models.Reservation) error {
	if db == nil {
		db = r.db
	}
	return db.Omit(clause.Associations).Create(reservation).Error
}

// ListPendingForBookForUpdate locks every pending reservation of a book.
// Reservations are not queued; the order is only for stable output.
func (r *reservationRepository) ListPendingForBookForUpdate(db *gorm.DB, bookID uuid.UUID) ([]models.Reservation, error) {
	if db == nil {
		db = r.db
	}
	var res []models.Reservation
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("book_id = ? AND status = ?", bookID, models.ReservationStatusPending).
		Order("date_reserved ASC, id ASC").
		Find(&res).Error
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *reservationRepository) MarkNotified(db *gorm.DB, ids []uuid.UUID) (int64, error) {
	if db == nil {
		db = r.db
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.Model(&models.Reservation{}).
		Where("id IN ? AND status = ?", ids, models.ReservationStatusPending).
		UpdateColumn("status", models.ReservationStatusNotified)
	return res.RowsAffected, res.Error
}

func (r *reservationRepository) ListByBook(db *gorm.DB, bookID uuid.UUID) ([]models.Reservation, error) {
	if db == nil {
		db = r.db
	}
	var res []models.Reservation
	if err := db.Where("book_id = ?", bookID).
		Order("date_reserved ASC, id ASC").
		Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

func (r *reservationRepository) ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.Reservation, error) {
	if db == nil {
		db = r.db
	}
	var res []models.Reservation
	if err := db.Where("user_id = ?", userID).
		Order("date_reserved DESC").
		Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

func (r *reservationRepository) CountByBook(db *gorm.DB, bookID uuid.UUID) (int64, error) {
	if db == nil {
		db = r.db
	}
	var n int64
	err := db.Model(&models.Reservation{}).Where("book_id = ?", bookID).Count(&n).Error
	return n, err
}

type fineRepository struct {
	db *gorm.DB
}

func NewFineRepository(db *gorm.DB) FineRepository {
	return &fineRepository{db: db}
}

func (r *fineRepository) Create(db *gorm.DB, fine *models.Fine) error {
	if db == nil {
		db = r.db
	}
	return db.Omit(clause.Associations).Create(fine).Error
}

func (r *fineRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fine models.Fine
	if err := db.First(&fine, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &fine, nil
}

func (r *fineRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fine models.Fine
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&fine, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &fine, nil
}

func (r *fineRepository) GetByLoan(db *gorm.DB, loanID uuid.UUID) (*models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fine models.Fine
	if err := db.First(&fine, "loan_id = ?", loanID).Error; err != nil {
		return nil, err
	}
	return &fine, nil
}

// MarkPaid moves a pending fine to paid and reports whether it did.
func (r *fineRepository) MarkPaid(db *gorm.DB, id uuid.UUID) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Fine{}).
		Where("id = ? AND status = ?", id, models.FineStatusPending).
		UpdateColumn("status", models.FineStatusPaid)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *fineRepository) ListPending(db *gorm.DB) ([]models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fines []models.Fine
	if err := db.Where("status = ?", models.FineStatusPending).
		Order("id ASC").
		Find(&fines).Error; err != nil {
		return nil, err
	}
	return fines, nil
}

func (r *fineRepository) ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.Fine, error) {
	if db == nil {
		db = r.db
	}
	var fines []models.Fine
	err := db.
		Joins("JOIN loans ON loans.id = fines.loan_id").
		Where("loans.user_id = ?", userID).
		Order("loans.date_loaned DESC").
		Find(&fines).Error
	if err != nil {
		return nil, err
	}
	return fines, nil
}

type paymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(db *gorm.DB, payment *models.Payment) error {
	if db == nil {
		db = r.db
	}
	return db.Omit(clause.Associations).Create(payment).Error
}

func (r *paymentRepository) ListByUser(db *gorm.DB, userID uuid.UUID) ([]models.Payment, error) {
	if db == nil {
		db = r.db
	}
	var payments []models.Payment
	if err := db.Where("user_id = ?", userID).
		Order("date DESC").
		Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *paymentRepository) ListByFine(db *gorm.DB, fineID uuid.UUID) ([]models.Payment, error) {
	if db == nil {
		db = r.db
	}
	var payments []models.Payment
	if err := db.Where("fine_id = ?", fineID).Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// Set bundles one repository per entity over the same handle.
type Set struct {
	Users        UserRepository
	Books        BookRepository
	Loans        LoanRepository
	Reservations ReservationRepository
	Fines        FineRepository
	Payments     PaymentRepository
}

func NewSet(db *gorm.DB) Set {
	return Set{
		Users:        NewUserRepository(db),
		Books:        NewBookRepository(db),
		Loans:        NewLoanRepository(db),
		Reservations: NewReservationRepository(db),
		Fines:        NewFineRepository(db),
		Payments:     NewPaymentRepository(db),
	}
}
