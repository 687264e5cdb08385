package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type UserRole string

const (
	UserRoleStudent    UserRole = "STUDENT"
	UserRoleInstructor UserRole = "INSTRUCTOR"
)

func (r UserRole) Valid() bool {
	return r == UserRoleStudent || r == UserRoleInstructor
}

type LoanStatus string

const (
	LoanStatusActive   LoanStatus = "ACTIVE"
	LoanStatusReturned LoanStatus = "RETURNED"
)

type ReservationStatus string

const (
	ReservationStatusPending  ReservationStatus = "PENDING"
	ReservationStatusNotified ReservationStatus = "NOTIFIED"
)

type FineStatus string

const (
	FineStatusPending FineStatus = "PENDING"
	FineStatusPaid    FineStatus = "PAID"
)

type PaymentMethod string

const (
	PaymentMethodCash PaymentMethod = "CASH"
	PaymentMethodCard PaymentMethod = "CARD"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCash || m == PaymentMethodCard
}

type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	Email        string    `gorm:"size:255;not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	Role         UserRole  `gorm:"type:varchar(20);not null" json:"role"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Book is a catalog title. Available mirrors TotalCopies > 0 and is never
// set on its own.
type Book struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Title       string    `gorm:"size:255;not null" json:"title"`
	Author      string    `gorm:"size:255;not null" json:"author"`
	ISBN        string    `gorm:"size:32;index" json:"isbn"`
	Cover       string    `gorm:"type:text" json:"cover"`
	TotalCopies int       `gorm:"not null;check:total_copies >= 0" json:"total_copies"`
	Available   bool      `gorm:"not null;index" json:"available"`
}

func (b *Book) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

func (b *Book) BeforeSave(*gorm.DB) error {
	b.Available = b.TotalCopies > 0
	return nil
}

func (b *Book) AfterFind(*gorm.DB) error {
	b.Available = b.TotalCopies > 0
	return nil
}

type Loan struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	User         User       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	BookID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"book_id"`
	Book         Book       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	DateLoaned   time.Time  `gorm:"not null" json:"date_loaned"`
	DateDue      time.Time  `gorm:"not null" json:"date_due"`
	DateReturned *time.Time `json:"date_returned"`
	Status       LoanStatus `gorm:"type:varchar(20);not null;index" json:"status"`
}

func (l *Loan) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

type Reservation struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       uuid.UUID         `gorm:"type:uuid;not null;index" json:"user_id"`
	User         User              `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	BookID       uuid.UUID         `gorm:"type:uuid;not null;index" json:"book_id"`
	Book         Book              `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	DateReserved time.Time         `gorm:"not null" json:"date_reserved"`
	Status       ReservationStatus `gorm:"type:varchar(20);not null;index" json:"status"`
}

func (r *Reservation) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Fine is the late-return penalty of a single loan.
type Fine struct {
	ID     uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	LoanID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex" json:"loan_id"`
	Loan   Loan            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	Amount decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Status FineStatus      `gorm:"type:varchar(20);not null;index" json:"status"`
}

func (f *Fine) BeforeCreate(*gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// Payment is an append-only ledger row. CardNumber is masked and only set
// for card payments.
type Payment struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	User       User            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	FineID     uuid.UUID       `gorm:"type:uuid;not null;index" json:"fine_id"`
	Fine       Fine            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	Amount     decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Method     PaymentMethod   `gorm:"type:varchar(10);not null" json:"method"`
	Date       time.Time       `gorm:"not null" json:"date"`
	CardNumber *string         `gorm:"size:32" json:"card_number,omitempty"`
}

func (p *Payment) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// All lists every persisted model in dependency order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Book{},
		&Loan{},
		&Reservation{},
		&Fine{},
		&Payment{},
	}
}
