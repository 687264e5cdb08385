package services

import (
	"context"
	"errors"
	"log"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"circulation/internal/models"
	"circulation/internal/notify"
)

// BookInput carries the editable catalog fields of a book.
type BookInput struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	ISBN        string `json:"isbn"`
	Cover       string `json:"cover"`
	TotalCopies int    `json:"total_copies"`
}

func (in BookInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return invalidInput("title is required")
	}
	if strings.TrimSpace(in.Author) == "" {
		return invalidInput("author is required")
	}
	if in.TotalCopies < 0 {
		return invalidInput("total copies must not be negative")
	}
	return nil
}

// UserInput carries registration data. Role defaults to STUDENT.
type UserInput struct {
	Name     string          `json:"name"`
	Email    string          `json:"email"`
	Password string          `json:"password"`
	Role     models.UserRole `json:"role"`
}

// ─── Book Management ──────────────────────────────────────────────────────────

// CreateBook adds a title to the catalog with its initial shelf count.
func (s *libraryService) CreateBook(ctx context.Context, in BookInput) (*models.Book, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	book := &models.Book{
		Title:       strings.TrimSpace(in.Title),
		Author:      strings.TrimSpace(in.Author),
		ISBN:        strings.TrimSpace(in.ISBN),
		Cover:       in.Cover,
		TotalCopies: in.TotalCopies,
	}
	err := s.inTx(ctx, "CreateBook", func(tx *gorm.DB) error {
		return s.bookRepo.Create(tx, book)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] CreateBook: created book %q (id=%s) with %d copies", book.Title, book.ID, book.TotalCopies)
	return book, nil
}

// UpdateBook rewrites the catalog fields of a book. Raising the shelf count
// from zero notifies the book's pending reservations.
func (s *libraryService) UpdateBook(ctx context.Context, bookID uuid.UUID, in BookInput) (*models.Book, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var book *models.Book
	var events []notify.Event
	err := s.inTx(ctx, "UpdateBook", func(tx *gorm.DB) error {
		var err error
		book, err = s.bookRepo.GetByIDForUpdate(tx, bookID)
		if err != nil {
			return notFound(err, ErrBookNotFound)
		}
		wasAvailable := book.Available

		book.Title = strings.TrimSpace(in.Title)
		book.Author = strings.TrimSpace(in.Author)
		book.ISBN = strings.TrimSpace(in.ISBN)
		book.Cover = in.Cover
		book.TotalCopies = in.TotalCopies
		if err := s.bookRepo.Save(tx, book); err != nil {
			log.Printf("[ERROR] UpdateBook: failed to save book %s: %v", bookID, err)
			return err
		}

		if !wasAvailable && book.Available {
			_, events, err = s.notifier.markNotified(tx, book)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notifier.dispatch(events)
	log.Printf("[INFO] UpdateBook: updated book %s (%d copies)", bookID, book.TotalCopies)
	return book, nil
}

// DeleteBook removes a book that no loan or reservation references.
func (s *libraryService) DeleteBook(ctx context.Context, bookID uuid.UUID) error {
	return s.inTx(ctx, "DeleteBook", func(tx *gorm.DB) error {
		if _, err := s.bookRepo.GetByIDForUpdate(tx, bookID); err != nil {
			return notFound(err, ErrBookNotFound)
		}
		loans, err := s.loanRepo.CountByBook(tx, bookID)
		if err != nil {
			return err
		}
		reservations, err := s.reservationRepo.CountByBook(tx, bookID)
		if err != nil {
			return err
		}
		if loans > 0 || reservations > 0 {
			log.Printf("[WARN] DeleteBook: book %s still referenced by %d loan(s) and %d reservation(s)", bookID, loans, reservations)
			return ErrBookInUse
		}
		if err := s.bookRepo.Delete(tx, bookID); err != nil {
			return err
		}
		log.Printf("[INFO] DeleteBook: deleted book %s", bookID)
		return nil
	})
}

func (s *libraryService) GetBook(ctx context.Context, bookID uuid.UUID) (*models.Book, error) {
	book, err := s.bookRepo.GetByID(s.db.WithContext(ctx), bookID)
	if err != nil {
		return nil, storeErr("GetBook", notFound(err, ErrBookNotFound))
	}
	return book, nil
}

// ListBooks returns the catalog ordered by title.
func (s *libraryService) ListBooks(ctx context.Context, availableOnly bool) ([]models.Book, error) {
	books, err := s.bookRepo.List(s.db.WithContext(ctx), availableOnly)
	return books, storeErr("ListBooks", err)
}

// SearchBooks matches title or author substrings, case-insensitively, or an exact ISBN.
func (s *libraryService) SearchBooks(ctx context.Context, query string, availableOnly bool) ([]models.Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ListBooks(ctx, availableOnly)
	}
	books, err := s.bookRepo.Search(s.db.WithContext(ctx), query, availableOnly)
	return books, storeErr("SearchBooks", err)
}

// ─── Users ────────────────────────────────────────────────────────────────────

// RegisterUser creates an account with a bcrypt credential hash.
func (s *libraryService) RegisterUser(ctx context.Context, in UserInput) (*models.User, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if name == "" {
		return nil, invalidInput("name is required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, invalidInput("email %q is not valid", in.Email)
	}
	if in.Password == "" {
		return nil, invalidInput("password is required")
	}
	role := in.Role
	if role == "" {
		role = models.UserRoleStudent
	}
	if !role.Valid() {
		return nil, invalidInput("unknown role %q", in.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, invalidInput("password: %v", err)
	}

	user := &models.User{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	}
	err = s.inTx(ctx, "RegisterUser", func(tx *gorm.DB) error {
		if _, err := s.userRepo.GetByEmail(tx, email); err == nil {
			return ErrEmailTaken
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := s.userRepo.Create(tx, user); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] RegisterUser: registered %s user %s", user.Role, user.ID)
	return user, nil
}

// Authenticate returns the user whose email and password match.
func (s *libraryService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.userRepo.GetByEmail(s.db.WithContext(ctx), email)
	if err != nil {
		return nil, storeErr("Authenticate", notFound(err, ErrInvalidCredentials))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		log.Printf("[WARN] Authenticate: password mismatch for user %s", user.ID)
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *libraryService) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.userRepo.GetByID(s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, storeErr("GetUser", notFound(err, ErrUserNotFound))
	}
	return user, nil
}

func (s *libraryService) ListUsers(ctx context.Context) ([]models.User, error) {
	users, err := s.userRepo.List(s.db.WithContext(ctx))
	return users, storeErr("ListUsers", err)
}
