package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"circulation/internal/notify"
	"circulation/internal/payments"
	"circulation/internal/services"
)

type LibraryHandler struct {
	svc  services.LibraryService
	feed *notify.Recorder
}

// RegisterRoutes mounts the API on r. feed may be nil, in which case
// GET /notifications is not served.
func RegisterRoutes(r *gin.Engine, svc services.LibraryService, feed *notify.Recorder) {
	h := &LibraryHandler{svc: svc, feed: feed}

	// Accounts
	r.POST("/users", h.registerUser)
	r.POST("/sessions", h.createSession)
	r.GET("/users", h.listUsers)
	r.GET("/users/:id/loans", h.listUserLoans)
	r.GET("/users/:id/reservations", h.listUserReservations)
	r.GET("/users/:id/fines", h.listUserFines)
	r.GET("/users/:id/payments", h.listUserPayments)

	// Catalog
	r.GET("/books", h.listBooks)
	r.POST("/books", h.createBook)
	r.GET("/books/:id", h.getBook)
	r.PUT("/books/:id", h.updateBook)
	r.DELETE("/books/:id", h.deleteBook)

	// Circulation
	r.POST("/books/:id/loans", h.loanBook)
	r.POST("/books/:id/reservations", h.reserveBook)
	r.GET("/books/:id/reservations", h.listBookReservations)
	r.POST("/loans/:id/return", h.returnLoan)
	r.GET("/fines", h.listPendingFines)
	r.POST("/fines/:id/payments", h.payFine)

	if feed != nil {
		r.GET("/notifications", h.listNotifications)
	}
}

// ─── Error Mapping ────────────────────────────────────────────────────────────

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrOutOfStock),
		errors.Is(err, services.ErrBookAvailable),
		errors.Is(err, services.ErrAlreadyReturned),
		errors.Is(err, services.ErrFineAlreadyPaid),
		errors.Is(err, services.ErrBookInUse),
		errors.Is(err, services.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidInstrument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var ie *payments.InstrumentError
	if errors.As(err, &ie) {
		body["reason"] = ie.Reason
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[ERROR] %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func paramID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}

// parseDate accepts a calendar date (2006-01-02) or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// ─── Accounts ─────────────────────────────────────────────────────────────────

func (h *LibraryHandler) registerUser(c *gin.Context) {
	var req services.UserInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	user, err := h.svc.RegisterUser(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type sessionRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *LibraryHandler) createSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	user, err := h.svc.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *LibraryHandler) listUsers(c *gin.Context) {
	users, err := h.svc.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *LibraryHandler) listUserLoans(c *gin.Context) {
	userID, ok := paramID(c, "user")
	if !ok {
		return
	}
	loans, err := h.svc.ListUserLoans(c.Request.Context(), userID, queryBool(c, "active"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

func (h *LibraryHandler) listUserReservations(c *gin.Context) {
	userID, ok := paramID(c, "user")
	if !ok {
		return
	}
	reservations, err := h.svc.ListUserReservations(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservations)
}

func (h *LibraryHandler) listUserFines(c *gin.Context) {
	userID, ok := paramID(c, "user")
	if !ok {
		return
	}
	fines, err := h.svc.ListUserFines(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fines)
}

func (h *LibraryHandler) listUserPayments(c *gin.Context) {
	userID, ok := paramID(c, "user")
	if !ok {
		return
	}
	history, err := h.svc.ListPayments(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

func (h *LibraryHandler) listBooks(c *gin.Context) {
	books, err := h.svc.SearchBooks(c.Request.Context(), c.Query("q"), queryBool(c, "available"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (h *LibraryHandler) createBook(c *gin.Context) {
	var req services.BookInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	book, err := h.svc.CreateBook(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

func (h *LibraryHandler) getBook(c *gin.Context) {
	bookID, ok := paramID(c, "book")
	if !ok {
		return
	}
	book, err := h.svc.GetBook(c.Request.Context(), bookID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *LibraryHandler) updateBook(c *gin.Context) {
	bookID, ok := paramID(c, "book")
	if !ok {
		return
	}
	var req services.BookInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	book, err := h.svc.UpdateBook(c.Request.Context(), bookID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *LibraryHandler) deleteBook(c *gin.Context) {
	bookID, ok := paramID(c, "book")
	if !ok {
		return
	}
	if err := h.svc.DeleteBook(c.Request.Context(), bookID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── Circulation ──────────────────────────────────────────────────────────────

type loanRequest struct {
	UserID  string `json:"user_id" binding:"required,uuid"`
	DueDate string `json:"due_date" binding:"required"`
}

func (h *LibraryHandler) loanBook(c *gin.Context) {
	bookID, ok := paramID(c, "book")
	if !ok {
		return
	}
	var req loanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		badRequest(c, "invalid user id")
		return
	}
	due, err := parseDate(req.DueDate)
	if err != nil {
		badRequest(c, "invalid due date")
		return
	}

	loan, err := h.svc.LoanBook(c.Request.Context(), userID, bookID, due)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

type reservationRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
}

func (h *LibraryHandler) reserveBook(c *gin.Context) {
	bookID, ok := paramID(c, "book")
	if !ok {
		return
	}
	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		badRequest(c, "invalid user id")
		return
	}

	reservation, err := h.svc.ReserveBook(c.Request.Context(), userID, bookID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reservation)
}

func (h *LibraryHandler) listBookReservations(c *gin.Context) {
	bookID, ok := paramID(c, "book")
	if !ok {
		return
	}
	reservations, err := h.svc.ListBookReservations(c.Request.Context(), bookID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservations)
}

type returnRequest struct {
	ReturnDate string `json:"return_date"`
}

// returnLoan closes a loan. The body is optional; without a return_date the
// service returns the loan as of its own clock.
func (h *LibraryHandler) returnLoan(c *gin.Context) {
	loanID, ok := paramID(c, "loan")
	if !ok {
		return
	}
	var req returnRequest
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, err.Error())
			return
		}
	}
	var returned time.Time
	if req.ReturnDate != "" {
		var err error
		if returned, err = parseDate(req.ReturnDate); err != nil {
			badRequest(c, "invalid return date")
			return
		}
	}

	result, err := h.svc.ReturnLoan(c.Request.Context(), loanID, returned)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *LibraryHandler) listPendingFines(c *gin.Context) {
	fines, err := h.svc.ListPendingFines(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fines)
}

func (h *LibraryHandler) payFine(c *gin.Context) {
	fineID, ok := paramID(c, "fine")
	if !ok {
		return
	}
	var req services.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	payment, err := h.svc.PayFine(c.Request.Context(), fineID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *LibraryHandler) listNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, h.feed.Messages())
}
