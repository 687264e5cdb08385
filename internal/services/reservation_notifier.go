package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"circulation/internal/models"
	"circulation/internal/notify"
	"circulation/internal/repositories"
)

// ReservationNotifier moves pending reservations of a book that has become
// available to NOTIFIED and tells each reserving user. Every pending
// reservation is notified; there is no queue and no claim on the copy, so
// the first successful loan wins.
type ReservationNotifier struct {
	db           *gorm.DB
	books        repositories.BookRepository
	reservations repositories.ReservationRepository
	sink         notify.Sink
	channel      string
	txTimeout    time.Duration
}

func NewReservationNotifier(
	db *gorm.DB,
	books repositories.BookRepository,
	reservations repositories.ReservationRepository,
	sink notify.Sink,
	channel string,
	txTimeout time.Duration,
) *ReservationNotifier {
	if sink == nil {
		sink = notify.LogSink{}
	}
	if channel == "" {
		channel = notify.DefaultChannel
	}
	return &ReservationNotifier{
		db:           db,
		books:        books,
		reservations: reservations,
		sink:         sink,
		channel:      channel,
		txTimeout:    txTimeout,
	}
}

// OnBookBecameAvailable runs a notification pass for bookID in its own
// transaction. It is a no-op while the book has no copies.
func (n *ReservationNotifier) OnBookBecameAvailable(ctx context.Context, bookID uuid.UUID) ([]models.Reservation, error) {
	var notified []models.Reservation
	var events []notify.Event

	err := runTx(ctx, n.db, n.txTimeout, "OnBookBecameAvailable", func(tx *gorm.DB) error {
		book, err := n.books.GetByIDForUpdate(tx, bookID)
		if err != nil {
			return notFound(err, ErrBookNotFound)
		}
		if !book.Available {
			return nil
		}
		notified, events, err = n.markNotified(tx, book)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.dispatch(events)
	return notified, nil
}

// markNotified transitions every pending reservation of book inside tx and
// returns the events to deliver once tx commits.
func (n *ReservationNotifier) markNotified(tx *gorm.DB, book *models.Book) ([]models.Reservation, []notify.Event, error) {
	pending, err := n.reservations.ListPendingForBookForUpdate(tx, book.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(pending) == 0 {
		return nil, nil, nil
	}

	ids := make([]uuid.UUID, len(pending))
	events := make([]notify.Event, len(pending))
	for i := range pending {
		ids[i] = pending[i].ID
		events[i] = notify.Event{
			UserID:        pending[i].UserID,
			ReservationID: pending[i].ID,
			BookID:        book.ID,
			BookTitle:     book.Title,
		}
		pending[i].Status = models.ReservationStatusNotified
	}

	if _, err := n.reservations.MarkNotified(tx, ids); err != nil {
		log.Printf("[ERROR] ReservationNotifier: failed to mark %d reservations for book %s: %v", len(ids), book.ID, err)
		return nil, nil, err
	}
	log.Printf("[INFO] ReservationNotifier: %d reservation(s) for book %s marked NOTIFIED", len(ids), book.ID)
	return pending, events, nil
}

// dispatch delivers events after commit. A failed delivery is logged and
// does not undo the status change.
func (n *ReservationNotifier) dispatch(events []notify.Event) {
	for _, e := range events {
		if err := n.sink.Send(n.channel, e); err != nil {
			log.Printf("[WARN] ReservationNotifier: delivery to user %s for reservation %s failed: %v", e.UserID, e.ReservationID, err)
		}
	}
}
