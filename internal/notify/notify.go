// Package notify delivers user-facing notifications emitted by the
// circulation engine. Delivery is fire-and-forget from the caller's view.
package notify

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

const DefaultChannel = "library-channel"

// Sink accepts a single notification addressed to e.UserID.
type Sink interface {
	Send(channel string, e Event) error
}

// Event is emitted once per reservation whose book became available.
type Event struct {
	UserID        uuid.UUID `json:"user_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	BookID        uuid.UUID `json:"book_id"`
	BookTitle     string    `json:"book_title"`
}

func (e Event) Title() string { return "Book available" }

func (e Event) Message() string {
	return fmt.Sprintf("The book %q you reserved is now available.", e.BookTitle)
}

// LogSink writes notifications to the standard logger.
type LogSink struct{}

func (LogSink) Send(channel string, e Event) error {
	log.Printf("[INFO] notify[%s]: user %s: %s: %s", channel, e.UserID, e.Title(), e.Message())
	return nil
}

// Message is a notification captured by Recorder.
type Message struct {
	Channel       string    `json:"channel"`
	UserID        uuid.UUID `json:"user_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	BookID        uuid.UUID `json:"book_id"`
	Title         string    `json:"title"`
	Body          string    `json:"message"`
}

// Recorder keeps notifications in memory. With Limit > 0 only the most
// recent Limit messages are kept. Safe for concurrent use.
type Recorder struct {
	// Limit caps the number of retained messages; zero keeps everything.
	Limit int
	// Err, when set, is returned from Send after the message is recorded.
	Err error

	mu       sync.Mutex
	messages []Message
	next     int // oldest slot once the ring is full
}

func NewRecorder(limit int) *Recorder {
	return &Recorder{Limit: limit}
}

func (r *Recorder) Send(channel string, e Event) error {
	m := Message{
		Channel:       channel,
		UserID:        e.UserID,
		ReservationID: e.ReservationID,
		BookID:        e.BookID,
		Title:         e.Title(),
		Body:          e.Message(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Limit > 0 && len(r.messages) >= r.Limit {
		r.messages[r.next] = m
		r.next = (r.next + 1) % len(r.messages)
		return r.Err
	}
	r.messages = append(r.messages, m)
	return r.Err
}

// Messages returns a copy of the retained messages, oldest first.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, 0, len(r.messages))
	out = append(out, r.messages[r.next:]...)
	out = append(out, r.messages[:r.next]...)
	return out
}

// Multi fans a notification out to several sinks and returns the first error.
type Multi []Sink

func (m Multi) Send(channel string, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(channel, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
