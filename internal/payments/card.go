// Package payments validates payment instruments before a fine is settled.
// Card data never leaves the process; only a masked number is persisted.
package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInstrument matches every *InstrumentError.
var ErrInvalidInstrument = errors.New("invalid payment instrument")

type Reason string

const (
	ReasonCardNumber Reason = "INVALID_CARD_NUMBER"
	ReasonExpiry     Reason = "INVALID_EXPIRY"
	ReasonExpired    Reason = "CARD_EXPIRED"
	ReasonCVV        Reason = "INVALID_CVV"
)

const (
	cardNumberLength = 16
	cvvLength        = 3
)

type InstrumentError struct {
	Reason Reason
}

func (e *InstrumentError) Error() string {
	switch e.Reason {
	case ReasonCardNumber:
		return fmt.Sprintf("card number must have exactly %d digits", cardNumberLength)
	case ReasonExpiry:
		return "card expiry month must be between 1 and 12"
	case ReasonExpired:
		return "card is expired"
	case ReasonCVV:
		return fmt.Sprintf("security code (CVV) must have exactly %d digits", cvvLength)
	}
	return string(e.Reason)
}

func (e *InstrumentError) Is(target error) bool {
	return target == ErrInvalidInstrument
}

// Card is the user-entered card data for a single payment.
type Card struct {
	Number      string `json:"number"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	CVV         string `json:"cvv"`
}

// ValidateCard checks the card number, expiry and CVV in that order and
// returns the first failure. A card expires on the first day of its expiry
// month, so that day must be strictly after today.
func ValidateCard(number string, expiryMonth, expiryYear int, cvv string, today time.Time) error {
	if !isDigits(number, cardNumberLength) {
		return &InstrumentError{Reason: ReasonCardNumber}
	}
	if expiryMonth < 1 || expiryMonth > 12 {
		return &InstrumentError{Reason: ReasonExpiry}
	}
	expiry := time.Date(expiryYear, time.Month(expiryMonth), 1, 0, 0, 0, 0, time.UTC)
	y, m, d := today.UTC().Date()
	if !expiry.After(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)) {
		return &InstrumentError{Reason: ReasonExpired}
	}
	if !isDigits(cvv, cvvLength) {
		return &InstrumentError{Reason: ReasonCVV}
	}
	return nil
}

// Validate is ValidateCard applied to c.
func (c Card) Validate(today time.Time) error {
	return ValidateCard(c.Number, c.ExpiryMonth, c.ExpiryYear, c.CVV, today)
}

// MaskNumber keeps the last four digits of a card number.
func MaskNumber(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
