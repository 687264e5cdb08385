// Package fines computes overdue penalties for late returns.
package fines

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDailyRate is charged per full calendar day a book is kept past its due date.
var DefaultDailyRate = decimal.NewFromInt(5)

// Compute returns daysLate * dailyRate, where daysLate counts whole calendar
// days (UTC) between dateDue and dateReturned. Returns zero for on-time and
// early returns.
func Compute(dateDue, dateReturned time.Time, dailyRate decimal.Decimal) decimal.Decimal {
	days := DaysLate(dateDue, dateReturned)
	if days == 0 {
		return decimal.Zero
	}
	return dailyRate.Mul(decimal.NewFromInt(int64(days)))
}

// DaysLate is max(0, returned - due) in UTC calendar days.
func DaysLate(dateDue, dateReturned time.Time) int {
	due := CalendarDate(dateDue)
	returned := CalendarDate(dateReturned)
	if !returned.After(due) {
		return 0
	}
	return int(returned.Sub(due).Hours() / 24)
}

// CalendarDate truncates t to midnight of its UTC calendar day.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
