package calendar

import "time"

// US equity option session, New York time.
const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

var newYork *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Container images without tzdata fall back to a fixed offset; EST
		// keeps the gate conservative rather than disabling it.
		loc = time.FixedZone("EST", -5*3600)
	}
	newYork = loc
}

// Clock abstracts time.Now for deterministic tests and historical replay.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }

// IsMarketOpen reports whether t falls inside the regular NY session.
func IsMarketOpen(t time.Time) bool {
	ny := t.In(newYork)
	switch ny.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(ny.Year(), ny.Month(), ny.Day(), openHour, openMinute, 0, 0, newYork)
	close := time.Date(ny.Year(), ny.Month(), ny.Day(), closeHour, closeMinute, 0, 0, newYork)
	return !ny.Before(open) && ny.Before(close)
}

// InBlackout reports whether t falls within blackout minutes of the session
// open or close. Both boundaries are exclusive: the instant exactly blackout
// after the open or before the close is admitted. Times outside the session
// are not in blackout; the market hours gate handles those.
func InBlackout(t time.Time, blackout time.Duration) bool {
	if blackout <= 0 || !IsMarketOpen(t) {
		return false
	}
	ny := t.In(newYork)
	open := time.Date(ny.Year(), ny.Month(), ny.Day(), openHour, openMinute, 0, 0, newYork)
	close := time.Date(ny.Year(), ny.Month(), ny.Day(), closeHour, closeMinute, 0, 0, newYork)
	return ny.Sub(open) < blackout || close.Sub(ny) < blackout
}
