package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// nyTime builds an instant at the given New York wall time.
func nyTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// Wednesday.
	return time.Date(2026, 1, 14, hour, min, 0, 0, loc)
}

func TestIsMarketOpen(t *testing.T) {
	assert.True(t, IsMarketOpen(nyTime(t, 9, 30)), "open at the bell")
	assert.True(t, IsMarketOpen(nyTime(t, 12, 0)))
	assert.True(t, IsMarketOpen(nyTime(t, 15, 59)))

	assert.False(t, IsMarketOpen(nyTime(t, 9, 29)), "pre-open")
	assert.False(t, IsMarketOpen(nyTime(t, 16, 0)), "closed at the close")
	assert.False(t, IsMarketOpen(nyTime(t, 20, 0)))
}

func TestIsMarketOpenWeekend(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	saturday := time.Date(2026, 1, 10, 12, 0, 0, 0, loc)
	sunday := time.Date(2026, 1, 11, 12, 0, 0, 0, loc)
	assert.False(t, IsMarketOpen(saturday))
	assert.False(t, IsMarketOpen(sunday))
}

func TestIsMarketOpenConvertsTimezones(t *testing.T) {
	// 17:00 UTC on a January Wednesday is 12:00 in New York.
	assert.True(t, IsMarketOpen(time.Date(2026, 1, 14, 17, 0, 0, 0, time.UTC)))
	// 13:00 UTC is 08:00 in New York.
	assert.False(t, IsMarketOpen(time.Date(2026, 1, 14, 13, 0, 0, 0, time.UTC)))
}

func TestInBlackout(t *testing.T) {
	blackout := 5 * time.Minute

	assert.True(t, InBlackout(nyTime(t, 9, 32), blackout), "just after the open")
	assert.True(t, InBlackout(nyTime(t, 15, 56), blackout), "just before the close")
	assert.False(t, InBlackout(nyTime(t, 12, 0), blackout))
	assert.False(t, InBlackout(nyTime(t, 9, 35), blackout), "boundary is exclusive at the open side")
	assert.False(t, InBlackout(nyTime(t, 15, 55), blackout), "boundary is exclusive at the close side")

	assert.False(t, InBlackout(nyTime(t, 8, 0), blackout), "outside the session is not blackout")
	assert.False(t, InBlackout(nyTime(t, 9, 32), 0), "zero blackout disables the check")
}

func TestClocks(t *testing.T) {
	fixed := FixedClock{T: time.Date(2026, 1, 14, 12, 0, 0, 0, time.UTC)}
	assert.Equal(t, fixed.T, fixed.Now())
	assert.WithinDuration(t, time.Now(), RealClock{}.Now(), time.Second)
}
