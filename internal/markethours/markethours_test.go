package markethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/internal/model"
)

func ist(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, model.IST)
}

func TestIsMarketOpen(t *testing.T) {
	assert.True(t, IsMarketOpen(ist(2026, 3, 16, 9, 15)))   // Monday open
	assert.True(t, IsMarketOpen(ist(2026, 3, 16, 15, 29)))  // last minute
	assert.False(t, IsMarketOpen(ist(2026, 3, 16, 15, 30))) // closed
	assert.False(t, IsMarketOpen(ist(2026, 3, 16, 9, 14)))
	assert.False(t, IsMarketOpen(ist(2026, 3, 15, 11, 0))) // Sunday
	assert.False(t, IsMarketOpen(ist(2026, 1, 26, 11, 0))) // Republic Day

	// same instant expressed in UTC
	assert.True(t, IsMarketOpen(time.Date(2026, 3, 16, 4, 0, 0, 0, time.UTC)))
}

func TestNextOpen(t *testing.T) {
	assert.Equal(t, ist(2026, 3, 16, 9, 15), NextOpen(ist(2026, 3, 16, 8, 0)))
	// Friday evening rolls to Monday
	assert.Equal(t, ist(2026, 3, 16, 9, 15), NextOpen(ist(2026, 3, 13, 16, 0)))
	// Good Friday 2026-04-10 is skipped
	assert.Equal(t, ist(2026, 4, 13, 9, 15), NextOpen(ist(2026, 4, 9, 16, 0)))
}

func TestNextLogin(t *testing.T) {
	got, err := NextLogin(ist(2026, 3, 16, 7, 30), "09:00")
	require.NoError(t, err)
	assert.Equal(t, ist(2026, 3, 16, 9, 0), got)

	// late start during the session logs in now
	now := ist(2026, 3, 16, 11, 5)
	got, err = NextLogin(now, "09:00")
	require.NoError(t, err)
	assert.Equal(t, now, got)

	// after close waits for the next trading day
	got, err = NextLogin(ist(2026, 3, 13, 16, 0), "09:00")
	require.NoError(t, err)
	assert.Equal(t, ist(2026, 3, 16, 9, 0), got)

	_, err = NextLogin(now, "9am")
	assert.Error(t, err)
}

func TestSessionEnd(t *testing.T) {
	assert.Equal(t, ist(2026, 3, 16, 15, 35), SessionEnd(ist(2026, 3, 16, 9, 0), 5*time.Minute))
	assert.Equal(t, 30*time.Minute, TimeUntilClose(ist(2026, 3, 16, 15, 0)))
	assert.Zero(t, TimeUntilClose(ist(2026, 3, 16, 16, 0)))
}

func TestAddHolidays(t *testing.T) {
	day := ist(2027, 1, 26, 11, 0)
	assert.True(t, IsTradingDay(day))
	require.NoError(t, AddHolidays("2027-01-26", ""))
	assert.False(t, IsTradingDay(day))
	assert.Error(t, AddHolidays("26/01/2027"))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Market Open, closes in 1h30m", StatusString(ist(2026, 3, 16, 14, 0)))
	assert.Equal(t, "Market Closed, opens Mon 09:15 (17m)", StatusString(ist(2026, 3, 16, 8, 58)))
}
