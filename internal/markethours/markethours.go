// Package markethours answers NSE calendar questions in IST: whether the
// market is open, when the next login window starts and when a collection
// session should end.
package markethours

import (
	"fmt"
	"time"

	"tickstream/internal/model"
)

// Market hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// IsMarketOpen returns true if t falls within NSE trading hours
// (9:15 AM to 3:30 PM IST, Mon-Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	ist := t.In(model.IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsWeekday returns true if t is Mon-Fri.
func IsWeekday(t time.Time) bool {
	wd := t.In(model.IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(model.IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

// NextOpen returns the next market open time (9:15 AM IST on next trading day).
// If t is before today's open on a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	return nextAt(t, OpenHour, OpenMinute)
}

// NextLogin returns the next trading-day occurrence of hhmm (IST, "15:04").
// A t already past today's hhmm but before close on a trading day returns t
// itself so a late start logs in immediately.
func NextLogin(t time.Time, hhmm string) (time.Time, error) {
	at, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("login time %q: %w", hhmm, err)
	}
	ist := t.In(model.IST)
	if IsTradingDay(ist) {
		login := time.Date(ist.Year(), ist.Month(), ist.Day(), at.Hour(), at.Minute(), 0, 0, model.IST)
		if !ist.After(login) {
			return login, nil
		}
		if ist.Before(TodayClose(ist)) {
			return ist, nil
		}
	}
	tomorrow := time.Date(ist.Year(), ist.Month(), ist.Day()+1, 0, 0, 0, 0, model.IST)
	return nextAt(tomorrow, at.Hour(), at.Minute()), nil
}

func nextAt(t time.Time, hour, minute int) time.Time {
	ist := t.In(model.IST)

	today := time.Date(ist.Year(), ist.Month(), ist.Day(), hour, minute, 0, 0, model.IST)
	if !ist.After(today) && IsTradingDay(ist) {
		return today
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // max 10 days ahead (holidays + weekends)
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, model.IST)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, hour, minute, 0, 0, model.IST)
}

// TodayClose returns today's market close time (3:30 PM IST).
func TodayClose(t time.Time) time.Time {
	ist := t.In(model.IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, model.IST)
}

// SessionEnd is when a collection session started at t should stop.
func SessionEnd(t time.Time, grace time.Duration) time.Time {
	return TodayClose(t).Add(grace)
}

// TimeUntilClose returns the duration until today's close.
// Returns 0 if market is already closed.
func TimeUntilClose(t time.Time) time.Duration {
	d := TodayClose(t).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(TimeUntilClose(t)))
	}
	next := NextOpen(t)
	ist := next.In(model.IST)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
