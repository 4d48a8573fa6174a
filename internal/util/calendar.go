package util

import (
	"time"

	"quantrisk/internal/domain"
)

// TradingCalendar answers which calendar dates are US equity sessions. It
// knows weekends and the fixed-date NYSE holidays (New Year's Day,
// Juneteenth, Independence Day, Christmas) with their observed weekday.
// Floating holidays are not modelled; a fetch on one of them returns no bars.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given market. Dates are
// evaluated in America/New_York when the zone database is available.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &TradingCalendar{market: market, loc: loc}
}

// IsTradingDay reports whether the date of t is a trading session.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	d := t.In(tc.loc)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !isFixedHoliday(d)
}

// PreviousTradingDay returns midnight (exchange time) of the last trading
// day strictly before the date of t.
func (tc *TradingCalendar) PreviousTradingDay(t time.Time) time.Time {
	d := t.In(tc.loc)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, tc.loc)
	for {
		day = day.AddDate(0, 0, -1)
		if tc.IsTradingDay(day) {
			return day
		}
	}
}

// TradingDays counts the sessions in [start, end] by date.
func (tc *TradingCalendar) TradingDays(start, end time.Time) int {
	s := start.In(tc.loc)
	day := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, tc.loc)
	n := 0
	for !day.After(end.In(tc.loc)) {
		if tc.IsTradingDay(day) {
			n++
		}
		day = day.AddDate(0, 0, 1)
	}
	return n
}

func isFixedHoliday(d time.Time) bool {
	for _, h := range [][2]int{{1, 1}, {6, 19}, {7, 4}, {12, 25}} {
		hol := time.Date(d.Year(), time.Month(h[0]), h[1], 0, 0, 0, 0, d.Location())
		switch hol.Weekday() {
		case time.Saturday:
			hol = hol.AddDate(0, 0, -1)
		case time.Sunday:
			hol = hol.AddDate(0, 0, 1)
		}
		if hol.Month() == d.Month() && hol.Day() == d.Day() {
			return true
		}
	}
	return false
}
