package us

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"quantrisk/internal/domain"
	"quantrisk/internal/util"
)

// A session's daily bar is final after settleHour:settleMinute ET, once
// extended hours data has landed.
const (
	settleHour   = 20
	settleMinute = 5
)

// LatestFinishedTradingDay returns the most recent trading day whose daily
// bar has settled, using the Alpaca trading calendar API.
func LatestFinishedTradingDay(apiKey, apiSecret, baseURL string, now time.Time) (time.Time, error) {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})

	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}
	now = now.In(et)

	calendar, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	return latestFinished(calendar, now)
}

// latestFinished picks the last settled session from calendar. now must be in
// exchange time.
func latestFinished(calendar []alpaca.CalendarDay, now time.Time) (time.Time, error) {
	if len(calendar) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}

	today := now.Format("2006-01-02")
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), settleHour, settleMinute, 0, 0, now.Location())

	for i := len(calendar) - 1; i >= 0; i-- {
		day := calendar[i]
		if day.Date > today {
			continue
		}
		if day.Date == today && !now.After(cutoff) {
			continue
		}
		t, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}

// OfflineFinishedTradingDay answers the same question from the built-in
// weekday calendar, for when the trading API is unreachable or unconfigured.
func OfflineFinishedTradingDay(now time.Time) time.Time {
	cal := util.NewTradingCalendar(domain.MarketUS)
	day := cal.PreviousTradingDay(now)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}
