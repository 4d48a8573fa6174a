package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"quantrisk/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, nil, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, nil, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, time.Hour, nil, func() error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("circuit open")
	attempts := 0
	err := Retry(context.Background(), 5, 0, func(err error) bool { return !errors.Is(err, permanent) }, func() error {
		attempts++
		if attempts == 1 {
			return errors.New("transient error")
		}
		return fmt.Errorf("batch: %w", permanent)
	})
	if !errors.Is(err, permanent) {
		t.Errorf("Retry error = %v, want the permanent error", err)
	}
	if attempts != 2 {
		t.Errorf("Retry called fn %d times, want 2", attempts)
	}

	attempts = 0
	err = Retry(context.Background(), 5, 0, nil, func() error {
		attempts++
		return fmt.Errorf("waiting: %w", context.DeadlineExceeded)
	})
	if !errors.Is(err, context.DeadlineExceeded) || attempts != 1 {
		t.Errorf("Retry on a context error = %v after %d attempts, want one attempt", err, attempts)
	}
}

func TestRateLimiterWait(t *testing.T) {
	rl := NewRateLimiter(60)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Wait error = %v, want deadline exceeded", err)
	}

	unlimited := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if err := unlimited.Wait(context.Background()); err != nil {
			t.Fatalf("unlimited Wait: %v", err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "text")
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Errorf("text logger output = %q", out)
	}

	buf.Reset()
	newLogger(&buf, "debug", "json").Debug("x")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json logger output = %q", buf.String())
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should map to info")
	}
}

func TestTradingCalendar(t *testing.T) {
	cal := NewTradingCalendar(domain.MarketUS)
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 12, 0, 0, 0, time.UTC) }

	if !cal.IsTradingDay(day(2024, 3, 4)) {
		t.Error("Monday 2024-03-04 should trade")
	}
	if cal.IsTradingDay(day(2024, 3, 9)) {
		t.Error("Saturday should not trade")
	}
	if cal.IsTradingDay(day(2024, 12, 25)) {
		t.Error("Christmas should not trade")
	}
	// July 4 2026 is a Saturday; observed on Friday July 3.
	if cal.IsTradingDay(day(2026, 7, 3)) {
		t.Error("observed Independence Day should not trade")
	}

	prev := cal.PreviousTradingDay(day(2024, 3, 4))
	if prev.Weekday() != time.Friday || prev.Day() != 1 {
		t.Errorf("PreviousTradingDay = %v, want Friday 2024-03-01", prev)
	}
	if n := cal.TradingDays(day(2024, 3, 4), day(2024, 3, 10)); n != 5 {
		t.Errorf("TradingDays = %d, want 5", n)
	}
}
