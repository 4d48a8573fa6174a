package us

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProgressTrackerMark(t *testing.T) {
	dir := t.TempDir()

	pt, err := newProgressTracker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := pt.Mark(statusFetched, []string{"AAPL", "MSFT"}); err != nil {
		t.Fatal(err)
	}
	if err := pt.Mark(statusEmpty, []string{"ZZZZ"}); err != nil {
		t.Fatal(err)
	}
	pt.Close()

	// Reload and verify.
	pt2, err := newProgressTracker(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer pt2.Close()

	for _, sym := range []string{"AAPL", "MSFT", "ZZZZ"} {
		if !pt2.Done(sym) {
			t.Errorf("expected %q to be done after reload", sym)
		}
	}
	if pt2.Status("ZZZZ") != statusEmpty || pt2.Status("AAPL") != statusFetched {
		t.Errorf("statuses = %q, %q", pt2.Status("ZZZZ"), pt2.Status("AAPL"))
	}
	if pt2.Done("NVDA") {
		t.Error("NVDA should not be done")
	}
}

func TestProgressTrackerCompleted(t *testing.T) {
	pt, err := newProgressTracker(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer pt.Close()

	if pt.LastCompleted() != "" {
		t.Error("should not be completed before marking")
	}
	if err := pt.MarkCompleted("2025-02-10"); err != nil {
		t.Fatal(err)
	}
	if pt.LastCompleted() != "2025-02-10" {
		t.Errorf("LastCompleted = %q", pt.LastCompleted())
	}
}

func TestProgressTrackerReset(t *testing.T) {
	dir := t.TempDir()

	pt, err := newProgressTracker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := pt.Mark(statusFetched, []string{"AAPL"}); err != nil {
		t.Fatal(err)
	}
	if err := pt.Reset(); err != nil {
		t.Fatal(err)
	}
	if pt.Done("AAPL") {
		t.Error("AAPL should not be done after reset")
	}

	data, err := os.ReadFile(filepath.Join(dir, progressFile))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(data) > 0 {
		t.Error("progress file should be empty after reset")
	}
	pt.Close()
}
