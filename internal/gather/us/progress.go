package us

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	progressFile  = ".fetch-progress"
	completedFile = ".last-completed"
)

// Symbol outcomes recorded in the progress file.
const (
	statusFetched = "ok"
	statusEmpty   = "empty"
)

// progressTracker records which symbols a fetch has already handled for a
// target end date, so an interrupted fetch resumes where it stopped and a
// finished one is a no-op until the next session settles.
type progressTracker struct {
	mu     sync.Mutex
	done   map[string]string // symbol -> status
	writer *bufio.Writer
	file   *os.File
	dir    string
}

// newProgressTracker opens the tracker in dir and loads prior entries.
func newProgressTracker(dir string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}

	pt := &progressTracker{
		done: make(map[string]string),
		dir:  dir,
	}

	path := filepath.Join(dir, progressFile)
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			sym, status, ok := strings.Cut(strings.TrimSpace(line), "\t")
			if ok && sym != "" {
				pt.done[sym] = status
			}
		}
	}

	if err := pt.open(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *progressTracker) open() error {
	f, err := os.OpenFile(filepath.Join(p.dir, progressFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", progressFile, err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return nil
}

// Done reports whether the symbol was already handled.
func (p *progressTracker) Done(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.done[symbol]
	return ok
}

// Status returns the recorded outcome for symbol, or "".
func (p *progressTracker) Status(symbol string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[symbol]
}

// Mark records an outcome for each symbol and flushes.
func (p *progressTracker) Mark(status string, symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sym := range symbols {
		if _, ok := p.done[sym]; ok {
			continue
		}
		p.done[sym] = status
		if _, err := p.writer.WriteString(sym + "\t" + status + "\n"); err != nil {
			return fmt.Errorf("writing to %s: %w", progressFile, err)
		}
	}
	return p.writer.Flush()
}

// MarkCompleted records that every symbol was handled for date.
func (p *progressTracker) MarkCompleted(date string) error {
	return os.WriteFile(filepath.Join(p.dir, completedFile), []byte(date), 0o644)
}

// LastCompleted returns the date of the last finished fetch, or "".
func (p *progressTracker) LastCompleted() string {
	data, err := os.ReadFile(filepath.Join(p.dir, completedFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reset forgets every symbol outcome.
func (p *progressTracker) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		p.file.Close()
	}
	p.done = make(map[string]string)
	os.Remove(filepath.Join(p.dir, progressFile))
	return p.open()
}

// Close flushes and closes the progress file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
