// Package logging configures the process logger and maintains the log directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// New builds a JSON slog.Logger that writes to stdout and to a dated file in
// dir, rotating to a fresh file when the UTC day changes so old files age
// out and the maintenance sweep can prune them. The returned close function
// releases the current file.
func New(dir string, level slog.Level) (*slog.Logger, func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	w, err := newDailyWriter(dir)
	if err != nil {
		return nil, nil, err
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, w), &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler), w.Close, nil
}

// dailyWriter appends to a dated log file and switches to a new one when
// the UTC day changes, so a long-running process never pins one
// ever-growing file.
type dailyWriter struct {
	dir string
	now func() time.Time // injectable for tests

	mu   sync.Mutex
	day  string
	file *os.File
}

func newDailyWriter(dir string) (*dailyWriter, error) {
	w := &dailyWriter{dir: dir, now: time.Now}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(w.currentDay()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyWriter) currentDay() string {
	return w.now().UTC().Format("2006-01-02")
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if day := w.currentDay(); day != w.day {
		if err := w.rotate(day); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

// rotate opens the file for day and makes it current. Callers hold w.mu.
func (w *dailyWriter) rotate(day string) error {
	path := filepath.Join(w.dir, fmt.Sprintf("nws_notifier_%s.log", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.day = day
	w.file = f
	return nil
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// PruneDir deletes regular files in dir whose modification time is older
// than the cutoff. Missing directories are treated as empty. Returns the
// number of files removed.
func PruneDir(dir string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read log directory: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				continue
			}
			removed++
		}
	}
	return removed, nil
}
