package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"

	"radioguard/internal/platform/logger"
)

const (
	defaultMaxFileBytes = 10 << 20
	rotateSuffixLayout  = "2006-01-02T15-04-05.000"
)

// File appends JSON lines to a file and rotates it once it would grow past
// MaxBytes. A rotated file keeps the original path plus a timestamp suffix.
type File struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	minLevel logger.Level
	clock    clock.Clock

	f    *os.File
	size int64
}

type FileOption func(*File)

func WithMaxBytes(n int64) FileOption {
	return func(f *File) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

func WithFileClock(c clock.Clock) FileOption {
	return func(f *File) {
		if c != nil {
			f.clock = c
		}
	}
}

// NewFile opens path for appending, creating it and its directory if needed.
func NewFile(path string, minLevel logger.Level, opts ...FileOption) (*File, error) {
	t := &File{
		path:     path,
		maxBytes: defaultMaxFileBytes,
		minLevel: minLevel,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := t.open(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *File) Name() string           { return "file" }
func (t *File) Enabled() bool          { return true }
func (t *File) MinLevel() logger.Level { return t.minLevel }

func (t *File) Log(_ context.Context, e logger.Entry) error {
	line := append(logger.FormatJSON(e), '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return fmt.Errorf("log file %s is closed", t.path)
	}
	if t.size > 0 && t.size+int64(len(line)) > t.maxBytes {
		if err := t.rotate(); err != nil {
			return err
		}
	}
	n, err := t.f.Write(line)
	t.size += int64(n)
	if err != nil {
		return fmt.Errorf("write log file: %w", err)
	}
	return nil
}

func (t *File) Flush(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	return t.f.Sync()
}

func (t *File) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// rotate renames the current file aside and starts a new one. Must be called while holding t.mu.
func (t *File) rotate() error {
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	t.f = nil
	rotated, err := t.rotatedName()
	if err != nil {
		return err
	}
	if err := os.Rename(t.path, rotated); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return t.open()
}

// rotatedName returns the timestamped name for the file being rotated out,
// adding a counter when a file rotated in the same millisecond already has it.
func (t *File) rotatedName() (string, error) {
	base := t.path + "." + t.clock.Now().UTC().Format(rotateSuffixLayout)
	name := base
	for i := 1; ; i++ {
		_, err := os.Lstat(name)
		if errors.Is(err, fs.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("rotate log file: %w", err)
		}
		name = base + "." + strconv.Itoa(i)
	}
}

func (t *File) open() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	t.f = f
	t.size = info.Size()
	return nil
}
