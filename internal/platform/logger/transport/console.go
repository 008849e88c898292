// Package transport holds the log sinks the logger dispatches to.
package transport

import (
	"context"
	"io"
	"os"
	"sync"

	"radioguard/internal/platform/logger"
)

// Console writes WARN and above to stderr and everything else to stdout.
type Console struct {
	mu       sync.Mutex
	stdout   io.Writer
	stderr   io.Writer
	format   logger.Format
	color    bool
	minLevel logger.Level
}

type ConsoleOption func(*Console)

func WithConsoleWriters(stdout, stderr io.Writer) ConsoleOption {
	return func(c *Console) {
		if stdout != nil {
			c.stdout = stdout
		}
		if stderr != nil {
			c.stderr = stderr
		}
	}
}

// WithConsoleFormat selects JSON or pretty output; color only applies to pretty.
func WithConsoleFormat(f logger.Format, color bool) ConsoleOption {
	return func(c *Console) {
		c.format = f
		c.color = color
	}
}

func NewConsole(minLevel logger.Level, opts ...ConsoleOption) *Console {
	c := &Console{
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		format:   logger.JSON,
		minLevel: minLevel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Console) Name() string                { return "console" }
func (c *Console) Enabled() bool               { return true }
func (c *Console) MinLevel() logger.Level      { return c.minLevel }
func (c *Console) Flush(context.Context) error { return nil }

func (c *Console) Log(_ context.Context, e logger.Entry) error {
	line := append(c.format.Render(e, c.color), '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.stdout
	if e.Level >= logger.LevelWarn {
		w = c.stderr
	}
	_, err := w.Write(line)
	return err
}
