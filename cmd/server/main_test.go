package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radioguard/internal/platform/config"
	"radioguard/internal/platform/logger"
	"radioguard/internal/platform/logger/transport"
)

type closingSink struct {
	name   string
	closed bool
}

func (s *closingSink) Name() string                            { return s.name }
func (s *closingSink) Enabled() bool                           { return true }
func (s *closingSink) MinLevel() logger.Level                  { return logger.LevelDebug }
func (s *closingSink) Log(context.Context, logger.Entry) error { return nil }
func (s *closingSink) Flush(context.Context) error             { return nil }
func (s *closingSink) Close() error                            { s.closed = true; return nil }

func TestSinkSetClose(t *testing.T) {
	file := &closingSink{name: "file"}
	pg := &closingSink{name: "postgres"}
	set := &sinkSet{sinks: []logger.Transport{file, transport.NewConsole(logger.LevelInfo), pg}}

	set.close()

	assert.True(t, file.closed)
	assert.True(t, pg.closed)
	assert.Empty(t, set.sinks)

	assert.NotPanics(t, set.close, "closing twice is harmless")
}

func TestBuildTransportsFailsWhenLogDatabaseIsUnreachable(t *testing.T) {
	cfg := config.LogConfig{
		Format:      "json",
		FileEnabled: true,
		FilePath:    filepath.Join(t.TempDir(), "radioguard.log"),
		DBEnabled:   true,
		DatabaseURL: "postgres://radioguard@127.0.0.1:1/logs?sslmode=disable&connect_timeout=1",
	}

	sinks, release, err := buildTransports(context.Background(), cfg, logger.LevelInfo)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping log database")
	assert.Nil(t, sinks)
	assert.Nil(t, release)
	assert.FileExists(t, cfg.FilePath, "the file sink was built before the failure")
}
