package logger_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"radioguard/internal/platform/logger"
	"radioguard/internal/platform/logger/mocks"
)

func TestDispatchToMockTransports(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	db := mocks.NewMockTransport(ctrl)
	db.EXPECT().Name().Return("postgres").AnyTimes()
	db.EXPECT().Enabled().Return(true).AnyTimes()
	db.EXPECT().MinLevel().Return(logger.LevelWarn).AnyTimes()
	db.EXPECT().Log(gomock.Any(), gomock.Cond(func(e logger.Entry) bool {
		return e.Message == "breaker opened" && e.Level == logger.LevelWarn
	})).Return(errors.New("connection reset"))
	db.EXPECT().Flush(gomock.Any()).Return(nil).Times(2)

	console := mocks.NewMockTransport(ctrl)
	console.EXPECT().Name().Return("console").AnyTimes()
	console.EXPECT().Enabled().Return(true).AnyTimes()
	console.EXPECT().MinLevel().Return(logger.LevelDebug).AnyTimes()
	console.EXPECT().Log(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	console.EXPECT().Flush(gomock.Any()).Return(errors.New("stdout closed")).Times(2)

	var fallback bytes.Buffer
	l := logger.New(logger.Config{Level: logger.LevelDebug, Fallback: &fallback}, db, console)

	l.Info(ctx, "queued")
	l.Warn(ctx, "breaker opened")

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, l.Flush(flushCtx))
	require.NoError(t, l.Close(flushCtx))

	out := fallback.String()
	require.Contains(t, out, "postgres: connection reset")
	require.Contains(t, out, "console: stdout closed")
}
