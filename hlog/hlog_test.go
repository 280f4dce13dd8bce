package hlog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLogLevel(true, true, zerolog.ErrorLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel(true, false, zerolog.ErrorLevel))
	assert.Equal(t, zerolog.ErrorLevel, parseLogLevel(false, false, zerolog.ErrorLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel(false, false, zerolog.InfoLevel))
}

func TestIsContextCancellation(t *testing.T) {
	assert.False(t, IsContextCancellation(nil))
	assert.False(t, IsContextCancellation(errors.New("boom")))
	assert.True(t, IsContextCancellation(context.Canceled))
	assert.True(t, IsContextCancellation(fmt.Errorf("scan: %w", context.DeadlineExceeded)))
}

func TestColorTerminal(t *testing.T) {
	t.Setenv("TERM", "dumb")
	assert.False(t, isColorTerminal())

	t.Setenv("TERM", "xterm-256color")
	t.Setenv("CLICOLOR", "0")
	assert.False(t, isColorTerminal())
}

func TestLogContextDone(t *testing.T) {
	var lines []string
	log := funcr.New(func(prefix, args string) { lines = append(lines, args) }, funcr.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	LogContextDone(ctx, log, "Control loop stopped")
	assert.Empty(t, lines)

	cancel()
	LogContextDone(ctx, log, "Control loop stopped", "state", "StationBound")
	if assert.Len(t, lines, 1) {
		assert.Contains(t, lines[0], "Control loop stopped (context done)")
		assert.Contains(t, lines[0], "StationBound")
	}
}
