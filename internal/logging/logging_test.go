package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKeyRenamed(t *testing.T) {
	var b bytes.Buffer
	l := NewWriter(&b, slog.LevelInfo)
	l.Info("step failed", "error", errors.New("boom"))
	assert.Contains(t, b.String(), "err=boom")
	assert.NotContains(t, b.String(), "error=")
}

func TestLevelFilters(t *testing.T) {
	var b bytes.Buffer
	l := NewWriter(&b, slog.LevelWarn)
	l.Info("quiet")
	assert.Empty(t, b.String())
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)
	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}
