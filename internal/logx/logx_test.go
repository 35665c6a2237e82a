package logx

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureGlobal(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := log.Logger
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestFromCtxAttachesUserAndJob(t *testing.T) {
	buf := captureGlobal(t)

	ctx := WithJob(WithUser(context.Background(), 42), "01JOB")
	FromCtx(ctx).Info().Msg("hello")

	assert.Contains(t, buf.String(), `"uid":42`)
	assert.Contains(t, buf.String(), `"job":"01JOB"`)
}

func TestFromCtxWithoutValues(t *testing.T) {
	buf := captureGlobal(t)

	FromCtx(context.Background()).Info().Msg("plain")

	assert.NotContains(t, buf.String(), "uid")
}

func TestBotLoggerSplitsLines(t *testing.T) {
	buf := captureGlobal(t)

	bl := NewBotLogger(map[string]string{"component": "tgbotapi"}, zerolog.InfoLevel)
	bl.Printf("first\nsecond\n")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, "events: %q", buf.String())
	assert.Contains(t, lines[0], `"component":"tgbotapi"`)
}

func TestDefaults(t *testing.T) {
	c := Defaults("bot")
	assert.Equal(t, "bot", c.Service)
	assert.Equal(t, "info", c.Level)
	assert.Equal(t, "json", c.Format)
	assert.Empty(t, c.FilePath)
	assert.Equal(t, 50, c.FileMaxSizeMB)
	assert.True(t, c.FileCompress)
}

func TestSetupWritesRotatedFile(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	c := Defaults("worker")
	c.Level = "warn"
	c.FilePath = filepath.Join(t.TempDir(), "worker.log")
	l := Setup(c)
	l.Info().Msg("dropped")
	l.Warn().Msg("kept")

	raw, err := os.ReadFile(c.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"svc":"worker"`)
	assert.Contains(t, string(raw), "kept")
	assert.NotContains(t, string(raw), "dropped")
}
