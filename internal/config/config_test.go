package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/dmrelay/internal/logx"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://api.dailymotion.com", cfg.DailymotionAPIURL)
	assert.Equal(t, "manage_videos", cfg.DailymotionScope)
	assert.Equal(t, []string{"telegram", "upload"}, cfg.VideoTags)
	assert.Equal(t, int64(2048<<20), cfg.MaxFileSize())

	p := cfg.RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 5*time.Second, p.Delay)
	assert.Equal(t, "constant", p.Backoff)

	assert.Equal(t, 2*time.Second, cfg.ProgressInterval)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.DailymotionTimeout)
	assert.Equal(t, 2*time.Minute, cfg.AuthTimeout)
	assert.Equal(t, "memory", cfg.SessionStore)
	assert.Equal(t, "local", cfg.UploadMode)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("VIDEO_TAGS", "news, clips ,,sport")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("RETRY_BACKOFF", "Exponential")
	t.Setenv("SESSION_STORE", "bolt")
	t.Setenv("DATA_DIR", "/srv/dmrelay")
	t.Setenv("MAX_FILE_SIZE_MB", "100")
	t.Setenv("AUTH_TIMEOUT", "45s")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"news", "clips", "sport"}, cfg.VideoTags)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "exponential", cfg.RetryBackoff)
	assert.Equal(t, filepath.Join("/srv/dmrelay", "sessions.db"), cfg.SessionFile)
	assert.Equal(t, filepath.Join("/srv/dmrelay", "scratch"), cfg.ScratchDir())
	assert.Equal(t, int64(100<<20), cfg.MaxFileSize())
	assert.Equal(t, 45*time.Second, cfg.AuthTimeout)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmrelay.yaml")
	body := "bot_token: from-file\nport: 9090\nsession_store: file\nvideo_tags:\n  - a\n  - b\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("PORT", "9191")

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.BotToken)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, 9191, cfg.Port, "environment should win over the file")
	assert.Equal(t, []string{"a", "b"}, cfg.VideoTags)
	assert.Equal(t, "sessions.json", filepath.Base(cfg.SessionFile))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "nope.json")})
	assert.Error(t, err)
}

func TestLogging(t *testing.T) {
	t.Run("keeps the base when unset", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "")
		t.Setenv("LOG_FORMAT", "")
		cfg, err := Load(nil)
		require.NoError(t, err)

		base := logx.Defaults("dmctl")
		base.Format = "console"
		base.Level = "warn"
		lc := cfg.Logging(base)
		assert.Equal(t, "dmctl", lc.Service)
		assert.Equal(t, "console", lc.Format)
		assert.Equal(t, "warn", lc.Level)
		assert.Equal(t, 50, lc.FileMaxSizeMB)
		assert.True(t, lc.FileCompress)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "DEBUG")
		t.Setenv("LOG_FORMAT", "console")
		t.Setenv("LOG_FILE", "/var/log/dmrelay/bot.log")
		t.Setenv("LOG_FILE_MAX_BACKUPS", "9")
		t.Setenv("LOG_FILE_COMPRESS", "false")
		t.Setenv("LOG_SAMPLE_EVERY", "10")
		cfg, err := Load(nil)
		require.NoError(t, err)

		lc := cfg.Logging(logx.Defaults("bot"))
		assert.Equal(t, "debug", lc.Level)
		assert.Equal(t, "console", lc.Format)
		assert.Equal(t, "/var/log/dmrelay/bot.log", lc.FilePath)
		assert.Equal(t, 9, lc.FileMaxBackups)
		assert.False(t, lc.FileCompress)
		assert.Equal(t, 10, lc.SampleEveryN)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		env    map[string]string
		except []string
		want   string
	}{
		{"missing token", nil, nil, "BOT_TOKEN"},
		{"token not needed", nil, []string{"BotToken"}, ""},
		{"bad store", map[string]string{"BOT_TOKEN": "x", "SESSION_STORE": "sqlite"}, nil, "SESSION_STORE"},
		{"bad attempts", map[string]string{"BOT_TOKEN": "x", "RETRY_MAX_ATTEMPTS": "0"}, nil, "RETRY_MAX_ATTEMPTS"},
		{"bad log level", map[string]string{"BOT_TOKEN": "x", "LOG_LEVEL": "loud"}, nil, "LOG_LEVEL"},
		{"queue needs redis", map[string]string{"BOT_TOKEN": "x", "UPLOAD_MODE": "queue"}, nil, "SESSION_STORE=redis"},
		{"queue with redis", map[string]string{"BOT_TOKEN": "x", "UPLOAD_MODE": "queue", "SESSION_STORE": "redis"}, nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("BOT_TOKEN", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(nil)
			require.NoError(t, err)

			err = cfg.Validate(tc.except...)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
