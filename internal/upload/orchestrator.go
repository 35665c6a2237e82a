// Package upload moves one video from Telegram to Dailymotion: download to
// scratch, upload slot, transfer, create. It always cleans up after itself
// and hands the user's session back.
package upload

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/wapuda/dmrelay/internal/dailymotion"
	"github.com/wapuda/dmrelay/internal/jobs"
	"github.com/wapuda/dmrelay/internal/logx"
	"github.com/wapuda/dmrelay/internal/progress"
	"github.com/wapuda/dmrelay/internal/retry"
	"github.com/wapuda/dmrelay/internal/telegram"
)

const (
	labelDownload = "Downloading"
	labelUpload   = "Uploading to Dailymotion"
)

// Fetcher copies a Telegram file to dst.
type Fetcher interface {
	Fetch(ctx context.Context, fileID, dst string, onProgress func(current, total int64)) (int64, error)
}

// Dailymotion is the part of *dailymotion.Client used per upload.
type Dailymotion interface {
	RequestUploadSlot(ctx context.Context, token string) (string, error)
	TransferFile(ctx context.Context, uploadURL, path string, onProgress dailymotion.ProgressFunc) (string, error)
	CreateVideo(ctx context.Context, token string, meta dailymotion.VideoMeta) (string, error)
}

// Tokens hands out bearer tokens; *dailymotion.TokenCache implements it.
type Tokens interface {
	Token(ctx context.Context, creds dailymotion.Credentials) (string, error)
	Invalidate(creds dailymotion.Credentials)
}

// Status edits the job's status message.
type Status interface {
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
}

// SessionReleaser returns the user's session to authenticated.
type SessionReleaser interface {
	Release(ctx context.Context, userID int64) error
}

type ReleaserFunc func(ctx context.Context, userID int64) error

func (f ReleaserFunc) Release(ctx context.Context, userID int64) error { return f(ctx, userID) }

// SinkFactory builds the progress sink for a job's status message.
type SinkFactory func(ctx context.Context, job jobs.UploadVideo) progress.Sink

type Config struct {
	ScratchDir       string
	Policy           retry.Policy
	Tags             []string
	VideoURLBase     string
	ProgressInterval time.Duration
}

// Outcome is the result of one Run.
type Outcome struct {
	VideoID  string
	URL      string
	Attempts int
	Err      error
}

type Option func(*Orchestrator)

func WithSinkFactory(f SinkFactory) Option {
	return func(o *Orchestrator) { o.sinks = f }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type Orchestrator struct {
	cfg      Config
	fetcher  Fetcher
	dm       Dailymotion
	tokens   Tokens
	status   Status
	releaser SessionReleaser
	sinks    SinkFactory
	now      func() time.Time
}

func NewOrchestrator(cfg Config, fetcher Fetcher, dm Dailymotion, tokens Tokens, status Status, releaser SessionReleaser, opts ...Option) *Orchestrator {
	if cfg.VideoURLBase == "" {
		cfg.VideoURLBase = dailymotion.DefaultVideoURLBase
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = progress.DefaultInterval
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	o := &Orchestrator{
		cfg:      cfg,
		fetcher:  fetcher,
		dm:       dm,
		tokens:   tokens,
		status:   status,
		releaser: releaser,
		now:      time.Now,
	}
	o.sinks = o.statusSink
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the job. Whatever happens, the scratch file is removed, the
// session is released and the status message shows the result.
func (o *Orchestrator) Run(ctx context.Context, job jobs.UploadVideo) (out Outcome) {
	ctx = logx.WithJob(logx.WithUser(ctx, job.UserID), job.JobID)
	lg := logx.FromCtx(ctx)
	path := o.ScratchPath(job)
	started := o.now()

	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			lg.Warn().Err(err).Str("path", path).Msg("scratch file not removed")
		}
		// the job context may already be cancelled; cleanup still has to reach the store
		cleanup := context.WithoutCancel(ctx)
		if err := o.releaser.Release(cleanup, job.UserID); err != nil {
			lg.Error().Err(err).Msg("session release failed")
		}
		text := success(job.Title, out.VideoID, out.URL)
		if out.Err != nil {
			text = Describe(out.Err)
		}
		if job.StatusMessageID != 0 {
			if err := o.status.Edit(cleanup, job.ChatID, job.StatusMessageID, text); err != nil {
				lg.Warn().Err(err).Msg("final status not delivered")
			}
		}
		ev := lg.Info()
		if out.Err != nil {
			ev = lg.Error().Err(out.Err)
		}
		ev.Str("video_id", out.VideoID).Int("attempts", out.Attempts).Dur("took", o.now().Sub(started)).Msg("upload finished")
	}()

	token, err := o.tokens.Token(ctx, job.Credentials)
	if err != nil {
		out.Err = errors.Wrap(err, "acquiring dailymotion token")
		return out
	}

	sink := o.sinks(ctx, job)
	size, err := o.download(ctx, job, path, sink)
	if err != nil {
		out.Err = err
		return out
	}
	lg.Info().Str("path", path).Int64("bytes", size).Msg("video downloaded")

	err = o.cfg.Policy.Do(ctx, func(attempt int) error {
		out.Attempts = attempt
		if token == "" {
			t, err := o.tokens.Token(ctx, job.Credentials)
			if err != nil {
				if !dailymotion.Retryable(err) {
					return retry.Permanent(err)
				}
				return err
			}
			token = t
		}
		id, err := o.uploadOnce(ctx, job, path, size, token, sink)
		switch {
		case err == nil:
			out.VideoID = id
			return nil
		case errors.Is(err, dailymotion.ErrUnauthorized):
			o.tokens.Invalidate(job.Credentials)
			token = ""
			return err
		case !dailymotion.Retryable(err):
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		lg.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("upload attempt failed, retrying")
	})
	if err != nil {
		out.Err = err
		return out
	}
	out.URL = dailymotion.VideoURL(o.cfg.VideoURLBase, out.VideoID)
	return out
}

// ScratchPath is where job's video is stored while it is relayed.
func (o *Orchestrator) ScratchPath(job jobs.UploadVideo) string {
	ext := strings.ToLower(filepath.Ext(job.Video.FileName))
	if ext == "" || len(ext) > 6 {
		ext = ".mp4"
	}
	return filepath.Join(o.cfg.ScratchDir, job.JobID+ext)
}

func (o *Orchestrator) download(ctx context.Context, job jobs.UploadVideo, path string, sink progress.Sink) (int64, error) {
	if err := os.MkdirAll(o.cfg.ScratchDir, 0o755); err != nil {
		return 0, &DownloadError{Kind: DownloadTransport, Path: path, Err: err}
	}
	rep := progress.New(labelDownload, job.Video.FileSize, sink,
		progress.WithInterval(o.cfg.ProgressInterval), progress.WithName(job.Video.FileName))

	var size int64
	err := o.cfg.Policy.Do(ctx, func(int) error {
		n, err := o.fetcher.Fetch(ctx, job.Video.FileID, path, rep.Update)
		if err != nil {
			derr := &DownloadError{Kind: DownloadTransport, Path: path, Err: err}
			if ctx.Err() != nil || errors.Is(err, telegram.ErrFileTooBig) {
				return retry.Permanent(derr)
			}
			return derr
		}
		if n == 0 {
			return retry.Permanent(&DownloadError{Kind: DownloadEmptyFile, Path: path})
		}
		size = n
		return nil
	}, func(attempt int, err error, next time.Duration) {
		logx.FromCtx(ctx).Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("download failed, retrying")
	})
	if err != nil {
		return 0, err
	}
	rep.Finish(size)
	return size, nil
}

func (o *Orchestrator) uploadOnce(ctx context.Context, job jobs.UploadVideo, path string, size int64, token string, sink progress.Sink) (string, error) {
	lg := logx.FromCtx(ctx)

	uploadURL, err := o.dm.RequestUploadSlot(ctx, token)
	if err != nil {
		return "", err
	}

	rep := progress.New(labelUpload, size, sink,
		progress.WithInterval(o.cfg.ProgressInterval), progress.WithName(job.Video.FileName))
	fileURL, err := o.dm.TransferFile(ctx, uploadURL, path, rep.Update)
	if err != nil {
		return "", err
	}
	rep.Finish(size)
	lg.Info().Str("path", path).Msg("file transferred to dailymotion")

	return o.dm.CreateVideo(ctx, token, dailymotion.VideoMeta{
		URL:         fileURL,
		Title:       job.Title,
		Description: "Uploaded via Telegram Bot on " + o.now().Format("2006-01-02 15:04:05"),
		Tags:        o.cfg.Tags,
		Channel:     job.Channel,
	})
}

// statusSink renders progress into the job's status message.
func (o *Orchestrator) statusSink(ctx context.Context, job jobs.UploadVideo) progress.Sink {
	return progress.SinkFunc(func(s progress.Snapshot) error {
		if job.StatusMessageID == 0 {
			return nil
		}
		return o.status.Edit(ctx, job.ChatID, job.StatusMessageID, progress.Render(s))
	})
}
