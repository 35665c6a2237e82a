package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wapuda/dmrelay/internal/dailymotion"
	"github.com/wapuda/dmrelay/internal/jobs"
	"github.com/wapuda/dmrelay/internal/progress"
	"github.com/wapuda/dmrelay/internal/upload"
)

var (
	uploadTitle   string
	uploadChannel string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a local video through the relay pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireCredentials(); err != nil {
			return err
		}
		src := args[0]
		info, err := os.Stat(src)
		if err != nil {
			return errors.Wrap(err, "reading source")
		}
		title := uploadTitle
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		}

		scratch, err := os.MkdirTemp("", "dmctl-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(scratch)

		client := dailymotion.New(cfg.DailymotionAPIURL,
			dailymotion.WithScope(cfg.DailymotionScope),
			dailymotion.WithCallTimeout(cfg.DailymotionTimeout))
		out := cmd.OutOrStdout()
		orch := upload.NewOrchestrator(upload.Config{
			ScratchDir:       scratch,
			Policy:           cfg.RetryPolicy(),
			Tags:             cfg.VideoTags,
			VideoURLBase:     cfg.DailymotionVideoURL,
			ProgressInterval: cfg.ProgressInterval,
		}, localFile{path: src}, client, dailymotion.NewTokenCache(client, cfg.RetryPolicy()),
			consoleStatus{w: out}, upload.ReleaserFunc(func(context.Context, int64) error { return nil }),
			upload.WithSinkFactory(func(context.Context, jobs.UploadVideo) progress.Sink {
				return consoleSink{w: out}
			}))

		res := orch.Run(cmd.Context(), jobs.UploadVideo{
			JobID:           jobs.NewID(),
			StatusMessageID: 1,
			Video:           jobs.Video{FileID: src, FileName: filepath.Base(src), FileSize: info.Size()},
			Title:           title,
			Channel:         uploadChannel,
			Credentials:     creds,
		})
		return res.Err
	},
}

// localFile stands in for Telegram as the download source.
type localFile struct{ path string }

func (l localFile) Fetch(ctx context.Context, fileID, dst string, onProgress func(current, total int64)) (int64, error) {
	in, err := os.Open(l.path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if onProgress != nil {
		onProgress(n, n)
	}
	return n, err
}

// consoleStatus prints the final status text.
type consoleStatus struct{ w io.Writer }

func (c consoleStatus) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	_, err := fmt.Fprintln(c.w, "\n"+strings.NewReplacer("*", "", "`", "").Replace(text))
	return err
}

// consoleSink prints one progress line per snapshot.
type consoleSink struct{ w io.Writer }

func (c consoleSink) Report(s progress.Snapshot) error {
	if s.Done {
		_, err := fmt.Fprintf(c.w, "\r%s complete: %s in %s (avg %s)\n",
			s.Label, progress.Bytes(s.Current), progress.Duration(s.Elapsed), progress.Rate(s.AvgSpeed))
		return err
	}
	_, err := fmt.Fprintf(c.w, "\r%s: %5.1f%% %s / %s at %s, ETA %s",
		s.Label, s.Percent, progress.Bytes(s.Current), progress.Bytes(s.Total), progress.Rate(s.Speed), progress.ETA(s.ETA))
	return err
}

func init() {
	credentialFlags(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadTitle, "title", "", "video title (default: file name)")
	uploadCmd.Flags().StringVar(&uploadChannel, "channel", "", "Dailymotion channel")
}
