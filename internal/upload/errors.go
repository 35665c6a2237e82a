package upload

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/wapuda/dmrelay/internal/dailymotion"
	"github.com/wapuda/dmrelay/internal/telegram"
)

type DownloadErrorKind int

const (
	DownloadEmptyFile DownloadErrorKind = iota + 1
	DownloadTransport
)

func (k DownloadErrorKind) String() string {
	switch k {
	case DownloadEmptyFile:
		return "empty_file"
	case DownloadTransport:
		return "transport"
	}
	return "unknown"
}

// DownloadError is a failure to copy the source video from Telegram.
type DownloadError struct {
	Kind DownloadErrorKind
	Path string
	Err  error
}

func (e *DownloadError) Error() string {
	msg := "download: " + e.Kind.String()
	if e.Path != "" {
		msg += " [" + e.Path + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Describe turns an upload failure into the text shown to the user.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "⚠️ Upload interrupted because the bot is shutting down. Please send the video again later."
	}
	if errors.Is(err, telegram.ErrFileTooBig) {
		return "❌ Telegram will not hand this file to the bot. Please send a smaller file."
	}

	var de *DownloadError
	if errors.As(err, &de) {
		if de.Kind == DownloadEmptyFile {
			return "❌ Download failed: file is empty. Try again or check file size."
		}
		return "❌ Download failed: could not fetch the video from Telegram.\n\n" + escape(err.Error())
	}

	var ce *dailymotion.CreationError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case dailymotion.CreationDurationExceeded:
			return "❌ Duration exceeded! Check daily quota (2hrs)."
		case dailymotion.CreationQuotaExceeded:
			return "❌ Quota exceeded! Wait 24hrs."
		case dailymotion.CreationForbidden:
			return "❌ Dailymotion refused access. Check that your API key may upload videos.\n\n" + escape(ce.Message)
		case dailymotion.CreationMissingID:
			return "❌ Dailymotion accepted the file but did not return a video id."
		}
	}

	var ae *dailymotion.AuthError
	if errors.As(err, &ae) && ae.Kind == dailymotion.AuthInvalidCredentials {
		return "❌ Dailymotion rejected your credentials. Send /credentials to enter new ones."
	}

	var ue *dailymotion.UploadError
	if errors.As(err, &ue) && ue.Kind == dailymotion.UploadNoEndpoint {
		return "❌ Could not get an upload URL from Dailymotion. Please try again later."
	}

	return "❌ *Upload failed!*\n\n" + escape(err.Error())
}

// success is the final status text for a created video.
func success(title, id, url string) string {
	return fmt.Sprintf("🎉 *Upload successful!*\n\n📹 Title: %s\n🆔 Video ID: `%s`\n🔗 %s",
		escape(title), strings.ReplaceAll(id, "`", "'"), url)
}

func escape(s string) string {
	return strings.NewReplacer("*", "", "_", "\\_", "`", "'", "[", "(").Replace(s)
}
