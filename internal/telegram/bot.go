// Package telegram adapts the Bot API client to the bot's messaging,
// download and progress interfaces.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/dmrelay/internal/conversation"
	"github.com/wapuda/dmrelay/internal/progress"
)

// ErrFileTooBig is returned when the Bot API refuses to serve a file. The
// public endpoint stops at 20 MB; a local Bot API server lifts the limit.
var ErrFileTooBig = errors.New("telegram: file is too big for this Bot API endpoint")

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// Bot sends Markdown messages and downloads files.
type Bot struct {
	api          API
	token        string
	fileEndpoint string
	httpClient   *http.Client
}

// NewBot wraps api. fileEndpoint is a Sprintf pattern taking the token and
// the file path; empty means tgbotapi.FileEndpoint.
func NewBot(api API, token, fileEndpoint string) *Bot {
	if fileEndpoint == "" {
		fileEndpoint = tgbotapi.FileEndpoint
	}
	return &Bot{api: api, token: token, fileEndpoint: fileEndpoint, httpClient: &http.Client{}}
}

// Send posts text as Markdown and returns the new message id. Text that
// Telegram cannot parse as Markdown is resent as plain text.
func (b *Bot) Send(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	sent, err := b.api.Send(msg)
	if err != nil && isParseError(err) {
		msg.ParseMode = ""
		sent, err = b.api.Send(msg)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "sending message to %d", chatID)
	}
	return sent.MessageID, nil
}

// Edit replaces the text of messageID. Edits that would not change the
// message are not errors.
func (b *Bot) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	edit.DisableWebPagePreview = true
	_, err := b.api.Request(edit)
	if err != nil && isParseError(err) {
		edit.ParseMode = ""
		_, err = b.api.Request(edit)
	}
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return errors.Wrapf(err, "editing message %d in %d", messageID, chatID)
	}
	return nil
}

func isParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

// Fetch downloads fileID into dst and returns the number of bytes written.
// onProgress receives cumulative bytes and the expected total (0 if unknown).
func (b *Bot) Fetch(ctx context.Context, fileID, dst string, onProgress func(current, total int64)) (int64, error) {
	f, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "file is too big") {
			return 0, errors.Wrap(ErrFileTooBig, err.Error())
		}
		return 0, errors.Wrapf(err, "getFile %s", fileID)
	}
	total := int64(f.FileSize)

	// a local Bot API server in --local mode hands out absolute paths
	if filepath.IsAbs(f.FilePath) {
		if _, err := os.Stat(f.FilePath); err == nil {
			return copyLocal(ctx, f.FilePath, dst, total, onProgress)
		}
	}
	return b.download(ctx, fmt.Sprintf(b.fileEndpoint, b.token, f.FilePath), dst, total, onProgress)
}

func (b *Bot) download(ctx context.Context, url, dst string, total int64, onProgress func(current, total int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "building download request")
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "downloading file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("downloading file: status %d", resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	return writeFile(ctx, resp.Body, dst, total, onProgress)
}

func copyLocal(ctx context.Context, src, dst string, total int64, onProgress func(current, total int64)) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Wrapf(err, "opening %s", src)
	}
	defer in.Close()
	return writeFile(ctx, in, dst, total, onProgress)
}

func writeFile(ctx context.Context, r io.Reader, dst string, total int64, onProgress func(current, total int64)) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %s", dst)
	}
	cw := &countingWriter{ctx: ctx, w: out, total: total, fn: onProgress}
	n, err := io.Copy(cw, r)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, errors.Wrapf(err, "writing %s", dst)
	}
	return n, nil
}

type countingWriter struct {
	ctx   context.Context
	w     io.Writer
	n     int64
	total int64
	fn    func(current, total int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	if c.fn != nil && n > 0 {
		c.fn(c.n, c.total)
	}
	return n, err
}

// ToMessage converts an inbound update message. It returns false for
// messages without a sender, such as channel posts.
func ToMessage(m *tgbotapi.Message) (conversation.Message, bool) {
	if m == nil || m.From == nil || m.Chat == nil {
		return conversation.Message{}, false
	}
	out := conversation.Message{
		UserID: m.From.ID,
		ChatID: m.Chat.ID,
		Text:   m.Text,
	}
	switch {
	case m.Video != nil:
		out.Attachment = &conversation.Attachment{
			Kind:     conversation.AttachmentVideo,
			FileID:   m.Video.FileID,
			FileName: m.Video.FileName,
			MimeType: m.Video.MimeType,
			FileSize: int64(m.Video.FileSize),
		}
	case m.Document != nil:
		out.Attachment = &conversation.Attachment{
			Kind:     conversation.AttachmentDocument,
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			FileSize: int64(m.Document.FileSize),
		}
	case m.Audio != nil, m.Voice != nil, m.VideoNote != nil, m.Animation != nil, len(m.Photo) > 0, m.Sticker != nil:
		out.Attachment = &conversation.Attachment{Kind: conversation.AttachmentOther}
	}
	if out.Attachment != nil && out.Text == "" {
		out.Text = m.Caption
	}
	return out, true
}

// MessageSink renders progress snapshots into one status message.
type MessageSink struct {
	ctx       context.Context
	bot       *Bot
	chatID    int64
	messageID int
}

func NewMessageSink(ctx context.Context, bot *Bot, chatID int64, messageID int) *MessageSink {
	return &MessageSink{ctx: ctx, bot: bot, chatID: chatID, messageID: messageID}
}

func (s *MessageSink) Report(snap progress.Snapshot) error {
	if s.messageID == 0 {
		return nil
	}
	return s.bot.Edit(s.ctx, s.chatID, s.messageID, progress.Render(snap))
}

// SetLogger routes tgbotapi's own logging into zerolog.
func SetLogger(l tgbotapi.BotLogger) {
	if err := tgbotapi.SetLogger(l); err != nil {
		log.Warn().Err(err).Msg("tgbotapi logger not set")
	}
}
