package conversation

import (
	"path/filepath"
	"strings"
)

type AttachmentKind int

const (
	AttachmentVideo AttachmentKind = iota + 1
	AttachmentDocument
	AttachmentOther
)

// Attachment is a file that came with a message.
type Attachment struct {
	Kind     AttachmentKind
	FileID   string
	FileName string
	MimeType string
	FileSize int64
}

// Message is an inbound chat message reduced to what the bot reacts to.
type Message struct {
	UserID     int64
	ChatID     int64
	Text       string
	Attachment *Attachment
}

var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".wmv": true, ".flv": true,
	".webm": true, ".m4v": true, ".3gp": true, ".mpg": true, ".mpeg": true,
}

// IsVideo reports whether a is something the bot can upload.
func (a *Attachment) IsVideo() bool {
	if a == nil || a.FileID == "" {
		return false
	}
	switch a.Kind {
	case AttachmentVideo:
		return true
	case AttachmentDocument:
		if strings.HasPrefix(strings.ToLower(a.MimeType), "video/") {
			return true
		}
		return videoExtensions[strings.ToLower(filepath.Ext(a.FileName))]
	}
	return false
}

// command splits "/addch@mybot  x123" into ("addch", "x123").
func command(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	name, args, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// parseCredentialBlock reads "API Key: …" style lines. It returns false
// unless all four fields are present and non-empty.
func parseCredentialBlock(text string) (key, secret, user, pass string, ok bool) {
	fields := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		k = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), " ", "_")
		fields[k] = strings.TrimSpace(v)
	}
	key, secret, user, pass = fields["api_key"], fields["api_secret"], fields["username"], fields["password"]
	ok = key != "" && secret != "" && user != "" && pass != ""
	return
}
