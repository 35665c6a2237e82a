package jobs

import (
	"encoding/json"

	"github.com/oklog/ulid/v2"

	"github.com/wapuda/dmrelay/internal/dailymotion"
)

const (
	TaskUploadVideo = "upload:video"
	QueueUploads    = "uploads"
)

type Video struct {
	FileID   string `json:"file_id"`             // Telegram file_id
	FileName string `json:"file_name,omitempty"` // optional, documents only
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"` // as reported by Telegram, may be 0
}

type UploadVideo struct {
	JobID           string                  `json:"job_id"` // ULID, also names the scratch file
	UserID          int64                   `json:"user_id"`
	ChatID          int64                   `json:"chat_id"`
	StatusMessageID int                     `json:"status_message_id"` // message edited with progress
	Video           Video                   `json:"video"`
	Title           string                  `json:"title"`
	Channel         string                  `json:"channel,omitempty"`
	Credentials     dailymotion.Credentials `json:"credentials"`
}

func (p UploadVideo) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func UnmarshalUploadVideo(b []byte) (UploadVideo, error) {
	var p UploadVideo
	err := json.Unmarshal(b, &p)
	return p, err
}

// NewID returns a fresh ULID string. IDs from one process are strictly
// increasing, even within the same millisecond.
func NewID() string {
	return ulid.Make().String()
}
