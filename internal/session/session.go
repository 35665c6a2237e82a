// Package session holds per-user conversation state and the stores that persist it.
package session

import (
	"sort"
	"strings"
	"time"

	"github.com/wapuda/dmrelay/internal/dailymotion"
)

// Step is the conversation position of a user. The set is closed.
type Step string

const (
	StepIdle             Step = "idle"
	StepWaitingAPIKey    Step = "waiting_api_key"
	StepWaitingAPISecret Step = "waiting_api_secret"
	StepWaitingUsername  Step = "waiting_username"
	StepWaitingPassword  Step = "waiting_password"
	StepAuthenticated    Step = "authenticated"
	StepWaitingVideo     Step = "waiting_video"
	StepWaitingTitle     Step = "waiting_title"
	StepWaitingChannel   Step = "waiting_channel"
	StepProcessingUpload Step = "processing_upload"
)

// Steps lists every valid step.
var Steps = []Step{
	StepIdle,
	StepWaitingAPIKey,
	StepWaitingAPISecret,
	StepWaitingUsername,
	StepWaitingPassword,
	StepAuthenticated,
	StepWaitingVideo,
	StepWaitingTitle,
	StepWaitingChannel,
	StepProcessingUpload,
}

func (s Step) Valid() bool {
	for _, v := range Steps {
		if s == v {
			return true
		}
	}
	return false
}

// CollectingCredentials reports whether s is one of the credential prompts.
func (s Step) CollectingCredentials() bool {
	switch s {
	case StepWaitingAPIKey, StepWaitingAPISecret, StepWaitingUsername, StepWaitingPassword:
		return true
	}
	return false
}

// PendingVideo is the video a user sent and is describing.
type PendingVideo struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	Title    string `json:"title,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// UserSession is everything remembered about one Telegram user.
type UserSession struct {
	UserID      int64                    `json:"user_id"`
	ChatID      int64                    `json:"chat_id"`
	Step        Step                     `json:"step"`
	Credentials *dailymotion.Credentials `json:"credentials,omitempty"`
	Channels    []string                 `json:"channels,omitempty"`
	Pending     *PendingVideo            `json:"pending,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// New returns a session at the first credential prompt.
func New(userID, chatID int64, now time.Time) *UserSession {
	return &UserSession{
		UserID:    userID,
		ChatID:    chatID,
		Step:      StepWaitingAPIKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Authenticated reports whether validated credentials are present.
func (s *UserSession) Authenticated() bool {
	return s.Credentials != nil && s.Credentials.Complete()
}

// AddChannel inserts id into the channel set and reports whether it was new.
func (s *UserSession) AddChannel(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	i := sort.SearchStrings(s.Channels, id)
	if i < len(s.Channels) && s.Channels[i] == id {
		return false
	}
	s.Channels = append(s.Channels, "")
	copy(s.Channels[i+1:], s.Channels[i:])
	s.Channels[i] = id
	return true
}

// Release returns the session to the authenticated step and drops the pending video.
func (s *UserSession) Release(now time.Time) {
	s.Pending = nil
	if s.Authenticated() {
		s.Step = StepAuthenticated
	} else {
		s.Step = StepIdle
	}
	s.UpdatedAt = now
}

// Normalize repairs a session loaded from storage whose step no longer
// matches its fields, and reports whether anything changed. Partial
// credentials are never stored, so a credential prompt restarts from the key.
func (s *UserSession) Normalize() bool {
	before := s.Step

	if s.Credentials != nil && !s.Credentials.Complete() {
		s.Credentials = nil
	}
	s.Channels = dedupSorted(s.Channels)

	switch s.Step {
	case StepIdle, StepWaitingAPIKey:
	case StepWaitingAPISecret, StepWaitingUsername, StepWaitingPassword:
		s.Step = StepWaitingAPIKey
	case StepAuthenticated, StepWaitingVideo:
		if !s.Authenticated() {
			s.Step = StepIdle
		}
	case StepWaitingTitle:
		if s.Pending == nil {
			s.Step = StepAuthenticated
		}
		if !s.Authenticated() {
			s.Step = StepIdle
		}
	case StepWaitingChannel:
		if s.Pending == nil || len(s.Channels) == 0 {
			s.Pending = nil
			s.Step = StepAuthenticated
		}
		if !s.Authenticated() {
			s.Step = StepIdle
		}
	case StepProcessingUpload:
		s.Pending = nil
		s.Step = StepAuthenticated
		if !s.Authenticated() {
			s.Step = StepIdle
		}
	default:
		s.Step = StepIdle
	}
	if s.Step != StepWaitingTitle && s.Step != StepWaitingChannel {
		s.Pending = nil
	}
	return before != s.Step
}

func dedupSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (s *UserSession) Clone() *UserSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Credentials != nil {
		creds := *s.Credentials
		c.Credentials = &creds
	}
	if s.Channels != nil {
		c.Channels = append([]string(nil), s.Channels...)
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return &c
}
