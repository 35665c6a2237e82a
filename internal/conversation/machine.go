// Package conversation drives the per-user dialogue that collects
// Dailymotion credentials and the details of each video upload.
package conversation

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wapuda/dmrelay/internal/dailymotion"
	"github.com/wapuda/dmrelay/internal/jobs"
	"github.com/wapuda/dmrelay/internal/logx"
	"github.com/wapuda/dmrelay/internal/session"
)

// Messenger sends and edits Markdown chat messages.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
}

// Authenticator validates credentials by obtaining a token.
type Authenticator interface {
	Token(ctx context.Context, creds dailymotion.Credentials) (string, error)
}

// Dispatcher starts an upload. It must not block for the upload itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, job jobs.UploadVideo) error
}

type Option func(*Machine)

// DefaultAuthTimeout bounds one credential check, retries included.
const DefaultAuthTimeout = 2 * time.Minute

// commands the machine reacts to. While credentials are being collected any
// other slash-prefixed text is an answer, not a command.
var knownCommands = map[string]bool{
	"start": true, "help": true, "credentials": true, "upload": true,
	"addch": true, "list": true, "test": true,
}

// WithMaxFileSize rejects videos larger than n bytes. Zero disables the check.
func WithMaxFileSize(n int64) Option {
	return func(m *Machine) { m.maxFileSize = n }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithAuthTimeout bounds credential checks. Zero disables the bound.
func WithAuthTimeout(d time.Duration) Option {
	return func(m *Machine) { m.authTimeout = d }
}

// WithIDs replaces the job id generator.
func WithIDs(newID func() string) Option {
	return func(m *Machine) { m.newID = newID }
}

// Machine is the conversation state machine. Handle and Release serialize
// on the per-user lock; everything else is per call.
type Machine struct {
	store      session.Store
	locker     *session.Locker
	messenger  Messenger
	auth       Authenticator
	dispatcher Dispatcher

	maxFileSize int64
	authTimeout time.Duration
	now         func() time.Time
	newID       func() string

	// partially entered credentials; never written to the store
	draftMu sync.Mutex
	drafts  map[int64]*dailymotion.Credentials
}

func New(store session.Store, locker *session.Locker, messenger Messenger, auth Authenticator, dispatcher Dispatcher, opts ...Option) *Machine {
	m := &Machine{
		store:       store,
		locker:      locker,
		messenger:   messenger,
		auth:        auth,
		dispatcher:  dispatcher,
		authTimeout: DefaultAuthTimeout,
		now:         time.Now,
		newID:       jobs.NewID,
		drafts:      make(map[int64]*dailymotion.Credentials),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Handle applies one inbound message to the sender's session.
func (m *Machine) Handle(ctx context.Context, msg Message) error {
	ctx = logx.WithUser(ctx, msg.UserID)
	unlock := m.locker.Lock(msg.UserID)
	defer unlock()

	s, err := m.store.Get(ctx, msg.UserID)
	if err != nil {
		m.reply(ctx, msg.ChatID, textInternal)
		return errors.Wrap(err, "loading session")
	}

	name, args, isCmd := command(msg.Text)

	if s == nil {
		switch {
		case isCmd && name == "start":
			s = session.New(msg.UserID, msg.ChatID, m.now())
			if err := m.save(ctx, s); err != nil {
				return err
			}
			logx.FromCtx(ctx).Info().Msg("session created")
			m.reply(ctx, msg.ChatID, textWelcome)
		case isCmd && name == "help":
			m.reply(ctx, msg.ChatID, textHelp)
		default:
			m.reply(ctx, msg.ChatID, textNoSession)
		}
		return nil
	}

	s.ChatID = msg.ChatID
	before := s.Step

	if isCmd && s.Step.CollectingCredentials() && !knownCommands[name] {
		isCmd = false
	}

	if s.Step == session.StepProcessingUpload {
		if isCmd && name == "help" {
			m.reply(ctx, msg.ChatID, textHelp)
		} else {
			m.reply(ctx, msg.ChatID, textBusy)
		}
		return nil
	}

	if isCmd {
		err = m.onCommand(ctx, s, name, args)
	} else {
		err = m.onInput(ctx, s, msg)
	}
	if s.Step != before {
		logx.FromCtx(ctx).Debug().Str("from", string(before)).Str("to", string(s.Step)).Msg("step changed")
	}
	return err
}

func (m *Machine) onCommand(ctx context.Context, s *session.UserSession, name, args string) error {
	switch name {
	case "help":
		m.reply(ctx, s.ChatID, textHelp)
		return nil

	case "list":
		m.reply(ctx, s.ChatID, textChannelList(s.Channels))
		return nil

	case "start":
		if s.Step == session.StepIdle {
			return m.restartCredentials(ctx, s, textPromptAPIKey)
		}
		m.reply(ctx, s.ChatID, textResume(s.Step))
		return nil

	case "credentials":
		switch s.Step {
		case session.StepWaitingTitle, session.StepWaitingChannel:
			m.reply(ctx, s.ChatID, textFinishFirst)
			return nil
		}
		text := textPromptAPIKey
		if s.Credentials != nil {
			text = textCredsReset
		}
		return m.restartCredentials(ctx, s, text)

	case "upload":
		switch s.Step {
		case session.StepAuthenticated, session.StepWaitingVideo:
			s.Step = session.StepWaitingVideo
			if err := m.save(ctx, s); err != nil {
				return err
			}
			m.reply(ctx, s.ChatID, textSendVideo)
		case session.StepWaitingTitle, session.StepWaitingChannel:
			m.reply(ctx, s.ChatID, textFinishFirst)
		default:
			m.reply(ctx, s.ChatID, textNeedAuth)
		}
		return nil

	case "addch":
		switch s.Step {
		case session.StepAuthenticated, session.StepWaitingVideo:
		case session.StepWaitingTitle, session.StepWaitingChannel:
			m.reply(ctx, s.ChatID, textFinishFirst)
			return nil
		default:
			m.reply(ctx, s.ChatID, textNeedAuth)
			return nil
		}
		id := strings.Fields(args)
		if len(id) == 0 {
			m.reply(ctx, s.ChatID, textAddChUsage)
			return nil
		}
		added := s.AddChannel(id[0])
		if added {
			if err := m.save(ctx, s); err != nil {
				return err
			}
		}
		m.reply(ctx, s.ChatID, textChannelAdded(id[0], added))
		return nil

	case "test":
		if !s.Authenticated() {
			m.reply(ctx, s.ChatID, textNeedAuth)
			return nil
		}
		return m.checkConnection(ctx, s)
	}

	m.reply(ctx, s.ChatID, textUnknownCommand)
	return nil
}

func (m *Machine) onInput(ctx context.Context, s *session.UserSession, msg Message) error {
	text := strings.TrimSpace(msg.Text)

	if (s.Step == session.StepWaitingTitle || s.Step == session.StepWaitingChannel) && s.Pending == nil {
		s.Release(m.now())
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.reply(ctx, s.ChatID, textAuthenticated)
		return nil
	}

	switch s.Step {
	case session.StepIdle:
		m.reply(ctx, s.ChatID, textIdle)
		return nil

	case session.StepWaitingAPIKey, session.StepWaitingAPISecret, session.StepWaitingUsername, session.StepWaitingPassword:
		if msg.Attachment != nil || text == "" {
			m.reply(ctx, s.ChatID, textNeedText)
			return nil
		}
		return m.onCredentialInput(ctx, s, text)

	case session.StepAuthenticated, session.StepWaitingVideo:
		if msg.Attachment == nil {
			if s.Step == session.StepWaitingVideo {
				m.reply(ctx, s.ChatID, textSendVideo)
			} else {
				m.reply(ctx, s.ChatID, textAuthenticated)
			}
			return nil
		}
		return m.onVideo(ctx, s, msg.Attachment)

	case session.StepWaitingTitle:
		if msg.Attachment != nil || text == "" {
			m.reply(ctx, s.ChatID, textPromptTitle)
			return nil
		}
		s.Pending.Title = text
		if len(s.Channels) > 0 {
			s.Step = session.StepWaitingChannel
			if err := m.save(ctx, s); err != nil {
				return err
			}
			m.reply(ctx, s.ChatID, textPromptChannel(s.Channels))
			return nil
		}
		return m.dispatch(ctx, s)

	case session.StepWaitingChannel:
		channel, ok := pickChannel(text, s.Channels)
		if !ok {
			m.reply(ctx, s.ChatID, textInvalidChannel(len(s.Channels)))
			return nil
		}
		s.Pending.Channel = channel
		return m.dispatch(ctx, s)

	case session.StepProcessingUpload:
		m.reply(ctx, s.ChatID, textBusy)
		return nil
	}

	logx.FromCtx(ctx).Warn().Str("step", string(s.Step)).Msg("session in unknown step, resetting")
	s.Step = session.StepIdle
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.reply(ctx, s.ChatID, textIdle)
	return nil
}

func (m *Machine) onCredentialInput(ctx context.Context, s *session.UserSession, text string) error {
	if s.Step == session.StepWaitingAPIKey {
		if key, secret, user, pass, ok := parseCredentialBlock(text); ok {
			m.dropDraft(s.UserID)
			return m.authenticate(ctx, s, dailymotion.Credentials{APIKey: key, APISecret: secret, Username: user, Password: pass})
		}
	}

	d := m.draft(s.UserID)
	var prompt string
	switch s.Step {
	case session.StepWaitingAPIKey:
		d.APIKey = text
		s.Step, prompt = session.StepWaitingAPISecret, textPromptSecret
	case session.StepWaitingAPISecret:
		d.APISecret = text
		s.Step, prompt = session.StepWaitingUsername, textPromptUsername
	case session.StepWaitingUsername:
		d.Username = text
		s.Step, prompt = session.StepWaitingPassword, textPromptPassword
	case session.StepWaitingPassword:
		d.Password = text
		creds := *d
		m.dropDraft(s.UserID)
		if !creds.Complete() {
			// the process restarted mid-entry and earlier answers are gone
			return m.restartCredentials(ctx, s, textPromptAPIKey)
		}
		return m.authenticate(ctx, s, creds)
	}
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.reply(ctx, s.ChatID, prompt)
	return nil
}

func (m *Machine) authenticate(ctx context.Context, s *session.UserSession, creds dailymotion.Credentials) error {
	statusID, _ := m.messenger.Send(ctx, s.ChatID, textCheckingCreds)

	actx, cancel := m.authContext(ctx)
	_, err := m.auth.Token(actx, creds)
	cancel()
	var text string
	if err != nil {
		logx.FromCtx(ctx).Warn().Err(err).Str("username", creds.Username).Msg("dailymotion authentication failed")
		s.Credentials = nil
		s.Step = session.StepIdle
		text = textAuthFailed(authReason(err))
	} else {
		logx.FromCtx(ctx).Info().Str("username", creds.Username).Msg("dailymotion credentials accepted")
		s.Credentials = &creds
		s.Step = session.StepAuthenticated
		text = textAuthOK
	}
	s.Pending = nil
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.replyOrEdit(ctx, s.ChatID, statusID, text)
	return nil
}

// checkConnection re-validates the stored credentials without changing the
// session.
func (m *Machine) checkConnection(ctx context.Context, s *session.UserSession) error {
	statusID, _ := m.messenger.Send(ctx, s.ChatID, textTestingAPI)

	actx, cancel := m.authContext(ctx)
	defer cancel()
	if _, err := m.auth.Token(actx, *s.Credentials); err != nil {
		logx.FromCtx(ctx).Warn().Err(err).Str("username", s.Credentials.Username).Msg("dailymotion connection check failed")
		m.replyOrEdit(ctx, s.ChatID, statusID, textTestFailed(authReason(err)))
		return nil
	}
	m.replyOrEdit(ctx, s.ChatID, statusID, textTestOK)
	return nil
}

func (m *Machine) authContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.authTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.authTimeout)
}

func authReason(err error) string {
	var ae *dailymotion.AuthError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case dailymotion.AuthInvalidCredentials:
			if ae.Message != "" {
				return "Dailymotion rejected the credentials: " + ae.Message
			}
			return "Dailymotion rejected the credentials."
		case dailymotion.AuthNetwork:
			return "Could not reach Dailymotion. Please try again later."
		case dailymotion.AuthMalformedResponse:
			return "Dailymotion returned an unexpected response."
		}
	}
	return err.Error()
}

func (m *Machine) onVideo(ctx context.Context, s *session.UserSession, a *Attachment) error {
	if !a.IsVideo() {
		m.reply(ctx, s.ChatID, textNotVideo)
		return nil
	}
	if m.maxFileSize > 0 && a.FileSize > m.maxFileSize {
		logx.FromCtx(ctx).Info().Int64("size", a.FileSize).Msg("video rejected, too large")
		m.reply(ctx, s.ChatID, textTooLarge(a.FileSize, m.maxFileSize))
		return nil
	}
	s.Pending = &session.PendingVideo{
		FileID:   a.FileID,
		FileName: a.FileName,
		MimeType: a.MimeType,
		FileSize: a.FileSize,
	}
	s.Step = session.StepWaitingTitle
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.reply(ctx, s.ChatID, textPromptTitle)
	return nil
}

func pickChannel(text string, channels []string) (string, bool) {
	if strings.EqualFold(text, "skip") {
		return "", true
	}
	n, err := strconv.Atoi(text)
	if err != nil || n < 1 || n > len(channels) {
		return "", false
	}
	return channels[n-1], true
}

// dispatch moves the session to processing_upload and hands the job over.
// The session is saved first so a fast release cannot be overwritten.
func (m *Machine) dispatch(ctx context.Context, s *session.UserSession) error {
	if s.Credentials == nil || s.Pending == nil {
		s.Release(m.now())
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.reply(ctx, s.ChatID, textNeedAuth)
		return nil
	}

	job := jobs.UploadVideo{
		JobID:  m.newID(),
		UserID: s.UserID,
		ChatID: s.ChatID,
		Video: jobs.Video{
			FileID:   s.Pending.FileID,
			FileName: s.Pending.FileName,
			MimeType: s.Pending.MimeType,
			FileSize: s.Pending.FileSize,
		},
		Title:       s.Pending.Title,
		Channel:     s.Pending.Channel,
		Credentials: *s.Credentials,
	}
	ctx = logx.WithJob(ctx, job.JobID)

	statusID, err := m.messenger.Send(ctx, s.ChatID, textQueued)
	if err != nil {
		logx.FromCtx(ctx).Warn().Err(err).Msg("status message not sent")
	}
	job.StatusMessageID = statusID

	s.Step = session.StepProcessingUpload
	if err := m.save(ctx, s); err != nil {
		return err
	}

	if err := m.dispatcher.Dispatch(ctx, job); err != nil {
		logx.FromCtx(ctx).Error().Err(err).Msg("upload dispatch failed")
		s.Release(m.now())
		if serr := m.save(ctx, s); serr != nil {
			return serr
		}
		m.replyOrEdit(ctx, s.ChatID, statusID, "❌ Could not start the upload: "+escape(err.Error()))
		return errors.Wrap(err, "dispatching upload")
	}
	logx.FromCtx(ctx).Info().Str("title", job.Title).Str("channel", job.Channel).Msg("upload dispatched")
	return nil
}

// Release returns a user's session to authenticated once an upload has
// ended, whatever its outcome.
func (m *Machine) Release(ctx context.Context, userID int64) error {
	unlock := m.locker.Lock(userID)
	defer unlock()
	return ReleaseSession(ctx, m.store, userID, m.now())
}

// ReleaseSession releases without taking a lock. Workers that share the
// store but not the bot's locker use it directly.
func ReleaseSession(ctx context.Context, store session.Store, userID int64, now time.Time) error {
	s, err := store.Get(ctx, userID)
	if err != nil {
		return errors.Wrapf(err, "loading session %d", userID)
	}
	if s == nil {
		return nil
	}
	s.Release(now)
	if err := store.Put(ctx, s); err != nil {
		return errors.Wrapf(err, "saving session %d", userID)
	}
	return nil
}

func (m *Machine) restartCredentials(ctx context.Context, s *session.UserSession, prompt string) error {
	m.dropDraft(s.UserID)
	s.Credentials = nil
	s.Pending = nil
	s.Step = session.StepWaitingAPIKey
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.reply(ctx, s.ChatID, prompt)
	return nil
}

func (m *Machine) draft(userID int64) *dailymotion.Credentials {
	m.draftMu.Lock()
	defer m.draftMu.Unlock()
	d, ok := m.drafts[userID]
	if !ok {
		d = &dailymotion.Credentials{}
		m.drafts[userID] = d
	}
	return d
}

func (m *Machine) dropDraft(userID int64) {
	m.draftMu.Lock()
	delete(m.drafts, userID)
	m.draftMu.Unlock()
}

func (m *Machine) save(ctx context.Context, s *session.UserSession) error {
	s.UpdatedAt = m.now()
	if err := m.store.Put(ctx, s); err != nil {
		logx.FromCtx(ctx).Error().Err(err).Msg("saving session failed")
		m.reply(ctx, s.ChatID, textInternal)
		return errors.Wrap(err, "saving session")
	}
	return nil
}

func (m *Machine) reply(ctx context.Context, chatID int64, text string) {
	if _, err := m.messenger.Send(ctx, chatID, text); err != nil {
		logx.FromCtx(ctx).Warn().Err(err).Int64("chat_id", chatID).Msg("reply failed")
	}
}

func (m *Machine) replyOrEdit(ctx context.Context, chatID int64, messageID int, text string) {
	if messageID != 0 {
		if err := m.messenger.Edit(ctx, chatID, messageID, text); err == nil {
			return
		}
	}
	m.reply(ctx, chatID, text)
}
