package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/dmrelay/internal/dailymotion"
	"github.com/wapuda/dmrelay/internal/jobs"
	"github.com/wapuda/dmrelay/internal/session"
)

const (
	uid  int64 = 1001
	chat int64 = 2002
)

var goodCreds = dailymotion.Credentials{APIKey: "key", APISecret: "secret", Username: "me@example.com", Password: "pw"}

type sent struct {
	chatID int64
	msgID  int
	text   string
	edit   bool
}

type fakeMessenger struct {
	mu     sync.Mutex
	nextID int
	out    []sent
}

func (f *fakeMessenger) Send(ctx context.Context, chatID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.out = append(f.out, sent{chatID: chatID, msgID: f.nextID, text: text})
	return f.nextID, nil
}

func (f *fakeMessenger) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{chatID: chatID, msgID: messageID, text: text, edit: true})
	return nil
}

func (f *fakeMessenger) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return ""
	}
	return f.out[len(f.out)-1].text
}

func (f *fakeMessenger) lastSent() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return sent{}
	}
	return f.out[len(f.out)-1]
}

type fakeAuth struct {
	calls int
	err   error
	// hang until the caller's context ends
	hang bool
}

func (f *fakeAuth) Token(ctx context.Context, creds dailymotion.Credentials) (string, error) {
	f.calls++
	if f.hang {
		<-ctx.Done()
		return "", &dailymotion.AuthError{Kind: dailymotion.AuthNetwork, Err: ctx.Err()}
	}
	if f.err != nil {
		return "", f.err
	}
	if creds != goodCreds {
		return "", &dailymotion.AuthError{Kind: dailymotion.AuthInvalidCredentials, Status: 400, Message: "Invalid username or password"}
	}
	return "tok", nil
}

type fakeDispatcher struct {
	jobs []jobs.UploadVideo
	err  error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job jobs.UploadVideo) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type harness struct {
	t     *testing.T
	m     *Machine
	store *session.MemoryStore
	msgr  *fakeMessenger
	auth  *fakeAuth
	disp  *fakeDispatcher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	h := &harness{
		t:     t,
		store: session.NewMemoryStore(),
		msgr:  &fakeMessenger{},
		auth:  &fakeAuth{},
		disp:  &fakeDispatcher{},
	}
	opts = append([]Option{WithIDs(func() string { return "01TESTJOB" })}, opts...)
	h.m = New(h.store, session.NewLocker(), h.msgr, h.auth, h.disp, opts...)
	return h
}

func (h *harness) text(s string) {
	h.t.Helper()
	require.NoError(h.t, h.m.Handle(context.Background(), Message{UserID: uid, ChatID: chat, Text: s}), "Handle(%q)", s)
}

func (h *harness) attach(a Attachment) {
	h.t.Helper()
	require.NoError(h.t, h.m.Handle(context.Background(), Message{UserID: uid, ChatID: chat, Attachment: &a}))
}

func (h *harness) session() *session.UserSession {
	h.t.Helper()
	s, err := h.store.Get(context.Background(), uid)
	require.NoError(h.t, err)
	return s
}

func (h *harness) step() session.Step {
	h.t.Helper()
	s := h.session()
	if s == nil {
		return ""
	}
	return s.Step
}

func (h *harness) login() {
	h.t.Helper()
	h.text("/start")
	h.text(goodCreds.APIKey)
	h.text(goodCreds.APISecret)
	h.text(goodCreds.Username)
	h.text(goodCreds.Password)
	require.Equal(h.t, session.StepAuthenticated, h.step(), "login failed")
}

var video = Attachment{Kind: AttachmentVideo, FileID: "vid-1", FileName: "clip.mp4", MimeType: "video/mp4", FileSize: 50 << 20}

func TestCredentialSequenceAuthenticates(t *testing.T) {
	h := newHarness(t)

	h.text("/start")
	require.Equal(t, session.StepWaitingAPIKey, h.step())

	steps := []struct {
		input string
		want  session.Step
	}{
		{goodCreds.APIKey, session.StepWaitingAPISecret},
		{goodCreds.APISecret, session.StepWaitingUsername},
		{goodCreds.Username, session.StepWaitingPassword},
	}
	for _, st := range steps {
		h.text(st.input)
		s := h.session()
		assert.Equal(t, st.want, s.Step, "after %q", st.input)
		assert.Nil(t, s.Credentials, "partial credentials reached the store at %s", s.Step)
	}

	h.text(goodCreds.Password)
	s := h.session()
	require.Equal(t, session.StepAuthenticated, s.Step)
	require.NotNil(t, s.Credentials)
	assert.Equal(t, goodCreds, *s.Credentials)
	assert.Empty(t, h.m.drafts, "draft should be dropped")
	assert.Contains(t, h.msgr.last(), "Authentication successful")
}

func TestCredentialAnswersMayStartWithSlash(t *testing.T) {
	creds := dailymotion.Credentials{APIKey: "/k3y", APISecret: "/s3cret", Username: "me@example.com", Password: "/pw123"}
	h := newHarness(t)

	h.text("/start")
	h.text(creds.APIKey)
	assert.Equal(t, session.StepWaitingAPISecret, h.step())
	h.text(creds.APISecret)
	h.text(creds.Username)
	h.text(creds.Password)

	// fakeAuth only accepts goodCreds, so reaching it with the slash
	// values proves they were taken as answers
	assert.Equal(t, 1, h.auth.calls)
	assert.Equal(t, session.StepIdle, h.step())
	assert.NotEqual(t, textUnknownCommand, h.msgr.last())
}

func TestKnownCommandsStillWorkWhileCollectingCredentials(t *testing.T) {
	h := newHarness(t)
	h.text("/start")
	h.text("key")

	h.text("/help")
	assert.Equal(t, textHelp, h.msgr.last())
	assert.Equal(t, session.StepWaitingAPISecret, h.step())

	h.text("/credentials")
	assert.Equal(t, session.StepWaitingAPIKey, h.step())
}

func TestFailedAuthenticationResetsToIdle(t *testing.T) {
	h := newHarness(t)
	h.text("/start")
	h.text("key")
	h.text("secret")
	h.text("me@example.com")
	h.text("wrong")

	s := h.session()
	require.Equal(t, session.StepIdle, s.Step)
	assert.Nil(t, s.Credentials, "credentials should be discarded")
	assert.Contains(t, h.msgr.last(), "Invalid username or password")

	h.text("/credentials")
	assert.Equal(t, session.StepWaitingAPIKey, h.step(), "/credentials should restart entry")
}

func TestAuthenticationNetworkFailureIsAFailure(t *testing.T) {
	h := newHarness(t)
	h.auth.err = &dailymotion.AuthError{Kind: dailymotion.AuthNetwork, Err: errors.New("dial tcp: timeout")}
	h.text("/start")
	for _, v := range []string{"a", "b", "c", "d"} {
		h.text(v)
	}
	assert.Equal(t, session.StepIdle, h.step())
	assert.Contains(t, h.msgr.last(), "Could not reach Dailymotion")
}

func TestAuthenticationIsBounded(t *testing.T) {
	h := newHarness(t, WithAuthTimeout(20*time.Millisecond))
	h.auth.hang = true

	start := time.Now()
	h.text("/start")
	h.text("API Key: key\nAPI Secret: secret\nUsername: me@example.com\nPassword: pw")

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, session.StepIdle, h.step())
	assert.Contains(t, h.msgr.last(), "Could not reach Dailymotion")
}

func TestCredentialBlockInOneMessage(t *testing.T) {
	h := newHarness(t)
	h.text("/start")
	h.text("API Key: key\nAPI Secret: secret\nUsername: me@example.com\nPassword: pw")

	require.Equal(t, session.StepAuthenticated, h.step())
	assert.Equal(t, 1, h.auth.calls)
}

func TestNoSessionReplies(t *testing.T) {
	h := newHarness(t)

	h.text("hello")
	assert.Equal(t, textNoSession, h.msgr.last())
	h.text("/help")
	assert.Equal(t, textHelp, h.msgr.last())
	assert.Nil(t, h.session(), "no session should be created")
}

func TestStartResumesExistingSession(t *testing.T) {
	h := newHarness(t)
	h.text("/start")
	h.text("key")
	h.text("/start")

	assert.Equal(t, session.StepWaitingAPISecret, h.step(), "/start should keep the current step")
	assert.Contains(t, h.msgr.last(), "API Secret")
}

func TestConnectionCheck(t *testing.T) {
	t.Run("needs credentials", func(t *testing.T) {
		h := newHarness(t)
		h.text("/start")
		h.text("/test")
		// while collecting credentials /test is a command, not an API key
		assert.Equal(t, textNeedAuth, h.msgr.last())
		assert.Equal(t, session.StepWaitingAPIKey, h.step())
		assert.Zero(t, h.auth.calls)
	})

	t.Run("success edits the status message", func(t *testing.T) {
		h := newHarness(t)
		h.login()
		calls := h.auth.calls

		h.text("/test")
		last := h.msgr.lastSent()
		assert.True(t, last.edit)
		assert.Equal(t, textTestOK, last.text)
		assert.Equal(t, calls+1, h.auth.calls)
		assert.Equal(t, session.StepAuthenticated, h.step())
	})

	t.Run("failure keeps the session", func(t *testing.T) {
		h := newHarness(t)
		h.login()
		h.auth.err = &dailymotion.AuthError{Kind: dailymotion.AuthNetwork, Err: errors.New("connection reset")}

		h.text("/test")
		assert.Contains(t, h.msgr.last(), "Failed to authenticate")
		assert.Contains(t, h.msgr.last(), "Could not reach Dailymotion")
		s := h.session()
		assert.Equal(t, session.StepAuthenticated, s.Step)
		assert.NotNil(t, s.Credentials)
	})
}

func TestNonVideoDocumentRejected(t *testing.T) {
	h := newHarness(t)
	h.login()

	h.attach(Attachment{Kind: AttachmentDocument, FileID: "doc", FileName: "report.pdf", MimeType: "application/pdf"})
	assert.Equal(t, session.StepAuthenticated, h.step())
	assert.Equal(t, textNotVideo, h.msgr.last())
	assert.Nil(t, h.session().Pending)
}

func TestVideoRecognition(t *testing.T) {
	cases := []struct {
		a    Attachment
		want bool
	}{
		{Attachment{Kind: AttachmentVideo, FileID: "x"}, true},
		{Attachment{Kind: AttachmentDocument, FileID: "x", MimeType: "video/quicktime"}, true},
		{Attachment{Kind: AttachmentDocument, FileID: "x", FileName: "MOVIE.MKV"}, true},
		{Attachment{Kind: AttachmentDocument, FileID: "x", FileName: "clip.3gp", MimeType: "application/octet-stream"}, true},
		{Attachment{Kind: AttachmentDocument, FileID: "x", FileName: "notes.txt"}, false},
		{Attachment{Kind: AttachmentOther, FileID: "x", FileName: "a.mp4"}, false},
		{Attachment{Kind: AttachmentVideo}, false},
	}
	for _, tc := range cases {
		a := tc.a
		assert.Equal(t, tc.want, a.IsVideo(), "IsVideo(%+v)", tc.a)
	}
}

func TestVideoTooLargeRejected(t *testing.T) {
	h := newHarness(t, WithMaxFileSize(10<<20))
	h.login()
	h.attach(video)
	assert.Equal(t, session.StepAuthenticated, h.step())
	assert.Contains(t, h.msgr.last(), "too large")
}

func TestTitleWithoutChannelsDispatches(t *testing.T) {
	h := newHarness(t)
	h.login()

	h.text("/upload")
	require.Equal(t, session.StepWaitingVideo, h.step())
	h.attach(video)
	require.Equal(t, session.StepWaitingTitle, h.step())
	h.text("  Demo  ")

	require.Equal(t, session.StepProcessingUpload, h.step())
	require.Len(t, h.disp.jobs, 1)
	job := h.disp.jobs[0]
	assert.Equal(t, "01TESTJOB", job.JobID)
	assert.Equal(t, uid, job.UserID)
	assert.Equal(t, chat, job.ChatID)
	assert.Equal(t, "Demo", job.Title)
	assert.Empty(t, job.Channel)
	assert.Equal(t, "vid-1", job.Video.FileID)
	assert.Equal(t, goodCreds, job.Credentials)
	assert.NotZero(t, job.StatusMessageID)
}

func TestChannelSelection(t *testing.T) {
	cases := []struct {
		name       string
		input      string
		want       string
		dispatches bool
	}{
		{"skip", "skip", "", true},
		{"skip any case", "SKIP", "", true},
		{"first", "1", "alpha", true},
		{"second", "2", "beta", true},
		{"zero", "0", "", false},
		{"out of range", "3", "", false},
		{"garbage", "beta", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.login()
			h.text("/addch beta")
			h.text("/addch alpha")
			h.attach(video)
			h.text("Demo")
			require.Equal(t, session.StepWaitingChannel, h.step())

			h.text(tc.input)
			if !tc.dispatches {
				assert.Equal(t, session.StepWaitingChannel, h.step(), "expected re-prompt")
				assert.Contains(t, h.msgr.last(), "from 1 to 2")
				return
			}
			require.Len(t, h.disp.jobs, 1)
			assert.Equal(t, tc.want, h.disp.jobs[0].Channel)
		})
	}
}

func TestBusyWhileProcessing(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.attach(video)
	h.text("Demo")

	for _, in := range []string{"/upload", "hello", "/credentials", "/start", "/test"} {
		h.text(in)
		assert.Equal(t, textBusy, h.msgr.last(), "reply to %q", in)
	}
	h.attach(video)
	assert.Equal(t, textBusy, h.msgr.last(), "reply to a second video")
	h.text("/help")
	assert.Equal(t, textHelp, h.msgr.last())
	assert.Len(t, h.disp.jobs, 1, "a single upload should be in flight")
}

func TestReleaseAfterUpload(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.attach(video)
	h.text("Demo")

	require.NoError(t, h.m.Release(context.Background(), uid))
	s := h.session()
	assert.Equal(t, session.StepAuthenticated, s.Step)
	assert.Nil(t, s.Pending)
	assert.NoError(t, h.m.Release(context.Background(), 999), "releasing a missing session should be a no-op")
}

func TestDispatchFailureReleasesSession(t *testing.T) {
	h := newHarness(t)
	h.disp.err = errors.New("redis: connection refused")
	h.login()
	h.attach(video)
	err := h.m.Handle(context.Background(), Message{UserID: uid, ChatID: chat, Text: "Demo"})
	require.Error(t, err)

	s := h.session()
	assert.Equal(t, session.StepAuthenticated, s.Step)
	assert.Nil(t, s.Pending)
	assert.Contains(t, h.msgr.last(), "Could not start the upload")
}

func TestAddChannelAndList(t *testing.T) {
	h := newHarness(t)
	h.text("/start")
	h.text("/addch news")
	assert.Equal(t, textNeedAuth, h.msgr.last(), "/addch should need authentication")

	h.text("/credentials")
	h.text("API Key: key\nAPI Secret: secret\nUsername: me@example.com\nPassword: pw")
	h.text("/addch")
	assert.Equal(t, textAddChUsage, h.msgr.last())
	h.text("/addch news")
	h.text("/addch@dmrelay_bot news")
	assert.Contains(t, h.msgr.last(), "already")
	h.text("/addch auto")
	h.text("/list")
	assert.Contains(t, h.msgr.last(), "1. `auto`")
	assert.Contains(t, h.msgr.last(), "2. `news`")
	assert.Len(t, h.session().Channels, 2)
}

func TestCredentialsCommandDiscardsStoredCredentials(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.text("/credentials")
	s := h.session()
	assert.Equal(t, session.StepWaitingAPIKey, s.Step)
	assert.Nil(t, s.Credentials)
}

func TestRestartMidEntryStartsOver(t *testing.T) {
	h := newHarness(t)
	h.text("/start")
	h.text("key")
	h.text("secret")
	h.text("user")

	// a new machine over the same store has lost the draft
	h.m = New(h.store, session.NewLocker(), h.msgr, h.auth, h.disp, WithClock(func() time.Time { return time.Unix(0, 0) }))
	h.text("pw")
	assert.Equal(t, session.StepWaitingAPIKey, h.step(), "entry should restart")
	assert.Zero(t, h.auth.calls, "incomplete credentials must not be authenticated")
}

func TestCommandParsing(t *testing.T) {
	cases := []struct {
		in, name, args string
		ok             bool
	}{
		{"/start", "start", "", true},
		{"/AddCh  x1y2 ", "addch", "x1y2", true},
		{"/list@dmrelay_bot", "list", "", true},
		{"/pw123", "pw123", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tc := range cases {
		name, args, ok := command(tc.in)
		assert.Equal(t, tc.name, name, "command(%q) name", tc.in)
		assert.Equal(t, tc.args, args, "command(%q) args", tc.in)
		assert.Equal(t, tc.ok, ok, "command(%q) ok", tc.in)
	}
}
