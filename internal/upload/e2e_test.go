package upload_test

import (
	"context"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/dmrelay/internal/conversation"
	"github.com/wapuda/dmrelay/internal/dailymotion"
	"github.com/wapuda/dmrelay/internal/dailymotion/dmtest"
	"github.com/wapuda/dmrelay/internal/retry"
	"github.com/wapuda/dmrelay/internal/session"
	"github.com/wapuda/dmrelay/internal/upload"
)

const (
	userID   int64 = 501
	chatID   int64 = 502
	fileSize int64 = 50 << 20
)

var creds = dailymotion.Credentials{APIKey: "k-123", APISecret: "s-456", Username: "uploader", Password: "hunter2"}

var videoURL = regexp.MustCompile(`https://www\.dailymotion\.com/video/x[0-9a-z]+`)

type chatLog struct {
	mu     sync.Mutex
	nextID int
	texts  map[int]string
	order  []int
}

func newChatLog() *chatLog { return &chatLog{texts: map[int]string{}} }

func (c *chatLog) Send(ctx context.Context, chat int64, text string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.texts[c.nextID] = text
	c.order = append(c.order, c.nextID)
	return c.nextID, nil
}

func (c *chatLog) Edit(ctx context.Context, chat int64, messageID int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts[messageID] = text
	return nil
}

// status returns the current text of the last message the bot sent.
func (c *chatLog) status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return ""
	}
	return c.texts[c.order[len(c.order)-1]]
}

// sparseFetcher produces a file of the given size without writing its bytes.
type sparseFetcher struct{ size int64 }

func (f sparseFetcher) Fetch(ctx context.Context, fileID, dst string, onProgress func(current, total int64)) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	if err := out.Truncate(f.size); err != nil {
		return 0, err
	}
	onProgress(f.size, f.size)
	return f.size, nil
}

type relay struct {
	srv     *dmtest.Server
	store   *session.MemoryStore
	chat    *chatLog
	machine *conversation.Machine
	disp    *upload.LocalDispatcher
	scratch string
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	srv := dmtest.NewServer(creds)
	t.Cleanup(srv.Close)

	r := &relay{
		srv:     srv,
		store:   session.NewMemoryStore(),
		chat:    newChatLog(),
		scratch: t.TempDir(),
	}
	policy := retry.Policy{MaxAttempts: 3, Delay: 5 * time.Millisecond, Backoff: retry.BackoffConstant}
	client := dailymotion.New(srv.URL)
	tokens := dailymotion.NewTokenCache(client, policy)

	releaser := upload.ReleaserFunc(func(ctx context.Context, uid int64) error {
		return r.machine.Release(ctx, uid)
	})
	orch := upload.NewOrchestrator(upload.Config{
		ScratchDir:       r.scratch,
		Policy:           policy,
		Tags:             []string{"telegram", "upload"},
		ProgressInterval: 10 * time.Millisecond,
	}, sparseFetcher{size: fileSize}, client, tokens, r.chat, releaser)
	r.disp = upload.NewLocalDispatcher(context.Background(), orch)
	r.machine = conversation.New(r.store, session.NewLocker(), r.chat, tokens, r.disp,
		conversation.WithMaxFileSize(2<<30))
	return r
}

func (r *relay) say(t *testing.T, msg conversation.Message) {
	t.Helper()
	msg.UserID, msg.ChatID = userID, chatID
	require.NoError(t, r.machine.Handle(context.Background(), msg))
}

func (r *relay) step(t *testing.T) session.Step {
	t.Helper()
	s, err := r.store.Get(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s.Step
}

func (r *relay) uploadDemo(t *testing.T) {
	t.Helper()
	r.say(t, conversation.Message{Text: "/start"})
	r.say(t, conversation.Message{Text: "API Key: k-123\nAPI Secret: s-456\nUsername: uploader\nPassword: hunter2"})
	require.Equal(t, session.StepAuthenticated, r.step(t), "step after credentials")
	r.say(t, conversation.Message{Attachment: &conversation.Attachment{
		Kind: conversation.AttachmentVideo, FileID: "BAACAgQ", FileName: "demo.mp4", MimeType: "video/mp4", FileSize: fileSize,
	}})
	require.Equal(t, session.StepWaitingTitle, r.step(t), "step after video")
	r.say(t, conversation.Message{Text: "Demo"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, r.disp.Wait(ctx), "upload did not finish")
}

func (r *relay) assertClean(t *testing.T) {
	t.Helper()
	assert.Equal(t, session.StepAuthenticated, r.step(t), "step after upload")
	entries, err := os.ReadDir(r.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory not empty")
}

func TestEndToEndUpload(t *testing.T) {
	r := newRelay(t)
	r.uploadDemo(t)

	videos := r.srv.Videos()
	require.Len(t, videos, 1)
	assert.Equal(t, "Demo", videos[0].Title)
	assert.Equal(t, []int64{fileSize}, r.srv.UploadedSizes())
	assert.Regexp(t, videoURL, r.chat.status(), "final status has no video link")
	r.assertClean(t)
}

func TestEndToEndTransientTransferFailure(t *testing.T) {
	r := newRelay(t)
	r.srv.TransferFailures = 2
	r.uploadDemo(t)

	assert.Equal(t, 3, r.srv.Calls("/upload-target"))
	assert.Len(t, r.srv.Videos(), 1, "video not created after retries")
	r.assertClean(t)
}

func TestEndToEndGivesUpAfterBound(t *testing.T) {
	r := newRelay(t)
	r.srv.TransferFailures = 10
	r.uploadDemo(t)

	assert.Equal(t, 3, r.srv.Calls("/upload-target"))
	assert.Empty(t, r.srv.Videos(), "no video should be created")
	assert.NotRegexp(t, videoURL, r.chat.status(), "failure reported as success")
	r.assertClean(t)
}
