package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wapuda/dmrelay/internal/dailymotion"
)

var fullCreds = &dailymotion.Credentials{APIKey: "k", APISecret: "s", Username: "u", Password: "p"}

func TestAddChannelKeepsSortedSet(t *testing.T) {
	s := New(1, 1, time.Now())
	for _, c := range []string{"news", "music", " news ", "", "auto"} {
		s.AddChannel(c)
	}
	assert.Equal(t, []string{"auto", "music", "news"}, s.Channels)
	assert.False(t, s.AddChannel("music"), "duplicate add must report false")
}

func TestNormalize(t *testing.T) {
	pending := &PendingVideo{FileID: "f", Title: "t"}
	cases := []struct {
		name     string
		in       UserSession
		want     Step
		keepsPen bool
	}{
		{"idle stays", UserSession{Step: StepIdle}, StepIdle, false},
		{"credential prompt restarts", UserSession{Step: StepWaitingPassword}, StepWaitingAPIKey, false},
		{"processing releases", UserSession{Step: StepProcessingUpload, Credentials: fullCreds, Pending: pending}, StepAuthenticated, false},
		{"title without pending", UserSession{Step: StepWaitingTitle, Credentials: fullCreds}, StepAuthenticated, false},
		{"title with pending", UserSession{Step: StepWaitingTitle, Credentials: fullCreds, Pending: pending}, StepWaitingTitle, true},
		{"channel without channels", UserSession{Step: StepWaitingChannel, Credentials: fullCreds, Pending: pending}, StepAuthenticated, false},
		{"channel with channels", UserSession{Step: StepWaitingChannel, Credentials: fullCreds, Pending: pending, Channels: []string{"a"}}, StepWaitingChannel, true},
		{"authenticated without creds", UserSession{Step: StepAuthenticated}, StepIdle, false},
		{"partial creds dropped", UserSession{Step: StepWaitingVideo, Credentials: &dailymotion.Credentials{APIKey: "k"}}, StepIdle, false},
		{"unknown step", UserSession{Step: "uploading", Credentials: fullCreds}, StepIdle, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.in.Clone()
			s.Normalize()
			assert.Equal(t, tc.want, s.Step)
			assert.Equal(t, tc.keepsPen, s.Pending != nil, "pending = %+v", s.Pending)
			assert.True(t, s.Step.Valid(), "normalized step %q is not valid", s.Step)
		})
	}
}

func TestReleaseReturnsToAuthenticated(t *testing.T) {
	s := &UserSession{Step: StepProcessingUpload, Credentials: fullCreds, Pending: &PendingVideo{FileID: "f"}}
	s.Release(time.Now())
	assert.Equal(t, StepAuthenticated, s.Step)
	assert.Nil(t, s.Pending)
}

func TestCloneIsDeep(t *testing.T) {
	s := &UserSession{Credentials: &dailymotion.Credentials{APIKey: "k"}, Channels: []string{"a"}, Pending: &PendingVideo{Title: "x"}}
	c := s.Clone()
	c.Credentials.APIKey = "changed"
	c.Channels[0] = "b"
	c.Pending.Title = "y"
	assert.Equal(t, "k", s.Credentials.APIKey)
	assert.Equal(t, "a", s.Channels[0])
	assert.Equal(t, "x", s.Pending.Title)
}

func TestLockerSerializesPerUser(t *testing.T) {
	l := NewLocker()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(7)
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen, "at most one holder at a time")
	assert.Zero(t, l.Len(), "lock entries should be dropped")
}

func TestLockerIndependentUsers(t *testing.T) {
	l := NewLocker()
	unlock := l.Lock(1)
	done := make(chan struct{})
	go func() {
		l.Lock(2)()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for another user blocked")
	}
	unlock()
}
