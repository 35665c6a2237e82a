package jobs

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsULID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEqual(t, a, b)
	_, err := ulid.ParseStrict(a)
	assert.NoError(t, err, "expected a valid ULID, got %q", a)
}

func TestNewIDUniqueUnderBurst(t *testing.T) {
	const n = 2000
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				ids <- NewID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		require.False(t, seen[id], "duplicate job id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestNewIDIncreasesWithinOneProcess(t *testing.T) {
	prev := NewID()
	for i := 0; i < 500; i++ {
		next := NewID()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestUploadVideoPayloadKeepsCredentials(t *testing.T) {
	p := UploadVideo{JobID: NewID(), UserID: 1, Title: "Demo"}
	p.Credentials.Password = "secret"
	b, err := p.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalUploadVideo(b)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Credentials.Password)
	assert.Equal(t, "Demo", got.Title)
}
