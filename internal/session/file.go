package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileStore keeps every session in memory and writes the whole set to a
// single JSON object keyed by user id after each change.
type FileStore struct {
	path string

	mu       sync.RWMutex
	sessions map[int64]*UserSession
}

// NewFileStore loads path if it exists. A missing file is an empty store.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	fs := &FileStore{path: path, sessions: make(map[int64]*UserSession)}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return fs, nil
	case err != nil:
		return nil, errors.Wrapf(err, "reading %s", path)
	case len(raw) == 0:
		return fs, nil
	}

	var doc map[string]*UserSession
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	for k, s := range doc {
		if s == nil {
			continue
		}
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			log.Warn().Str("key", k).Str("path", path).Msg("skipping session with non-numeric key")
			continue
		}
		s.UserID = id
		fs.sessions[id] = s
	}
	log.Debug().Int("sessions", len(fs.sessions)).Str("path", path).Msg("session file loaded")
	return fs, nil
}

func (f *FileStore) Get(ctx context.Context, userID int64) (*UserSession, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sessions[userID].Clone(), nil
}

func (f *FileStore) Put(ctx context.Context, s *UserSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.sessions[s.UserID]
	f.sessions[s.UserID] = s.Clone()
	if err := f.flushLocked(); err != nil {
		if prev == nil {
			delete(f.sessions, s.UserID)
		} else {
			f.sessions[s.UserID] = prev
		}
		return err
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.sessions[userID]
	if !ok {
		return nil
	}
	delete(f.sessions, userID)
	if err := f.flushLocked(); err != nil {
		f.sessions[userID] = prev
		return err
	}
	return nil
}

func (f *FileStore) List(ctx context.Context) ([]*UserSession, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*UserSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Clone())
	}
	sortByUser(out)
	return out, nil
}

// Close writes the current state one last time.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked()
}

// flushLocked replaces the file atomically through a temp file in the same directory.
func (f *FileStore) flushLocked() error {
	doc := make(map[string]*UserSession, len(f.sessions))
	for id, s := range f.sessions {
		doc[key(id)] = s
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding sessions")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp session file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "syncing %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrapf(err, "replacing %s", f.path)
	}
	return nil
}
