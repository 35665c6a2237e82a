// Package dmtest provides an in-process stand-in for the Dailymotion API.
package dmtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/wapuda/dmrelay/internal/dailymotion"
)

// Video is a video resource created through the stub.
type Video struct {
	ID          string
	URL         string
	Title       string
	Description string
	Tags        string
	Channel     string
}

// Server answers the OAuth, upload-slot, transfer and create endpoints.
// Fields may be changed between requests; they are read under the lock.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// Accepted is the only credential set the token endpoint accepts.
	Accepted dailymotion.Credentials
	// AccessToken is handed out by the token endpoint.
	AccessToken string
	// ExpiresIn is reported with every token.
	ExpiresIn int

	// TransferFailures makes that many transfers fail with 502 before succeeding.
	TransferFailures int
	// UnauthorizedSlots makes that many slot requests answer 401.
	UnauthorizedSlots int
	// SlotStatus, when non-zero, is returned by every upload slot endpoint.
	SlotStatus int
	// CreateStatus and CreateMessage force a failure payload from the create endpoint.
	CreateStatus  int
	CreateMessage string

	calls     map[string]int
	uploaded  []int64
	videos    []Video
	blobCount int
}

// NewServer starts a stub accepting creds.
func NewServer(creds dailymotion.Credentials) *Server {
	s := &Server{
		Accepted:    creds,
		AccessToken: "stub-token",
		ExpiresIn:   36000,
		calls:       make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.HandleFunc("/file/upload", s.handleSlot)
	mux.HandleFunc("/upload", s.handleSlot)
	mux.HandleFunc("/upload-target", s.handleTransfer)
	mux.HandleFunc("/me/videos", s.handleCreate)
	mux.HandleFunc("/videos", s.handleCreate)
	s.Server = httptest.NewServer(mux)
	return s
}

// Calls returns how many requests hit path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// Videos returns the videos created so far.
func (s *Server) Videos() []Video {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Video, len(s.videos))
	copy(out, s.videos)
	return out
}

// UploadedSizes returns the byte count of every successful transfer.
func (s *Server) UploadedSizes() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.uploaded))
	copy(out, s.uploaded)
	return out
}

func (s *Server) count(r *http.Request) {
	s.mu.Lock()
	s.calls[r.URL.Path]++
	s.mu.Unlock()
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+s.AccessToken
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	got := dailymotion.Credentials{
		APIKey:    r.PostForm.Get("client_id"),
		APISecret: r.PostForm.Get("client_secret"),
		Username:  r.PostForm.Get("username"),
		Password:  r.PostForm.Get("password"),
	}
	s.mu.Lock()
	ok := r.PostForm.Get("grant_type") == "password" && got == s.Accepted
	token, expires := s.AccessToken, s.ExpiresIn
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Invalid username or password",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": token, "expires_in": expires})
}

func (s *Server) handleSlot(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	s.mu.Lock()
	status := s.SlotStatus
	unauthorized := s.UnauthorizedSlots > 0
	if unauthorized {
		s.UnauthorizedSlots--
	}
	s.mu.Unlock()

	if unauthorized || !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": map[string]string{"message": "invalid token"}})
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"upload_url":   s.URL + "/upload-target",
		"progress_url": s.URL + "/progress",
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	s.mu.Lock()
	fail := s.TransferFailures > 0
	if fail {
		s.TransferFailures--
	}
	s.mu.Unlock()

	if fail {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var size int64 = -1
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if part.FormName() == "file" {
			size, err = io.Copy(io.Discard, part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
	}
	if size < 0 {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.blobCount++
	n := s.blobCount
	s.uploaded = append(s.uploaded, size)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"url": fmt.Sprintf("%s/blobs/%d", s.URL, n)})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.count(r)
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": map[string]string{"message": "invalid token"}})
		return
	}
	s.mu.Lock()
	status, message := s.CreateStatus, s.CreateMessage
	s.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]interface{}{"error": map[string]interface{}{"code": status, "message": message}})
		return
	}
	if err := r.ParseForm(); err != nil || !strings.HasPrefix(r.PostForm.Get("url"), s.URL+"/blobs/") {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": map[string]string{"message": "missing url"}})
		return
	}

	s.mu.Lock()
	v := Video{
		ID:          fmt.Sprintf("x%05d", len(s.videos)+1),
		URL:         r.PostForm.Get("url"),
		Title:       r.PostForm.Get("title"),
		Description: r.PostForm.Get("description"),
		Tags:        r.PostForm.Get("tags"),
		Channel:     r.PostForm.Get("channel"),
	}
	s.videos = append(s.videos, v)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"id": v.ID, "title": v.Title})
}
