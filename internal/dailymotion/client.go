package dailymotion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL      = "https://api.dailymotion.com"
	DefaultScope        = "manage_videos"
	DefaultVideoURLBase = "https://www.dailymotion.com/video/"
	DefaultCallTimeout  = 30 * time.Second

	// bodies kept for error messages are truncated to this size
	maxErrorBody = 4 << 10
	// TransferFile reports progress at most once per step
	defaultProgressStep = 1 << 20
)

var (
	defaultUploadPaths = []string{"/file/upload", "/upload"}
	defaultCreatePaths = []string{"/me/videos", "/videos"}
)

// Credentials is the all-or-nothing set of values needed for a password grant.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Complete reports whether every field is set.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.APISecret != "" && c.Username != "" && c.Password != ""
}

// Fingerprint identifies a credential set without exposing it.
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	for _, v := range []string{c.APIKey, c.APISecret, c.Username, c.Password} {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Token is a bearer token obtained through the password grant.
type Token struct {
	AccessToken string
	ExpiresIn   int
	ObtainedAt  time.Time
}

// Expired reports whether the token should no longer be used at now.
// Tokens without expires_in never expire on their own.
func (t Token) Expired(now time.Time) bool {
	if t.ExpiresIn <= 0 {
		return false
	}
	return now.After(t.ObtainedAt.Add(time.Duration(t.ExpiresIn)*time.Second - time.Minute))
}

// VideoMeta is the metadata posted when creating the video resource.
type VideoMeta struct {
	URL         string
	Title       string
	Description string
	Tags        []string
	Channel     string
}

// ProgressFunc receives cumulative bytes sent and the total size.
type ProgressFunc func(current, total int64)

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type slotResponse struct {
	UploadURL   string `json:"upload_url"`
	ProgressURL string `json:"progress_url"`
}

type transferResponse struct {
	URL     string `json:"url"`
	FileURL string `json:"file_url"`
}

type videoResponse struct {
	ID string `json:"id"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Client talks to the Dailymotion REST API. It holds no per-user state.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	scope        string
	uploadPaths  []string
	createPaths  []string
	progressStep int64
	// bounds every API call except the file transfer
	callTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithScope(scope string) Option {
	return func(c *Client) {
		if scope != "" {
			c.scope = scope
		}
	}
}

// WithProgressStep sets the minimum number of bytes between progress callbacks.
func WithProgressStep(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.progressStep = n
		}
	}
}

// WithCallTimeout bounds token, upload slot and video creation requests.
// Zero leaves them bounded only by the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Minute,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		scope:        DefaultScope,
		uploadPaths:  defaultUploadPaths,
		createPaths:  defaultCreatePaths,
		progressStep: defaultProgressStep,
		callTimeout:  DefaultCallTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Authenticate performs the OAuth2 password grant.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {creds.APIKey},
		"client_secret": {creds.APISecret},
		"username":      {creds.Username},
		"password":      {creds.Password},
		"scope":         {c.scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, &AuthError{Kind: AuthNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, &AuthError{Kind: AuthNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return Token{}, &AuthError{Kind: AuthNetwork, Status: resp.StatusCode, Err: err}
	}

	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return Token{}, &AuthError{Kind: AuthNetwork, Status: resp.StatusCode, Message: truncate(body)}
	case resp.StatusCode != http.StatusOK:
		msg := tr.ErrorDescription
		if msg == "" {
			msg = tr.Error
		}
		if msg == "" {
			msg = truncate(body)
		}
		return Token{}, &AuthError{Kind: AuthInvalidCredentials, Status: resp.StatusCode, Message: msg}
	case decodeErr != nil:
		return Token{}, &AuthError{Kind: AuthMalformedResponse, Status: resp.StatusCode, Err: decodeErr}
	case tr.AccessToken == "":
		return Token{}, &AuthError{Kind: AuthMalformedResponse, Status: resp.StatusCode, Message: "access_token missing"}
	}

	log.Debug().Str("username", creds.Username).Msg("dailymotion token obtained")
	return Token{AccessToken: tr.AccessToken, ExpiresIn: tr.ExpiresIn, ObtainedAt: time.Now()}, nil
}

// RequestUploadSlot asks the known upload endpoints, in order, for an upload URL.
func (c *Client) RequestUploadSlot(ctx context.Context, token string) (string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	var lastErr error
	for _, p := range c.uploadPaths {
		endpoint := c.baseURL + p
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", errors.Wrap(err, "building upload slot request")
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", &UploadError{Kind: UploadNetwork, Endpoint: endpoint, Err: err}
			}
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("upload slot endpoint failed")
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return "", ErrUnauthorized
		}
		if resp.StatusCode != http.StatusOK {
			log.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("upload slot endpoint rejected")
			lastErr = fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
			continue
		}
		var slot slotResponse
		if err := json.Unmarshal(body, &slot); err != nil || slot.UploadURL == "" {
			lastErr = fmt.Errorf("%s: no upload_url in response", endpoint)
			continue
		}
		return slot.UploadURL, nil
	}
	return "", &UploadError{Kind: UploadNoEndpoint, Err: lastErr}
}

// TransferFile streams the file at path to uploadURL as multipart form data
// and returns the remote URL of the uploaded blob.
func (c *Client) TransferFile(ctx context.Context, uploadURL, path string, onProgress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(err, "stat %s", path)
	}
	size := info.Size()

	var envelope bytes.Buffer
	mw := multipart.NewWriter(&envelope)
	if _, err := mw.CreateFormFile("file", filepath.Base(path)); err != nil {
		return "", errors.Wrap(err, "creating form file")
	}
	headLen := envelope.Len()
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "closing multipart writer")
	}
	raw := envelope.Bytes()
	head, tail := raw[:headLen], raw[headLen:]

	pr := &progressReader{r: f, total: size, step: c.progressStep, fn: onProgress}
	body := io.MultiReader(bytes.NewReader(head), pr, bytes.NewReader(tail))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return "", &UploadError{Kind: UploadNetwork, Endpoint: uploadURL, Err: err}
	}
	req.ContentLength = int64(len(head)) + size + int64(len(tail))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &UploadError{Kind: UploadNetwork, Endpoint: uploadURL, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", &UploadError{Kind: UploadNetwork, Endpoint: uploadURL, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UploadError{Kind: UploadServerRejected, Endpoint: uploadURL, Status: resp.StatusCode, Body: truncate(respBody)}
	}

	var tr transferResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", &UploadError{Kind: UploadServerRejected, Endpoint: uploadURL, Status: resp.StatusCode, Body: truncate(respBody), Err: err}
	}
	remote := tr.URL
	if remote == "" {
		remote = tr.FileURL
	}
	if remote == "" {
		return "", &UploadError{Kind: UploadServerRejected, Endpoint: uploadURL, Status: resp.StatusCode, Body: "no url in upload response"}
	}
	return remote, nil
}

// CreateVideo creates the video resource for an uploaded blob and returns its id.
func (c *Client) CreateVideo(ctx context.Context, token string, meta VideoMeta) (string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	form := url.Values{
		"url":         {meta.URL},
		"title":       {meta.Title},
		"description": {meta.Description},
		"tags":        {strings.Join(meta.Tags, ",")},
		"published":   {"true"},
	}
	if meta.Channel != "" {
		form.Set("channel", meta.Channel)
	}
	encoded := form.Encode()

	var lastErr error
	for _, p := range c.createPaths {
		endpoint := c.baseURL + p
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return "", errors.Wrap(err, "building create request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", &UploadError{Kind: UploadNetwork, Endpoint: endpoint, Err: err}
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			var vr videoResponse
			if err := json.Unmarshal(body, &vr); err != nil || vr.ID == "" {
				return "", &CreationError{Kind: CreationMissingID, Message: truncate(body)}
			}
			return vr.ID, nil
		case resp.StatusCode == http.StatusUnauthorized:
			return "", ErrUnauthorized
		case resp.StatusCode == http.StatusForbidden:
			return "", classifyForbidden(body)
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
			log.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("create endpoint unavailable, trying next")
			lastErr = &UploadError{Kind: UploadServerRejected, Endpoint: endpoint, Status: resp.StatusCode, Body: truncate(body)}
		default:
			return "", &UploadError{Kind: UploadServerRejected, Endpoint: endpoint, Status: resp.StatusCode, Body: truncate(body)}
		}
	}
	if lastErr == nil {
		lastErr = &UploadError{Kind: UploadNoEndpoint}
	}
	return "", lastErr
}

func classifyForbidden(body []byte) *CreationError {
	msg := truncate(body)
	var ae apiErrorResponse
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Message != "" {
		msg = ae.Error.Message
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "duration"):
		return &CreationError{Kind: CreationDurationExceeded, Message: msg}
	case strings.Contains(lower, "quota") || strings.Contains(lower, "limit"):
		return &CreationError{Kind: CreationQuotaExceeded, Message: msg}
	default:
		return &CreationError{Kind: CreationForbidden, Message: msg}
	}
}

// VideoURL builds the public page URL for a video id.
func VideoURL(base, id string) string {
	if base == "" {
		base = DefaultVideoURLBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + id
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512] + "…"
	}
	return s
}

type progressReader struct {
	r        io.Reader
	sent     int64
	total    int64
	step     int64
	reported int64
	fn       ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if p.fn != nil && n > 0 {
		if p.sent-p.reported >= p.step || p.sent == p.total {
			p.reported = p.sent
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
