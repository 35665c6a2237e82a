package dailymotion

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrUnauthorized means the bearer token was rejected and must be re-acquired.
var ErrUnauthorized = errors.New("dailymotion: access token rejected")

type AuthErrorKind int

const (
	AuthNetwork AuthErrorKind = iota + 1
	AuthInvalidCredentials
	AuthMalformedResponse
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthNetwork:
		return "network"
	case AuthInvalidCredentials:
		return "invalid_credentials"
	case AuthMalformedResponse:
		return "malformed_response"
	}
	return "unknown"
}

// AuthError is returned by Authenticate.
type AuthError struct {
	Kind    AuthErrorKind
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	msg := "dailymotion auth: " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

type UploadErrorKind int

const (
	UploadNoEndpoint UploadErrorKind = iota + 1
	UploadNetwork
	UploadServerRejected
)

func (k UploadErrorKind) String() string {
	switch k {
	case UploadNoEndpoint:
		return "no_endpoint_available"
	case UploadNetwork:
		return "network"
	case UploadServerRejected:
		return "server_rejected"
	}
	return "unknown"
}

// UploadError covers the upload slot, the file transfer and unclassified
// failures of the create call.
type UploadError struct {
	Kind     UploadErrorKind
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *UploadError) Error() string {
	msg := "dailymotion upload: " + e.Kind.String()
	if e.Endpoint != "" {
		msg += " [" + e.Endpoint + "]"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UploadError) Unwrap() error { return e.Err }

type CreationErrorKind int

const (
	CreationDurationExceeded CreationErrorKind = iota + 1
	CreationQuotaExceeded
	CreationForbidden
	CreationMissingID
)

func (k CreationErrorKind) String() string {
	switch k {
	case CreationDurationExceeded:
		return "duration_exceeded"
	case CreationQuotaExceeded:
		return "quota_exceeded"
	case CreationForbidden:
		return "access_forbidden"
	case CreationMissingID:
		return "missing_id"
	}
	return "unknown"
}

// CreationError is a classified failure of the video-creation call.
type CreationError struct {
	Kind    CreationErrorKind
	Message string
}

func (e *CreationError) Error() string {
	if e.Message == "" {
		return "dailymotion create: " + e.Kind.String()
	}
	return "dailymotion create: " + e.Kind.String() + ": " + e.Message
}

// Retryable reports whether err is a transient failure worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind == AuthNetwork
	}
	var ue *UploadError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case UploadNetwork, UploadNoEndpoint:
			return true
		case UploadServerRejected:
			return ue.Status >= http.StatusInternalServerError || ue.Status == http.StatusTooManyRequests
		}
		return false
	}
	var ce *CreationError
	if errors.As(err, &ce) {
		return ce.Kind == CreationMissingID
	}
	return false
}
