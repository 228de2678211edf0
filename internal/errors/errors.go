package errors

import (
	"errors"
	"fmt"
)

// MediaErrorCode identifies a class of playback-affecting failures.
type MediaErrorCode string

const (
	ManifestParseError      MediaErrorCode = "MANIFEST_PARSE_ERROR"
	BufferTypeUnknown       MediaErrorCode = "BUFFER_TYPE_UNKNOWN"
	BufferAppendError       MediaErrorCode = "BUFFER_APPEND_ERROR"
	BufferFullError         MediaErrorCode = "BUFFER_FULL_ERROR"
	MediaTimeBeforeManifest MediaErrorCode = "MEDIA_TIME_BEFORE_MANIFEST"
	MediaTimeAfterManifest  MediaErrorCode = "MEDIA_TIME_AFTER_MANIFEST"
)

// MediaError is an error raised by the buffering core itself.
type MediaError struct {
	Code  MediaErrorCode
	Fatal bool
	Cause error
}

func (e *MediaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *MediaError) Unwrap() error {
	return e.Cause
}

// NewMediaError builds a MediaError for the given code.
func NewMediaError(code MediaErrorCode, fatal bool, cause error) *MediaError {
	return &MediaError{Code: code, Fatal: fatal, Cause: cause}
}

// IsFatal reports whether err carries a fatal MediaError.
func IsFatal(err error) bool {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Fatal
	}
	return false
}

// NetworkError is a failure reported by the segment loader.
type NetworkError struct {
	// Status is the HTTP status code, or 0 when the failure happened
	// below the HTTP layer (connection reset, timeout, ...).
	Status int
	URL    string
	Cause  error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request for %s received status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("request for %s failed: %v", e.URL, e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// IsHTTPError reports whether the error is a NetworkError carrying the
// given HTTP status.
func (e *NetworkError) IsHTTPError(status int) bool {
	return e.Status == status
}

// HTTPStatus extracts the HTTP status from an error chain, or 0.
func HTTPStatus(err error) int {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Status
	}
	return 0
}

// ErrAborted is returned when an operation was cancelled before it could
// complete, either explicitly or because its owner went away.
var ErrAborted = errors.New("operation aborted")

// IsAborted reports whether err means the operation was cancelled rather
// than having failed.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
