// Package musicerr defines the typed failure results returned across the
// music session boundary. Callers compare with errors.Is against the
// sentinels below; the Code is stable and safe to show to the command layer.
package musicerr

import "fmt"

type Code string

const (
	NoPlayer           Code = "NO_PLAYER"
	NoTrack            Code = "NO_TRACK"
	InvalidTrack       Code = "INVALID_TRACK"
	VoiceRequired      Code = "VOICE_REQUIRED"
	DifferentVoice     Code = "DIFFERENT_VOICE"
	NoResults          Code = "NO_RESULTS"
	SearchFailed       Code = "SEARCH_FAILED"
	PlaylistError      Code = "PLAYLIST_ERROR"
	QueueFull          Code = "QUEUE_FULL"
	IndexOutOfRange    Code = "INDEX_OUT_OF_RANGE"
	TransitionBusy     Code = "TRANSITION_BUSY"
	BackendUnavailable Code = "BACKEND_UNAVAILABLE"
	RateLimited        Code = "RATE_LIMITED"
)

// Error is a failure result carrying a Code and an optional cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code, so wrapped failures compare
// equal to the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns a failure with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap attaches a code to an underlying cause.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the failure code, or "" if err is not a failure result.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

var (
	ErrNoPlayer           = &Error{Code: NoPlayer}
	ErrNoTrack            = &Error{Code: NoTrack}
	ErrInvalidTrack       = &Error{Code: InvalidTrack}
	ErrVoiceRequired      = &Error{Code: VoiceRequired}
	ErrDifferentVoice     = &Error{Code: DifferentVoice}
	ErrNoResults          = &Error{Code: NoResults}
	ErrSearchFailed       = &Error{Code: SearchFailed}
	ErrPlaylistError      = &Error{Code: PlaylistError}
	ErrQueueFull          = &Error{Code: QueueFull}
	ErrIndexOutOfRange    = &Error{Code: IndexOutOfRange}
	ErrTransitionBusy     = &Error{Code: TransitionBusy}
	ErrBackendUnavailable = &Error{Code: BackendUnavailable}
	ErrRateLimited        = &Error{Code: RateLimited}
)
