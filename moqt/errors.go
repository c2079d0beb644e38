package moqt

import "fmt"

// ErrorCode identifies the semantic kind of a protocol error. The same code is
// used on stream RESETs and on session CLOSE, mirroring how gomoqt's
// moqt.NoError/moqt.SessionErrorText are used by callers in this repo.
type ErrorCode uint32

const (
	NoErrorCode ErrorCode = iota
	InternalErrorCode
	NotFoundErrorCode
	DuplicateErrorCode
	CancelErrorCode
	OldGroupErrorCode
	WrongSizeErrorCode
	TimeoutErrorCode
	VersionErrorCode
	ProtocolViolationErrorCode
	UnexpectedStreamErrorCode
	TransportErrorCode
)

// Aliases matching gomoqt's naming at call sites that close streams/sessions
// directly with a code rather than going through the Error/sentinel wrappers.
const (
	NoError                = NoErrorCode
	TrackNotFoundErrorCode = NotFoundErrorCode
)

var codeText = map[ErrorCode]string{
	NoErrorCode:                "no error",
	InternalErrorCode:          "internal error",
	NotFoundErrorCode:          "not found",
	DuplicateErrorCode:         "duplicate",
	CancelErrorCode:            "cancel",
	OldGroupErrorCode:          "old",
	WrongSizeErrorCode:         "wrong size",
	TimeoutErrorCode:           "timeout",
	VersionErrorCode:           "version mismatch",
	ProtocolViolationErrorCode: "protocol violation",
	UnexpectedStreamErrorCode:  "unexpected stream type",
	TransportErrorCode:         "transport error",
}

// SessionErrorText returns the human-readable reason string carried alongside
// an ErrorCode on a WebTransport/QUIC CLOSE or stream RESET frame.
func SessionErrorText(code ErrorCode) string {
	if s, ok := codeText[code]; ok {
		return s
	}
	return "unknown error"
}

// Error is the single error type returned by the protocol engine. Every
// variant in the taxonomy (spec §7) is represented by a distinct Code.
type Error struct {
	Code   ErrorCode
	Reason string
}

func NewError(code ErrorCode, reason string) *Error {
	if reason == "" {
		reason = SessionErrorText(code)
	}
	return &Error{Code: code, Reason: reason}
}

func (e *Error) Error() string {
	return fmt.Sprintf("moqt: %s: %s", SessionErrorText(e.Code), e.Reason)
}

// Is lets errors.Is match on Code alone, ignoring Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinel errors for common cases (spec §7 taxonomy). Compare with errors.Is.
var (
	ErrNotFound            = NewError(NotFoundErrorCode, "broadcast or track not found")
	ErrDuplicate           = NewError(DuplicateErrorCode, "duplicate announce or subscribe")
	ErrCancel              = NewError(CancelErrorCode, "cancelled")
	ErrOld                 = NewError(OldGroupErrorCode, "group sequence superseded")
	ErrWrongSize           = NewError(WrongSizeErrorCode, "frame payload size mismatch")
	ErrTimeout             = NewError(TimeoutErrorCode, "stream open timed out")
	ErrVersion             = NewError(VersionErrorCode, "no common protocol version")
	ErrProtocolViolation   = NewError(ProtocolViolationErrorCode, "malformed or unexpected message")
	ErrUnexpectedStream    = NewError(UnexpectedStreamErrorCode, "unexpected control stream type")
	ErrTransport           = NewError(TransportErrorCode, "transport failure")
	ErrClosed              = NewError(CancelErrorCode, "closed")
)

// IsProtocolFatal reports whether err should fail the entire session (spec §7
// propagation policy) rather than just the stream/subscription it occurred on.
func IsProtocolFatal(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Code {
	case VersionErrorCode, ProtocolViolationErrorCode, UnexpectedStreamErrorCode:
		return true
	default:
		return false
	}
}
