package domain

import "errors"

var (
	ErrNotAMember        = errors.New("not a member of conversation")
	ErrNotAuthor         = errors.New("not the author of message")
	ErrAlreadyDeleted    = errors.New("message deleted for all")
	ErrInvalidState      = errors.New("invalid call state for operation")
	ErrNotConnected      = errors.New("no transport to send on")
	ErrTargetUnreachable = errors.New("target has no live session")
	ErrNotFound          = errors.New("not found")
)

// ErrorCode returns the wire error code for err, or "" when the error
// carries no code (internal failures surface as INTERNAL).
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAMember):
		return "NOT_A_MEMBER"
	case errors.Is(err, ErrNotAuthor):
		return "NOT_AUTHOR"
	case errors.Is(err, ErrAlreadyDeleted):
		return "ALREADY_DELETED"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrNotConnected):
		return "NOT_CONNECTED"
	case errors.Is(err, ErrTargetUnreachable):
		return "TARGET_UNREACHABLE"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
