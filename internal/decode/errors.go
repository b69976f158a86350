package decode

import (
	"errors"
	"fmt"
)

// Sentinel errors. Sessions wrap ErrInvalidSession or ErrBadData in the
// errors they return so the controller can classify them.
var (
	ErrNotReady       = errors.New("decode: no ready session")
	ErrClosed         = errors.New("decode: controller closed")
	ErrInvalidSession = errors.New("decode: session invalid")
	ErrBadData        = errors.New("decode: bad data")
)

// FormatDescriptionError reports that a format description could not be
// built from the current parameter sets. The previous session is kept.
type FormatDescriptionError struct {
	Err error
}

func (e *FormatDescriptionError) Error() string {
	return fmt.Sprintf("decode: format description: %v", e.Err)
}

func (e *FormatDescriptionError) Unwrap() error {
	return e.Err
}

// SessionCreateError reports that the decoder refused to create a session.
// The controller stays Uninitialized until the next parameter update.
type SessionCreateError struct {
	Err error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("decode: create session: %v", e.Err)
}

func (e *SessionCreateError) Unwrap() error {
	return e.Err
}

// Kind classifies a decode failure.
type Kind int

// Decode failure kinds.
const (
	KindOther Kind = iota
	KindInvalidSession
	KindBadData
)

func (k Kind) String() string {
	switch k {
	case KindInvalidSession:
		return "invalid-session"
	case KindBadData:
		return "bad-data"
	}
	return "other"
}

// DecodeError is a per-frame decode failure, returned from Submit or
// reported through the completion path.
type DecodeError struct {
	Kind      Kind
	SessionID uint64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: session %d: %s: %v", e.SessionID, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels even when the session error
// does not wrap them.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrInvalidSession:
		return e.Kind == KindInvalidSession
	case ErrBadData:
		return e.Kind == KindBadData
	}
	return false
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidSession):
		return KindInvalidSession
	case errors.Is(err, ErrBadData):
		return KindBadData
	}
	return KindOther
}
