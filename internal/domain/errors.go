package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies every error the room core surfaces to callers.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindPoolEmpty
	KindDuplicateUser
	KindRoomNotFound
	KindParticipantNotFound
	KindPublisherNotFound
	KindEndpointNotReady
	KindDuplicateElement
	KindUnknownElement
	KindEngineUnavailable
	KindInvalidRequest
)

var kindNames = map[ErrorKind]string{
	KindInternal:            "Internal",
	KindPoolEmpty:           "PoolEmpty",
	KindDuplicateUser:       "DuplicateUser",
	KindRoomNotFound:        "RoomNotFound",
	KindParticipantNotFound: "ParticipantNotFound",
	KindPublisherNotFound:   "PublisherNotFound",
	KindEndpointNotReady:    "EndpointNotReady",
	KindDuplicateElement:    "DuplicateElement",
	KindUnknownElement:      "UnknownElement",
	KindEngineUnavailable:   "EngineUnavailable",
	KindInvalidRequest:      "InvalidRequest",
}

// Wire codes. Where the legacy room protocol had a code for the same
// condition it is reused so existing clients keep working.
var kindCodes = map[ErrorKind]int{
	KindInternal:            999,
	KindPoolEmpty:           105,
	KindDuplicateUser:       104,
	KindRoomNotFound:        106,
	KindParticipantNotFound: 102,
	KindPublisherNotFound:   109,
	KindEndpointNotReady:    108,
	KindDuplicateElement:    110,
	KindUnknownElement:      111,
	KindEngineUnavailable:   107,
	KindInvalidRequest:      101,
}

func (k ErrorKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) Code() int {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

// RoomError is the only error type delivered through a request continuation.
type RoomError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func NewError(kind ErrorKind, format string, args ...any) *RoomError {
	return &RoomError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError keeps cause reachable through errors.Cause / errors.Unwrap.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *RoomError {
	return &RoomError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   errors.WithStack(cause),
	}
}

func (e *RoomError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Kind.Code(), e.Message, errors.Cause(e.cause))
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Kind.Code(), e.Message)
}

func (e *RoomError) Code() int { return e.Kind.Code() }

func (e *RoomError) Unwrap() error { return e.cause }

func (e *RoomError) Cause() error { return e.cause }

// Is matches any RoomError of the same kind, so sentinels below work with
// errors.Is.
func (e *RoomError) Is(target error) bool {
	t, ok := target.(*RoomError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrPoolEmpty           = &RoomError{Kind: KindPoolEmpty, Message: "no media engine registered"}
	ErrDuplicateUser       = &RoomError{Kind: KindDuplicateUser, Message: "user already in room"}
	ErrRoomNotFound        = &RoomError{Kind: KindRoomNotFound, Message: "room not found"}
	ErrParticipantNotFound = &RoomError{Kind: KindParticipantNotFound, Message: "participant not found"}
	ErrPublisherNotFound   = &RoomError{Kind: KindPublisherNotFound, Message: "publisher not found"}
	ErrEndpointNotReady    = &RoomError{Kind: KindEndpointNotReady, Message: "endpoint not ready"}
	ErrDuplicateElement    = &RoomError{Kind: KindDuplicateElement, Message: "duplicate element"}
	ErrUnknownElement      = &RoomError{Kind: KindUnknownElement, Message: "unknown element"}
	ErrEngineUnavailable   = &RoomError{Kind: KindEngineUnavailable, Message: "media engine unavailable"}
	ErrInvalidRequest      = &RoomError{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrInternal            = &RoomError{Kind: KindInternal, Message: "internal error"}
)

// AsRoomError converts any error into a RoomError. Foreign errors become
// Internal so nothing unclassified reaches the wire.
func AsRoomError(err error) *RoomError {
	if err == nil {
		return nil
	}
	var re *RoomError
	if errors.As(err, &re) {
		return re
	}
	return WrapError(KindInternal, err, "unexpected failure")
}

// KindOf reports the kind of err, Internal for foreign errors.
func KindOf(err error) ErrorKind {
	var re *RoomError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}
