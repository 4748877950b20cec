// Package apperr defines the error taxonomy shared by the store, the
// messaging service, both transports and the client session.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotAuthorized
	KindInvalidMessage
	KindInvalidArgument
	KindNotFound
	KindTransient
	KindChannelUnavailable
	KindUnauthenticated
)

// Wire codes used in fail packets.
const (
	CodeInternal           = "internal"
	CodeNotAuthorized      = "not_authorized"
	CodeInvalidMessage     = "invalid_message"
	CodeInvalidArgument    = "invalid_argument"
	CodeNotFound           = "not_found"
	CodeTransient          = "unavailable"
	CodeChannelUnavailable = "channel_unavailable"
	CodeUnauthenticated    = "not_authenticated"
)

var kindCodes = map[Kind]string{
	KindInternal:           CodeInternal,
	KindNotAuthorized:      CodeNotAuthorized,
	KindInvalidMessage:     CodeInvalidMessage,
	KindInvalidArgument:    CodeInvalidArgument,
	KindNotFound:           CodeNotFound,
	KindTransient:          CodeTransient,
	KindChannelUnavailable: CodeChannelUnavailable,
	KindUnauthenticated:    CodeUnauthenticated,
}

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Constructors
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotAuthorized(msg string) error {
	return New(KindNotAuthorized, msg)
}

func InvalidMessage(msg string) error {
	return New(KindInvalidMessage, msg)
}

func InvalidArgument(msg string) error {
	return New(KindInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(KindNotFound, msg)
}

func Unauthenticated(msg string) error {
	return New(KindUnauthenticated, msg)
}

func Transient(msg string, cause error) error {
	return Wrap(KindTransient, msg, cause)
}

func ChannelUnavailable(msg string, cause error) error {
	return Wrap(KindChannelUnavailable, msg, cause)
}

func Internal(msg string, cause error) error {
	return Wrap(KindInternal, msg, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Code returns the wire code for err.
func Code(err error) string {
	return kindCodes[KindOf(err)]
}

// FromCode rebuilds an error received over the wire.
func FromCode(code, message string) error {
	for k, c := range kindCodes {
		if c == code {
			return New(k, message)
		}
	}
	return New(KindInternal, message)
}
