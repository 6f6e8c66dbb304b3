package orchestrator

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies orchestrator errors for callers and wire layers.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConflict: turn ownership or explicit turn-number violations.
	KindConflict
	// KindNotFound: unknown conversation, agent, or docId.
	KindNotFound
	// KindInvalidArgument: schema or finality/type combinations that violate
	// the log contract.
	KindInvalidArgument
	// KindTransient: storage or transport failure; the caller may retry with
	// the same clientRequestId.
	KindTransient
	// KindSlowConsumer: the bus disconnected a subscription; the client must
	// re-subscribe with sinceSeq.
	KindSlowConsumer
	// KindFatal: invariant violation detected inside the orchestrator.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindTransient:
		return "transient"
	case KindSlowConsumer:
		return "slow_consumer"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the message chain.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// KindOf extracts the Kind from an error chain, KindUnknown if absent.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

func newError(kind Kind, cause error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

func Conflictf(format string, args ...any) error {
	return newError(KindConflict, nil, format, args...)
}

func NotFoundf(format string, args ...any) error {
	return newError(KindNotFound, nil, format, args...)
}

func InvalidArgumentf(format string, args ...any) error {
	return newError(KindInvalidArgument, nil, format, args...)
}

func Transientf(cause error, format string, args ...any) error {
	return newError(KindTransient, cause, format, args...)
}

func Fatalf(cause error, format string, args ...any) error {
	return newError(KindFatal, cause, format, args...)
}
