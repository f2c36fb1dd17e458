package domain

import "fmt"

// Kind enumerates the error taxonomy surfaced to callers of RpcManager.Call.
type Kind string

const (
	KindRateLimited          Kind = "RATE_LIMITED"
	KindCircuitOpen          Kind = "CIRCUIT_OPEN"
	KindNoEndpoint           Kind = "NO_ENDPOINT"
	KindPoolExhausted        Kind = "POOL_EXHAUSTED"
	KindTimeout              Kind = "TIMEOUT"
	KindCancelled            Kind = "CANCELLED"
	KindInfrastructure       Kind = "INFRASTRUCTURE"
	KindApplication          Kind = "APPLICATION"
	KindBatchResponseMissing Kind = "BATCH_RESPONSE_MISSING"
	KindBatchQueueFull       Kind = "BATCH_QUEUE_FULL"
)

// Error is the sum-type result the orchestrator resolves every call with on
// failure. Callers branch on Kind rather than matching against sentinel
// errors or a {success, reason} pair.
type Error struct {
	Err     error
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a *Error of the given kind wrapping cause.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// NewErrorf builds a *Error of the given kind with a formatted message.
func NewErrorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if ok := asError(err, &de); ok {
		return de.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindInfrastructure for
// any error that isn't a *Error (an unclassified failure is treated as
// an infrastructure problem so it remains retryable).
func KindOf(err error) Kind {
	var de *Error
	if ok := asError(err, &de); ok {
		return de.Kind
	}
	return KindInfrastructure
}

func asError(err error, target **Error) bool {
	for err != nil {
		if de, ok := err.(*Error); ok {
			*target = de
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
