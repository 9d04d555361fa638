// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

// Kind tags a KernelError with one of the abstract error-taxonomy buckets
// from the kernel-core error-handling design. Kind is independent of the
// eventual errno: the syscall dispatcher maps Kind (or an explicit errno
// override) to the wire value, so internal callers never reason about
// errno directly.
type Kind int

const (
	KindUnknown Kind = iota
	KindResourceExhaustion
	KindPermission
	KindInvalidArgument
	KindNotFound
	KindStateConflict
	KindWouldBlock
	KindTimedOut
	KindBrokenChannel
	KindFatalHardware
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindResourceExhaustion:
		return "resource-exhaustion"
	case KindPermission:
		return "permission"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNotFound:
		return "not-found"
	case KindStateConflict:
		return "state-conflict"
	case KindWouldBlock:
		return "would-block"
	case KindTimedOut:
		return "timed-out"
	case KindBrokenChannel:
		return "broken-channel"
	case KindFatalHardware:
		return "fatal-hardware"
	case KindInvariantViolation:
		return "kernel-invariant-violation"
	default:
		return "unknown"
	}
}

// KernelError is the structured error kernel-internal callers receive, per
// the error-handling design: leaf operations return a tagged result,
// intermediate layers wrap with context, and only the syscall layer
// converts to a raw errno.
type KernelError struct {
	Kind    Kind
	Op      string
	Err     error
	errno   int
	hasErrno bool
}

func (e *KernelError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Errno returns an explicit errno override and true, if one was set with
// WithErrno. Most KernelErrors carry none; the syscall layer falls back to
// mapping Kind to the default table entry for the failing call.
func (e *KernelError) Errno() (int, bool) { return e.errno, e.hasErrno }

type ErrOption func(*KernelError)

// WithErrno overrides the errno the syscall layer will report for this
// error, for the cases in spec §4.8 where the mapping is call-specific
// rather than Kind-generic (e.g. a bad fd maps to EBADF, not the generic
// invalid-argument EINVAL).
func WithErrno(errno int) ErrOption {
	return func(e *KernelError) { e.hasErrno = true; e.errno = errno }
}

func Wrap(kind Kind, op string, err error, opts ...ErrOption) *KernelError {
	ke := &KernelError{Kind: kind, Op: op, Err: err}
	for _, opt := range opts {
		opt(ke)
	}
	return ke
}

func Newf(kind Kind, op string, format string, args ...any) *KernelError {
	return Wrap(kind, op, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *KernelError, otherwise KindUnknown.
func KindOf(err error) Kind {
	var ke *KernelError
	if As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

var (
	ErrOutOfMemory          = Wrap(KindResourceExhaustion, "", stdliberrors.New("out of memory"))
	ErrNonCanonicalAddress  = Wrap(KindInvalidArgument, "", stdliberrors.New("non-canonical address"))
	ErrNotMapped            = Wrap(KindNotFound, "", stdliberrors.New("not mapped"))
	ErrPermissionDenied     = Wrap(KindPermission, "", stdliberrors.New("permission denied"))
	ErrWouldBlock           = Wrap(KindWouldBlock, "", stdliberrors.New("operation would block"))
	ErrTimedOut             = Wrap(KindTimedOut, "", stdliberrors.New("timed out"))
	ErrBrokenPipe           = Wrap(KindBrokenChannel, "", stdliberrors.New("broken pipe"))
	ErrTryAgain             = Wrap(KindWouldBlock, "", stdliberrors.New("resource limit exceeded, try again"))
	ErrMessageTooLarge      = Wrap(KindInvalidArgument, "", stdliberrors.New("message too large"))
	ErrBufferTooSmall       = Wrap(KindInvalidArgument, "", stdliberrors.New("buffer too small"))
)
