package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies per-job failures. The string value is stored in the ledger.
type ErrorKind string

const (
	KindMissingData        ErrorKind = "missing_data"
	KindCorruptStamp       ErrorKind = "corrupt_stamp"
	KindKernelGap          ErrorKind = "kernel_gap"
	KindKernelCorrupt      ErrorKind = "kernel_corrupt"
	KindInsufficientSignal ErrorKind = "insufficient_signal"
	KindDetrendFailure     ErrorKind = "detrend_failure"
	KindClaimConflict      ErrorKind = "claim_conflict"
	KindInternal           ErrorKind = "internal"
	// KindAbandoned records an attempt whose worker stopped heartbeating.
	KindAbandoned ErrorKind = "abandoned"
)

var (
	ErrMissingData        = errors.New("missing data")
	ErrCorruptStamp       = errors.New("corrupt stamp")
	ErrKernelGap          = errors.New("kernel gap")
	ErrKernelCorrupt      = errors.New("kernel corrupt")
	ErrInsufficientSignal = errors.New("insufficient signal")
	ErrDetrendFailure     = errors.New("detrend failure")
	// ErrClaimConflict means another worker won the claim. Callers move on to the next record.
	ErrClaimConflict = errors.New("claim conflict")
)

var sentinels = map[ErrorKind]error{
	KindMissingData:        ErrMissingData,
	KindCorruptStamp:       ErrCorruptStamp,
	KindKernelGap:          ErrKernelGap,
	KindKernelCorrupt:      ErrKernelCorrupt,
	KindInsufficientSignal: ErrInsufficientSignal,
	KindDetrendFailure:     ErrDetrendFailure,
	KindClaimConflict:      ErrClaimConflict,
}

// JobError is a classified failure of a single extraction job.
type JobError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *JobError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *JobError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newJobError(kind ErrorKind, cause error, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func MissingData(format string, args ...any) error {
	return newJobError(KindMissingData, nil, format, args...)
}

func CorruptStamp(cause error, format string, args ...any) error {
	return newJobError(KindCorruptStamp, cause, format, args...)
}

func KernelGap(format string, args ...any) error {
	return newJobError(KindKernelGap, nil, format, args...)
}

func KernelCorrupt(cause error, format string, args ...any) error {
	return newJobError(KindKernelCorrupt, cause, format, args...)
}

func InsufficientSignal(format string, args ...any) error {
	return newJobError(KindInsufficientSignal, nil, format, args...)
}

func DetrendFailure(format string, args ...any) error {
	return newJobError(KindDetrendFailure, nil, format, args...)
}

func ClaimConflict(jobID string) error {
	return newJobError(KindClaimConflict, nil, "job %s", jobID)
}

// KindOf reports the kind of a classified error and KindInternal for anything else.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}
