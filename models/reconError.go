package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrKindInvalidPolicy         ErrorKind = "InvalidPolicy"
	ErrKindInvalidRequest        ErrorKind = "InvalidRequest"
	ErrKindLedgerFetch           ErrorKind = "LedgerFetchError"
	ErrKindConcurrentRunConflict ErrorKind = "ConcurrentRunConflict"
	ErrKindStorage               ErrorKind = "StorageError"
	ErrKindRunNotFound           ErrorKind = "RunNotFound"
	ErrKindRunCancelled          ErrorKind = "RunCancelled"
	ErrKindInternal              ErrorKind = "Internal"
)

// ReconError is the structured error surfaced by the reconciliation engine.
// Error() renders "<kind>: <detail>[: <cause>]", which is also what lands in a run's error_message.
type ReconError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func NewReconError(kind ErrorKind, detail string, err error) *ReconError {
	return &ReconError{Kind: kind, Detail: detail, Err: err}
}

func (e *ReconError) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReconError) Unwrap() error {
	return e.Err
}

// ErrorKindOf returns the kind of the first ReconError in err's chain, or Internal.
func ErrorKindOf(err error) ErrorKind {
	var re *ReconError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrKindInternal
}

func IsReconErrorKind(err error, kind ErrorKind) bool {
	var re *ReconError
	return errors.As(err, &re) && re.Kind == kind
}

// AsReconError keeps an existing ReconError, otherwise wraps err with kind.
func AsReconError(err error, kind ErrorKind, detail string) *ReconError {
	if err == nil {
		return nil
	}
	var re *ReconError
	if errors.As(err, &re) {
		return re
	}
	return NewReconError(kind, detail, err)
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewReconError(ErrKindStorage, fmt.Sprintf("%s failed", op), err)
}
