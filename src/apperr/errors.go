package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels for errors.Is checks against an *Error of the matching kind.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrTypeMismatch        = errors.New("type mismatch")
	ErrConflict            = errors.New("conflict")
	ErrCircularDependency  = errors.New("circular dependency")
	ErrInvalidRelation     = errors.New("invalid relation")
	ErrEvaluationExhausted = errors.New("evaluation limit exceeded")
)

type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindTypeMismatch
	KindConflict
	KindCircularDependency
	KindInvalidRelation
	KindEvaluationExhausted
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindTypeMismatch:
		return ErrTypeMismatch
	case KindConflict:
		return ErrConflict
	case KindCircularDependency:
		return ErrCircularDependency
	case KindInvalidRelation:
		return ErrInvalidRelation
	case KindEvaluationExhausted:
		return ErrEvaluationExhausted
	}
	return ErrValidation
}

func (k Kind) String() string { return k.sentinel().Error() }

// Error is the structured error returned by every engine operation.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "connect".
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind.sentinel() }

// Status maps the error kind to its HTTP equivalent.
func (e *Error) Status() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTypeMismatch, KindInvalidRelation, KindCircularDependency:
		return http.StatusUnprocessableEntity
	case KindEvaluationExhausted:
		return http.StatusInsufficientStorage
	}
	return http.StatusBadRequest
}

// WithOp returns a copy of e tagged with op, unless it already carries one.
func (e *Error) WithOp(op string) *Error {
	if e.Op != "" {
		return e
	}
	c := *e
	c.Op = op
	return &c
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func TypeMismatch(format string, args ...any) *Error {
	return newf(KindTypeMismatch, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func CircularDependency(format string, args ...any) *Error {
	return newf(KindCircularDependency, format, args...)
}

func InvalidRelation(format string, args ...any) *Error {
	return newf(KindInvalidRelation, format, args...)
}

func Exhausted(format string, args ...any) *Error {
	return newf(KindEvaluationExhausted, format, args...)
}

// Op tags err with op when it is an *Error, otherwise wraps it.
func Op(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.WithOp(op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// KindOf reports the kind of err, and false if err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
