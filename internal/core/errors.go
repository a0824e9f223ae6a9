package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a pipeline component matches exactly one
// of these through errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrComputation   = errors.New("computation error")
	ErrBenchmarkData = errors.New("benchmark data error")
)

// OpError ties an error kind to the operation that produced it.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newOpError(kind error, op, format string, args ...any) error {
	return &OpError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Validationf(op, format string, args ...any) error {
	return newOpError(ErrValidation, op, format, args...)
}

func Configurationf(op, format string, args ...any) error {
	return newOpError(ErrConfiguration, op, format, args...)
}

func Computationf(op, format string, args ...any) error {
	return newOpError(ErrComputation, op, format, args...)
}

func BenchmarkDataf(op, format string, args ...any) error {
	return newOpError(ErrBenchmarkData, op, format, args...)
}

// KindOf reports the error kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrConfiguration, ErrComputation, ErrBenchmarkData} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
