// Package errs defines the attempt/job error taxonomy from the execution
// worker's error-handling design: cancellation, timeout and rate-limit
// failures are distinguished from the generic execution-error catch-all so
// the attempt driver can decide, without string sniffing, whether a failure
// should suppress the job's progress counter.
package errs

import "errors"

// Class identifies which error taxonomy bucket a failure belongs to.
type Class string

const (
	ClassCancellation Class = "CancellationError"
	ClassTimeout      Class = "TimeoutError"
	ClassRateLimit    Class = "RateLimitError"
	ClassExecution    Class = "ExecutionError"
)

// ClassifiedError wraps an underlying error with its taxonomy class.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func Cancellation(err error) error { return &ClassifiedError{Class: ClassCancellation, Err: err} }
func Timeout(err error) error      { return &ClassifiedError{Class: ClassTimeout, Err: err} }
func RateLimit(err error) error    { return &ClassifiedError{Class: ClassRateLimit, Err: err} }
func Execution(err error) error    { return &ClassifiedError{Class: ClassExecution, Err: err} }

// ClassOf returns the taxonomy class of err, defaulting to ClassExecution
// for unclassified errors.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassExecution
}

// IsCancellation reports whether err (or any error it wraps) is a
// CancellationError.
func IsCancellation(err error) bool {
	return ClassOf(err) == ClassCancellation
}
