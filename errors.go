package jiggler

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQueueName = errors.New("jiggler: invalid queue name")
	ErrInvalidEnvelope  = errors.New("jiggler: invalid envelope")
	ErrUnknownJob       = errors.New("jiggler: unknown job")
	ErrAlreadyStarted   = errors.New("jiggler: already started")

	// ErrFetcherDone is returned by Fetcher.Fetch once the fetcher has been
	// suspended and has nothing left to hand out.
	ErrFetcherDone = errors.New("jiggler: fetcher done")

	// ErrRetryHandled wraps a job failure that the Retrier has already
	// persisted to the retry or dead set.
	ErrRetryHandled = errors.New("jiggler: retry handled")

	// ErrShutdown is the cancellation cause used for hard shutdown.
	ErrShutdown = errors.New("jiggler: shutdown")
)

// UnknownJobError is returned when a job name has no registered handler.
type UnknownJobError struct {
	Name string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("jiggler: unknown job %q", e.Name)
}

func (e *UnknownJobError) Is(target error) bool { return target == ErrUnknownJob }

// ErrorClass implements the classifier used when recording error_class.
func (e *UnknownJobError) ErrorClass() string { return "UnknownJobError" }

// EnvelopeError reports a payload that could not be decoded.
type EnvelopeError struct {
	Payload string
	Err     error
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("jiggler: invalid envelope: %v", e.Err)
}

func (e *EnvelopeError) Unwrap() []error { return []error{ErrInvalidEnvelope, e.Err} }

type handledError struct {
	cause error
}

func (e *handledError) Error() string { return "jiggler: retry handled: " + e.cause.Error() }

func (e *handledError) Unwrap() []error { return []error{ErrRetryHandled, e.cause} }

// PanicError is a recovered handler panic, treated as a job failure.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (e *PanicError) ErrorClass() string { return "Panic" }
