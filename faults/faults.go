// Package faults classifies backend failures as transient or permanent so the
// pending-operation queue can decide between retrying and dead-lettering.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Class indicates how a backend failure should be treated downstream.
type Class int

const (
	// ClassTransient marks failures that are worth retrying: timeouts,
	// connection drops, temporary unavailability.
	ClassTransient Class = iota
	// ClassPermanent marks failures the backend rejected outright; retrying
	// the same payload cannot succeed.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// BackendError wraps a ledger or store failure with its retry classification.
type BackendError struct {
	Class Class
	Op    string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s backend error: %v", e.Op, e.Class, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable backend failure.
func Transient(op string, err error) error {
	return &BackendError{Class: ClassTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable backend failure.
func Permanent(op string, err error) error {
	return &BackendError{Class: ClassPermanent, Op: op, Err: err}
}

// IsTransient reports whether err is a retryable backend failure. Context
// deadline errors count as transient: the backend may well be healthy again
// on the next drain.
func IsTransient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class == ClassTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err is a backend rejection that must not be
// retried.
func IsPermanent(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class == ClassPermanent
	}
	return false
}
