// Package errors provides centralized error definitions for mail-relay.
package errors

import "errors"

// Classification errors. Every rejection reason wraps ErrValidation.
var (
	// ErrValidation indicates a message was rejected by the filter policy.
	ErrValidation = errors.New("message rejected")

	// ErrNoSender indicates no sender address or domain could be derived.
	ErrNoSender = errors.New("no sender address")

	// ErrDomainNotAllowed indicates the sender domain is not in the allowed set.
	ErrDomainNotAllowed = errors.New("sender domain not allowed")

	// ErrBlockedKeyword indicates the subject contains a blocked keyword.
	ErrBlockedKeyword = errors.New("subject contains blocked keyword")

	// ErrMessageTooLarge indicates the message exceeds the size ceiling.
	ErrMessageTooLarge = errors.New("message too large")
)

// Retrieval errors.
var (
	// ErrNotFound indicates no record exists for the requested id.
	ErrNotFound = errors.New("email not found")

	// ErrUnauthorized indicates the presented token does not match the record.
	ErrUnauthorized = errors.New("invalid authentication token")

	// ErrTokenRequired indicates a retrieval request carried no token.
	ErrTokenRequired = errors.New("authentication token required")
)

// Storage errors.
var (
	// ErrInsufficientSpace indicates the storage volume is below its reserved floor.
	// Callers must treat it as transient and signal failure upstream.
	ErrInsufficientSpace = errors.New("insufficient disk space for storing email")

	// ErrStoreConfigInvalid indicates the store configuration is invalid.
	ErrStoreConfigInvalid = errors.New("invalid store configuration")
)
