package model

import (
	"errors"
)

// Failure taxonomy shared by every component. Callers match with errors.Is;
// components wrap these with %w to add context.
var (
	// ErrNotFound means a referenced conversation, identity or tenant is absent.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means the credential is bad, expired or resolves to
	// an identity that no longer exists.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means a valid identity has no access to the tenant.
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadyClaimed is the claim race loser's outcome.
	ErrAlreadyClaimed = errors.New("conversation already claimed")

	// ErrClosed means a mutation was attempted on a terminal conversation.
	ErrClosed = errors.New("conversation closed")

	// ErrUnavailable means a storage or directory call exceeded its bound.
	ErrUnavailable = errors.New("collaborator unavailable")

	// ErrMalformed means the input shape or length is invalid.
	ErrMalformed = errors.New("malformed input")
)
