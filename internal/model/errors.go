package model

import "errors"

var (
	// ErrInvalidSnapshot aborts the cycle; the previous state is retained.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	// ErrInsufficientHistory makes a sub-assessment fall back to its previous value.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrCollaboratorUnavailable abandons the cycle's writes until the next scheduled run.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	// ErrPolicyViolation means synthesized parameters fell outside declared bounds.
	ErrPolicyViolation = errors.New("policy violation")

	ErrNonMonotonicHistory = errors.New("history timestamp older than latest record")
	ErrNotFound            = errors.New("not found")
)
