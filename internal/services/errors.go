package services

import "errors"

// Sentinel errors surfaced by the encounter core. Policy violations are never
// errors; they are rewritten into deny/refusal responses so the learner
// experience continues uninterrupted.
var (
	// ErrSessionNotFound means no active or addressable session exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCaseNotFound means no case record exists for the requested case.
	// No session can meaningfully proceed without case truth.
	ErrCaseNotFound = errors.New("case not found")

	// ErrInvalidStageTransition means a skip-ahead stage request was rejected.
	// The session is left unchanged.
	ErrInvalidStageTransition = errors.New("cannot skip stages")

	// ErrSessionCompleted means the session is finished and immutable.
	ErrSessionCompleted = errors.New("session already completed")
)
