// Package flow implements the dialogue orchestration engine: the scenario sampler, the per-pass
// phase state machine and the two-party turn coordinator, plus the session store they share.
package flow

import "errors"

var (
	// ErrNoActiveScenarios means the scenario pool is empty or has no active entries.
	// It is a configuration error; callers surface a "not ready" notice instead of starting a session.
	ErrNoActiveScenarios = errors.New("no active scenarios configured")
	// ErrSessionNotFound is returned when an operation names a conversation without a session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by Start when the conversation already has a session.
	ErrSessionExists = errors.New("session already exists")
	// ErrPassComplete is returned by Advance when the current pass already reached reflection.
	ErrPassComplete = errors.New("pass already complete")
	// ErrEmptyAnswer is returned by Advance for blank answers.
	ErrEmptyAnswer = errors.New("answer is empty")
)
