package models

import "errors"

// Error kinds surfaced by the store, manager, and encoder client. Callers
// match them with errors.Is; everything else wraps with fmt.Errorf("%w").
var (
	// ErrEpisodeAlreadyActive: a project may hold at most one active episode.
	ErrEpisodeAlreadyActive = errors.New("an episode is already active for this project")

	// ErrAlreadyClosed: closeEpisode on a completed episode. Idempotent failure.
	ErrAlreadyClosed = errors.New("episode is already closed")

	// ErrEncoderUnavailable: the encoder is not ready yet. Retryable.
	ErrEncoderUnavailable = errors.New("encoder is not ready yet, try again shortly")

	// ErrEncoderTimeout: the encoder is ready but did not respond in time. Retryable.
	ErrEncoderTimeout = errors.New("encoder request timed out")

	// ErrEncoderCrashed: the worker pipe closed. Fatal for that worker instance;
	// the client respawns on next need.
	ErrEncoderCrashed = errors.New("encoder worker crashed")

	// ErrNotFound: no record with the given id.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyResolved: resolveCandidate on a candidate no longer pending.
	ErrAlreadyResolved = errors.New("candidate already resolved")

	// ErrCorruptRecord: an atomic-replace record failed to decode. Must never
	// normally occur; fail loud rather than guess.
	ErrCorruptRecord = errors.New("corrupt record")
)
