// Copyright 2025 James Ross
package cardstore

import "errors"

// ErrIdempotencyConflict is returned by CreateJobBundle when the same
// (user_id, idempotency_key) is reused with a different request_hash
// (spec §3, §4.C, §7 "Deterministic" error class).
var ErrIdempotencyConflict = errors.New("idempotency_key_conflict")

// ErrMissingRequestHash is returned when an idempotency key is supplied
// without the request_hash needed to detect conflicting retries.
var ErrMissingRequestHash = errors.New("missing request_hash for idempotency key")

// ErrJobNotFound is returned by lookups for a job_id that does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrCardNotFound is returned by lookups for a card_id that does not exist.
var ErrCardNotFound = errors.New("card not found")
