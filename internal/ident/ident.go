// SPDX-License-Identifier: MIT

// Package ident generates the identifiers used across the system: entity
// ids, correlation ids, lock owner tokens, and derived idempotency keys.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque entity identifier.
func NewID() string { return uuid.New().String() }

// NewCorrelationID returns an id suitable for tying log lines, errors and
// deliveries to one originating operation.
func NewCorrelationID() string { return uuid.New().String() }

// NewOwnerToken returns an unpredictable 128-bit token used for lock
// fencing. It must never be derived from anything an outside caller can
// guess.
func NewOwnerToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a UUID rather than returning a guessable constant.
		return strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	return hex.EncodeToString(b[:])
}

// IdempotencyKey derives a stable key from its parts. The same parts in
// the same order always yield the same key, so retried messages dedupe.
func IdempotencyKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])[:32]
}
