// Package storage holds the durable audit persisters and the errors they
// share. Every backend is append-only: entries are never updated or deleted,
// and appending an entry whose ID is already stored is a no-op.
package storage

import "errors"

// ErrSeqConflict is returned when a sequence number is already taken by a
// different entry. It means two writers forked the chain.
var ErrSeqConflict = errors.New("audit sequence number already holds a different entry")

var ErrClosed = errors.New("audit store is closed")
