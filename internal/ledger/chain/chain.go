// Package chain implements the hash-chained append-only log behind the local
// ledger node.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash. Every later entry commits to the Keccak-256 hash of its
// predecessor, so any rewrite of history is detected by Verify. An entry's
// hash doubles as the transaction id handed back to submitters.
//
// Each entry carries the caller's request id and the chain accepts a request
// id at most once: a repeated Accept returns the original entry.
package chain

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no entry matches a lookup.
var ErrNotFound = errors.New("chain: entry not found")

// Chain is the append-only log used by the local ledger.
// Both MemoryChain and PostgresChain implement it.
type Chain interface {
	// Accept appends op unless its request id is already on the chain, in
	// which case the existing entry is returned with created=false.
	Accept(ctx context.Context, op Op) (entry *Entry, created bool, err error)

	// FindByRequest returns the entry recorded for requestID or ErrNotFound.
	FindByRequest(ctx context.Context, requestID string) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int64) (*Entry, error)

	// Len returns the number of entries including genesis.
	Len(ctx context.Context) (int64, error)

	// Verify walks the whole chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the chain tip.
	Root(ctx context.Context) (string, error)
}

// Op is the payload of a single Accept call.
type Op struct {
	RequestID   string
	Kind        string
	ContentHash string
	Actor       string
	Payload     []byte
}
