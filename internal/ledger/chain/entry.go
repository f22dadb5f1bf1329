package chain

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// GenesisHash is the fixed hash of the genesis entry and the trust anchor of
// the chain.
const GenesisHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one accepted operation.
type Entry struct {
	Index       int64     `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	Kind        string    `json:"kind"`
	ContentHash string    `json:"content_hash"`
	Actor       string    `json:"actor"`
	DataHash    string    `json:"data_hash"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

func genesisEntry(ts time.Time) *Entry {
	return &Entry{
		Index:     0,
		Timestamp: ts.UTC().Truncate(time.Microsecond),
		Kind:      "genesis",
		Actor:     "ledger",
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// next builds the entry that follows prev for op. Timestamps are truncated to
// the precision Postgres stores and never run backwards along the chain.
func next(prev *Entry, op Op, now time.Time) *Entry {
	now = now.UTC().Truncate(time.Microsecond)
	if now.Before(prev.Timestamp) {
		now = prev.Timestamp
	}
	e := &Entry{
		Index:       prev.Index + 1,
		Timestamp:   now,
		RequestID:   op.RequestID,
		Kind:        op.Kind,
		ContentHash: op.ContentHash,
		Actor:       op.Actor,
		DataHash:    keccakHex(op.Payload),
		PrevHash:    prev.Hash,
	}
	e.Hash = hashEntry(e)
	return e
}

// hashEntry must never be called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.RequestID, e.Kind, e.ContentHash, e.Actor, e.DataHash, e.PrevHash,
	)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func keccakHex(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// check validates curr against its predecessor.
func check(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
