package model

import (
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ValidateContentHash checks that s is a usable content-addressed pointer.
// In strict mode s must decode as a CID (v0 "Qm..." or v1 multibase); otherwise
// any non-blank string without whitespace is accepted.
func ValidateContentHash(s string, strict bool) error {
	if strings.TrimSpace(s) == "" {
		return &ErrValidation{Msg: "content_hash is required"}
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return &ErrValidation{Msg: "content_hash must not contain whitespace"}
	}
	if !strict {
		return nil
	}
	if _, err := cid.Decode(s); err != nil {
		return &ErrValidation{Msg: "content_hash is not a valid CID: " + err.Error()}
	}
	return nil
}

// ContentHashOf returns a CIDv0 ("Qm...") over the sha2-256 multihash of data.
// IPFS chunks and wraps files before hashing, so for content pinned through
// IPFS use the CID it reports instead.
func ContentHashOf(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV0(mh).String(), nil
}
