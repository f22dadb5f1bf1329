// Package identity recovers the Ethereum-style address that signed a
// submission message.
//
// It provides:
//   - SubmissionMessage: the versioned message template signers sign
//   - Recover: EIP-191 personal_sign address recovery
//   - Matches: constant-time, case-insensitive address comparison
//   - Verifier: an injectable wrapper used by the submission pipeline
//
// Recovery never fails because an address is "wrong": a signature over a
// different message, or by a different key, simply recovers a different
// address. Comparing against an expected submitter is the caller's job.
package identity
