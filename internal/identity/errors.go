package identity

import "fmt"

// MalformedSignatureError is returned when a signature cannot be decoded into
// valid recovery parameters (wrong length, bad encoding, invalid recovery id).
type MalformedSignatureError struct {
	Reason string
}

func (e *MalformedSignatureError) Error() string {
	return "malformed signature: " + e.Reason
}

// RecoveryError is returned when the elliptic-curve public key recovery step
// itself fails for an otherwise well-formed signature.
type RecoveryError struct {
	Err error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("signature recovery failed: %v", e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
