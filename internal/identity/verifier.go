package identity

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParseSignature decodes a hex signature as produced by wallets
// (0x-prefixed, 65 bytes). The 0x prefix is optional.
func ParseSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &MalformedSignatureError{Reason: "empty signature"}
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, &MalformedSignatureError{Reason: err.Error()}
	}
	return sig, nil
}

// Recover returns the address whose key produced sig over message using the
// EIP-191 personal_sign scheme. sig is [R || S || V] with V in {0,1,27,28}.
func Recover(message string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, &MalformedSignatureError{
			Reason: fmt.Sprintf("want %d bytes, got %d", crypto.SignatureLength, len(sig)),
		}
	}

	rsv := make([]byte, crypto.SignatureLength)
	copy(rsv, sig)
	switch v := rsv[crypto.RecoveryIDOffset]; v {
	case 0, 1:
	case 27, 28:
		rsv[crypto.RecoveryIDOffset] = v - 27
	default:
		return common.Address{}, &MalformedSignatureError{Reason: fmt.Sprintf("invalid recovery id %d", v)}
	}

	r := new(big.Int).SetBytes(rsv[:32])
	s := new(big.Int).SetBytes(rsv[32:64])
	if !crypto.ValidateSignatureValues(rsv[crypto.RecoveryIDOffset], r, s, false) {
		return common.Address{}, &MalformedSignatureError{Reason: "r or s out of range"}
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), rsv)
	if err != nil {
		return common.Address{}, &RecoveryError{Err: err}
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Matches reports whether declared names the same address as recovered.
// The comparison ignores case (EIP-55 checksums are mixed case) and runs in
// constant time with respect to the address contents.
func Matches(declared string, recovered common.Address) bool {
	d := normalizeHex(declared)
	r := normalizeHex(recovered.Hex())
	return subtle.ConstantTimeCompare([]byte(d), []byte(r)) == 1
}

func normalizeHex(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return strings.ToLower(s)
}

// Sign produces a wallet-style personal_sign signature (V = 27/28) of message.
// It exists for tooling and tests; the server never holds private keys.
func Sign(message string, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Verifier recovers submitter identities for the submission pipeline.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// RecoverSubmitter recovers the address that signed the submission message
// for contentHash.
func (v *Verifier) RecoverSubmitter(contentHash string, sig []byte) (common.Address, error) {
	return Recover(SubmissionMessage(contentHash), sig)
}
