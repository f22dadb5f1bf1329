package client

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/identity"
)

// Signer holds a submitter's secp256k1 key.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner wraps an existing key.
func NewSigner(key *ecdsa.PrivateKey) *Signer { return &Signer{key: key} }

// GenerateSigner creates a signer with a fresh key.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{key: key}, nil
}

// LoadSigner reads a hex-encoded private key from path.
//
//	s, err := client.LoadSigner(os.ExpandEnv("$HOME/.evidence/key.hex"))
func LoadSigner(path string) (*Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(b)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return &Signer{key: key}, nil
}

// Save writes the key to path, readable by the owner only.
func (s *Signer) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	hex := fmt.Sprintf("%x", crypto.FromECDSA(s.key))
	if err := os.WriteFile(path, []byte(hex+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Address returns the checksummed address the server will recover from this
// signer's signatures.
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// Sign returns the 0x-prefixed personal_sign signature authorizing
// contentHash.
func (s *Signer) Sign(contentHash string) (string, error) {
	sig, err := identity.Sign(identity.SubmissionMessage(contentHash), s.key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// NewSubmission builds a signed SubmitRequest for contentHash with a fresh
// request id. Reuse the returned request unchanged to retry it.
func (s *Signer) NewSubmission(contentHash string, metadata Metadata) (SubmitRequest, error) {
	sig, err := s.Sign(contentHash)
	if err != nil {
		return SubmitRequest{}, err
	}
	return SubmitRequest{
		ContentHash: contentHash,
		Metadata:    metadata,
		Signature:   sig,
		Submitter:   s.Address(),
		RequestID:   uuid.NewString(),
	}, nil
}

// HashFile returns the CIDv0 content hash of the file at path.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return model.ContentHashOf(data)
}
