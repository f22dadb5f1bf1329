package identity_test

import (
	"crypto/ecdsa"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmerrifield20/evidencechain/internal/identity"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestRecover_returnsSignerAddress(t *testing.T) {
	key := newKey(t)
	want := crypto.PubkeyToAddress(key.PublicKey)
	msg := identity.SubmissionMessage("Qm123")

	sig, err := identity.Sign(msg, key)
	if err != nil {
		t.Fatal(err)
	}

	got, err := identity.Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got != want {
		t.Errorf("recovered %s, want %s", got.Hex(), want.Hex())
	}
}

func TestRecover_acceptsRawRecoveryID(t *testing.T) {
	key := newKey(t)
	msg := identity.SubmissionMessage("Qm123")
	sig, _ := identity.Sign(msg, key)
	sig[64] -= 27 // 0/1 form as emitted by some signers

	got, err := identity.Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("recovered wrong address %s", got.Hex())
	}
}

func TestRecover_differentMessageRecoversDifferentAddress(t *testing.T) {
	key := newKey(t)
	sig, _ := identity.Sign(identity.SubmissionMessage("Qm123"), key)

	got, err := identity.Recover("Submit evidence:Qm123", sig)
	if err != nil {
		return // a decode failure is also acceptable
	}
	if got == crypto.PubkeyToAddress(key.PublicKey) {
		t.Error("template drift must not recover the signer")
	}
}

func TestRecover_everySingleBitFlipChangesResult(t *testing.T) {
	key := newKey(t)
	want := crypto.PubkeyToAddress(key.PublicKey)
	msg := identity.SubmissionMessage("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")
	sig, err := identity.Sign(msg, key)
	if err != nil {
		t.Fatal(err)
	}

	for bit := 0; bit < len(sig)*8; bit++ {
		flipped := make([]byte, len(sig))
		copy(flipped, sig)
		flipped[bit/8] ^= 1 << (bit % 8)

		got, err := identity.Recover(msg, flipped)
		if err == nil && got == want {
			t.Fatalf("bit %d flipped but the original signer was still recovered", bit)
		}
	}
}

func TestRecover_wrongLength(t *testing.T) {
	_, err := identity.Recover("m", make([]byte, 64))
	var malformed *identity.MalformedSignatureError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedSignatureError, got %v", err)
	}
}

func TestRecover_invalidRecoveryID(t *testing.T) {
	key := newKey(t)
	sig, _ := identity.Sign("m", key)
	sig[64] = 29

	_, err := identity.Recover("m", sig)
	var malformed *identity.MalformedSignatureError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedSignatureError, got %v", err)
	}
}

func TestRecover_zeroRAndS(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 27

	_, err := identity.Recover("m", sig)
	var malformed *identity.MalformedSignatureError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedSignatureError, got %v", err)
	}
}

func TestParseSignature(t *testing.T) {
	key := newKey(t)
	sig, _ := identity.Sign("m", key)
	encoded := hexutil.Encode(sig)

	for _, in := range []string{encoded, strings.TrimPrefix(encoded, "0x"), "  " + encoded + "\n"} {
		got, err := identity.ParseSignature(in)
		if err != nil {
			t.Fatalf("ParseSignature(%q): %v", in, err)
		}
		if hexutil.Encode(got) != encoded {
			t.Errorf("ParseSignature(%q) = %x", in, got)
		}
	}

	for _, bad := range []string{"", "0xzz", "0x123"} {
		_, err := identity.ParseSignature(bad)
		var malformed *identity.MalformedSignatureError
		if !errors.As(err, &malformed) {
			t.Errorf("ParseSignature(%q): expected MalformedSignatureError, got %v", bad, err)
		}
	}
}

func TestMatches_caseInsensitive(t *testing.T) {
	key := newKey(t)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	cases := []string{
		addr.Hex(),
		strings.ToLower(addr.Hex()),
		"0X" + strings.ToUpper(addr.Hex()[2:]),
		strings.TrimPrefix(addr.Hex(), "0x"),
	}
	for _, declared := range cases {
		if !identity.Matches(declared, addr) {
			t.Errorf("Matches(%q) = false, want true", declared)
		}
	}

	other := crypto.PubkeyToAddress(newKey(t).PublicKey)
	if identity.Matches(other.Hex(), addr) {
		t.Error("Matches returned true for a different address")
	}
	if identity.Matches("", addr) {
		t.Error("Matches returned true for an empty declaration")
	}
}

func TestSubmissionMessage_template(t *testing.T) {
	if msg := identity.SubmissionMessage("Qm123"); msg != "Submit evidence: Qm123" {
		t.Fatalf("unexpected template output %q", msg)
	}
}

func TestVerifier_RecoverSubmitter(t *testing.T) {
	key := newKey(t)
	sig, _ := identity.Sign(identity.SubmissionMessage("Qm123"), key)

	got, err := identity.NewVerifier().RecoverSubmitter("Qm123", sig)
	if err != nil {
		t.Fatal(err)
	}
	if got != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("recovered %s", got.Hex())
	}
}
