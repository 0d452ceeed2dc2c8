package attestation

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestVerifyValidAttestation(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	indexer := crypto.PubkeyToAddress(key.PublicKey)
	deployment := common.HexToHash("0xd1")

	att, err := Sign(key, deployment, `{"query":"{things}"}`, `{"data":{}}`)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	v := NewVerifier()
	if err := v.Verify(att, indexer, deployment, `{"query":"{things}"}`, `{"data":{}}`); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyRejectsMissingAttestation(t *testing.T) {
	v := NewVerifier()
	err := v.Verify(nil, common.Address{}, common.Hash{}, "", "")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

// A valid signature over the wrong deployment must still be rejected:
// verification binds to the exact deployment the query was sent for.
func TestVerifyRejectsWrongDeployment(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	indexer := crypto.PubkeyToAddress(key.PublicKey)

	att, err := Sign(key, common.HexToHash("0xd1"), "req", "resp")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	v := NewVerifier()
	err = v.Verify(att, indexer, common.HexToHash("0xd2"), "req", "resp")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for mismatched deployment, got %v", err)
	}
}

func TestVerifyRejectsTamperedResponse(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	indexer := crypto.PubkeyToAddress(key.PublicKey)
	deployment := common.HexToHash("0xd1")

	att, err := Sign(key, deployment, "req", "resp")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	v := NewVerifier()
	if err := v.Verify(att, indexer, deployment, "req", "tampered"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for tampered response, got %v", err)
	}
	if err := v.Verify(att, indexer, deployment, "other request", "resp"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for different request, got %v", err)
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	deployment := common.HexToHash("0xd1")

	att, err := Sign(key, deployment, "req", "resp")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	other := common.HexToAddress("0x9999999999999999999999999999999999999999")
	v := NewVerifier()
	if err := v.Verify(att, other, deployment, "req", "resp"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for wrong signer, got %v", err)
	}
}
