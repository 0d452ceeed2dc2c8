package attestation

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalid marks an attestation that does not prove the response. An
// unverifiable response is untrustworthy even if it was delivered, so the
// dispatcher treats this like a transport failure.
var ErrInvalid = errors.New("attestation invalid")

// Attestation is an indexer-signed digest binding a response to the query
// and deployment it answers.
type Attestation struct {
	RequestHash  common.Hash   `json:"request_hash"`
	ResponseHash common.Hash   `json:"response_hash"`
	Deployment   common.Hash   `json:"deployment"`
	Signature    hexutil.Bytes `json:"signature"`
}

func digest(deployment, requestHash, responseHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(
		[]byte("GRAPH-ATTESTATION"),
		deployment.Bytes(),
		requestHash.Bytes(),
		responseHash.Bytes(),
	)
}

// Sign produces an attestation over (deployment, request, response). Used by
// indexer-side tooling and tests; the gateway itself only verifies.
func Sign(key *ecdsa.PrivateKey, deployment common.Hash, request, response string) (*Attestation, error) {
	att := &Attestation{
		RequestHash:  crypto.Keccak256Hash([]byte(request)),
		ResponseHash: crypto.Keccak256Hash([]byte(response)),
		Deployment:   deployment,
	}

	signature, err := crypto.Sign(digest(att.Deployment, att.RequestHash, att.ResponseHash).Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}
	att.Signature = signature
	return att, nil
}

// Verifier validates indexer attestations.
type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify checks that the attestation binds to the exact deployment and
// request that was sent, matches the returned response, and was signed by
// the indexer. An attestation for a different deployment is rejected
// regardless of signature validity.
func (v *Verifier) Verify(att *Attestation, indexer common.Address, deployment common.Hash, request, response string) error {
	if att == nil {
		return fmt.Errorf("%w: missing attestation", ErrInvalid)
	}
	if att.Deployment != deployment {
		return fmt.Errorf("%w: attests deployment %s, expected %s", ErrInvalid, att.Deployment, deployment)
	}
	if att.RequestHash != crypto.Keccak256Hash([]byte(request)) {
		return fmt.Errorf("%w: request hash mismatch", ErrInvalid)
	}
	if att.ResponseHash != crypto.Keccak256Hash([]byte(response)) {
		return fmt.Errorf("%w: response hash mismatch", ErrInvalid)
	}
	if len(att.Signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: invalid signature length %d", ErrInvalid, len(att.Signature))
	}

	pubKey, err := crypto.SigToPub(digest(att.Deployment, att.RequestHash, att.ResponseHash).Bytes(), att.Signature)
	if err != nil {
		return fmt.Errorf("%w: recover signer: %v", ErrInvalid, err)
	}
	if crypto.PubkeyToAddress(*pubKey) != indexer {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrInvalid, crypto.PubkeyToAddress(*pubKey), indexer)
	}
	return nil
}
