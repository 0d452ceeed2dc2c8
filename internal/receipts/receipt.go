package receipts

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain binds receipt signatures to one payment domain, so a receipt signed
// for one network or escrow contract cannot be replayed on another.
type Domain struct {
	ChainID  *big.Int
	Verifier common.Address
}

// Receipt is a signed per-query payment authorization redeemable against an
// escrow account. Immutable once signed.
type Receipt struct {
	Indexer     common.Address `json:"indexer"`
	Escrow      common.Hash    `json:"escrow"`
	Payer       common.Address `json:"payer"`
	AmountWei   string         `json:"amount_wei"`
	TimestampNs uint64         `json:"timestamp_ns"`
	Sequence    uint64         `json:"sequence"`
	Signature   hexutil.Bytes  `json:"signature"`
}

// Amount returns the receipt value in GRT wei.
func (r *Receipt) Amount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.AmountWei, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid receipt amount: %s", r.AmountWei)
	}
	return amount, nil
}

// EncodeHeader serializes the receipt for the Tap-Receipt request header.
func (r *Receipt) EncodeHeader() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}
	return string(data), nil
}

// DecodeHeader parses a receipt from its header encoding.
func DecodeHeader(header string) (*Receipt, error) {
	var receipt Receipt
	if err := json.Unmarshal([]byte(header), &receipt); err != nil {
		return nil, fmt.Errorf("parse receipt: %w", err)
	}
	return &receipt, nil
}

// digest computes the signed commitment over every receipt field and the
// domain. Any field mutation changes the digest and invalidates the
// signature.
func (r *Receipt) digest(domain Domain, amount *big.Int) common.Hash {
	var chainID [32]byte
	if domain.ChainID != nil {
		domain.ChainID.FillBytes(chainID[:])
	}
	var amountBytes [32]byte
	amount.FillBytes(amountBytes[:])

	var timestamp, sequence [8]byte
	binary.BigEndian.PutUint64(timestamp[:], r.TimestampNs)
	binary.BigEndian.PutUint64(sequence[:], r.Sequence)

	return crypto.Keccak256Hash(
		[]byte("TAP-RECEIPT"),
		chainID[:],
		domain.Verifier.Bytes(),
		r.Indexer.Bytes(),
		r.Escrow.Bytes(),
		r.Payer.Bytes(),
		amountBytes[:],
		timestamp[:],
		sequence[:],
	)
}

// Verify checks the receipt signature against the domain and the payer
// address the receipt claims. It fails if any field was mutated after
// signing.
func Verify(receipt *Receipt, domain Domain) error {
	if receipt == nil {
		return fmt.Errorf("nil receipt")
	}
	amount, err := receipt.Amount()
	if err != nil {
		return err
	}
	if len(receipt.Signature) != crypto.SignatureLength {
		return fmt.Errorf("invalid signature length %d", len(receipt.Signature))
	}

	digest := receipt.digest(domain, amount)
	pubKey, err := crypto.SigToPub(digest.Bytes(), receipt.Signature)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if crypto.PubkeyToAddress(*pubKey) != receipt.Payer {
		return fmt.Errorf("signature does not match payer %s", receipt.Payer)
	}
	return nil
}
