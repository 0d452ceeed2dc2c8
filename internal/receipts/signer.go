package receipts

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// ErrNoEscrow marks an indexer with no usable escrow backing. The candidate
// is excluded; the failure never aborts the whole query.
var ErrNoEscrow = errors.New("no escrow for indexer")

// EscrowSource supplies the escrow account and available balance backing
// payments to an indexer. The registry implements this from network state.
type EscrowSource interface {
	EscrowAccount(indexer common.Address) (common.Hash, *big.Int, bool)
}

// Signer issues signed receipts against escrow. Sequence numbers are
// strictly increasing per indexer; the downstream aggregation protocol
// treats any regression as a fatal bug, so assignment is serialized here.
type Signer struct {
	key    *ecdsa.PrivateKey
	payer  common.Address
	domain Domain
	escrow EscrowSource
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	sequences map[common.Address]uint64
}

func NewSigner(key *ecdsa.PrivateKey, domain Domain, escrow EscrowSource, logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{
		key:       key,
		payer:     crypto.PubkeyToAddress(key.PublicKey),
		domain:    domain,
		escrow:    escrow,
		logger:    logger,
		now:       time.Now,
		sequences: make(map[common.Address]uint64),
	}
}

// Payer returns the signing address receipts are issued from.
func (s *Signer) Payer() common.Address {
	return s.payer
}

// Domain returns the payment domain receipts are bound to.
func (s *Signer) Domain() Domain {
	return s.domain
}

// Issue constructs and signs a receipt for exactly the given amount against
// the indexer's escrow account. Fails with ErrNoEscrow when no escrow exists
// or its balance does not cover the amount.
func (s *Signer) Issue(indexer common.Address, amount *big.Int) (*Receipt, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid receipt amount")
	}
	if s.escrow == nil {
		return nil, fmt.Errorf("%w: no escrow source", ErrNoEscrow)
	}

	account, balance, ok := s.escrow.EscrowAccount(indexer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEscrow, indexer)
	}
	if balance == nil || balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: balance below fee %s", ErrNoEscrow, amount)
	}

	receipt := &Receipt{
		Indexer:     indexer,
		Escrow:      account,
		Payer:       s.payer,
		AmountWei:   amount.String(),
		TimestampNs: uint64(s.now().UnixNano()),
		Sequence:    s.nextSequence(indexer),
	}

	signature, err := crypto.Sign(receipt.digest(s.domain, amount).Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}
	receipt.Signature = signature
	return receipt, nil
}

func (s *Signer) nextSequence(indexer common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[indexer]++
	return s.sequences[indexer]
}
