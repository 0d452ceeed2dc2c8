package registry

import (
	"math/big"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"indexerGateway/internal/costmodel"
)

// Indexer is one network participant as of the latest refresh. Records are
// replaced wholesale on refresh, never mutated in place.
type Indexer struct {
	Address       common.Address
	URL           string
	StakedGRT     *big.Int
	Deployments   map[common.Hash]struct{}
	EscrowAccount common.Hash
	EscrowBalance *big.Int
}

// Serves reports whether the indexer currently serves the deployment.
func (ix *Indexer) Serves(deployment common.Hash) bool {
	_, ok := ix.Deployments[deployment]
	return ok
}

// IndexerInfo is the raw per-indexer record delivered by the network source.
type IndexerInfo struct {
	Address       common.Address                        `json:"address"`
	URL           string                                `json:"url"`
	StakedGRT     *big.Int                              `json:"staked_grt"`
	Deployments   []common.Hash                         `json:"deployments"`
	EscrowAccount common.Hash                           `json:"escrow_account"`
	EscrowBalance *big.Int                              `json:"escrow_balance"`
	CostModels    map[common.Hash]*costmodel.PriceModel `json:"cost_models"`
}

// Snapshot is an immutable view of the indexer set. Readers hold whichever
// snapshot was current when they started; refresh swaps the whole snapshot.
type Snapshot struct {
	indexers     map[common.Address]*Indexer
	byDeployment map[common.Hash][]*Indexer
	takenAt      time.Time
}

// NewSnapshot validates the raw records and builds the lookup tables.
// Indexers with an invalid URL or no served deployments are dropped.
func NewSnapshot(infos []IndexerInfo, takenAt time.Time) *Snapshot {
	snap := &Snapshot{
		indexers:     make(map[common.Address]*Indexer, len(infos)),
		byDeployment: make(map[common.Hash][]*Indexer),
		takenAt:      takenAt,
	}

	for _, info := range infos {
		if !validServiceURL(info.URL) {
			continue
		}
		if len(info.Deployments) == 0 {
			continue
		}

		staked := info.StakedGRT
		if staked == nil {
			staked = big.NewInt(0)
		}

		ix := &Indexer{
			Address:       info.Address,
			URL:           info.URL,
			StakedGRT:     staked,
			Deployments:   make(map[common.Hash]struct{}, len(info.Deployments)),
			EscrowAccount: info.EscrowAccount,
			EscrowBalance: info.EscrowBalance,
		}
		for _, deployment := range info.Deployments {
			ix.Deployments[deployment] = struct{}{}
			snap.byDeployment[deployment] = append(snap.byDeployment[deployment], ix)
		}
		snap.indexers[info.Address] = ix
	}

	return snap
}

// CandidatesFor returns the indexers serving the deployment. An empty result
// is a legitimate no-supply state, not an error.
func (s *Snapshot) CandidatesFor(deployment common.Hash) []*Indexer {
	matched := s.byDeployment[deployment]
	out := make([]*Indexer, len(matched))
	copy(out, matched)
	return out
}

// Get returns the indexer record by address.
func (s *Snapshot) Get(address common.Address) (*Indexer, bool) {
	ix, ok := s.indexers[address]
	return ix, ok
}

// Len returns the number of indexers in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.indexers)
}

// TakenAt returns when the snapshot was built.
func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

func validServiceURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}
