package registry

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"indexerGateway/internal/costmodel"
)

// NetworkSource supplies the current indexer set from network state.
type NetworkSource interface {
	FetchIndexers(ctx context.Context) ([]IndexerInfo, error)
}

// ModelSink receives the declared cost models carried by each refresh.
type ModelSink interface {
	ReplaceModels(models map[costmodel.Key]*costmodel.PriceModel)
}

// Registry maintains the known indexer set. Refresh replaces the entire
// snapshot atomically; readers never observe a half-updated set.
type Registry struct {
	source   NetworkSource
	models   ModelSink
	interval time.Duration
	logger   *zap.Logger

	snap atomic.Pointer[Snapshot]
}

func NewRegistry(source NetworkSource, models ModelSink, interval time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		source:   source,
		models:   models,
		interval: interval,
		logger:   logger,
	}
	r.snap.Store(NewSnapshot(nil, time.Time{}))
	return r
}

// Refresh fetches the indexer set and swaps in a new snapshot. Indexers
// absent from the fetched set lose future eligibility; their historical
// performance records are untouched.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("network source is nil")
	}

	infos, err := r.source.FetchIndexers(ctx)
	if err != nil {
		return fmt.Errorf("fetch indexers: %w", err)
	}

	snap := NewSnapshot(infos, time.Now().UTC())
	r.snap.Store(snap)

	if r.models != nil {
		r.models.ReplaceModels(collectModels(infos))
	}

	r.logger.Info("registry refreshed",
		zap.Int("fetched", len(infos)),
		zap.Int("accepted", snap.Len()),
	)
	return nil
}

// Run refreshes once immediately and then on the configured interval until
// the context is cancelled. A failed refresh keeps the previous snapshot.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("registry refresh failed", zap.Error(err))
			}
		}
	}
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// CandidatesFor returns the indexers currently serving the deployment.
func (r *Registry) CandidatesFor(deployment common.Hash) []*Indexer {
	return r.Snapshot().CandidatesFor(deployment)
}

// EscrowAccount returns the escrow account and balance backing payments to
// the indexer, or false when none exists in the current snapshot.
func (r *Registry) EscrowAccount(indexer common.Address) (common.Hash, *big.Int, bool) {
	ix, ok := r.Snapshot().Get(indexer)
	if !ok {
		return common.Hash{}, nil, false
	}
	if ix.EscrowAccount == (common.Hash{}) || ix.EscrowBalance == nil {
		return common.Hash{}, nil, false
	}
	return ix.EscrowAccount, ix.EscrowBalance, true
}

func collectModels(infos []IndexerInfo) map[costmodel.Key]*costmodel.PriceModel {
	models := make(map[costmodel.Key]*costmodel.PriceModel)
	for _, info := range infos {
		for deployment, priceModel := range info.CostModels {
			if priceModel == nil {
				continue
			}
			models[costmodel.Key{Indexer: info.Address, Deployment: deployment}] = priceModel
		}
	}
	return models
}
