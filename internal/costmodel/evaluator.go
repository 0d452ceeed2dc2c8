package costmodel

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"indexerGateway/internal/model"
)

// Key identifies the declared model for one (indexer, deployment) pair.
type Key struct {
	Indexer    common.Address
	Deployment common.Hash
}

// Evaluator resolves and evaluates declared price models per
// (indexer, deployment). The model table is replaced wholesale on each
// registry refresh; reads are concurrent.
type Evaluator struct {
	mu     sync.RWMutex
	models map[Key]*PriceModel
}

func NewEvaluator() *Evaluator {
	return &Evaluator{models: make(map[Key]*PriceModel)}
}

// ReplaceModels swaps in the declared model table from the latest network
// refresh. Indexers absent from the table become unpriceable.
func (e *Evaluator) ReplaceModels(models map[Key]*PriceModel) {
	copied := make(map[Key]*PriceModel, len(models))
	for key, priceModel := range models {
		copied[key] = priceModel
	}

	e.mu.Lock()
	e.models = copied
	e.mu.Unlock()
}

// SetModel declares or replaces a single model.
func (e *Evaluator) SetModel(indexer common.Address, deployment common.Hash, priceModel *PriceModel) {
	e.mu.Lock()
	e.models[Key{Indexer: indexer, Deployment: deployment}] = priceModel
	e.mu.Unlock()
}

// Price evaluates the indexer's declared model for the query shape.
func (e *Evaluator) Price(indexer common.Address, deployment common.Hash, shape model.QueryShape) (*big.Int, error) {
	e.mu.RLock()
	priceModel := e.models[Key{Indexer: indexer, Deployment: deployment}]
	e.mu.RUnlock()

	return priceModel.Price(shape)
}
