package costmodel

import (
	"errors"
	"fmt"
	"math/big"

	"indexerGateway/internal/model"
)

// ErrPricingUnavailable marks a query shape the declared model cannot price.
// Such a candidate is excluded from selection, never retried.
var ErrPricingUnavailable = errors.New("pricing unavailable")

// PriceModel is an indexer-declared pricing function for one deployment.
// Fees are denominated in GRT wei.
type PriceModel struct {
	BaseFee       *big.Int            `json:"base_fee"`
	PerComplexity *big.Int            `json:"per_complexity"`
	Features      map[string]*big.Int `json:"features,omitempty"`
}

// Price evaluates the model against a query shape. Every feature named by the
// shape must be declared by the model, otherwise the shape is unpriceable.
func (m *PriceModel) Price(shape model.QueryShape) (*big.Int, error) {
	if m == nil || m.BaseFee == nil {
		return nil, fmt.Errorf("%w: no declared model", ErrPricingUnavailable)
	}
	if m.BaseFee.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative base fee", ErrPricingUnavailable)
	}

	fee := new(big.Int).Set(m.BaseFee)

	if shape.Complexity > 0 {
		if m.PerComplexity == nil {
			return nil, fmt.Errorf("%w: model does not price complexity", ErrPricingUnavailable)
		}
		units := new(big.Int).SetUint64(shape.Complexity)
		fee.Add(fee, units.Mul(units, m.PerComplexity))
	}

	for _, feature := range shape.Features {
		surcharge, ok := m.Features[feature]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported feature %q", ErrPricingUnavailable, feature)
		}
		if surcharge != nil {
			fee.Add(fee, surcharge)
		}
	}

	return fee, nil
}
