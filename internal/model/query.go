package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// QueryShape describes the priced characteristics of a query body. The shape
// is what indexer cost models evaluate; the raw body is never parsed here.
type QueryShape struct {
	Entity     string   `json:"entity"`
	Features   []string `json:"features,omitempty"`
	Complexity uint64   `json:"complexity"`
}

// ResolvedQuery is the inbound descriptor produced by upstream request
// handling. Auth and query parsing happen before this point.
type ResolvedQuery struct {
	Deployment common.Hash
	Query      string
	Shape      QueryShape
	Caller     string
	FeeCeiling *big.Int
}

// ClientResponse is the successful dispatch result returned to the caller.
type ClientResponse struct {
	Body      string
	Indexer   common.Address
	TotalCost *big.Int
	Attempts  int
}
