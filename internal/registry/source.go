package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"indexerGateway/internal/costmodel"
)

// HTTPSource fetches the indexer set from a network-state endpoint that
// serves the JSON document described by indexerWire.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type indexerWire struct {
	Address       string                     `json:"address"`
	URL           string                     `json:"url"`
	StakedGRT     string                     `json:"staked_grt"`
	Deployments   []string                   `json:"deployments"`
	EscrowAccount string                     `json:"escrow_account"`
	EscrowBalance string                     `json:"escrow_balance"`
	CostModels    map[string]*priceModelWire `json:"cost_models"`
}

type priceModelWire struct {
	BaseFee       string            `json:"base_fee"`
	PerComplexity string            `json:"per_complexity"`
	Features      map[string]string `json:"features"`
}

// FetchIndexers implements NetworkSource.
func (s *HTTPSource) FetchIndexers(ctx context.Context) ([]IndexerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch network state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("network state endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Indexers []indexerWire `json:"indexers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode network state: %w", err)
	}

	infos := make([]IndexerInfo, 0, len(payload.Indexers))
	for _, wire := range payload.Indexers {
		info, err := wire.toInfo()
		if err != nil {
			return nil, fmt.Errorf("indexer %s: %w", wire.Address, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (w indexerWire) toInfo() (IndexerInfo, error) {
	if !common.IsHexAddress(w.Address) {
		return IndexerInfo{}, fmt.Errorf("invalid address")
	}

	staked, err := parseWei(w.StakedGRT)
	if err != nil {
		return IndexerInfo{}, fmt.Errorf("staked_grt: %w", err)
	}
	escrowBalance, err := parseWei(w.EscrowBalance)
	if err != nil {
		return IndexerInfo{}, fmt.Errorf("escrow_balance: %w", err)
	}

	deployments := make([]common.Hash, 0, len(w.Deployments))
	for _, raw := range w.Deployments {
		deployments = append(deployments, common.HexToHash(raw))
	}

	models := make(map[common.Hash]*costmodel.PriceModel, len(w.CostModels))
	for deployment, wireModel := range w.CostModels {
		if wireModel == nil {
			continue
		}
		priceModel, err := wireModel.toModel()
		if err != nil {
			return IndexerInfo{}, fmt.Errorf("cost model %s: %w", deployment, err)
		}
		models[common.HexToHash(deployment)] = priceModel
	}

	return IndexerInfo{
		Address:       common.HexToAddress(w.Address),
		URL:           w.URL,
		StakedGRT:     staked,
		Deployments:   deployments,
		EscrowAccount: common.HexToHash(w.EscrowAccount),
		EscrowBalance: escrowBalance,
		CostModels:    models,
	}, nil
}

func (w *priceModelWire) toModel() (*costmodel.PriceModel, error) {
	baseFee, err := parseWei(w.BaseFee)
	if err != nil {
		return nil, fmt.Errorf("base_fee: %w", err)
	}
	perComplexity, err := parseWei(w.PerComplexity)
	if err != nil {
		return nil, fmt.Errorf("per_complexity: %w", err)
	}

	features := make(map[string]*big.Int, len(w.Features))
	for name, raw := range w.Features {
		surcharge, err := parseWei(raw)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", name, err)
		}
		features[name] = surcharge
	}

	return &costmodel.PriceModel{
		BaseFee:       baseFee,
		PerComplexity: perComplexity,
		Features:      features,
	}, nil
}

func parseWei(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}
	return parsed, nil
}
