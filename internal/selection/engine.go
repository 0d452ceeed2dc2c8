package selection

import (
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Params are the selection policy constants. The defaults are tuning
// artifacts, not correctness requirements; operators may override them.
type Params struct {
	// HalfLife is the decay half-life of performance observations.
	HalfLife time.Duration
	// ExplorationWeight is the optimistic prior mass granted to candidates
	// with no observations, so they receive exploration traffic instead of
	// being starved by already-proven indexers.
	ExplorationWeight float64
	// DrawWidth is how many top-scoring candidates the weighted-random draw
	// considers.
	DrawWidth int
	// PriorLatency is the assumed latency for unobserved candidates.
	PriorLatency time.Duration
}

func DefaultParams() Params {
	return Params{
		HalfLife:          2 * time.Minute,
		ExplorationWeight: 1.0,
		DrawWidth:         3,
		PriorLatency:      500 * time.Millisecond,
	}
}

func (p Params) withDefaults() Params {
	defaults := DefaultParams()
	if p.HalfLife <= 0 {
		p.HalfLife = defaults.HalfLife
	}
	if p.ExplorationWeight <= 0 {
		p.ExplorationWeight = defaults.ExplorationWeight
	}
	if p.DrawWidth <= 0 {
		p.DrawWidth = defaults.DrawWidth
	}
	if p.PriorLatency <= 0 {
		p.PriorLatency = defaults.PriorLatency
	}
	return p
}

// Candidate is one (indexer, deployment) pairing eligible for a specific
// query, priced by the cost model evaluator.
type Candidate struct {
	Indexer    common.Address
	URL        string
	Deployment common.Hash
	Fee        *big.Int
	Stake      *big.Int
}

// Outcome is the feedback from one dispatch attempt.
type Outcome struct {
	Latency  time.Duration
	Success  bool
	Verified bool
	FeeWei   *big.Int
}

// Engine owns the performance records and runs the scoring and selection
// algorithm.
type Engine struct {
	params  Params
	records *recordTable
	logger  *zap.Logger
	now     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine builds an Engine. A nil rng defaults to a time-seeded source;
// tests pass a fixed-seed source to make draws deterministic.
func NewEngine(params Params, rng *rand.Rand, logger *zap.Logger) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		params:  params.withDefaults(),
		records: newRecordTable(),
		logger:  logger,
		now:     time.Now,
		rng:     rng,
	}
}

func cmpStake(a, b *big.Int) int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b)
}

type scored struct {
	candidate Candidate
	score     float64
}

// Select ranks the candidates and returns them best-first, with the first
// entry chosen by a weighted-random draw over the top scores. Candidates in
// the exclusion set are never returned. A nil result means the candidate set
// is exhausted; callers must not treat it as a transient error.
func (e *Engine) Select(candidates []Candidate, exclude map[common.Address]struct{}, feeCeiling *big.Int) []Candidate {
	now := e.now()

	ranked := make([]scored, 0, len(candidates))
	for _, candidate := range candidates {
		if _, excluded := exclude[candidate.Indexer]; excluded {
			continue
		}
		ranked = append(ranked, scored{
			candidate: candidate,
			score:     e.score(candidate, feeCeiling, now),
		})
	}
	if len(ranked) == 0 {
		return nil
	}

	// Ties broken by higher stake: the network's economic security model
	// treats stake as a trustworthiness proxy.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return cmpStake(ranked[i].candidate.Stake, ranked[j].candidate.Stake) > 0
	})

	e.drawFront(ranked)

	out := make([]Candidate, len(ranked))
	for i, entry := range ranked {
		out[i] = entry.candidate
	}
	return out
}

// drawFront promotes one of the top-scoring candidates to the front with
// probability proportional to its score, balancing exploitation against
// exploration.
func (e *Engine) drawFront(ranked []scored) {
	width := e.params.DrawWidth
	if width > len(ranked) {
		width = len(ranked)
	}
	if width < 2 {
		return
	}

	var totalWeight float64
	for _, entry := range ranked[:width] {
		totalWeight += entry.score
	}
	if totalWeight <= 0 {
		return
	}

	e.rngMu.Lock()
	roll := e.rng.Float64() * totalWeight
	e.rngMu.Unlock()

	winner := 0
	for i, entry := range ranked[:width] {
		roll -= entry.score
		if roll <= 0 {
			winner = i
			break
		}
	}
	if winner != 0 {
		ranked[0], ranked[winner] = ranked[winner], ranked[0]
	}
}

// score combines expected quality, expected latency, and price into a single
// utility. Unobserved candidates get an optimistic prior so they are not
// permanently starved.
func (e *Engine) score(candidate Candidate, feeCeiling *big.Int, now time.Time) float64 {
	stats := e.statsAt(candidate.Indexer, candidate.Deployment, now)
	total := stats.SuccessMass + stats.FailureMass

	// Expected quality: decayed success rate with optimistic prior mass.
	quality := (stats.SuccessMass + e.params.ExplorationWeight) / (total + e.params.ExplorationWeight)

	// Expected latency: decayed mean penalized by one standard deviation.
	latencyMs := float64(e.params.PriorLatency.Milliseconds())
	if total > 0 {
		latencyMs = stats.MeanLatencyMs + stats.StdevLatencyMs
	}
	latencyUtility := 1000.0 / (1000.0 + latencyMs)

	// Price: lower is better, weighted against the caller's fee ceiling.
	priceUtility := 1.0
	if candidate.Fee != nil && feeCeiling != nil && feeCeiling.Sign() > 0 {
		fee, _ := new(big.Float).SetInt(candidate.Fee).Float64()
		ceiling, _ := new(big.Float).SetInt(feeCeiling).Float64()
		if ceiling > 0 {
			priceUtility = 1.0 / (1.0 + fee/ceiling)
		}
	}

	return quality * latencyUtility * priceUtility
}

// RecordOutcome folds one dispatch outcome into the decayed aggregates. It is
// safe under unbounded concurrent callers; aggregates are commutative decayed
// sums, so ordering between concurrent outcomes does not matter.
func (e *Engine) RecordOutcome(indexer common.Address, deployment common.Hash, outcome Outcome) {
	record := e.records.getOrCreate(recordKey{indexer: indexer, deployment: deployment})
	latencyMs := float64(outcome.Latency.Milliseconds())

	record.mu.Lock()
	record.decayLocked(e.now(), e.params.HalfLife)
	if outcome.Success && outcome.Verified {
		record.successMass++
	} else {
		record.failureMass++
	}
	record.latencyMass += latencyMs
	record.latencySqMass += latencyMs * latencyMs
	if outcome.FeeWei != nil {
		record.lastFeeWei = outcome.FeeWei.String()
	}
	record.mu.Unlock()
}

// Stats returns the decayed view of one performance record, or false when no
// observations exist.
func (e *Engine) Stats(indexer common.Address, deployment common.Hash) (Stats, bool) {
	record := e.records.get(recordKey{indexer: indexer, deployment: deployment})
	if record == nil {
		return Stats{}, false
	}

	record.mu.Lock()
	stats := record.statsLocked(e.now(), e.params.HalfLife)
	record.mu.Unlock()
	return stats, true
}

func (e *Engine) statsAt(indexer common.Address, deployment common.Hash, now time.Time) Stats {
	record := e.records.get(recordKey{indexer: indexer, deployment: deployment})
	if record == nil {
		return Stats{}
	}

	record.mu.Lock()
	stats := record.statsLocked(now, e.params.HalfLife)
	record.mu.Unlock()
	return stats
}
