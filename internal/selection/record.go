package selection

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const recordShards = 16

type recordKey struct {
	indexer    common.Address
	deployment common.Hash
}

// perfRecord holds decaying aggregates for one (indexer, deployment) pair.
// All fields are observation masses: each outcome contributes weight 1 at the
// moment it is recorded and decays exponentially afterwards, so older
// observations never outweigh newer ones.
type perfRecord struct {
	mu            sync.Mutex
	successMass   float64
	failureMass   float64
	latencyMass   float64 // sum of latency_ms * weight
	latencySqMass float64 // sum of latency_ms^2 * weight
	lastFeeWei    string
	lastUpdate    time.Time
}

func (p *perfRecord) decayLocked(now time.Time, halfLife time.Duration) {
	if p.lastUpdate.IsZero() {
		p.lastUpdate = now
		return
	}
	dt := now.Sub(p.lastUpdate)
	if dt <= 0 {
		return
	}
	factor := math.Exp2(-dt.Seconds() / halfLife.Seconds())
	p.successMass *= factor
	p.failureMass *= factor
	p.latencyMass *= factor
	p.latencySqMass *= factor
	p.lastUpdate = now
}

// Stats is a decayed point-in-time view of a performance record.
type Stats struct {
	SuccessMass    float64
	FailureMass    float64
	MeanLatencyMs  float64
	StdevLatencyMs float64
	LastFeeWei     string
}

func (p *perfRecord) statsLocked(now time.Time, halfLife time.Duration) Stats {
	p.decayLocked(now, halfLife)

	stats := Stats{
		SuccessMass: p.successMass,
		FailureMass: p.failureMass,
		LastFeeWei:  p.lastFeeWei,
	}

	total := p.successMass + p.failureMass
	if total > 0 {
		mean := p.latencyMass / total
		variance := p.latencySqMass/total - mean*mean
		if variance < 0 {
			variance = 0
		}
		stats.MeanLatencyMs = mean
		stats.StdevLatencyMs = math.Sqrt(variance)
	}
	return stats
}

type recordShard struct {
	mu      sync.RWMutex
	records map[recordKey]*perfRecord
}

// recordTable is a sharded map of performance records. Shards bound lock
// contention under concurrent feedback from many in-flight queries.
type recordTable struct {
	shards [recordShards]recordShard
}

func newRecordTable() *recordTable {
	t := &recordTable{}
	for i := range t.shards {
		t.shards[i].records = make(map[recordKey]*perfRecord)
	}
	return t
}

func (t *recordTable) shardFor(key recordKey) *recordShard {
	h := fnv.New32a()
	h.Write(key.indexer[:])
	h.Write(key.deployment[:])
	return &t.shards[h.Sum32()%recordShards]
}

// get returns the record for the key, or nil when none exists yet.
func (t *recordTable) get(key recordKey) *perfRecord {
	shard := t.shardFor(key)
	shard.mu.RLock()
	record := shard.records[key]
	shard.mu.RUnlock()
	return record
}

// getOrCreate returns the record for the key, creating it if needed.
func (t *recordTable) getOrCreate(key recordKey) *perfRecord {
	if record := t.get(key); record != nil {
		return record
	}

	shard := t.shardFor(key)
	shard.mu.Lock()
	record, ok := shard.records[key]
	if !ok {
		record = &perfRecord{}
		shard.records[key] = record
	}
	shard.mu.Unlock()
	return record
}
