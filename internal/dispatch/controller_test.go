package dispatch

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"indexerGateway/internal/attestation"
	"indexerGateway/internal/budget"
	"indexerGateway/internal/costmodel"
	"indexerGateway/internal/indexerclient"
	"indexerGateway/internal/model"
	"indexerGateway/internal/receipts"
	"indexerGateway/internal/registry"
	"indexerGateway/internal/selection"
)

var testDeployment = common.HexToHash("0xd1")

type fakeSupply struct {
	indexers []*registry.Indexer
}

func (f *fakeSupply) CandidatesFor(deployment common.Hash) []*registry.Indexer {
	if deployment != testDeployment {
		return nil
	}
	return f.indexers
}

type fakeEscrow struct {
	accounts map[common.Address]*big.Int
}

func (f *fakeEscrow) EscrowAccount(indexer common.Address) (common.Hash, *big.Int, bool) {
	balance, ok := f.accounts[indexer]
	if !ok {
		return common.Hash{}, nil, false
	}
	return common.HexToHash("0xe5c7"), balance, true
}

type countingIssuer struct {
	inner *receipts.Signer
	calls int
}

func (c *countingIssuer) Issue(indexer common.Address, amount *big.Int) (*receipts.Receipt, error) {
	c.calls++
	return c.inner.Issue(indexer, amount)
}

// fakeClient plays the indexer service: it checks the attached receipt the
// way a real indexer would and answers with an attested response signed by
// the per-URL key. When started/block are set, each call signals started and
// then holds until block is closed, so tests can cancel mid-send.
type fakeClient struct {
	mu      sync.Mutex
	keys    map[string]*ecdsa.PrivateKey
	domain  receipts.Domain
	err     error
	calls   int
	paid    *big.Int
	started chan struct{}
	block   chan struct{}
}

func (f *fakeClient) Query(_ context.Context, serviceURL string, deployment common.Hash, query, receiptHeader string) (*indexerclient.Response, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	receipt, err := receipts.DecodeHeader(receiptHeader)
	if err != nil {
		return nil, err
	}
	if err := receipts.Verify(receipt, f.domain); err != nil {
		return nil, err
	}
	amount, err := receipt.Amount()
	if err != nil {
		return nil, err
	}
	f.paid.Add(f.paid, amount)

	body := `{"data":{"things":[]}}`
	key, ok := f.keys[serviceURL]
	if !ok {
		return &indexerclient.Response{Body: body}, nil
	}
	att, err := attestation.Sign(key, deployment, query, body)
	if err != nil {
		return nil, err
	}
	return &indexerclient.Response{Body: body, Attestation: att}, nil
}

type captureSink struct {
	mu       sync.Mutex
	outcomes []model.QueryOutcome
}

func (s *captureSink) Submit(outcome model.QueryOutcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, outcome)
	s.mu.Unlock()
}

func (s *captureSink) all() []model.QueryOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueryOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

type harness struct {
	controller *Controller
	budget     *budget.Manager
	engine     *selection.Engine
	issuer     *countingIssuer
	client     *fakeClient
	sink       *captureSink
	indexers   []common.Address
}

// newHarness wires two indexers through real pricing, selection, budget,
// receipt, and attestation components. Indexer A costs 100 wei, B costs 50,
// so B ranks first. With escrowlessB set, B is listed in the registry but
// cannot be paid.
func newHarness(t *testing.T, allowance int64, escrowlessB bool) *harness {
	t.Helper()

	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	indexerA := crypto.PubkeyToAddress(keyA.PublicKey)
	indexerB := crypto.PubkeyToAddress(keyB.PublicKey)

	supply := &fakeSupply{indexers: []*registry.Indexer{
		{Address: indexerA, URL: "http://a.test", StakedGRT: big.NewInt(1000)},
		{Address: indexerB, URL: "http://b.test", StakedGRT: big.NewInt(1000)},
	}}

	evaluator := costmodel.NewEvaluator()
	evaluator.ReplaceModels(map[costmodel.Key]*costmodel.PriceModel{
		{Indexer: indexerA, Deployment: testDeployment}: {BaseFee: big.NewInt(100)},
		{Indexer: indexerB, Deployment: testDeployment}: {BaseFee: big.NewInt(50)},
	})

	engine := selection.NewEngine(selection.Params{DrawWidth: 1}, rand.New(rand.NewSource(1)), nil)

	manager := budget.NewManager(time.Minute, big.NewInt(allowance), nil, nil)

	escrow := map[common.Address]*big.Int{indexerA: big.NewInt(1_000_000)}
	if !escrowlessB {
		escrow[indexerB] = big.NewInt(1_000_000)
	}
	payerKey, _ := crypto.HexToECDSA("cdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd")
	domain := receipts.Domain{ChainID: big.NewInt(1), Verifier: common.HexToAddress("0x17")}
	issuer := &countingIssuer{inner: receipts.NewSigner(payerKey, domain, &fakeEscrow{accounts: escrow}, nil)}

	client := &fakeClient{
		keys: map[string]*ecdsa.PrivateKey{
			"http://a.test": keyA,
			"http://b.test": keyB,
		},
		domain: domain,
		paid:   big.NewInt(0),
	}
	sink := &captureSink{}

	controller := NewController(
		Config{MaxAttempts: 3},
		supply,
		evaluator,
		engine,
		manager,
		issuer,
		client,
		attestation.NewVerifier(),
		sink,
		nil,
	)

	return &harness{
		controller: controller,
		budget:     manager,
		engine:     engine,
		issuer:     issuer,
		client:     client,
		sink:       sink,
		indexers:   []common.Address{indexerA, indexerB},
	}
}

func testQuery(ceiling int64) model.ResolvedQuery {
	return model.ResolvedQuery{
		Deployment: testDeployment,
		Query:      `{"query":"{things}"}`,
		Shape:      model.QueryShape{Entity: "things"},
		Caller:     "caller-1",
		FeeCeiling: big.NewInt(ceiling),
	}
}

func TestDispatchDeliversVerifiedResponse(t *testing.T) {
	h := newHarness(t, 10_000, false)

	resp, err := h.controller.Dispatch(context.Background(), testQuery(1000))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if resp.Body == "" {
		t.Fatalf("empty response body")
	}
	if resp.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", resp.Attempts)
	}

	// Exactly the winner's fee is settled against the allowance.
	want := new(big.Int).Sub(big.NewInt(10_000), resp.TotalCost)
	if got := h.budget.Remaining("caller-1"); got.Cmp(want) != 0 {
		t.Fatalf("remaining allowance = %s, want %s", got, want)
	}
	if h.client.paid.Cmp(resp.TotalCost) != 0 {
		t.Fatalf("indexer received %s, client charged %s", h.client.paid, resp.TotalCost)
	}

	outcomes := h.sink.all()
	if len(outcomes) != 1 {
		t.Fatalf("emitted %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].Result != "success" {
		t.Fatalf("outcome result = %q, want success", outcomes[0].Result)
	}
}

// An indexer with no escrow fails at receipt issuance; dispatch must fail
// over to the other indexer instead of surfacing the error to the client.
func TestDispatchFailsOverFromEscrowlessIndexer(t *testing.T) {
	h := newHarness(t, 10_000, true)

	resp, err := h.controller.Dispatch(context.Background(), testQuery(1000))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if resp.Indexer != h.indexers[0] {
		t.Fatalf("served by %s, want failover to %s", resp.Indexer, h.indexers[0])
	}
	if resp.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", resp.Attempts)
	}

	// The failed attempt's reservation was returned: only A's fee is gone.
	want := new(big.Int).Sub(big.NewInt(10_000), big.NewInt(100))
	if got := h.budget.Remaining("caller-1"); got.Cmp(want) != 0 {
		t.Fatalf("remaining allowance = %s, want %s", got, want)
	}

	outcomes := h.sink.all()
	if len(outcomes) != 1 {
		t.Fatalf("emitted %d outcomes, want 1", len(outcomes))
	}
	if len(outcomes[0].Attempts) != 2 {
		t.Fatalf("outcome records %d attempts, want 2", len(outcomes[0].Attempts))
	}
}

func TestDispatchBudgetDenialIsTerminal(t *testing.T) {
	h := newHarness(t, 10, false)

	_, err := h.controller.Dispatch(context.Background(), testQuery(1000))
	if !errors.Is(err, budget.ErrDenied) {
		t.Fatalf("expected budget.ErrDenied, got %v", err)
	}

	// No receipt is ever signed and no indexer is ever contacted when the
	// caller cannot afford the attempt.
	if h.issuer.calls != 0 {
		t.Fatalf("issued %d receipts, want 0", h.issuer.calls)
	}
	if h.client.calls != 0 {
		t.Fatalf("contacted indexers %d times, want 0", h.client.calls)
	}

	outcomes := h.sink.all()
	if len(outcomes) != 1 || outcomes[0].Result != "budget_denied" {
		t.Fatalf("outcomes = %+v, want one budget_denied", outcomes)
	}
}

func TestDispatchExhaustionReleasesAllReservations(t *testing.T) {
	h := newHarness(t, 10_000, false)
	h.client.err = indexerclient.ErrTimeout

	_, err := h.controller.Dispatch(context.Background(), testQuery(1000))
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	if got := h.budget.Remaining("caller-1"); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("remaining allowance = %s, want full 10000 restored", got)
	}

	outcomes := h.sink.all()
	if len(outcomes) != 1 || outcomes[0].Result != "exhausted" {
		t.Fatalf("outcomes = %+v, want one exhausted", outcomes)
	}
	if len(outcomes[0].Attempts) != 2 {
		t.Fatalf("outcome records %d attempts, want one per candidate", len(outcomes[0].Attempts))
	}
}

func TestDispatchNoSupply(t *testing.T) {
	h := newHarness(t, 10_000, false)

	_, err := h.controller.Dispatch(context.Background(), model.ResolvedQuery{
		Deployment: common.HexToHash("0xffff"),
		Query:      "{}",
		Caller:     "caller-1",
	})
	if !errors.Is(err, ErrNoSupply) {
		t.Fatalf("expected ErrNoSupply, got %v", err)
	}
	if _, err2 := h.controller.Dispatch(context.Background(), model.ResolvedQuery{
		Deployment: common.HexToHash("0xffff"),
		Caller:     "caller-1",
	}); !errors.Is(err2, ErrNoSupply) {
		t.Fatalf("expected ErrNoSupply, got %v", err2)
	}

	outcomes := h.sink.all()
	if len(outcomes) != 2 {
		t.Fatalf("emitted %d outcomes, want one per dispatch", len(outcomes))
	}
	for _, outcome := range outcomes {
		if outcome.Result != "no_supply" {
			t.Fatalf("outcome result = %q, want no_supply", outcome.Result)
		}
	}
}

// A delivered but unattested response must not be paid for or returned.
func TestDispatchRejectsUnattestedResponse(t *testing.T) {
	h := newHarness(t, 10_000, false)
	h.client.keys = nil // indexers answer without attestations

	_, err := h.controller.Dispatch(context.Background(), testQuery(1000))
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if got := h.budget.Remaining("caller-1"); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("remaining allowance = %s, want full 10000 restored", got)
	}
}

func TestDispatchCanceledContext(t *testing.T) {
	h := newHarness(t, 10_000, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.controller.Dispatch(ctx, testQuery(1000))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := h.budget.Remaining("caller-1"); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("remaining allowance = %s, want untouched", got)
	}
}

// Cancelling while the request is on the wire abandons the attempt: the
// reservation comes back immediately, there is no retry on the client's
// behalf, and the eventual indexer result still feeds the selection stats.
func TestDispatchCancelMidSendReleasesAndRecordsLateOutcome(t *testing.T) {
	h := newHarness(t, 10_000, false)
	h.client.started = make(chan struct{}, 1)
	h.client.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := h.controller.Dispatch(ctx, testQuery(1000))
		errs <- err
	}()

	<-h.client.started
	cancel()

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := h.budget.Remaining("caller-1"); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("remaining allowance = %s, want fully restored", got)
	}
	if h.client.calls != 0 {
		// calls increments only after block releases; >0 would mean a retry.
		t.Fatalf("client calls = %d before release, want 0", h.client.calls)
	}

	// Let the in-flight send land. B (cheaper, first-ranked) answers with a
	// valid attestation, so the late outcome records a verified success.
	close(h.client.block)
	indexerB := h.indexers[1]
	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, ok := h.engine.Stats(indexerB, testDeployment)
		if ok && stats.SuccessMass > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late outcome never reached selection stats")
		}
		time.Sleep(5 * time.Millisecond)
	}

	outcomes := h.sink.all()
	if len(outcomes) != 1 || outcomes[0].Result != "canceled" {
		t.Fatalf("outcomes = %+v, want one canceled", outcomes)
	}
}
