package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"indexerGateway/internal/attestation"
	"indexerGateway/internal/budget"
	"indexerGateway/internal/costmodel"
	"indexerGateway/internal/indexerclient"
	"indexerGateway/internal/model"
	"indexerGateway/internal/receipts"
	"indexerGateway/internal/registry"
	"indexerGateway/internal/selection"
)

// CandidateSource yields the indexers currently serving a deployment.
type CandidateSource interface {
	CandidatesFor(deployment common.Hash) []*registry.Indexer
}

// Pricer evaluates the indexer-declared price for a query shape.
type Pricer interface {
	Price(indexer common.Address, deployment common.Hash, shape model.QueryShape) (*big.Int, error)
}

// Selector ranks candidates and absorbs outcome feedback.
type Selector interface {
	Select(candidates []selection.Candidate, exclude map[common.Address]struct{}, feeCeiling *big.Int) []selection.Candidate
	RecordOutcome(indexer common.Address, deployment common.Hash, outcome selection.Outcome)
}

// Budgeter authorizes, settles, and releases per-query fee reservations.
type Budgeter interface {
	Authorize(caller string, amount, ceiling *big.Int) (*budget.Reservation, error)
	Settle(reservation *budget.Reservation, actual *big.Int) error
	Release(reservation *budget.Reservation)
}

// Issuer signs payment receipts against escrow.
type Issuer interface {
	Issue(indexer common.Address, amount *big.Int) (*receipts.Receipt, error)
}

// QueryClient performs the network call to an indexer.
type QueryClient interface {
	Query(ctx context.Context, serviceURL string, deployment common.Hash, query, receiptHeader string) (*indexerclient.Response, error)
}

// Verifier validates indexer attestations.
type Verifier interface {
	Verify(att *attestation.Attestation, indexer common.Address, deployment common.Hash, request, response string) error
}

// OutcomeSink consumes the terminal outcome event of each query.
type OutcomeSink interface {
	Submit(outcome model.QueryOutcome)
}

// Config holds dispatch loop settings.
type Config struct {
	MaxAttempts int
}

// Controller orchestrates the end-to-end attempt loop: resolve candidates,
// select, authorize budget, issue receipt, send, verify, feed back, retry.
type Controller struct {
	cfg      Config
	registry CandidateSource
	pricer   Pricer
	selector Selector
	budget   Budgeter
	issuer   Issuer
	client   QueryClient
	verifier Verifier
	sink     OutcomeSink
	logger   *zap.Logger
	now      func() time.Time
	querySeq atomic.Uint64
}

func NewController(
	cfg Config,
	source CandidateSource,
	pricer Pricer,
	selector Selector,
	budgeter Budgeter,
	issuer Issuer,
	client QueryClient,
	verifier Verifier,
	sink OutcomeSink,
	logger *zap.Logger,
) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		registry: source,
		pricer:   pricer,
		selector: selector,
		budget:   budgeter,
		issuer:   issuer,
		client:   client,
		verifier: verifier,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch runs one query through the state machine until a terminal state.
// Exactly one outcome event is emitted per call, whatever the terminal state.
func (c *Controller) Dispatch(ctx context.Context, q model.ResolvedQuery) (*model.ClientResponse, error) {
	started := c.now()
	queryID := fmt.Sprintf("q-%d-%d", started.UnixNano(), c.querySeq.Add(1))
	exclude := make(map[common.Address]struct{})
	attempts := make([]model.AttemptOutcome, 0, c.cfg.MaxAttempts)
	totalCost := big.NewInt(0)

	finish := func(result string, resp *model.ClientResponse, err error) (*model.ClientResponse, error) {
		c.emit(queryID, q, result, started, totalCost, attempts)
		return resp, err
	}

	supply := c.registry.CandidatesFor(q.Deployment)
	if len(supply) == 0 {
		return finish("no_supply", nil, ErrNoSupply)
	}

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish("canceled", nil, err)
		}

		candidates := c.priceCandidates(q, supply, exclude)
		ranked := c.selector.Select(candidates, exclude, q.FeeCeiling)
		if ranked == nil {
			return finish("exhausted", nil, ErrExhausted)
		}
		chosen := ranked[0]

		c.logger.Debug("dispatch attempt",
			zap.String("query_id", queryID),
			zap.Int("attempt", attempt),
			zap.String("state", StateCandidateSelected.String()),
			zap.Stringer("indexer", chosen.Indexer),
			zap.String("fee_wei", chosen.Fee.String()),
		)

		body, record, err := c.runAttempt(ctx, queryID, q, chosen)
		attempts = append(attempts, record)

		switch {
		case err == nil:
			totalCost.Set(chosen.Fee)
			return finish("success", &model.ClientResponse{
				Body:      body,
				Indexer:   chosen.Indexer,
				TotalCost: new(big.Int).Set(chosen.Fee),
				Attempts:  len(attempts),
			}, nil)
		case errors.Is(err, budget.ErrDenied):
			return finish("budget_denied", nil, err)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return finish("canceled", nil, err)
		default:
			// Per-candidate failure: exclude the indexer and go around again.
			exclude[chosen.Indexer] = struct{}{}
		}
	}

	return finish("exhausted", nil, ErrExhausted)
}

// priceCandidates evaluates declared cost models for every eligible indexer.
// Unpriceable candidates are excluded outright, never retried.
func (c *Controller) priceCandidates(q model.ResolvedQuery, supply []*registry.Indexer, exclude map[common.Address]struct{}) []selection.Candidate {
	candidates := make([]selection.Candidate, 0, len(supply))
	for _, ix := range supply {
		if _, excluded := exclude[ix.Address]; excluded {
			continue
		}
		fee, err := c.pricer.Price(ix.Address, q.Deployment, q.Shape)
		if err != nil {
			if !errors.Is(err, costmodel.ErrPricingUnavailable) {
				c.logger.Warn("pricing failed", zap.Stringer("indexer", ix.Address), zap.Error(err))
			}
			exclude[ix.Address] = struct{}{}
			continue
		}
		candidates = append(candidates, selection.Candidate{
			Indexer:    ix.Address,
			URL:        ix.URL,
			Deployment: q.Deployment,
			Fee:        fee,
			Stake:      ix.StakedGRT,
		})
	}
	return candidates
}

type sendResult struct {
	resp    *indexerclient.Response
	latency time.Duration
	err     error
}

// runAttempt drives one candidate through Authorized -> ReceiptIssued ->
// Sent -> {Verified, Rejected, TimedOut}. Every non-Verified exit releases
// the reservation.
func (c *Controller) runAttempt(ctx context.Context, queryID string, q model.ResolvedQuery, chosen selection.Candidate) (string, model.AttemptOutcome, error) {
	record := model.AttemptOutcome{
		Indexer: chosen.Indexer.Hex(),
		URL:     chosen.URL,
		FeeWei:  chosen.Fee.String(),
	}
	fail := func(err error) (string, model.AttemptOutcome, error) {
		record.Error = err.Error()
		return "", record, err
	}

	reservation, err := c.budget.Authorize(q.Caller, chosen.Fee, q.FeeCeiling)
	if err != nil {
		return fail(err)
	}

	receipt, err := c.issuer.Issue(chosen.Indexer, chosen.Fee)
	if err != nil {
		c.budget.Release(reservation)
		return fail(err)
	}
	record.ReceiptSequence = receipt.Sequence

	header, err := receipt.EncodeHeader()
	if err != nil {
		c.budget.Release(reservation)
		return fail(err)
	}

	results := make(chan sendResult, 1)
	go func() {
		sendStart := time.Now()
		resp, sendErr := c.client.Query(context.WithoutCancel(ctx), chosen.URL, q.Deployment, q.Query, header)
		results <- sendResult{resp: resp, latency: time.Since(sendStart), err: sendErr}
	}()

	var result sendResult
	select {
	case <-ctx.Done():
		// Client gone: abandon the attempt and return the reserved budget,
		// but the request is already on the wire. Its eventual outcome is
		// informative, so fold it into the selection stats when it lands.
		// It is never retried on the client's behalf.
		c.budget.Release(reservation)
		go func() {
			late := <-results
			c.recordSendOutcome(q, chosen, late)
		}()
		return fail(ctx.Err())
	case result = <-results:
	}

	record.ResponseTimeMs = uint32(result.latency.Milliseconds())

	if result.err != nil {
		c.budget.Release(reservation)
		c.selector.RecordOutcome(chosen.Indexer, q.Deployment, selection.Outcome{
			Latency: result.latency,
			FeeWei:  chosen.Fee,
		})
		if errors.Is(result.err, indexerclient.ErrTimeout) {
			c.logger.Debug("attempt timed out", zap.String("query_id", queryID), zap.Stringer("indexer", chosen.Indexer))
		}
		return fail(result.err)
	}
	record.Success = true

	if err := c.verifier.Verify(result.resp.Attestation, chosen.Indexer, q.Deployment, q.Query, result.resp.Body); err != nil {
		// An unverifiable response is not trustworthy even if delivered.
		c.budget.Release(reservation)
		c.selector.RecordOutcome(chosen.Indexer, q.Deployment, selection.Outcome{
			Latency: result.latency,
			Success: true,
			FeeWei:  chosen.Fee,
		})
		return fail(err)
	}
	record.Verified = true

	if err := c.budget.Settle(reservation, chosen.Fee); err != nil {
		return fail(fmt.Errorf("settle reservation: %w", err))
	}
	c.selector.RecordOutcome(chosen.Indexer, q.Deployment, selection.Outcome{
		Latency:  result.latency,
		Success:  true,
		Verified: true,
		FeeWei:   chosen.Fee,
	})

	return result.resp.Body, record, nil
}

// recordSendOutcome feeds a late result from an abandoned attempt into the
// selection stats. The network cost was already incurred; the observation is
// free.
func (c *Controller) recordSendOutcome(q model.ResolvedQuery, chosen selection.Candidate, result sendResult) {
	outcome := selection.Outcome{
		Latency: result.latency,
		FeeWei:  chosen.Fee,
	}
	if result.err == nil && result.resp != nil {
		outcome.Success = true
		if c.verifier.Verify(result.resp.Attestation, chosen.Indexer, q.Deployment, q.Query, result.resp.Body) == nil {
			outcome.Verified = true
		}
	}
	c.selector.RecordOutcome(chosen.Indexer, q.Deployment, outcome)
}

func (c *Controller) emit(queryID string, q model.ResolvedQuery, result string, started time.Time, totalCost *big.Int, attempts []model.AttemptOutcome) {
	if c.sink == nil {
		return
	}
	c.sink.Submit(model.QueryOutcome{
		QueryID:        queryID,
		Caller:         q.Caller,
		Deployment:     q.Deployment.Hex(),
		Result:         result,
		ResponseTimeMs: uint32(c.now().Sub(started).Milliseconds()),
		TotalFeeWei:    totalCost.String(),
		Attempts:       attempts,
		EmittedAt:      c.now().UTC().Format(time.RFC3339Nano),
	})
}
