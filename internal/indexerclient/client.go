package indexerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"indexerGateway/internal/attestation"
)

// ReceiptHeader carries the signed payment receipt on every indexer request.
const ReceiptHeader = "Tap-Receipt"

// ErrTimeout discriminates attempt timeouts from other transport errors; the
// selection engine observes them differently.
var ErrTimeout = errors.New("indexer request timed out")

// Response is the indexer's answer: the response body plus the attestation
// proving it, when the indexer produced one.
type Response struct {
	Body        string
	Attestation *attestation.Attestation
}

// wirePayload is the indexer service response envelope.
type wirePayload struct {
	Response    string                   `json:"response"`
	Attestation *attestation.Attestation `json:"attestation"`
	Error       string                   `json:"error"`
}

// Client performs the network call to an indexer with a per-attempt timeout.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// Query posts the query body to the indexer's deployment endpoint with the
// receipt attached, and decodes the response envelope.
func (c *Client) Query(ctx context.Context, serviceURL string, deployment common.Hash, query, receiptHeader string) (*Response, error) {
	endpoint, err := url.JoinPath(serviceURL, "deployments", "id", deployment.Hex())
	if err != nil {
		return nil, fmt.Errorf("build endpoint: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(query))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ReceiptHeader, receiptHeader)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("send query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer returned status %d", resp.StatusCode)
	}

	var payload wirePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if payload.Response == "" {
		if payload.Error != "" {
			return nil, fmt.Errorf("indexer error: %s", payload.Error)
		}
		return nil, fmt.Errorf("indexer returned no response body")
	}

	c.logger.Debug("indexer response",
		zap.String("url", serviceURL),
		zap.Int("response_len", len(payload.Response)),
		zap.Bool("attested", payload.Attestation != nil),
	)

	return &Response{
		Body:        payload.Response,
		Attestation: payload.Attestation,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
