// Package relay looks up the downstream packet of a submitted transfer in the relay indexer.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/speedrun-hq/speedrun-relayer/pkg/backoff"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
	"golang.org/x/time/rate"
)

const transferQuery = `query ($submission_tx_hash: String!) { v2_transfers(args: {p_transaction_hash: $submission_tx_hash}) { packet_hash } }`

// errNotIndexed means the indexer answered but has no packet for the hash yet
var errNotIndexed = errors.New("transfer not indexed yet")

type graphQLRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type transfersResponse struct {
	Data struct {
		Transfers []struct {
			PacketHash string `json:"packet_hash"`
		} `json:"v2_transfers"`
	} `json:"data"`
	Errors []graphQLError `json:"errors,omitempty"`
}

// Options configures a Correlator
type Options struct {
	Endpoint string
	// Timeout bounds a single indexer request
	Timeout time.Duration
	Polling config.BackoffConfig
	// RateLimit is indexer requests per second; zero disables limiting
	RateLimit float64
	ChainID   int
}

// Correlator polls the indexer until it reports the packet of a transaction
type Correlator struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    backoff.Exponential
	attempts   int
	chainID    string
	logger     logger.Logger
}

// NewCorrelator creates a correlator for one indexer endpoint
func NewCorrelator(opts Options, log logger.Logger) *Correlator {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.DefaultIndexerTimeout * time.Second
	}
	attempts := opts.Polling.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return &Correlator{
		endpoint:   opts.Endpoint,
		httpClient: createHTTPClient(timeout),
		limiter:    limiter,
		backoff: backoff.Exponential{
			Initial:    opts.Polling.Initial,
			Multiplier: opts.Polling.Multiplier,
			Max:        opts.Polling.Max,
		},
		attempts: attempts,
		chainID:  strconv.Itoa(opts.ChainID),
		logger:   log,
	}
}

// Correlate polls until the packet shows up or the attempts run out. Running
// out is not an error: the result has Found=false. Only cancellation fails.
func (c *Correlator) Correlate(ctx context.Context, txHash string) (models.RelayCorrelation, error) {
	txHash = ensureHexPrefix(txHash)
	result := models.RelayCorrelation{SourceTx: txHash}

	var packet string
	err := retry.Do(func() error {
		var err error
		packet, err = c.Lookup(ctx, txHash)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(uint(c.attempts)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return c.backoff.Next(int(n) + 1)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if !errors.Is(err, errNotIndexed) {
				c.logger.Debug("Indexer lookup for %s failed (attempt %d/%d): %v", txHash, n+1, c.attempts, err)
			}
		}),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if err != nil {
		metrics.Correlations.WithLabelValues(c.chainID, "false").Inc()
		notFound := &txerr.CorrelationNotFound{TxHash: txHash, Attempts: c.attempts}
		c.logger.Notice("%v", notFound)
		return result, nil
	}

	metrics.Correlations.WithLabelValues(c.chainID, "true").Inc()
	result.PacketHash = packet
	result.Found = true
	return result, nil
}

// Lookup performs a single indexer query. It returns errNotIndexed when the
// indexer has no packet for the hash yet.
func (c *Correlator) Lookup(ctx context.Context, txHash string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	payload, err := json.Marshal(graphQLRequest{
		Query:     transferQuery,
		Variables: map[string]string{"submission_tx_hash": ensureHexPrefix(txHash)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("accept", "application/graphql-response+json, application/json")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("origin", "https://app.union.build")
	req.Header.Set("referer", "https://app.union.build/")
	req.Header.Set("user-agent", "Mozilla/5.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query indexer: %w", err)
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	// Read the response body regardless of status code
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsed transfersResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode indexer response: %w, body: %s", err, string(bodyBytes))
	}
	if len(parsed.Errors) > 0 {
		return "", fmt.Errorf("indexer returned error: %s", parsed.Errors[0].Message)
	}
	if len(parsed.Data.Transfers) == 0 || parsed.Data.Transfers[0].PacketHash == "" {
		return "", errNotIndexed
	}
	return parsed.Data.Transfers[0].PacketHash, nil
}

func ensureHexPrefix(hash string) string {
	if strings.HasPrefix(hash, "0x") || strings.HasPrefix(hash, "0X") {
		return hash
	}
	return "0x" + hash
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
