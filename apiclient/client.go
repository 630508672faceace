package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"montana-presence/logger"
	"montana-presence/models"
	"montana-presence/registry"
)

// DefaultTimeout bounds one attempt against one node, so a dead node
// cannot stall the whole failover chain.
const DefaultTimeout = 10 * time.Second

var ErrNoEndpoints = errors.New("no endpoints registered")

// Montana address: mt + 40 hex chars
var addressRe = regexp.MustCompile(`^mt[a-f0-9]{40}$`)

// ValidAddress reports whether addr is a well-formed Montana address.
func ValidAddress(addr string) bool {
	return addressRe.MatchString(addr)
}

// Client talks to the replicated Montana nodes. Ordered mode walks the
// registry by priority and returns the first success; QueryAll fans the same
// read out to every node for cross-checking. The client keeps no per-node
// health state: every call retries the full chain, so a recovered node is
// picked up automatically.
type Client struct {
	registry *registry.Registry
	http     *http.Client
}

func New(reg *registry.Registry, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		registry: reg,
		http:     &http.Client{Timeout: timeout},
	}
}

// do executes the request against each endpoint in order and decodes the
// first successful response into out. A non-200 status or an undecodable
// body counts as a failed node, same as a transport error. If every node
// fails, the last error is returned: callers treat that as "offline".
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, out any) (string, error) {
	endpoints := c.registry.Endpoints()
	if len(endpoints) == 0 {
		return "", ErrNoEndpoints
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return "", err
		}
	}

	var lastErr error
	for _, ep := range endpoints {
		err := c.attempt(ctx, ep, method, path, headers, payload, out)
		if err == nil {
			return ep.Name, nil
		}
		lastErr = err
		logger.Logger.Warn("Node attempt failed, trying next",
			zap.String("node", ep.Name), zap.String("path", path), zap.Error(err))
	}
	return "", fmt.Errorf("all %d nodes failed: %w", len(endpoints), lastErr)
}

func (c *Client) attempt(ctx context.Context, ep registry.Endpoint, method, path string, headers map[string]string, payload []byte, out any) error {
	var reqBody *bytes.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.URL+path, reqBody)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node %s: status %d", ep.Name, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("node %s: malformed response: %w", ep.Name, err)
	}
	return nil
}

func presenceHeaders(address string) map[string]string {
	return map[string]string{
		"X-Address":   address,
		"X-Timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	}
}

// SubmitPresence reports accrued seconds and returns the authoritative
// balance from the first node that accepted the delta.
func (c *Client) SubmitPresence(ctx context.Context, address string, seconds int64) (int64, error) {
	if !ValidAddress(address) {
		return 0, fmt.Errorf("invalid address %q", address)
	}
	var resp models.PresenceResponse
	_, err := c.do(ctx, http.MethodPost, "/api/presence",
		presenceHeaders(address), models.PresenceRequest{Seconds: seconds}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// FetchBalance pulls the authoritative balance without submitting anything.
func (c *Client) FetchBalance(ctx context.Context, address string) (int64, error) {
	if !ValidAddress(address) {
		return 0, fmt.Errorf("invalid address %q", address)
	}
	var resp models.BalanceResponse
	_, err := c.do(ctx, http.MethodGet, "/api/balance/"+address, presenceHeaders(address), nil, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// NetworkStatus returns the primary reachable node's status document as-is,
// consumed for display only.
func (c *Client) NetworkStatus(ctx context.Context) (json.RawMessage, string, error) {
	var raw json.RawMessage
	node, err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &raw)
	if err != nil {
		return nil, "", err
	}
	return raw, node, nil
}

// NodeVerification is one node's answer in a QueryAll verification round.
type NodeVerification struct {
	Endpoint string
	Result   models.VerifyResponse
	Err      error
}

// VerifyLedger asks every node for its ledger view of the address
// concurrently, without early termination, and returns one entry per node in
// registry order. Disagreement between nodes is data, not an error.
func (c *Client) VerifyLedger(ctx context.Context, address string) ([]NodeVerification, error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	endpoints := c.registry.Endpoints()
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	results := make([]NodeVerification, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep registry.Endpoint) {
			defer wg.Done()
			var resp models.VerifyResponse
			err := c.attempt(ctx, ep, http.MethodGet, "/api/ledger/verify/"+address, nil, nil, &resp)
			results[i] = NodeVerification{Endpoint: ep.Name, Result: resp, Err: err}
		}(i, ep)
	}
	wg.Wait()
	return results, nil
}
