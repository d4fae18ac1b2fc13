// Package relay speaks JSON-RPC to block-builder relays: eth_sendBundle for
// submission and eth_blockNumber for health probes.
package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

var (
	// ErrTimeout marks a relay that did not answer within its deadline.
	ErrTimeout = errors.New("relay connection timeout")
	// ErrInvalidResponse marks a relay body that fits no accepted shape.
	ErrInvalidResponse = errors.New("invalid relay response")
)

// HTTPError is a non-2xx relay response. The body is kept for diagnosis.
type HTTPError struct {
	Relay  string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("relay %s: http status %d: %s", e.Relay, e.Status, e.Body)
}

// RejectionError is a JSON-RPC error object returned by the relay.
type RejectionError struct {
	Relay   string
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("bundle rejected by %s: %s (code %d)", e.Relay, e.Message, e.Code)
}

// healthCheckTimeout bounds eth_blockNumber probes regardless of the relay's
// configured submission timeout.
const healthCheckTimeout = 10 * time.Second

// maxResponseBytes caps how much of a relay body is read back.
const maxResponseBytes = 1 << 20

// Options carries the optional eth_sendBundle fields. Unset fields are
// omitted from the wire request entirely.
type Options struct {
	TargetBlock       *uint64
	MinTimestamp      *uint64
	MaxTimestamp      *uint64
	RevertingTxHashes []common.Hash
}

// sendBundleArgs is the single params object of eth_sendBundle.
type sendBundleArgs struct {
	Txs               []string      `json:"txs"`
	BlockNumber       string        `json:"blockNumber,omitempty"`
	MinTimestamp      *uint64       `json:"minTimestamp,omitempty"`
	MaxTimestamp      *uint64       `json:"maxTimestamp,omitempty"`
	RevertingTxHashes []common.Hash `json:"revertingTxHashes,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client submits bundles to one configured relay.
type Client struct {
	name           string
	url            string
	paymentAddress common.Address
	submit         *http.Client
	health         *http.Client
}

// NewClient builds a relay client whose submissions are bounded by timeout.
func NewClient(name, rawurl string, paymentAddress common.Address, timeout time.Duration) *Client {
	return &Client{
		name:           name,
		url:            rawurl,
		paymentAddress: paymentAddress,
		submit:         &http.Client{Timeout: timeout},
		health:         &http.Client{Timeout: healthCheckTimeout},
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) URL() string { return c.url }

// PaymentAddress is the recipient the payment transaction for this relay
// must carry.
func (c *Client) PaymentAddress() common.Address { return c.paymentAddress }

// SendBundle posts eth_sendBundle and returns the relay's bundle hash.
// Transactions must already be 0x-prefixed hex; the target block is encoded
// as 0x-prefixed lower-case hex and omitted entirely when absent.
func (c *Client) SendBundle(ctx context.Context, txs []string, opts Options) (string, error) {
	args := sendBundleArgs{
		Txs:               txs,
		MinTimestamp:      opts.MinTimestamp,
		MaxTimestamp:      opts.MaxTimestamp,
		RevertingTxHashes: opts.RevertingTxHashes,
	}
	if opts.TargetBlock != nil {
		args.BlockNumber = hexutil.EncodeUint64(*opts.TargetBlock)
	}
	raw, err := c.post(ctx, c.submit, rpcRequest{
		JSONRPC: "2.0",
		ID:      requestID(),
		Method:  "eth_sendBundle",
		Params:  []any{args},
	})
	if err != nil {
		return "", err
	}
	return c.parseSubmitResponse(raw)
}

// HealthCheck probes the relay with eth_blockNumber under a fixed 10s
// deadline and reports the elapsed wall time.
func (c *Client) HealthCheck(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	start := time.Now()
	raw, err := c.post(ctx, c.health, rpcRequest{
		JSONRPC: "2.0",
		ID:      requestID(),
		Method:  "eth_blockNumber",
		Params:  []any{},
	})
	if err != nil {
		return 0, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidResponse, c.name, err)
	}
	return time.Since(start), nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, req rpcRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal relay request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, c.name)
		}
		return nil, fmt.Errorf("relay %s: request failed: %w", c.name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("relay %s: read response: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Relay: c.name, Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// parseSubmitResponse accepts the response shapes builders emit in the wild:
// a bare hash string result, a {"bundleHash": ...} object, or a JSON-RPC
// error object. Anything else is an invalid response carrying the raw body.
func (c *Client) parseSubmitResponse(raw []byte) (string, error) {
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: %s: %v: %s", ErrInvalidResponse, c.name, err, string(raw))
	}
	if resp.Error != nil {
		return "", &RejectionError{Relay: c.name, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if len(resp.Result) == 0 || bytes.Equal(resp.Result, []byte("null")) {
		return "", fmt.Errorf("%w: %s: missing result: %s", ErrInvalidResponse, c.name, string(raw))
	}
	var hash string
	if err := json.Unmarshal(resp.Result, &hash); err == nil {
		return hash, nil
	}
	var nested struct {
		BundleHash string `json:"bundleHash"`
	}
	if err := json.Unmarshal(resp.Result, &nested); err == nil && nested.BundleHash != "" {
		return nested.BundleHash, nil
	}
	return "", fmt.Errorf("%w: %s: unrecognized result shape: %s", ErrInvalidResponse, c.name, string(raw))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}

// requestID derives a non-sequential JSON-RPC id from a fresh UUIDv4 so
// concurrent submissions cannot be correlated by relay-side counters.
func requestID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}
