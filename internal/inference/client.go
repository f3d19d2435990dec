// Package inference sends signed chat-completion requests to a pool of
// inference nodes and extracts token-usage accounting from the response.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/neurongate/gateway/internal/apperr"
	"github.com/neurongate/gateway/internal/cache"
	"github.com/neurongate/gateway/internal/models"
	"github.com/neurongate/gateway/internal/signing"
)

// NodeInfo is the node's self-reported identity from GET /v1/info.
type NodeInfo struct {
	ProviderAddress string `json:"provider_address"`
}

// Selector picks a node index. The default is uniform random; tests inject
// a fixed one.
type Selector func(n int) int

type Client struct {
	nodes  []string
	http   *http.Client
	cache  *cache.Cache
	pick   Selector
}

func NewClient(nodes []string, infoCache *cache.Cache) *Client {
	return &Client{
		nodes: nodes,
		// No overall timeout: streamed generations hold the connection for
		// their full duration. Per-call deadlines come from the context.
		http:  &http.Client{},
		cache: infoCache,
		pick:  rand.Intn,
	}
}

// WithSelector swaps the node-selection strategy.
func (c *Client) WithSelector(s Selector) *Client {
	c.pick = s
	return c
}

// Request carries one signed upstream call. Key is borrowed from the
// caller, who remains responsible for zeroing it.
type Request struct {
	Body    []byte
	Stream  bool
	Key     *secp256k1.PrivateKey
	Address string
	// Register is invoked once if the node reports the wallet as
	// unregistered, then the call is retried. Nil disables the retry.
	Register func(ctx context.Context) error
}

// Response is either a fully-read JSON body (with usage extracted) or, for
// streams, the open body the caller must drain and close.
type Response struct {
	Stream bool
	Body   io.ReadCloser
	Raw    []byte
	Usage  *models.Usage
}

func (c *Client) node() string {
	return strings.TrimRight(c.nodes[c.pick(len(c.nodes))], "/")
}

func (c *Client) nodeInfo(ctx context.Context, node string) (*NodeInfo, error) {
	var info NodeInfo
	if c.cache != nil && c.cache.Get(ctx, node, &info) {
		return &info, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node+"/v1/info", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeUpstream, "node_info", "failed to build info request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeUpstream, "node_info", "inference node unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.TypeUpstream, "node_info", fmt.Sprintf("node info returned %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, apperr.Wrap(apperr.TypeUpstream, "node_info", "malformed node info", err)
	}
	if info.ProviderAddress == "" {
		return nil, apperr.New(apperr.TypeUpstream, "node_info", "node reported no provider address")
	}
	if c.cache != nil {
		_ = c.cache.Set(ctx, node, &info)
	}
	return &info, nil
}

// ChatCompletion signs and relays one request to a randomly selected node.
// A node 500 is interpreted as "wallet not yet registered": the client
// registers on demand and retries exactly once.
func (c *Client) ChatCompletion(ctx context.Context, req *Request) (*Response, error) {
	return c.do(ctx, req, true)
}

func (c *Client) do(ctx context.Context, req *Request, mayRegister bool) (*Response, error) {
	node := c.node()
	info, err := c.nodeInfo(ctx, node)
	if err != nil {
		return nil, err
	}

	// Timestamp and signature travel together; the timestamp is chosen
	// once, here, and never regenerated.
	ts := time.Now().UnixNano()
	sig, err := signing.Sign(req.Key, req.Body, ts, info.ProviderAddress)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, node+"/v1/chat/completions", bytes.NewReader(req.Body))
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeUpstream, "request", "failed to build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", sig)
	httpReq.Header.Set("X-Requester-Address", req.Address)
	httpReq.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeUpstream, "request", "inference node unreachable", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, apperr.ErrRateLimited
	case resp.StatusCode == http.StatusInternalServerError:
		// The node answers 500 for a wallet it does not know. Register and
		// retry once; a second 500 means the registration did not take.
		resp.Body.Close()
		if mayRegister && req.Register != nil {
			if err := req.Register(ctx); err != nil {
				return nil, err
			}
			return c.do(ctx, req, false)
		}
		return nil, apperr.ErrNotRegistered
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, apperr.Wrap(apperr.TypeUpstream, "upstream_failed",
			fmt.Sprintf("inference node returned %d", resp.StatusCode), fmt.Errorf("%s", raw))
	}

	if req.Stream {
		return &Response{Stream: true, Body: resp.Body}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeUpstream, "read_body", "failed reading upstream response", err)
	}
	if len(raw) == 0 {
		return nil, apperr.New(apperr.TypeUpstream, "empty_body", "upstream returned an empty body")
	}
	var chunk models.ChatCompletionChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, apperr.Wrap(apperr.TypeUpstream, "decode", "malformed upstream response", err)
	}
	return &Response{Raw: raw, Usage: chunk.Usage}, nil
}
