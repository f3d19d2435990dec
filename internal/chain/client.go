// Package chain talks to a chain RPC node: balance queries, bank-transfer
// broadcast, and participant registration. The node is an external
// collaborator; every call carries a context and an explicit timeout.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/neurongate/gateway/internal/apperr"
)

const (
	defaultTimeout      = 15 * time.Second
	registrationTimeout = 30 * time.Second
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

type balanceResponse struct {
	Balance struct {
		Denom  string `json:"denom"`
		Amount string `json:"amount"`
	} `json:"balance"`
}

// Balance returns the address's balance in the smallest denomination. A
// network failure is a typed error, never silently zero.
func (c *Client) Balance(ctx context.Context, address, denom string) (*big.Int, error) {
	url := fmt.Sprintf("%s/cosmos/bank/v1beta1/balances/%s/by_denom?denom=%s", c.baseURL, address, denom)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeWallet, "balance_query", "failed to build balance request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeWallet, "balance_query", "chain node unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Wrap(apperr.TypeWallet, "balance_query",
			fmt.Sprintf("chain node returned %d", resp.StatusCode), fmt.Errorf("%s", body))
	}

	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.TypeWallet, "balance_query", "malformed balance response", err)
	}
	amount, ok := new(big.Int).SetString(out.Balance.Amount, 10)
	if !ok {
		return nil, apperr.New(apperr.TypeWallet, "balance_query", "malformed balance amount")
	}
	return amount, nil
}

// TransferTx is a signed bank-send accepted by the node's broadcast
// endpoint. Signature covers the canonical form of the body fields and is
// bound to Timestamp.
type TransferTx struct {
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"`
	Denom       string `json:"denom"`
	PubKey      string `json:"pub_key"`
	Timestamp   int64  `json:"timestamp"`
	Signature   string `json:"signature"`
}

type broadcastResponse struct {
	Code   int    `json:"code"`
	TxHash string `json:"tx_hash"`
	RawLog string `json:"raw_log"`
}

// BroadcastTransfer submits a transfer and returns the transaction hash.
// Any non-zero result code is a failure, hash or not.
func (c *Client) BroadcastTransfer(ctx context.Context, tx TransferTx) (string, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return "", apperr.Wrap(apperr.TypeWallet, "broadcast", "failed to encode transfer", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tx/bank-send", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.TypeWallet, "broadcast", "failed to build broadcast request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.TypeWallet, "broadcast", "chain node unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apperr.Wrap(apperr.TypeWallet, "broadcast",
			fmt.Sprintf("broadcast rejected with %d", resp.StatusCode), fmt.Errorf("%s", raw))
	}

	var out broadcastResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.TypeWallet, "broadcast", "malformed broadcast response", err)
	}
	if out.Code != 0 {
		return "", apperr.Wrap(apperr.TypeWallet, "broadcast",
			fmt.Sprintf("transfer failed with code %d", out.Code), fmt.Errorf("%s", out.RawLog))
	}
	return out.TxHash, nil
}

type registerRequest struct {
	PubKey  string `json:"pub_key"`
	Address string `json:"address"`
}

// RegisterParticipant registers a wallet with the inference network.
// "Already registered" responses count as success so provisioning stays
// idempotent.
func (c *Client) RegisterParticipant(ctx context.Context, pubKeyB64, address string) error {
	ctx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	body, err := json.Marshal(registerRequest{PubKey: pubKeyB64, Address: address})
	if err != nil {
		return apperr.Wrap(apperr.TypeWallet, "register", "failed to encode registration", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/participants", bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.TypeWallet, "register", "failed to build registration request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TypeWallet, "register", "registration endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusConflict || strings.Contains(strings.ToLower(string(raw)), "already registered") {
		return nil
	}
	return apperr.Wrap(apperr.TypeWallet, "register",
		fmt.Sprintf("registration rejected with %d", resp.StatusCode), fmt.Errorf("%s", raw))
}
