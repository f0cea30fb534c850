package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// TokenInfo is one supported network/token pair. The engine does not
// validate chain semantics; it only forwards the token's contract
// address and decimals to the RPC endpoint.
type TokenInfo struct {
	Network  string
	Token    string
	Address  string
	Decimals int
}

// RPCClient submits transfers to an external chain RPC endpoint over
// HTTP. It is the shipped ChainClient; a different chain integration
// only needs to satisfy the interface.
type RPCClient struct {
	url     string
	http    *http.Client
	tokens  map[string]TokenInfo
}

// NewRPCClient builds an RPCClient. tokens is the supported
// network/token configuration table; sends for pairs outside it fail
// before any network call.
func NewRPCClient(url string, timeout time.Duration, tokens []TokenInfo) *RPCClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	table := make(map[string]TokenInfo, len(tokens))
	for _, t := range tokens {
		table[t.Network+"/"+t.Token] = t
	}
	return &RPCClient{
		url:    url,
		http:   &http.Client{Timeout: timeout},
		tokens: table,
	}
}

// Send submits one transfer and returns the transaction hash.
func (c *RPCClient) Send(ctx context.Context, network, token, fromAddress, toAddress, amount string) (string, error) {
	info, ok := c.tokens[network+"/"+token]
	if !ok {
		return "", models.NewError(models.KindInvalidInput, "unsupported network/token pair %s/%s", network, token)
	}

	payload, err := json.Marshal(map[string]any{
		"network":       network,
		"token":         token,
		"token_address": info.Address,
		"decimals":      info.Decimals,
		"from":          fromAddress,
		"to":            toAddress,
		"amount":        amount,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chain rpc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("chain rpc: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		TxHash string `json:"tx_hash"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("chain rpc: decode: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("chain rpc: %s", out.Error)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("chain rpc: empty tx hash")
	}
	return out.TxHash, nil
}
