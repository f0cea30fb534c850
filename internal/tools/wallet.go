package tools

import (
	"context"
	"encoding/json"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// walletBalanceTool implements `wallet_balance`.
type walletBalanceTool struct{ c *ctx }

func (t *walletBalanceTool) Name() string        { return "wallet_balance" }
func (t *walletBalanceTool) Description() string { return "Show the room wallet's address and ledger." }
func (t *walletBalanceTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t *walletBalanceTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	w, err := t.c.Wallet.Balance(ctx, t.c.RoomID)
	if err != nil {
		return errResult(err)
	}
	// Only the public half leaves this function.
	return okResult(map[string]any{"address": w.Address, "chain_metadata": w.ChainMetadata})
}

// walletSendTool implements `wallet_send`.
type walletSendTool struct{ c *ctx }

func (t *walletSendTool) Name() string { return "wallet_send" }
func (t *walletSendTool) Description() string {
	return "Send tokens from the room wallet to a destination address."
}
func (t *walletSendTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{
		"to_address":{"type":"string"},
		"amount":{"type":"string","description":"decimal string"},
		"token":{"type":"string"},
		"network":{"type":"string"}
	},"required":["to_address","amount","token","network"]}`)
}
func (t *walletSendTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		ToAddress string `json:"to_address"`
		Amount    string `json:"amount"`
		Token     string `json:"token"`
		Network   string `json:"network"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	tx, err := t.c.Wallet.SendToken(ctx, t.c.RoomID, t.c.WalletSecret, p.Network, p.Token, p.ToAddress, p.Amount)
	if err != nil {
		return errResult(err)
	}
	return okResult(tx)
}

// walletHistoryTool implements `wallet_history`.
type walletHistoryTool struct{ c *ctx }

func (t *walletHistoryTool) Name() string        { return "wallet_history" }
func (t *walletHistoryTool) Description() string { return "List the room wallet's recent transactions." }
func (t *walletHistoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer"}}}`)
}
func (t *walletHistoryTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "%v", err))
	}
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 20
	}
	history, err := t.c.Wallet.History(ctx, t.c.RoomID, p.Limit)
	if err != nil {
		return errResult(err)
	}
	return okResult(history)
}
