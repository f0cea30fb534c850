package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// CreateWallet inserts the one wallet a room may own. A second attempt
// for the same room fails with models.KindAlreadyExists — callers
// (internal/wallet) treat that as success-in-spirit since the
// invariant ("exactly one wallet per room") already holds.
func (s *Store) CreateWallet(ctx context.Context, w *models.Wallet) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO wallets(room_id, address, encrypted_key, chain_metadata, on_chain_identity)
			VALUES (?, ?, ?, ?, ?)`,
			w.RoomID, w.Address, w.EncryptedKey, nullString(w.ChainMetadata), nullString(w.OnChainIdentity))
		if err != nil {
			if isUnique(err) {
				return models.NewError(models.KindAlreadyExists, "room %d already has a wallet", w.RoomID)
			}
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		w.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM wallets WHERE id = ?`, id).Scan(&w.CreatedAt)
	})
}

// GetWalletByRoom returns the room's wallet, or (nil, nil) if none
// exists yet.
func (s *Store) GetWalletByRoom(ctx context.Context, roomID int64) (*models.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, address, encrypted_key, chain_metadata, on_chain_identity, created_at
		FROM wallets WHERE room_id = ?`, roomID)
	var w models.Wallet
	var chainMeta, identity sql.NullString
	err := row.Scan(&w.ID, &w.RoomID, &w.Address, &w.EncryptedKey, &chainMeta, &identity, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	w.ChainMetadata = chainMeta.String
	w.OnChainIdentity = identity.String
	return &w, nil
}

// RecordWalletTransaction logs a transfer attempt, successful or not.
func (s *Store) RecordWalletTransaction(ctx context.Context, t *models.WalletTransaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions(wallet_id, type, amount, counterparty, tx_hash, description, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.WalletID, string(t.Type), t.Amount, nullString(t.Counterparty), nullString(t.TxHash), nullString(t.Description), string(t.Status))
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		t.ID = id
		return tx.QueryRowContext(ctx, `SELECT created_at FROM wallet_transactions WHERE id = ?`, id).Scan(&t.CreatedAt)
	})
}

// ListWalletTransactions returns a wallet's ledger, most recent first.
func (s *Store) ListWalletTransactions(ctx context.Context, walletID int64, limit int) ([]*models.WalletTransaction, error) {
	q := `SELECT id, wallet_id, type, amount, counterparty, tx_hash, description, status, created_at
		FROM wallet_transactions WHERE wallet_id = ? ORDER BY id DESC`
	args := []any{walletID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}
	defer rows.Close()

	var out []*models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		var counterparty, txHash, desc sql.NullString
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &counterparty, &txHash, &desc, &t.Status, &t.CreatedAt); err != nil {
			return nil, models.Wrap(models.KindInternal, err)
		}
		t.Counterparty = counterparty.String
		t.TxHash = txHash.String
		t.Description = desc.String
		out = append(out, &t)
	}
	return out, rows.Err()
}
