// Package wallet implements a room's custodied on-chain identity: key
// generation, at-rest encryption, and outbound transfers. Every
// operation that would ever see the cleartext private key runs inside a
// single function scope, and the key never crosses into a log line, a
// ConsoleLog row, or an Agent Executor envelope.
package wallet

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// ChainClient is the outbound collaborator that actually submits a
// transfer to a blockchain network. The core never validates chain
// semantics itself — it only knows a token's address and decimals, per
// the supported network/token configuration table.
type ChainClient interface {
	// Send submits a transfer and returns the transaction hash.
	Send(ctx context.Context, network, token, fromAddress, toAddress, amount string) (txHash string, err error)
}

// Service is the wallet business logic layered over the Store.
type Service struct {
	store *store.Store
	chain ChainClient
}

// New builds a Service. chain may be nil in configurations with no
// wallet surface enabled; sendToken then fails with chain_failed.
func New(s *store.Store, chain ChainClient) *Service {
	return &Service{store: s, chain: chain}
}

// deriveKey turns a caller-supplied secret into the AES-256 key used to
// encrypt a room's private key at rest.
func deriveKey(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// deriveAddress produces the EVM-style account address for a
// secp256k1 public key: the last 20 bytes of the Keccak-256 hash of
// the uncompressed point, 0x-prefixed (42 hex characters total).
func deriveAddress(pub *btcec.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

// CreateRoomWallet generates a new secp256k1 keypair, encrypts the
// private key under a key derived from secret, and persists one wallet
// row for roomID. Idempotent-with-conflict: a second call for a room
// that already has a wallet returns the existing row's KindAlreadyExists
// error unchanged, since the invariant (exactly one wallet per room)
// already holds.
func (s *Service) CreateRoomWallet(ctx context.Context, roomID int64, secret string) (*models.Wallet, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, models.Wrap(models.KindInternal, fmt.Errorf("generate keypair: %w", err))
	}
	defer priv.Zero()

	address := deriveAddress(priv.PubKey())

	encrypted, err := encrypt(deriveKey(secret), priv.Serialize())
	if err != nil {
		return nil, models.Wrap(models.KindInternal, err)
	}

	w := &models.Wallet{
		RoomID:       roomID,
		Address:      address,
		EncryptedKey: encrypted,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Balance returns the wallet row for a room (chain balance lookup is a
// ChainClient concern the caller performs separately; Balance here
// surfaces the custodied address and computes no total).
func (s *Service) Balance(ctx context.Context, roomID int64) (*models.Wallet, error) {
	w, err := s.store.GetWalletByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, models.NewError(models.KindNotFound, "room %d has no wallet", roomID)
	}
	return w, nil
}

// History returns a wallet's transaction ledger, most recent first.
func (s *Service) History(ctx context.Context, roomID int64, limit int) ([]*models.WalletTransaction, error) {
	w, err := s.Balance(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.store.ListWalletTransactions(ctx, w.ID, limit)
}

// SendToken decrypts the room's private key inside this function's
// scope, submits the transfer via ChainClient, and logs the outcome —
// success or failure — as a WalletTransaction plus an activity event.
// A chain failure still records the attempt with status `failed` and
// returns the original error to the caller.
func (s *Service) SendToken(ctx context.Context, roomID int64, secret, network, token, toAddress, amount string) (*models.WalletTransaction, error) {
	w, err := s.Balance(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if s.chain == nil {
		return nil, models.NewError(models.KindChainFail, "no chain client configured")
	}

	privBytes, err := decrypt(deriveKey(secret), w.EncryptedKey)
	if err != nil {
		return nil, models.Wrap(models.KindInternal, fmt.Errorf("decrypt wallet key: %w", err))
	}
	priv, _ := btcec.PrivKeyFromBytes(privBytes)
	defer priv.Zero()
	for i := range privBytes {
		privBytes[i] = 0
	}

	txHash, sendErr := s.chain.Send(ctx, network, token, w.Address, toAddress, amount)

	tx := &models.WalletTransaction{
		WalletID:     w.ID,
		Type:         models.WalletTxSend,
		Amount:       amount,
		Counterparty: toAddress,
		TxHash:       txHash,
	}
	if sendErr != nil {
		tx.Status = models.WalletTxFailed
		tx.Description = sendErr.Error()
	} else {
		tx.Status = models.WalletTxSuccess
	}
	if err := s.store.RecordWalletTransaction(ctx, tx); err != nil {
		return nil, err
	}

	eventType := "wallet.send"
	summary := fmt.Sprintf("sent %s %s to %s", amount, token, toAddress)
	if sendErr != nil {
		summary = fmt.Sprintf("send failed: %s %s to %s", amount, token, toAddress)
	}
	_ = s.store.RecordActivity(ctx, &models.ActivityEvent{
		RoomID:    roomID,
		EventType: eventType,
		Summary:   summary,
	})

	if sendErr != nil {
		return tx, models.Wrap(models.KindChainFail, sendErr)
	}
	return tx, nil
}

// encrypt seals plaintext with AES-256-GCM under key, prefixing the
// random nonce to the ciphertext so decrypt needs only the key.
func encrypt(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key [32]byte, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}
