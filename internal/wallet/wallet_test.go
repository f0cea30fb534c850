package wallet

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quoroom-dev/quoroom/internal/store"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

type fakeChain struct {
	txHash string
	err    error
	lastTo string
}

func (f *fakeChain) Send(ctx context.Context, network, token, from, to, amount string) (string, error) {
	f.lastTo = to
	return f.txHash, f.err
}

func newWalletFixture(t *testing.T, chain ChainClient) (*Service, *store.Store, int64) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "quoroom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	room := &models.Room{
		Name: "w", Objective: "fund things", Status: models.RoomActive,
		Visibility: models.VisibilityPrivate,
		Config:     models.RoomConfig{QuorumThreshold: models.ThresholdMajority},
	}
	queen := &models.Worker{Name: "w Queen", Role: "queen"}
	require.NoError(t, s.CreateRoomWithQueen(ctx, room, queen))

	return New(s, chain), s, room.ID
}

func TestCreateRoomWallet(t *testing.T) {
	svc, _, roomID := newWalletFixture(t, nil)
	ctx := context.Background()

	w, err := svc.CreateRoomWallet(ctx, roomID, "hunter2")
	require.NoError(t, err)
	require.Len(t, w.Address, 42)
	require.True(t, strings.HasPrefix(w.Address, "0x"))
	require.NotEmpty(t, w.EncryptedKey)

	// Second call conflicts; the first row is unchanged.
	_, err = svc.CreateRoomWallet(ctx, roomID, "hunter2")
	require.True(t, models.Is(err, models.KindAlreadyExists))

	again, err := svc.Balance(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, w.Address, again.Address)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := deriveKey("secret")
	plaintext := []byte("thirty-two bytes of private key!")

	sealed, err := encrypt(key, plaintext)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), string(plaintext))

	opened, err := decrypt(key, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	// Tampering fails authentication.
	sealed[len(sealed)-1] ^= 0xff
	_, err = decrypt(key, sealed)
	require.Error(t, err)

	// Wrong key fails authentication.
	sealed[len(sealed)-1] ^= 0xff
	_, err = decrypt(deriveKey("wrong"), sealed)
	require.Error(t, err)
}

func TestSendTokenSuccess(t *testing.T) {
	chain := &fakeChain{txHash: "0xdeadbeef"}
	svc, _, roomID := newWalletFixture(t, chain)
	ctx := context.Background()

	_, err := svc.CreateRoomWallet(ctx, roomID, "hunter2")
	require.NoError(t, err)

	tx, err := svc.SendToken(ctx, roomID, "hunter2", "base", "USDC", "0xrecipient", "1.50")
	require.NoError(t, err)
	require.Equal(t, models.WalletTxSuccess, tx.Status)
	require.Equal(t, "0xdeadbeef", tx.TxHash)
	require.Equal(t, "0xrecipient", chain.lastTo)

	history, err := svc.History(ctx, roomID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestSendTokenChainFailureStillLogged(t *testing.T) {
	chain := &fakeChain{err: errors.New("rpc unreachable")}
	svc, s, roomID := newWalletFixture(t, chain)
	ctx := context.Background()

	_, err := svc.CreateRoomWallet(ctx, roomID, "hunter2")
	require.NoError(t, err)

	tx, err := svc.SendToken(ctx, roomID, "hunter2", "base", "USDC", "0xrecipient", "1.50")
	require.Error(t, err)
	require.True(t, models.Is(err, models.KindChainFail))
	require.NotNil(t, tx)
	require.Equal(t, models.WalletTxFailed, tx.Status)

	history, err := svc.History(ctx, roomID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1, "failed sends are still recorded")

	_ = s
}

func TestCleartextKeyNeverPersisted(t *testing.T) {
	svc, s, roomID := newWalletFixture(t, &fakeChain{txHash: "0xabc"})
	ctx := context.Background()

	w, err := svc.CreateRoomWallet(ctx, roomID, "hunter2")
	require.NoError(t, err)
	_, err = svc.SendToken(ctx, roomID, "hunter2", "base", "USDC", "0xdst", "1")
	require.NoError(t, err)

	// Decrypt the key ourselves and scan every persisted text surface
	// for it.
	priv, err := decrypt(deriveKey("hunter2"), w.EncryptedKey)
	require.NoError(t, err)
	needle := string(priv)

	events, err := s.ListActivity(ctx, roomID, 100)
	require.NoError(t, err)
	for _, e := range events {
		require.NotContains(t, e.Summary, needle)
	}
	history, err := svc.History(ctx, roomID, 100)
	require.NoError(t, err)
	for _, tx := range history {
		require.NotContains(t, tx.Description, needle)
		require.NotContains(t, tx.Counterparty, needle)
	}
}

func TestSendTokenWithoutChainClient(t *testing.T) {
	svc, _, roomID := newWalletFixture(t, nil)
	ctx := context.Background()
	_, err := svc.CreateRoomWallet(ctx, roomID, "hunter2")
	require.NoError(t, err)

	_, err = svc.SendToken(ctx, roomID, "hunter2", "base", "USDC", "0xdst", "1")
	require.True(t, models.Is(err, models.KindChainFail))
}
