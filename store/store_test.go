package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/arkade-os/arkpay-sdk/store"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	tests := []struct {
		name      string
		storeType string
	}{
		{name: "inmemory", storeType: types.InMemoryStore},
		{name: "kv", storeType: types.KVStore},
		{name: "sql", storeType: types.SQLStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := store.Config{StoreType: tt.storeType}
			if tt.storeType != types.InMemoryStore {
				config.BaseDir = t.TempDir()
			}
			svc, err := store.NewStore(config)
			require.NoError(t, err)
			t.Cleanup(svc.Close)

			t.Run("wallets", func(t *testing.T) { testWalletStore(t, svc.WalletStore()) })
			t.Run("contracts", func(t *testing.T) { testContractStore(t, svc.ContractStore()) })
			t.Run("vtxos", func(t *testing.T) { testVtxoStore(t, svc.VtxoStore()) })
			t.Run("intents", func(t *testing.T) { testIntentStore(t, svc.IntentStore()) })
		})
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := store.NewStore(store.Config{StoreType: "unknown"})
		require.Error(t, err)
		_, err = store.NewStore(store.Config{StoreType: types.SQLStore})
		require.Error(t, err)
	})
}

func testWalletStore(t *testing.T, s types.WalletStore) {
	ctx := context.Background()

	_, err := s.GetWallet(ctx, "alice")
	require.ErrorIs(t, err, types.ErrNotFound)

	wallet := types.Wallet{ID: "alice", PubKey: "02aa", CreatedAt: time.Unix(1000, 0)}
	require.NoError(t, s.UpsertWallet(ctx, wallet))

	wallet.Destination = "tark1destination"
	require.NoError(t, s.UpsertWallet(ctx, wallet))

	got, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "02aa", got.PubKey)
	require.Equal(t, "tark1destination", got.Destination)

	require.NoError(t, s.UpsertWallet(ctx, types.Wallet{ID: "bob", PubKey: "02bb"}))
	wallets, err := s.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 2)
}

func testContractStore(t *testing.T, s types.ContractStore) {
	ctx := context.Background()

	contracts := []types.WalletContract{
		{
			Script: "5120aa", WalletID: "alice", Active: true, Type: "default",
			Data: map[string]string{"user": "02aa"}, CreatedAt: time.Unix(1000, 0),
		},
		{
			Script: "5120bb", WalletID: "alice", Active: true, Type: "default",
			Data: map[string]string{"user": "02aa"}, CreatedAt: time.Unix(2000, 0),
		},
		{
			Script: "5120cc", WalletID: "bob", Active: true, Type: "default",
			Data: map[string]string{"user": "02bb"}, CreatedAt: time.Unix(3000, 0),
		},
	}
	count, err := s.AddContracts(ctx, contracts)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	count, err = s.AddContracts(ctx, contracts[:1])
	require.NoError(t, err)
	require.Zero(t, count)

	got, err := s.GetContract(ctx, "5120aa")
	require.NoError(t, err)
	require.Equal(t, "alice", got.WalletID)
	require.Equal(t, "02aa", got.Data["user"])

	require.NoError(t, s.SetActive(ctx, "5120aa", false))

	active, err := s.ListContracts(ctx, "alice", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "5120bb", active[0].Script)

	all, err := s.ListContracts(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "5120aa", all[0].Script)

	_, err = s.GetContract(ctx, "5120dd")
	require.ErrorIs(t, err, types.ErrNotFound)
	require.ErrorIs(t, s.SetActive(ctx, "5120dd", true), types.ErrNotFound)
}

func testVtxoStore(t *testing.T, s types.VtxoStore) {
	ctx := context.Background()

	vtxos := []types.Vtxo{
		{
			Outpoint:        types.Outpoint{Txid: "aa", VOut: 0},
			Script:          "5120aa",
			Amount:          10_000,
			CommitmentTxids: []string{"cc"},
			CreatedAt:       time.Unix(1000, 0),
			ExpiresAt:       time.Unix(2_000_000_000, 0),
		},
		{
			Outpoint:        types.Outpoint{Txid: "bb", VOut: 1},
			Script:          "5120bb",
			Amount:          20_000,
			CommitmentTxids: []string{"cc"},
			CreatedAt:       time.Unix(1000, 0),
			ExpiresAtHeight: 800,
		},
	}
	count, err := s.AddVtxos(ctx, vtxos)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	count, err = s.AddVtxos(ctx, vtxos)
	require.NoError(t, err)
	require.Zero(t, count)

	event := <-s.GetEventChannel()
	require.Equal(t, types.VtxosAdded, event.Type)
	require.Len(t, event.Vtxos, 2)

	byScript, err := s.GetVtxosByScripts(ctx, []string{"5120bb"})
	require.NoError(t, err)
	require.Len(t, byScript, 1)
	require.Equal(t, uint32(800), byScript[0].ExpiresAtHeight)
	require.True(t, byScript[0].ExpiresAt.IsZero())

	count, err = s.SpendVtxos(ctx, map[types.Outpoint]string{vtxos[0].Outpoint: "checkpoint"}, "arktx")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	event = <-s.GetEventChannel()
	require.Equal(t, types.VtxosSpent, event.Type)

	count, err = s.SpendVtxos(ctx, map[types.Outpoint]string{vtxos[0].Outpoint: "checkpoint"}, "arktx")
	require.NoError(t, err)
	require.Zero(t, count)

	spendable, spent, err := s.GetAllVtxos(ctx)
	require.NoError(t, err)
	require.Len(t, spendable, 1)
	require.Len(t, spent, 1)
	require.Equal(t, "checkpoint", spent[0].SpentBy)
	require.Equal(t, "arktx", spent[0].ArkTxid)

	swept := vtxos[1]
	swept.Swept = true
	count, err = s.UpdateVtxos(ctx, []types.Vtxo{swept})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := s.GetVtxos(ctx, []types.Outpoint{swept.Outpoint, {Txid: "dd"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Swept)
	require.True(t, got[0].IsRecoverable(time.Now()))
	require.Equal(t, []string{"cc"}, got[0].CommitmentTxids)
}

func testIntentStore(t *testing.T, s types.IntentStore) {
	ctx := context.Background()

	intent := types.Intent{
		ID:          "intent-1",
		WalletID:    "alice",
		State:       types.IntentWaitingToSubmit,
		LockedVtxos: []types.Outpoint{{Txid: "aa", VOut: 0}},
		ValidFrom:   time.Unix(1000, 0),
		ValidUntil:  time.Unix(2000, 0),
	}
	require.NoError(t, s.AddIntent(ctx, intent))
	require.ErrorIs(t, s.AddIntent(ctx, intent), types.ErrIntentExists)

	require.NoError(t, s.AddIntent(ctx, types.Intent{
		ID:       "intent-2",
		WalletID: "bob",
		State:    types.IntentCancelled,
	}))

	intent.State = types.IntentWaitingForBatch
	intent.RegisterProof = "proof"
	require.NoError(t, s.UpdateIntent(ctx, intent))

	got, err := s.GetIntent(ctx, "intent-1")
	require.NoError(t, err)
	require.Equal(t, types.IntentWaitingForBatch, got.State)
	require.Equal(t, "proof", got.RegisterProof)
	require.True(t, got.Locks(types.Outpoint{Txid: "aa", VOut: 0}))
	require.Equal(t, int64(2000), got.ValidUntil.Unix())

	active, err := s.ListIntents(ctx, types.IntentWaitingToSubmit, types.IntentWaitingForBatch)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "intent-1", active[0].ID)

	all, err := s.ListIntents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = s.GetIntent(ctx, "intent-3")
	require.ErrorIs(t, err, types.ErrNotFound)
	require.ErrorIs(t, s.UpdateIntent(ctx, types.Intent{ID: "intent-3"}), types.ErrNotFound)
}
