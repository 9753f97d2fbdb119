package types_test

import (
	"testing"
	"time"

	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestVtxoExpiry(t *testing.T) {
	now := time.Now()

	var byHeight types.Vtxo
	require.NoError(t, byHeight.SetExpiry(850_000))
	require.Equal(t, uint32(850_000), byHeight.ExpiresAtHeight)
	require.True(t, byHeight.ExpiresAt.IsZero())
	require.False(t, byHeight.IsRecoverable(now))

	var byTime types.Vtxo
	require.NoError(t, byTime.SetExpiry(now.Add(-time.Minute).Unix()))
	require.Zero(t, byTime.ExpiresAtHeight)
	require.True(t, byTime.IsRecoverable(now))

	byTime.Spent = true
	require.False(t, byTime.IsRecoverable(now))

	swept := types.Vtxo{Swept: true}
	require.True(t, swept.IsRecoverable(now))
}

func TestOutpoint(t *testing.T) {
	txid := "0f0a2c2bd1a7a3b0b2ea2b6e5b2d0a3a6a0f0c1b2a3d4e5f60718293a4b5c6d7"
	outpoint, err := types.ParseOutpoint(txid + ":3")
	require.NoError(t, err)
	require.Equal(t, types.Outpoint{Txid: txid, VOut: 3}, outpoint)
	require.Equal(t, txid+":3", outpoint.String())

	wireOutpoint, err := outpoint.ToWire()
	require.NoError(t, err)
	require.Equal(t, outpoint, types.OutpointFromWire(wireOutpoint))

	_, err = types.ParseOutpoint("nope")
	require.Error(t, err)
}

func TestVtxoHash(t *testing.T) {
	a := types.Vtxo{Outpoint: types.Outpoint{Txid: "aa", VOut: 1}, Amount: 1000}
	b := a
	require.Equal(t, a.Hash(), b.Hash())
	b.Spent = true
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestReceiver(t *testing.T) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	onchain := types.Receiver{To: addr.EncodeAddress(), Amount: 1000}
	require.True(t, onchain.IsOnchain())
	out, isOnchain, err := onchain.ToTxOut(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.True(t, isOnchain)
	require.Equal(t, int64(1000), out.Value)

	_, _, err = types.Receiver{To: "invalid", Amount: 1}.ToTxOut(&chaincfg.RegressionNetParams)
	require.Error(t, err)
}

func TestIntentState(t *testing.T) {
	require.False(t, types.IntentWaitingForBatch.IsTerminal())
	require.True(t, types.IntentCancelled.IsTerminal())
	intent := types.Intent{
		State:       types.IntentWaitingToSubmit,
		LockedVtxos: []types.Outpoint{{Txid: "aa", VOut: 0}},
	}
	require.True(t, intent.IsActive())
	require.True(t, intent.Locks(types.Outpoint{Txid: "aa", VOut: 0}))
	require.False(t, intent.Locks(types.Outpoint{Txid: "aa", VOut: 1}))
}
