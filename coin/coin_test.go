package coin_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/arkade-os/arkpay-sdk/wallet/singlekey"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

var exitDelay = arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: 144}

func newSigner(t *testing.T, seed byte) (wallet.Signer, *btcec.PublicKey) {
	t.Helper()
	priv, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	signer, err := singlekey.NewSigner(priv)
	require.NoError(t, err)
	return signer, pub
}

func coinFor(t *testing.T, c contract.Contract, amount int64) coin.ArkCoin {
	t.Helper()
	pkScript, err := c.PkScript()
	require.NoError(t, err)
	return coin.ArkCoin{
		Outpoint: wire.OutPoint{Hash: chainhash.Hash{7}, Index: 1},
		TxOut:    wire.TxOut{Value: amount, PkScript: pkScript},
		Contract: c,
	}
}

func TestGetSpendableCoinVHTLCClaim(t *testing.T) {
	_, server := newSigner(t, 1)
	receiverSigner, receiver := newSigner(t, 2)
	_, sender := newSigner(t, 3)

	var preimage lntypes.Preimage
	copy(preimage[:], bytes.Repeat([]byte{0x24}, 32))

	vhtlc, err := contract.NewVHTLCContract(contract.VHTLCOpts{
		Sender:                               sender,
		Receiver:                             receiver,
		Server:                               server,
		PreimageHash:                         contract.PreimageHashFor(preimage),
		RefundLocktime:                       800_000,
		UnilateralClaimDelay:                 exitDelay,
		UnilateralRefundDelay:                exitDelay,
		UnilateralRefundWithoutReceiverDelay: exitDelay,
		Preimage:                             &preimage,
	})
	require.NoError(t, err)

	spendable, err := coin.GetSpendableCoin(
		context.Background(), coinFor(t, vhtlc, 5000), receiverSigner, contract.SpendOptions{},
	)
	require.NoError(t, err)

	claim, err := vhtlc.ClaimPath().Script()
	require.NoError(t, err)
	leaf, err := spendable.LeafScript()
	require.NoError(t, err)
	require.Equal(t, claim, leaf)

	refund, err := vhtlc.RefundPath().Script()
	require.NoError(t, err)
	require.NotEqual(t, refund, leaf)

	require.Equal(t, wire.TxWitness{preimage[:]}, spendable.ConditionWitness())

	tapscript, err := spendable.Tapscript()
	require.NoError(t, err)
	require.Equal(t, claim, tapscript.RevealedScript)

	info, err := vhtlc.GetTaprootSpendInfo()
	require.NoError(t, err)
	root := info.Tree.RootHash()
	require.Equal(t, root[:], tapscript.ControlBlock.RootHash(claim))
}

func TestGetSpendableCoinSequence(t *testing.T) {
	_, server := newSigner(t, 1)
	userSigner, user := newSigner(t, 2)

	payment, err := contract.NewPaymentContract(server, user, exitDelay)
	require.NoError(t, err)
	c := coinFor(t, payment, 10_000)

	t.Run("collaborative", func(t *testing.T) {
		spendable, err := coin.GetSpendableCoin(
			context.Background(), c, userSigner, contract.SpendOptions{},
		)
		require.NoError(t, err)
		require.Equal(t, contract.Collaborative, spendable.Path.Leaf.Kind())
		require.Equal(t, wire.MaxTxInSequenceNum, spendable.Sequence())
	})

	t.Run("unilateral", func(t *testing.T) {
		spendable, err := coin.GetSpendableCoin(
			context.Background(), c, userSigner, contract.SpendOptions{Unilateral: true},
		)
		require.NoError(t, err)
		require.Equal(t, contract.Unilateral, spendable.Path.Leaf.Kind())
		require.Equal(t, uint32(144), spendable.Sequence())

		spendable.Path.Sequence = nil
		require.ErrorIs(t, spendable.Validate(), coin.ErrMissingSequence)
	})

	t.Run("foreign signer", func(t *testing.T) {
		stranger, _ := newSigner(t, 9)
		_, err := coin.GetSpendableCoin(context.Background(), c, stranger, contract.SpendOptions{})
		require.ErrorIs(t, err, contract.ErrNoSpendPath)
	})

	t.Run("script mismatch", func(t *testing.T) {
		wrong := c
		wrong.TxOut.PkScript = []byte{0x51}
		_, err := coin.GetSpendableCoin(
			context.Background(), wrong, userSigner, contract.SpendOptions{},
		)
		require.ErrorIs(t, err, coin.ErrScriptMismatch)
	})
}

func TestFromVtxo(t *testing.T) {
	_, server := newSigner(t, 1)
	_, user := newSigner(t, 2)

	payment, err := contract.NewPaymentContract(server, user, exitDelay)
	require.NoError(t, err)
	pkScript, err := payment.PkScript()
	require.NoError(t, err)

	expiresAt := time.Unix(1_800_000_000, 0)
	vtxo := types.Vtxo{
		Outpoint:  types.Outpoint{Txid: chainhash.Hash{7}.String(), VOut: 1},
		Script:    hex.EncodeToString(pkScript),
		Amount:    21_000,
		ExpiresAt: expiresAt,
		Swept:     true,
	}

	c, err := coin.FromVtxo(vtxo, payment)
	require.NoError(t, err)
	require.Equal(t, chainhash.Hash{7}, c.Outpoint.Hash)
	require.Equal(t, uint32(1), c.Outpoint.Index)
	require.Equal(t, int64(21_000), c.Amount())
	require.Equal(t, pkScript, c.TxOut.PkScript)
	require.True(t, c.Recoverable)
	require.Nil(t, c.ExpiresAtHeight)
	require.True(t, c.IsExpired(expiresAt))

	vtxo.Script = "zz"
	_, err = coin.FromVtxo(vtxo, payment)
	require.Error(t, err)
}
