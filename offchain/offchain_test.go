package offchain_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/arkade-os/arkpay-sdk/offchain"
	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/arkade-os/arkpay-sdk/wallet/singlekey"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var exitDelay = arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: 144}

type testWallet struct {
	signer  wallet.Signer
	pubkey  *btcec.PublicKey
	address *contract.ArkAddress
	payment contract.Contract
}

func newWallet(t *testing.T, seed byte, server *btcec.PublicKey) testWallet {
	t.Helper()
	priv, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	signer, err := singlekey.NewSigner(priv)
	require.NoError(t, err)

	payment, err := contract.NewPaymentContract(server, pub, exitDelay)
	require.NoError(t, err)
	address, err := payment.GetArkAddress(arklib.BitcoinRegTest)
	require.NoError(t, err)
	return testWallet{signer: signer, pubkey: pub, address: address, payment: payment}
}

func newServer(t *testing.T) (wallet.Signer, *btcec.PublicKey) {
	t.Helper()
	priv, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x55}, 32))
	signer, err := singlekey.NewSigner(priv)
	require.NoError(t, err)
	return signer, pub
}

func spendableCoin(t *testing.T, w testWallet, index uint32, amount int64) *coin.SpendableCoin {
	t.Helper()
	pkScript, err := w.payment.PkScript()
	require.NoError(t, err)
	c, err := coin.GetSpendableCoin(context.Background(), coin.ArkCoin{
		Outpoint: wire.OutPoint{Hash: chainhash.Hash{0x01, byte(index)}, Index: index},
		TxOut:    wire.TxOut{Value: amount, PkScript: pkScript},
		Contract: w.payment,
	}, w.signer, contract.SpendOptions{})
	require.NoError(t, err)
	return c
}

func TestBuildOutputs(t *testing.T) {
	_, server := newServer(t)
	sender := newWallet(t, 1, server)
	receiver := newWallet(t, 2, server)

	receivers := []offchain.Receiver{{Address: receiver.address, Amount: 30_000}}

	t.Run("change above dust", func(t *testing.T) {
		outputs, err := offchain.BuildOutputs(receivers, sender.address, 50_000, 1_000)
		require.NoError(t, err)
		require.Len(t, outputs, 2)
		require.Equal(t, int64(30_000), outputs[0].Value)
		require.Equal(t, int64(20_000), outputs[1].Value)

		changeScript, err := sender.address.PkScript()
		require.NoError(t, err)
		require.Equal(t, changeScript, outputs[1].PkScript)
	})

	t.Run("change below dust", func(t *testing.T) {
		outputs, err := offchain.BuildOutputs(receivers, sender.address, 50_000, 25_000)
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		require.Equal(t, int64(30_000), outputs[0].Value)
	})

	t.Run("sub dust receiver", func(t *testing.T) {
		outputs, err := offchain.BuildOutputs(
			[]offchain.Receiver{{Address: receiver.address, Amount: 500}},
			sender.address, 50_000, 1_000,
		)
		require.NoError(t, err)
		subDust, err := receiver.address.SubDustScript()
		require.NoError(t, err)
		require.Equal(t, subDust, outputs[0].PkScript)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		_, err := offchain.BuildOutputs(receivers, sender.address, 10_000, 1_000)
		require.ErrorIs(t, err, offchain.ErrInsufficientFunds)
	})
}

func TestBuildTxs(t *testing.T) {
	_, server := newServer(t)
	sender := newWallet(t, 1, server)
	receiver := newWallet(t, 2, server)

	coins := []*coin.SpendableCoin{
		spendableCoin(t, sender, 0, 20_000),
		spendableCoin(t, sender, 1, 30_000),
	}
	outputs, err := offchain.BuildOutputs(
		[]offchain.Receiver{{Address: receiver.address, Amount: 45_000}},
		sender.address, 50_000, 1_000,
	)
	require.NoError(t, err)

	tx, err := offchain.BuildTxs(coins, outputs)
	require.NoError(t, err)
	require.Len(t, tx.Checkpoints, 2)
	require.Equal(t, txutils.ArkTxVersion, tx.ArkTx.UnsignedTx.Version)

	arkAnchor, err := txutils.FindAnchorOutpoint(tx.ArkTx.UnsignedTx)
	require.NoError(t, err)
	require.Equal(t, uint32(len(outputs)), arkAnchor.Index)

	for i, checkpoint := range tx.Checkpoints {
		require.Equal(t, txutils.ArkTxVersion, checkpoint.UnsignedTx.Version)
		require.Equal(t, coins[i].Outpoint, checkpoint.UnsignedTx.TxIn[0].PreviousOutPoint)

		anchor, err := txutils.FindAnchorOutpoint(checkpoint.UnsignedTx)
		require.NoError(t, err)
		require.Equal(t, uint32(1), anchor.Index)

		checkpointScript, err := tx.CheckpointContracts[i].PkScript()
		require.NoError(t, err)
		require.Equal(t, checkpointScript, checkpoint.UnsignedTx.TxOut[0].PkScript)
		require.Equal(t, coins[i].TxOut.Value, checkpoint.UnsignedTx.TxOut[0].Value)

		tapTree, err := txutils.GetTapTree(checkpoint.Inputs[0])
		require.NoError(t, err)
		require.Len(t, tapTree, 2)

		arkInput := tx.ArkTx.UnsignedTx.TxIn[i].PreviousOutPoint
		require.Equal(t, checkpoint.UnsignedTx.TxHash(), arkInput.Hash)
		require.Equal(t, uint32(0), arkInput.Index)
	}

	require.NoError(t, offchain.SignArkTx(context.Background(), tx))
	require.NoError(t, offchain.VerifySignedTx(tx.ArkTx, tx.ArkTx, sender.pubkey))

	err = offchain.VerifySignedTx(tx.Checkpoints[0], tx.ArkTx, sender.pubkey)
	var mismatch offchain.DigestMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, tx.Checkpoints[0].UnsignedTx.TxID(), mismatch.Expected)
}

func TestFinalizeCheckpoints(t *testing.T) {
	ctx := context.Background()
	serverSigner, server := newServer(t)
	sender := newWallet(t, 1, server)
	receiver := newWallet(t, 2, server)

	coins := []*coin.SpendableCoin{spendableCoin(t, sender, 0, 20_000)}
	outputs, err := offchain.BuildOutputs(
		[]offchain.Receiver{{Address: receiver.address, Amount: 20_000}},
		sender.address, 20_000, 1_000,
	)
	require.NoError(t, err)

	tx, err := offchain.BuildTxs(coins, outputs)
	require.NoError(t, err)

	checkpoints, err := tx.EncodedCheckpoints()
	require.NoError(t, err)

	serverSigned := make([]string, 0, len(checkpoints))
	for _, b64 := range checkpoints {
		ptx, err := txutils.DecodePsbt(b64)
		require.NoError(t, err)
		require.NoError(t, wallet.SignTapscriptInputs(
			ctx, serverSigner, ptx, []wallet.TapscriptInput{{Index: 0}},
		))
		signed, err := txutils.EncodePsbt(ptx)
		require.NoError(t, err)
		serverSigned = append(serverSigned, signed)
	}

	t.Run("unsigned by server", func(t *testing.T) {
		_, err := offchain.FinalizeCheckpoints(ctx, tx, checkpoints, server)
		require.ErrorIs(t, err, offchain.ErrMissingSignature)
	})

	// finalized inputs lose their non-final fields once encoded
	require.NotEmpty(t, tx.Checkpoints[0].Inputs[0].TaprootLeafScript)
	leaf := tx.Checkpoints[0].Inputs[0].TaprootLeafScript[0]
	leafScript := append([]byte{}, leaf.Script...)
	controlBlock := append([]byte{}, leaf.ControlBlock...)

	final, err := offchain.FinalizeCheckpoints(ctx, tx, serverSigned, server)
	require.NoError(t, err)
	require.Len(t, final, 1)

	finalPtx, err := txutils.DecodePsbt(final[0])
	require.NoError(t, err)
	require.Empty(t, finalPtx.Inputs[0].TaprootLeafScript)
	witness, err := txutils.ReadTxWitness(finalPtx.Inputs[0].FinalScriptWitness)
	require.NoError(t, err)
	// two signatures, the leaf script and the control block
	require.Len(t, witness, 4)
	require.Equal(t, leafScript, []byte(witness[2]))
	require.Equal(t, controlBlock, []byte(witness[3]))

	extracted, err := txutils.ExtractWithAnchors(finalPtx)
	require.NoError(t, err)
	require.Len(t, extracted.TxIn[0].Witness, 4)
}
