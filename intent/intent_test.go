package intent_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/arkade-os/arkpay-sdk/intent"
	"github.com/arkade-os/arkpay-sdk/wallet/singlekey"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testCoins(t *testing.T, amounts ...int64) []*coin.SpendableCoin {
	t.Helper()
	_, server := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x55}, 32))
	priv, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x01}, 32))
	signer, err := singlekey.NewSigner(priv)
	require.NoError(t, err)

	payment, err := contract.NewPaymentContract(
		server, pub, arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: 144},
	)
	require.NoError(t, err)
	pkScript, err := payment.PkScript()
	require.NoError(t, err)

	coins := make([]*coin.SpendableCoin, 0, len(amounts))
	for i, amount := range amounts {
		c, err := coin.GetSpendableCoin(context.Background(), coin.ArkCoin{
			Outpoint: wire.OutPoint{Hash: chainhash.Hash{0x02, byte(i)}, Index: uint32(i)},
			TxOut:    wire.TxOut{Value: amount, PkScript: pkScript},
			Contract: payment,
		}, signer, contract.SpendOptions{})
		require.NoError(t, err)
		coins = append(coins, c)
	}
	return coins
}

func TestMessages(t *testing.T) {
	now := time.Now()
	register := intent.RegisterMessage{
		BaseMessage:          intent.BaseMessage{Type: intent.IntentMessageTypeRegister},
		OnchainOutputIndexes: []int{1},
		ValidAt:              now.Unix(),
		ExpireAt:             now.Add(2 * time.Minute).Unix(),
		CosignersPublicKeys:  []string{"02aa"},
	}
	encoded, err := register.Encode()
	require.NoError(t, err)

	var decoded intent.RegisterMessage
	require.NoError(t, decoded.Decode(encoded))
	require.Equal(t, register, decoded)
	require.True(t, decoded.IsValidAt(now.Add(time.Minute)))
	require.False(t, decoded.IsValidAt(now.Add(5*time.Minute)))

	var deleteMsg intent.DeleteMessage
	err = deleteMsg.Decode(encoded)
	require.ErrorIs(t, err, intent.ErrInvalidMessage)

	_, err = intent.RegisterMessage{
		BaseMessage: intent.BaseMessage{Type: intent.IntentMessageTypeRegister},
		ValidAt:     10,
		ExpireAt:    5,
	}.Encode()
	require.ErrorIs(t, err, intent.ErrInvalidMessage)

	err = decoded.Decode("not json")
	require.ErrorIs(t, err, intent.ErrInvalidMessage)
}

func TestProof(t *testing.T) {
	ctx := context.Background()
	coins := testCoins(t, 10_000, 20_000)

	inputs := make([]intent.Input, 0, len(coins))
	for _, c := range coins {
		in, err := intent.InputFromCoin(c)
		require.NoError(t, err)
		inputs = append(inputs, in)
	}

	message, err := intent.DeleteMessage{
		BaseMessage: intent.BaseMessage{Type: intent.IntentMessageTypeDelete},
		ExpireAt:    time.Now().Add(time.Minute).Unix(),
	}.Encode()
	require.NoError(t, err)

	proof, err := intent.New(message, inputs, nil)
	require.NoError(t, err)
	require.Len(t, proof.UnsignedTx.TxIn, 3)
	require.False(t, proof.ContainsOutputs())
	require.Equal(t, []wire.OutPoint{coins[0].Outpoint, coins[1].Outpoint}, proof.GetOutpoints())

	t.Run("unsigned", func(t *testing.T) {
		require.ErrorIs(t, proof.Verify(message), intent.ErrIncompleteProof)
	})

	require.NoError(t, proof.Sign(ctx, coins))
	require.NoError(t, proof.Verify(message))

	t.Run("other message", func(t *testing.T) {
		require.ErrorIs(t, proof.Verify("another message"), intent.ErrInvalidToSpend)
	})

	t.Run("encode decode", func(t *testing.T) {
		b64, err := proof.B64Encode()
		require.NoError(t, err)
		decoded, err := intent.Decode(b64)
		require.NoError(t, err)
		require.NoError(t, decoded.Verify(message))
	})

	t.Run("signer count", func(t *testing.T) {
		require.ErrorIs(t, proof.Sign(ctx, coins[:1]), intent.ErrSignerCountMismatch)
	})
}

func TestProofWithOutputs(t *testing.T) {
	coins := testCoins(t, 10_000)
	in, err := intent.InputFromCoin(coins[0])
	require.NoError(t, err)

	outputs := []*wire.TxOut{{Value: 10_000, PkScript: coins[0].TxOut.PkScript}}
	proof, err := intent.New("register", []intent.Input{in}, outputs)
	require.NoError(t, err)
	require.True(t, proof.ContainsOutputs())

	_, err = intent.New("register", nil, outputs)
	require.ErrorIs(t, err, intent.ErrMissingInputs)
}
