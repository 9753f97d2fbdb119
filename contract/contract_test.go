package contract_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	arknote "github.com/arkade-os/arkd/pkg/ark-lib/note"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

var (
	exitDelay  = arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: 144}
	claimDelay = arklib.RelativeLocktime{Type: arklib.LocktimeTypeSecond, Value: 1024}
)

func privKey(seed byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return priv
}

func testPreimage() lntypes.Preimage {
	var p lntypes.Preimage
	copy(p[:], bytes.Repeat([]byte{0x42}, 32))
	return p
}

func testContracts(t *testing.T) map[string]contract.Contract {
	t.Helper()
	server := privKey(1).PubKey()
	user := privKey(2).PubKey()
	sender := privKey(3).PubKey()
	preimage := testPreimage()

	payment, err := contract.NewPaymentContract(server, user, exitDelay)
	require.NoError(t, err)

	hashlocked, err := contract.NewHashLockedContract(
		server, user, exitDelay, contract.NewHashLock(preimage[:], contract.HashSHA256), nil,
	)
	require.NoError(t, err)

	tweaked, err := contract.NewTweakedContract(
		server, user, bytes.Repeat([]byte{0x07}, 32), exitDelay,
	)
	require.NoError(t, err)

	vhtlc, err := contract.NewVHTLCContract(contract.VHTLCOpts{
		Sender:                               sender,
		Receiver:                             user,
		Server:                               server,
		PreimageHash:                         contract.PreimageHashFor(preimage),
		RefundLocktime:                       800_000,
		UnilateralClaimDelay:                 claimDelay,
		UnilateralRefundDelay:                exitDelay,
		UnilateralRefundWithoutReceiverDelay: exitDelay,
	})
	require.NoError(t, err)

	note, err := contract.NewNoteContract(server, preimage.Hash(), exitDelay, &preimage)
	require.NoError(t, err)

	generic, err := contract.NewGenericContract(
		server, payment.CollaborativePaths(), vhtlc.UnilateralPaths(),
	)
	require.NoError(t, err)

	return map[string]contract.Contract{
		contract.PaymentContractType:    payment,
		contract.HashLockedContractType: hashlocked,
		contract.TweakedContractType:    tweaked,
		contract.VHTLCContractType:      vhtlc,
		contract.NoteContractType:       note,
		contract.GenericContractType:    generic,
	}
}

func TestContractRoundTrip(t *testing.T) {
	for name, c := range testContracts(t) {
		t.Run(name, func(t *testing.T) {
			addr, err := c.GetArkAddress(arklib.BitcoinRegTest)
			require.NoError(t, err)

			parsed, err := contract.Parse(c.String())
			require.NoError(t, err)
			require.Equal(t, c.Type(), parsed.Type())

			parsedAddr, err := parsed.GetArkAddress(arklib.BitcoinRegTest)
			require.NoError(t, err)
			require.True(t, addr.Equal(parsedAddr))

			encoded, err := addr.Encode()
			require.NoError(t, err)
			decoded, err := contract.DecodeAddress(encoded)
			require.NoError(t, err)
			require.True(t, addr.Equal(decoded))

			script, err := c.PkScript()
			require.NoError(t, err)
			addrScript, err := decoded.PkScript()
			require.NoError(t, err)
			require.Equal(t, script, addrScript)
		})
	}
}

func TestContractData(t *testing.T) {
	for name, c := range testContracts(t) {
		t.Run(name, func(t *testing.T) {
			parsed, err := contract.ParseContractData(c.Type(), c.GetContractData())
			require.NoError(t, err)
			require.Equal(t, c.String(), parsed.String())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	server := privKey(1).PubKey()
	valid, err := contract.NewPaymentContract(server, privKey(2).PubKey(), exitDelay)
	require.NoError(t, err)

	t.Run("unknown type", func(t *testing.T) {
		_, err := contract.ParseContractData("unknown", valid.GetContractData())
		require.ErrorIs(t, err, contract.ErrUnknownContractType)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := contract.Parse("server=00")
		require.ErrorIs(t, err, contract.ErrInvalidContractData)
	})

	fixtures := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"missing user", func(d map[string]string) { delete(d, "user") }},
		{"bad server key", func(d map[string]string) { d["server"] = "zz" }},
		{"short server key", func(d map[string]string) { d["server"] = "0102" }},
		{"bad delay", func(d map[string]string) { d["exit_delay"] = "abc" }},
	}
	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			data := valid.GetContractData()
			f.mutate(data)
			_, err := contract.ParseContractData(contract.PaymentContractType, data)
			require.ErrorIs(t, err, contract.ErrInvalidContractData)
		})
	}
}

func TestLeafSetInvariant(t *testing.T) {
	server := privKey(1).PubKey()
	payment, err := contract.NewPaymentContract(server, privKey(2).PubKey(), exitDelay)
	require.NoError(t, err)

	for name, c := range testContracts(t) {
		t.Run(name, func(t *testing.T) {
			onlyCollaborative, err := contract.NewGenericContract(
				server, c.CollaborativePaths(), nil,
			)
			require.NoError(t, err)
			_, err = onlyCollaborative.GetTaprootSpendInfo()
			require.ErrorIs(t, err, contract.ErrMissingUnilateralPath)

			onlyUnilateral, err := contract.NewGenericContract(
				server, nil, c.UnilateralPaths(),
			)
			require.NoError(t, err)
			_, err = onlyUnilateral.GetTaprootSpendInfo()
			require.ErrorIs(t, err, contract.ErrMissingCollaborativePath)
		})
	}

	_, err = payment.GetTaprootSpendInfo()
	require.NoError(t, err)
}

func TestVHTLCSpendingPaths(t *testing.T) {
	server := privKey(1).PubKey()
	receiver := privKey(2).PubKey()
	sender := privKey(3).PubKey()
	preimage := testPreimage()

	vhtlc, err := contract.NewVHTLCContract(contract.VHTLCOpts{
		Sender:                               sender,
		Receiver:                             receiver,
		Server:                               server,
		PreimageHash:                         contract.PreimageHashFor(preimage),
		RefundLocktime:                       uint32(time.Now().Add(time.Hour).Unix()),
		UnilateralClaimDelay:                 claimDelay,
		UnilateralRefundDelay:                exitDelay,
		UnilateralRefundWithoutReceiverDelay: exitDelay,
	})
	require.NoError(t, err)

	t.Run("receiver claims with preimage", func(t *testing.T) {
		paths, err := vhtlc.SpendingPaths(
			receiver, contract.SpendOptions{Preimage: preimage[:]},
		)
		require.NoError(t, err)
		require.NotEmpty(t, paths)

		claimScript, err := vhtlc.ClaimPath().Script()
		require.NoError(t, err)
		chosen, err := paths[0].Leaf.Script()
		require.NoError(t, err)
		require.Equal(t, claimScript, chosen)
		require.Equal(t, [][]byte{preimage[:]}, paths[0].Witness)
		require.Nil(t, paths[0].Sequence)
	})

	t.Run("receiver without preimage", func(t *testing.T) {
		_, err := vhtlc.SpendingPaths(receiver, contract.SpendOptions{})
		require.ErrorIs(t, err, contract.ErrNoSpendPath)
	})

	t.Run("sender before refund locktime", func(t *testing.T) {
		paths, err := vhtlc.SpendingPaths(sender, contract.SpendOptions{Now: time.Now()})
		require.NoError(t, err)
		require.Len(t, paths, 1)
		require.Equal(t, contract.Unilateral, paths[0].Leaf.Kind())
		require.NotNil(t, paths[0].Sequence)
	})

	t.Run("sender after refund locktime", func(t *testing.T) {
		paths, err := vhtlc.SpendingPaths(
			sender, contract.SpendOptions{Now: time.Now().Add(2 * time.Hour)},
		)
		require.NoError(t, err)
		require.Len(t, paths, 2)
		require.NotNil(t, paths[0].LockTime)
		require.Equal(t, vhtlc.RefundLocktime, *paths[0].LockTime)
	})

	t.Run("stranger", func(t *testing.T) {
		_, err := vhtlc.SpendingPaths(privKey(9).PubKey(), contract.SpendOptions{})
		require.ErrorIs(t, err, contract.ErrNoSpendPath)
	})
}

func TestTweakedContract(t *testing.T) {
	server := privKey(1).PubKey()
	original := privKey(2)
	tweak := bytes.Repeat([]byte{0x07}, 32)

	c, err := contract.NewTweakedContract(server, original.PubKey(), tweak, exitDelay)
	require.NoError(t, err)

	var scalar btcec.ModNScalar
	scalar.SetByteSlice(tweak)
	tweakedPriv := new(btcec.ModNScalar).Set(&original.Key).Add(&scalar)
	tweakedBytes := tweakedPriv.Bytes()
	_, expected := btcec.PrivKeyFromBytes(tweakedBytes[:])
	require.True(t, expected.IsEqual(c.User()))

	paths, err := c.SpendingPaths(original.PubKey(), contract.SpendOptions{})
	require.NoError(t, err)
	require.Equal(t, tweak, paths[0].Tweak)

	_, err = contract.NewTweakedContract(server, original.PubKey(), []byte{1}, exitDelay)
	require.ErrorIs(t, err, contract.ErrInvalidContractData)

	t.Run("x-only original key", func(t *testing.T) {
		data := c.GetContractData()
		data["original_key"] = hex.EncodeToString(schnorr.SerializePubKey(original.PubKey()))
		_, err := contract.ParseContractData(c.Type(), data)
		require.ErrorIs(t, err, contract.ErrInvalidContractData)
		require.ErrorContains(t, err, "compressed key")
	})
}

func TestHashLockedContract(t *testing.T) {
	server := privKey(1).PubKey()
	user := privKey(2).PubKey()
	preimage := testPreimage()
	lock := contract.NewHashLock(preimage[:], contract.HashSHA256)

	c, err := contract.NewHashLockedContract(server, user, exitDelay, lock, nil)
	require.NoError(t, err)
	require.Len(t, c.CollaborativePaths(), 2)

	paths, err := c.SpendingPaths(user, contract.SpendOptions{})
	require.NoError(t, err)
	require.Len(t, paths, 2)

	paths, err = c.SpendingPaths(user, contract.SpendOptions{Preimage: preimage[:]})
	require.NoError(t, err)
	require.Len(t, paths, 3)
	require.Equal(t, [][]byte{preimage[:]}, paths[2].Witness)

	wrong := sha256.Sum256([]byte("wrong"))
	_, err = contract.NewHashLockedContract(server, user, exitDelay, lock, wrong[:])
	require.ErrorIs(t, err, contract.ErrInvalidContractData)
}

func TestNoteContract(t *testing.T) {
	preimage := testPreimage()
	c, err := contract.NewNoteContract(privKey(1).PubKey(), preimage.Hash(), exitDelay, nil)
	require.NoError(t, err)

	_, err = c.SpendingPaths(nil, contract.SpendOptions{})
	require.ErrorIs(t, err, contract.ErrNoSpendPath)

	paths, err := c.SpendingPaths(nil, contract.SpendOptions{Preimage: preimage[:]})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Equal(t, contract.Collaborative, paths[0].Leaf.Kind())

	script, err := paths[0].Leaf.Script()
	require.NoError(t, err)
	require.Equal(t, byte(txscript.OP_SHA256), script[0])
}

func TestParseNote(t *testing.T) {
	server := privKey(1).PubKey()
	note := arknote.Note{Preimage: testPreimage(), Value: 21_000}

	c, value, err := contract.ParseNote(server, note.String(), exitDelay)
	require.NoError(t, err)
	require.Equal(t, uint32(21_000), value)
	require.Equal(t, note.PreimageHash(), [32]byte(c.Hash))

	paths, err := c.SpendingPaths(nil, contract.SpendOptions{})
	require.NoError(t, err)
	require.Len(t, paths, 2)

	_, _, err = contract.ParseNote(server, "notanote", exitDelay)
	require.ErrorIs(t, err, contract.ErrInvalidContractData)
}

func TestGenericContractInvalidLeaves(t *testing.T) {
	server := privKey(1).PubKey()
	csvScript, err := contract.CSVBuilder{Locktime: exitDelay}.Build()
	require.NoError(t, err)

	fixtures := []struct {
		name          string
		collaborative []contract.Leaf
		unilateral    []contract.Leaf
	}{
		{
			name:       "leaf without owner",
			unilateral: []contract.Leaf{contract.UnilateralPath{Delay: exitDelay}},
		},
		{
			name: "timelocked raw leaf without delay",
			unilateral: []contract.Leaf{
				contract.RawLeaf{LeafKind: contract.Unilateral, Raw: csvScript},
			},
		},
	}
	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			_, err := contract.NewGenericContract(server, f.collaborative, f.unilateral)
			require.ErrorIs(t, err, contract.ErrInvalidContractData)
		})
	}
}
