package txutils

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	arktxutils "github.com/arkade-os/arkd/pkg/ark-lib/txutils"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

const ArkTxVersion int32 = 3

var (
	AnchorPkScript = arktxutils.ANCHOR_PKSCRIPT
	AnchorValue    = arktxutils.ANCHOR_VALUE
)

// AnchorOutput is the zero value P2A output used to bump fees out of band.
func AnchorOutput() *wire.TxOut {
	return arktxutils.AnchorOutput()
}

func IsAnchor(out *wire.TxOut) bool {
	return out != nil && out.Value == AnchorValue && bytes.Equal(out.PkScript, AnchorPkScript)
}

// FindAnchorOutpoint returns the single anchor output of tx.
func FindAnchorOutpoint(tx *wire.MsgTx) (*wire.OutPoint, error) {
	var found *wire.OutPoint
	for i, out := range tx.TxOut {
		if !IsAnchor(out) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("tx %s has more than one anchor output", tx.TxHash())
		}
		found = &wire.OutPoint{Hash: tx.TxHash(), Index: uint32(i)}
	}
	if found == nil {
		return nil, fmt.Errorf("tx %s has no anchor output", tx.TxHash())
	}
	return found, nil
}

// TapscriptInput fills the witness utxo and the chosen leaf of an input.
func TapscriptInput(
	ptx *psbt.Packet, inIndex int, prevout *wire.TxOut, leafScript []byte,
	controlBlock *txscript.ControlBlock,
) error {
	cb, err := controlBlock.ToBytes()
	if err != nil {
		return err
	}
	ptx.Inputs[inIndex].WitnessUtxo = prevout
	ptx.Inputs[inIndex].SighashType = txscript.SigHashDefault
	ptx.Inputs[inIndex].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: cb,
		Script:       leafScript,
		LeafVersion:  txscript.BaseLeafVersion,
	}}
	return nil
}

// FinalizeTapscriptInput builds the script-path witness of an input:
// signatures in reverse key order, condition witness, script, control block.
func FinalizeTapscriptInput(ptx *psbt.Packet, inIndex int) error {
	in := &ptx.Inputs[inIndex]
	if len(in.TaprootLeafScript) == 0 {
		return fmt.Errorf("missing tapscript for input %d", inIndex)
	}
	leaf := in.TaprootLeafScript[0]

	keys, err := contract.ScriptKeys(leaf.Script)
	if err != nil {
		return err
	}
	leafHash := txscript.NewTapLeaf(leaf.LeafVersion, leaf.Script).TapHash()

	witness := make(wire.TxWitness, 0, len(keys)+3)
	for i := len(keys) - 1; i >= 0; i-- {
		xonly := keys[i].SerializeCompressed()[1:]
		var sig []byte
		for _, s := range in.TaprootScriptSpendSig {
			if bytes.Equal(s.XOnlyPubKey, xonly) && bytes.Equal(s.LeafHash, leafHash[:]) {
				sig = s.Signature
				break
			}
		}
		if sig == nil {
			return fmt.Errorf("missing signature of %x for input %d", xonly, inIndex)
		}
		witness = append(witness, sig)
	}

	condition, err := GetConditionWitness(*in)
	if err != nil {
		return err
	}
	witness = append(witness, condition...)
	witness = append(witness, leaf.Script, leaf.ControlBlock)

	var buf bytes.Buffer
	if err := psbt.WriteTxWitness(&buf, witness); err != nil {
		return err
	}
	in.FinalScriptWitness = buf.Bytes()
	return nil
}

// ExtractWithAnchors extracts the final tx, skipping anchor inputs that carry
// no witness.
func ExtractWithAnchors(ptx *psbt.Packet) (*wire.MsgTx, error) {
	return arktxutils.ExtractWithAnchors(ptx)
}

// VSize returns the virtual size of tx.
func VSize(tx *wire.MsgTx) lntypes.VByte {
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	return lntypes.WeightUnit(uint64(weight)).ToVB()
}

func EncodePsbt(ptx *psbt.Packet) (string, error) {
	return ptx.B64Encode()
}

func DecodePsbt(b64 string) (*psbt.Packet, error) {
	if _, err := base64.StdEncoding.DecodeString(b64); err != nil {
		return nil, fmt.Errorf("invalid psbt encoding: %s", err)
	}
	return psbt.NewFromRawBytes(strings.NewReader(b64), true)
}
