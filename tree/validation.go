package tree

import (
	"bytes"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

var (
	ErrInvalidCommitmentTx        = fmt.Errorf("invalid commitment transaction")
	ErrInvalidCommitmentTxOutputs = fmt.Errorf("invalid number of outputs in commitment transaction")
	ErrEmptyTree                  = fmt.Errorf("empty vtxo tree")
	ErrNoLeaves                   = fmt.Errorf("no leaves in the tree")
	ErrWrongCommitmentTxid        = fmt.Errorf("the input of the tree root is not the commitment tx batch output")
	ErrInvalidAmount              = fmt.Errorf("tree root amount is different from batch output amount")
	ErrInvalidTaprootScript       = fmt.Errorf("invalid taproot script")
	ErrMissingCosignersPublicKeys = fmt.Errorf("missing cosigners public keys")
)

const batchOutputIndex = 0

// SweepTapscriptRoot is the tapscript root committed by every vtxo tree
// output: a single leaf letting the server sweep after the batch expiry.
func SweepTapscriptRoot(
	server *btcec.PublicKey, batchExpiry arklib.RelativeLocktime,
) ([]byte, error) {
	sweepLeaf, err := contract.UnilateralPath{
		Delay:  batchExpiry,
		Owners: []*btcec.PublicKey{server},
	}.TapLeaf()
	if err != nil {
		return nil, err
	}
	root := txscript.AssembleTaprootScriptTree(sweepLeaf).RootNode.TapHash()
	return root.CloneBytes(), nil
}

// ValidateVtxoTree checks the vtxo tree received from the operator against
// the commitment tx. Besides the structural checks of TxTree.Validate it
// verifies that:
// - the root spends the batch output of the commitment tx
// - the root outputs sum up to the batch output amount
// - every output spent by a tree tx commits to the aggregated key of the
// cosigners of that tx, tweaked with the sweep tapscript root
func ValidateVtxoTree(
	vtxoTree *TxTree, commitmentTx *psbt.Packet,
	server *btcec.PublicKey, batchExpiry arklib.RelativeLocktime,
) error {
	if commitmentTx == nil || commitmentTx.UnsignedTx == nil {
		return ErrInvalidCommitmentTx
	}
	if len(commitmentTx.UnsignedTx.TxOut) < batchOutputIndex+1 {
		return ErrInvalidCommitmentTxOutputs
	}
	if vtxoTree == nil || vtxoTree.Root == nil {
		return ErrEmptyTree
	}

	if err := vtxoTree.Validate(); err != nil {
		return err
	}

	batchOutput := commitmentTx.UnsignedTx.TxOut[batchOutputIndex]

	rootInput := vtxoTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint
	if rootInput.Hash != commitmentTx.UnsignedTx.TxHash() || rootInput.Index != batchOutputIndex {
		return ErrWrongCommitmentTxid
	}

	sumRootValue := int64(0)
	for _, output := range vtxoTree.Root.UnsignedTx.TxOut {
		sumRootValue += output.Value
	}
	if sumRootValue != batchOutput.Value {
		return ErrInvalidAmount
	}

	if len(vtxoTree.Leaves()) == 0 {
		return ErrNoLeaves
	}

	sweepRoot, err := SweepTapscriptRoot(server, batchExpiry)
	if err != nil {
		return err
	}

	if err := validateSpentOutput(vtxoTree.Root, batchOutput.PkScript, sweepRoot); err != nil {
		return fmt.Errorf("tree root: %w", err)
	}

	return vtxoTree.Apply(func(node *TxTree) (bool, error) {
		for outputIndex, child := range node.Children {
			pkScript := node.Root.UnsignedTx.TxOut[outputIndex].PkScript
			if err := validateSpentOutput(child.Root, pkScript, sweepRoot); err != nil {
				return false, fmt.Errorf("tx %s: %w", child.Root.UnsignedTx.TxID(), err)
			}
		}
		return true, nil
	})
}

func validateSpentOutput(tx *psbt.Packet, spentPkScript, sweepRoot []byte) error {
	keys, err := cosignerKeys(tx)
	if err != nil {
		return ErrMissingCosignersPublicKeys
	}

	aggregatedKey, err := AggregateKeys(keys, sweepRoot)
	if err != nil {
		return fmt.Errorf("unable to aggregate keys: %w", err)
	}

	expected, err := txscript.PayToTaprootScript(aggregatedKey.FinalKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, spentPkScript) {
		return ErrInvalidTaprootScript
	}
	return nil
}
