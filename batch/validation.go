package batch

import (
	"bytes"
	"fmt"

	"github.com/arkade-os/arkpay-sdk/tree"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// validateOutputs checks that every output of the intent is paid by the
// batch: onchain outputs by the commitment tx, the others by a leaf of the
// vtxo tree.
func validateOutputs(
	outputs []*wire.TxOut, onchainIndexes map[int]struct{},
	commitmentTx *psbt.Packet, vtxoTree *tree.TxTree,
) error {
	var leaves []*psbt.Packet
	if vtxoTree != nil {
		leaves = vtxoTree.Leaves()
	}

	for i, output := range outputs {
		if _, ok := onchainIndexes[i]; ok {
			if commitmentTx == nil || !containsOutput(commitmentTx.UnsignedTx.TxOut, output) {
				return fmt.Errorf(
					"%w: onchain output %d paying %d to %x",
					ErrOutputNotFound, i, output.Value, output.PkScript,
				)
			}
			continue
		}

		found := false
		for _, leaf := range leaves {
			if containsOutput(leaf.UnsignedTx.TxOut, output) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf(
				"%w: offchain output %d paying %d to %x",
				ErrOutputNotFound, i, output.Value, output.PkScript,
			)
		}
	}
	return nil
}

func containsOutput(outs []*wire.TxOut, output *wire.TxOut) bool {
	for _, out := range outs {
		if out.Value == output.Value && bytes.Equal(out.PkScript, output.PkScript) {
			return true
		}
	}
	return false
}
