package tree

import (
	"fmt"

	arktree "github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

// TxTree is a directed tree of presigned transactions. It represents both
// the vtxo tree and the connector tree of a batch.
type TxTree = arktree.TxTree

// TxTreeNode is the flat form of one tree node as streamed by the operator.
type TxTreeNode = arktree.TxTreeNode

type FlatTxTree = arktree.FlatTxTree

// NewTxTree rebuilds the tree from its flat nodes. Every node must carry
// the txid of its tx and be referenced as a child at most once.
func NewTxTree(nodes FlatTxTree) (*TxTree, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("empty tree")
	}

	referenced := make(map[string]bool)
	for _, node := range nodes {
		for _, child := range node.Children {
			if referenced[child] {
				return nil, fmt.Errorf("node %s is referenced more than once", child)
			}
			referenced[child] = true
		}
	}

	txTree, err := arktree.NewTxTree(nodes)
	if err != nil {
		return nil, err
	}

	for _, node := range nodes {
		if node.Txid == "" {
			continue
		}
		if txTree.Find(node.Txid) == nil {
			return nil, fmt.Errorf("node txid %s does not match its tx", node.Txid)
		}
	}
	return txTree, nil
}

func txsByTxid(t *TxTree) map[string]*psbt.Packet {
	res := make(map[string]*psbt.Packet)
	_ = t.Apply(func(node *TxTree) (bool, error) {
		res[node.Root.UnsignedTx.TxID()] = node.Root
		return true, nil
	})
	return res
}
