package contract

import (
	"bytes"
	"fmt"
	"sort"

	arkscript "github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// UnspendableKey is the NUMS point used as taproot internal key so that
// contract outputs can only be spent through a script leaf.
func UnspendableKey() *btcec.PublicKey {
	return unspendableKey
}

var unspendableKey = arkscript.UnspendableKey()

// TapTree is a weighted taproot script tree with the inclusion proof of every
// leaf.
type TapTree struct {
	root   chainhash.Hash
	leaves []txscript.TapLeaf
	proofs [][]byte
}

type hashNode chainhash.Hash

func (h hashNode) TapHash() chainhash.Hash { return chainhash.Hash(h) }
func (h hashNode) Left() txscript.TapNode  { return nil }
func (h hashNode) Right() txscript.TapNode { return nil }

type huffmanNode struct {
	hash   chainhash.Hash
	weight uint64
	seq    int
	leaves []int
}

// BuildTapTree assembles leaves into a Huffman tree: the two lightest nodes
// are merged until one remains, ties broken by creation order. A nil weights
// slice gives every leaf weight 1.
func BuildTapTree(leaves []txscript.TapLeaf, weights []uint64) (*TapTree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("missing tap leaves")
	}
	if weights != nil && len(weights) != len(leaves) {
		return nil, fmt.Errorf(
			"got %d weights for %d leaves", len(weights), len(leaves),
		)
	}

	queue := make([]*huffmanNode, 0, len(leaves))
	for i, leaf := range leaves {
		weight := uint64(1)
		if weights != nil {
			weight = weights[i]
		}
		queue = append(queue, &huffmanNode{
			hash: leaf.TapHash(), weight: weight, seq: i, leaves: []int{i},
		})
	}

	proofs := make([][]byte, len(leaves))
	seq := len(leaves)
	for len(queue) > 1 {
		sort.SliceStable(queue, func(i, j int) bool {
			if queue[i].weight != queue[j].weight {
				return queue[i].weight < queue[j].weight
			}
			return queue[i].seq < queue[j].seq
		})
		left, right := queue[0], queue[1]
		for _, i := range left.leaves {
			proofs[i] = append(proofs[i], right.hash[:]...)
		}
		for _, i := range right.leaves {
			proofs[i] = append(proofs[i], left.hash[:]...)
		}

		branch := txscript.NewTapBranch(hashNode(left.hash), hashNode(right.hash))
		merged := make([]int, 0, len(left.leaves)+len(right.leaves))
		merged = append(merged, left.leaves...)
		merged = append(merged, right.leaves...)
		queue = append(queue[2:], &huffmanNode{
			hash:   branch.TapHash(),
			weight: left.weight + right.weight,
			seq:    seq,
			leaves: merged,
		})
		seq++
	}

	return &TapTree{
		root:   queue[0].hash,
		leaves: append([]txscript.TapLeaf{}, leaves...),
		proofs: proofs,
	}, nil
}

func (t *TapTree) RootHash() chainhash.Hash { return t.root }

func (t *TapTree) Leaves() []txscript.TapLeaf {
	return append([]txscript.TapLeaf{}, t.leaves...)
}

// InclusionProof returns the sibling hashes of the leaf, bottom-up.
func (t *TapTree) InclusionProof(leafHash chainhash.Hash) ([]byte, error) {
	for i, leaf := range t.leaves {
		h := leaf.TapHash()
		if h.IsEqual(&leafHash) {
			return append([]byte{}, t.proofs[i]...), nil
		}
	}
	return nil, fmt.Errorf("leaf %s not found in tap tree", leafHash)
}

// TaprootSpendInfo binds a tap tree to its internal and output keys.
type TaprootSpendInfo struct {
	InternalKey *btcec.PublicKey
	OutputKey   *btcec.PublicKey
	Tree        *TapTree
}

func NewTaprootSpendInfo(tree *TapTree) *TaprootSpendInfo {
	root := tree.RootHash()
	return &TaprootSpendInfo{
		InternalKey: UnspendableKey(),
		OutputKey:   txscript.ComputeTaprootOutputKey(UnspendableKey(), root[:]),
		Tree:        tree,
	}
}

func (s *TaprootSpendInfo) ControlBlock(script []byte) (*txscript.ControlBlock, error) {
	leafHash := txscript.NewBaseTapLeaf(script).TapHash()
	proof, err := s.Tree.InclusionProof(leafHash)
	if err != nil {
		return nil, err
	}
	return &txscript.ControlBlock{
		InternalKey:     s.InternalKey,
		OutputKeyYIsOdd: s.OutputKey.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd,
		LeafVersion:     txscript.BaseLeafVersion,
		InclusionProof:  proof,
	}, nil
}

// HasLeaf reports whether script is one of the tree leaves.
func (s *TaprootSpendInfo) HasLeaf(script []byte) bool {
	for _, leaf := range s.Tree.leaves {
		if bytes.Equal(leaf.Script, script) {
			return true
		}
	}
	return false
}
