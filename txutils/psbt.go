package txutils

import (
	"encoding/hex"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	arktxutils "github.com/arkade-os/arkd/pkg/ark-lib/txutils"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// TapTree is the list of tapscripts committed by an output. It is stored in
// psbt inputs with the ark-lib taptree field so that the operator can decode
// it.
type TapTree [][]byte

func (t TapTree) toArkTapTree() arktxutils.TapTree {
	tree := make(arktxutils.TapTree, 0, len(t))
	for _, script := range t {
		tree = append(tree, hex.EncodeToString(script))
	}
	return tree
}

func fromArkTapTree(tree arktxutils.TapTree) (TapTree, error) {
	scripts := make(TapTree, 0, len(tree))
	for _, s := range tree {
		script, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	return scripts, nil
}

func (t TapTree) Encode() ([]byte, error) {
	return t.toArkTapTree().Encode()
}

func DecodeTapTree(data []byte) (TapTree, error) {
	tree, err := arktxutils.DecodeTapTree(data)
	if err != nil {
		return nil, err
	}
	return fromArkTapTree(tree)
}

// ContractTapTree lists every leaf script of the contract.
func ContractTapTree(c contract.Contract) (TapTree, error) {
	leaves := append(c.CollaborativePaths(), c.UnilateralPaths()...)
	tree := make(TapTree, 0, len(leaves))
	for _, leaf := range leaves {
		script, err := leaf.Script()
		if err != nil {
			return nil, err
		}
		tree = append(tree, script)
	}
	return tree, nil
}

// SetTapTree replaces the taptree field of the input.
func SetTapTree(ptx *psbt.Packet, inIndex int, tree TapTree) error {
	if err := removeArkField(ptx, inIndex, arktxutils.VtxoTaprootTreeField); err != nil {
		return err
	}
	return arktxutils.SetArkPsbtField(
		ptx, inIndex, arktxutils.VtxoTaprootTreeField, tree.toArkTapTree(),
	)
}

func GetTapTree(in psbt.PInput) (TapTree, error) {
	trees, err := getArkFields(in, arktxutils.VtxoTaprootTreeField)
	if err != nil || len(trees) == 0 {
		return nil, err
	}
	return fromArkTapTree(trees[0])
}

// SetConditionWitness replaces the extra witness elements of the input.
func SetConditionWitness(ptx *psbt.Packet, inIndex int, witness wire.TxWitness) error {
	if err := removeArkField(ptx, inIndex, arktxutils.ConditionWitnessField); err != nil {
		return err
	}
	return arktxutils.SetArkPsbtField(ptx, inIndex, arktxutils.ConditionWitnessField, witness)
}

func GetConditionWitness(in psbt.PInput) (wire.TxWitness, error) {
	witnesses, err := getArkFields(in, arktxutils.ConditionWitnessField)
	if err != nil {
		return nil, err
	}
	if len(witnesses) == 0 {
		return wire.TxWitness{}, nil
	}
	return witnesses[0], nil
}

func ReadTxWitness(data []byte) (wire.TxWitness, error) {
	return arktxutils.ReadTxWitness(data)
}

// AddCosignerKey appends key after the cosigners already set on the input.
func AddCosignerKey(ptx *psbt.Packet, inIndex int, key *btcec.PublicKey) error {
	current, err := getArkFields(ptx.Inputs[inIndex], arktxutils.CosignerPublicKeyField)
	if err != nil {
		return err
	}
	return arktxutils.SetArkPsbtField(
		ptx, inIndex, arktxutils.CosignerPublicKeyField,
		arktxutils.IndexedCosignerPublicKey{Index: len(current), PublicKey: key},
	)
}

// GetCosignerKeys returns the cosigner keys of the input sorted by index.
func GetCosignerKeys(in psbt.PInput) ([]*btcec.PublicKey, error) {
	fields, err := getArkFields(in, arktxutils.CosignerPublicKeyField)
	if err != nil {
		return nil, err
	}
	return arktxutils.ParseCosignersToECPubKeys(fields), nil
}

func SetVtxoTreeExpiry(ptx *psbt.Packet, inIndex int, expiry arklib.RelativeLocktime) error {
	if err := removeArkField(ptx, inIndex, arktxutils.VtxoTreeExpiryField); err != nil {
		return err
	}
	return arktxutils.SetArkPsbtField(ptx, inIndex, arktxutils.VtxoTreeExpiryField, expiry)
}

func GetVtxoTreeExpiry(in psbt.PInput) (*arklib.RelativeLocktime, error) {
	expiries, err := getArkFields(in, arktxutils.VtxoTreeExpiryField)
	if err != nil || len(expiries) == 0 {
		return nil, err
	}
	return &expiries[0], nil
}

// getArkFields reads the fields of a single input without requiring the
// whole packet.
func getArkFields[T any](in psbt.PInput, coder arktxutils.ArkPsbtFieldCoder[T]) ([]T, error) {
	fields := make([]T, 0)
	for _, unknown := range in.Unknowns {
		value, err := coder.Decode(unknown)
		if err != nil {
			return nil, err
		}
		if value != nil {
			fields = append(fields, *value)
		}
	}
	return fields, nil
}

func removeArkField[T any](
	ptx *psbt.Packet, inIndex int, coder arktxutils.ArkPsbtFieldCoder[T],
) error {
	if inIndex < 0 || inIndex >= len(ptx.Inputs) {
		return fmt.Errorf("input index out of bounds %d", inIndex)
	}
	in := &ptx.Inputs[inIndex]
	kept := make([]*psbt.Unknown, 0, len(in.Unknowns))
	for _, unknown := range in.Unknowns {
		value, err := coder.Decode(unknown)
		if err != nil {
			return err
		}
		if value == nil {
			kept = append(kept, unknown)
		}
	}
	in.Unknowns = kept
	return nil
}
