package contract

import (
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

type LeafKind int

const (
	// Collaborative leaves need the operator signature and carry no delay.
	Collaborative LeafKind = iota
	// Unilateral leaves are spendable without the operator after a CSV delay.
	Unilateral
)

func (k LeafKind) String() string {
	if k == Unilateral {
		return "unilateral"
	}
	return "collaborative"
}

// Leaf is one tapscript of a contract's tree.
type Leaf interface {
	Kind() LeafKind
	Script() ([]byte, error)
	TapLeaf() (txscript.TapLeaf, error)
	// RequiresSequence reports whether the leaf checks a relative timelock.
	RequiresSequence() bool
	Sequence() (uint32, error)
}

// CollaborativePath is condition ‖ multisig(owners..., server).
type CollaborativePath struct {
	Server    *btcec.PublicKey
	Condition ScriptBuilder
	Owners    []*btcec.PublicKey
}

func (p CollaborativePath) Kind() LeafKind { return Collaborative }

func (p CollaborativePath) Script() ([]byte, error) {
	if p.Server == nil {
		return nil, fmt.Errorf("collaborative path: missing server key")
	}
	keys := append(append([]*btcec.PublicKey{}, p.Owners...), p.Server)
	return chain(p.Condition, MultisigBuilder{PubKeys: keys}).Build()
}

func (p CollaborativePath) TapLeaf() (txscript.TapLeaf, error) { return tapLeaf(p) }

func (p CollaborativePath) RequiresSequence() bool { return false }

func (p CollaborativePath) Sequence() (uint32, error) { return wireMaxSequence, nil }

// UnilateralPath is csv(delay) ‖ condition ‖ multisig(owners...).
type UnilateralPath struct {
	Delay     arklib.RelativeLocktime
	Condition ScriptBuilder
	Owners    []*btcec.PublicKey
}

func (p UnilateralPath) Kind() LeafKind { return Unilateral }

func (p UnilateralPath) Script() ([]byte, error) {
	builders := []ScriptBuilder{CSVBuilder{Locktime: p.Delay}}
	if p.Condition != nil {
		builders = append(builders, p.Condition)
	}
	if len(p.Owners) > 0 {
		builders = append(builders, MultisigBuilder{PubKeys: p.Owners})
	}
	if len(builders) == 1 {
		return nil, fmt.Errorf("unilateral path: missing condition or owner")
	}
	return VerifyChain{Builders: builders}.Build()
}

func (p UnilateralPath) TapLeaf() (txscript.TapLeaf, error) { return tapLeaf(p) }

func (p UnilateralPath) RequiresSequence() bool { return true }

func (p UnilateralPath) Sequence() (uint32, error) {
	return arklib.BIP68Sequence(p.Delay)
}

// RawLeaf wraps an opaque script; Delay must be set when the script checks
// a relative timelock.
type RawLeaf struct {
	LeafKind LeafKind
	Raw      []byte
	Delay    *arklib.RelativeLocktime
}

func (l RawLeaf) Kind() LeafKind { return l.LeafKind }

func (l RawLeaf) Script() ([]byte, error) { return RawScript(l.Raw).Build() }

func (l RawLeaf) TapLeaf() (txscript.TapLeaf, error) { return tapLeaf(l) }

func (l RawLeaf) RequiresSequence() bool {
	return hasOpcode(l.Raw, txscript.OP_CHECKSEQUENCEVERIFY)
}

func (l RawLeaf) Sequence() (uint32, error) {
	if l.Delay == nil {
		if l.RequiresSequence() {
			return 0, fmt.Errorf("raw leaf checks sequence but has no delay")
		}
		return wireMaxSequence, nil
	}
	return arklib.BIP68Sequence(*l.Delay)
}

const wireMaxSequence = 0xffffffff

func chain(condition ScriptBuilder, tail ScriptBuilder) VerifyChain {
	if condition == nil {
		return VerifyChain{Builders: []ScriptBuilder{tail}}
	}
	return VerifyChain{Builders: []ScriptBuilder{condition, tail}}
}

func tapLeaf(l Leaf) (txscript.TapLeaf, error) {
	script, err := l.Script()
	if err != nil {
		return txscript.TapLeaf{}, err
	}
	return txscript.NewBaseTapLeaf(script), nil
}
