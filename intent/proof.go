// Package intent builds the BIP322 proofs of funds used to register and
// delete batch intents (https://bips.xyz/322).
package intent

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	arkintent "github.com/arkade-os/arkd/pkg/ark-lib/intent"
	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrMissingInputs        = arkintent.ErrMissingInputs
	ErrMissingWitnessUtxo   = arkintent.ErrMissingWitnessUtxo
	ErrMissingTapscript     = errors.New("missing tapscript")
	ErrIncompleteProof      = errors.New("incomplete proof, missing signatures on inputs")
	ErrInvalidNumberOfIns   = errors.New("invalid proof, expected at least 2 inputs")
	ErrInvalidNumberOfOuts  = errors.New("invalid proof, expected at least 1 output")
	ErrInvalidToSpend       = errors.New("invalid proof, first input does not spend the message tx")
	ErrInvalidSignature     = errors.New("invalid proof signature")
	ErrSignerCountMismatch  = errors.New("number of coins does not match proof inputs")
	ErrOutOfRangeInputIndex = errors.New("input index out of range")
)

// Input is a coin proven by the proof, with the leaf used to spend it.
type Input struct {
	OutPoint    *wire.OutPoint
	Sequence    uint32
	LockTime    uint32
	WitnessUtxo *wire.TxOut
	LeafScript  []byte
	// ControlBlock is the serialized control block of LeafScript.
	ControlBlock []byte
	TapTree      txutils.TapTree
	Condition    wire.TxWitness
}

// InputFromCoin describes c as a proof input spent through its chosen leaf.
func InputFromCoin(c *coin.SpendableCoin) (Input, error) {
	if err := c.Validate(); err != nil {
		return Input{}, err
	}
	tapscript, err := c.Tapscript()
	if err != nil {
		return Input{}, err
	}
	cb, err := tapscript.ControlBlock.ToBytes()
	if err != nil {
		return Input{}, err
	}
	tapTree, err := txutils.ContractTapTree(c.Contract)
	if err != nil {
		return Input{}, err
	}
	outpoint := c.Outpoint
	txOut := c.TxOut
	return Input{
		OutPoint:     &outpoint,
		Sequence:     c.Sequence(),
		LockTime:     c.LockTime(),
		WitnessUtxo:  &txOut,
		LeafScript:   tapscript.RevealedScript,
		ControlBlock: cb,
		TapTree:      tapTree,
		Condition:    c.ConditionWitness(),
	}, nil
}

func (i Input) validate() error {
	if i.OutPoint == nil {
		return fmt.Errorf("%w: outpoint", ErrMissingInputs)
	}
	if i.WitnessUtxo == nil {
		return ErrMissingWitnessUtxo
	}
	if len(i.LeafScript) == 0 || len(i.ControlBlock) == 0 {
		return ErrMissingTapscript
	}
	return nil
}

// Proof is the BIP322 full proof of funds: an invalid psbt whose first
// input spends the message-committing toSpend tx and whose other inputs are
// the coins to prove.
type Proof struct {
	arkintent.Proof
}

// New creates the unsigned proof of message over inputs. Without outputs the
// proof has a single OP_RETURN output.
func New(message string, inputs []Input, outputs []*wire.TxOut) (*Proof, error) {
	if len(inputs) == 0 {
		return nil, ErrMissingInputs
	}

	arkInputs := make([]arkintent.Input, 0, len(inputs))
	lockTime := uint32(0)
	for _, in := range inputs {
		if err := in.validate(); err != nil {
			return nil, err
		}
		arkInputs = append(arkInputs, arkintent.Input{
			OutPoint:    in.OutPoint,
			Sequence:    in.Sequence,
			WitnessUtxo: in.WitnessUtxo,
		})
		if in.LockTime > lockTime {
			lockTime = in.LockTime
		}
	}

	proof, err := arkintent.New(message, arkInputs, outputs)
	if err != nil {
		return nil, err
	}
	proof.UnsignedTx.LockTime = lockTime

	if err := fillInput(&proof.Packet, 0, inputs[0]); err != nil {
		return nil, err
	}
	for i, in := range inputs {
		if err := fillInput(&proof.Packet, i+1, in); err != nil {
			return nil, err
		}
	}

	return &Proof{Proof: *proof}, nil
}

// Sign adds the signature of every coin signer. coins[i] proves input i+1,
// the first input is signed by the first coin.
func (p *Proof) Sign(ctx context.Context, coins []*coin.SpendableCoin) error {
	if len(coins) == 0 || len(coins)+1 != len(p.Inputs) {
		return ErrSignerCountMismatch
	}
	signers := append([]*coin.SpendableCoin{coins[0]}, coins...)
	for i, c := range signers {
		if err := wallet.SignTapscriptInputs(ctx, c.Signer, &p.Packet, []wallet.TapscriptInput{
			{Index: i, Tweak: c.Path.Tweak},
		}); err != nil {
			return fmt.Errorf("failed to sign proof input %d: %w", i, err)
		}
	}
	return nil
}

// Verify checks that the proof commits to message and that every input
// carries at least one valid script-path signature. Signatures of the
// operator are not expected, so scripts are not executed.
func (p *Proof) Verify(message string) error {
	tx := p.UnsignedTx
	if len(tx.TxIn) < 2 || len(p.Inputs) != len(tx.TxIn) {
		return ErrInvalidNumberOfIns
	}
	if len(tx.TxOut) == 0 {
		return ErrInvalidNumberOfOuts
	}

	second := p.Inputs[1].WitnessUtxo
	if second == nil {
		return ErrMissingWitnessUtxo
	}
	toSpend, err := toSpendOutpoint(message, second)
	if err != nil {
		return err
	}
	firstPrevout := tx.TxIn[0].PreviousOutPoint
	if firstPrevout != toSpend {
		return ErrInvalidToSpend
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	fetcher.AddPrevOut(firstPrevout, &wire.TxOut{Value: 0, PkScript: second.PkScript})
	for i := 1; i < len(tx.TxIn); i++ {
		if p.Inputs[i].WitnessUtxo == nil {
			return ErrMissingWitnessUtxo
		}
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, p.Inputs[i].WitnessUtxo)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range p.Inputs {
		if len(in.TaprootLeafScript) == 0 {
			return fmt.Errorf("%w for input %d", ErrMissingTapscript, i)
		}
		if len(in.TaprootScriptSpendSig) == 0 {
			return fmt.Errorf("%w: input %d", ErrIncompleteProof, i)
		}
		leafScript := in.TaprootLeafScript[0]
		leaf := txscript.NewTapLeaf(leafScript.LeafVersion, leafScript.Script)
		leafHash := leaf.TapHash()

		for _, s := range in.TaprootScriptSpendSig {
			if !bytes.Equal(s.LeafHash, leafHash[:]) {
				return fmt.Errorf("%w: input %d signs another leaf", ErrInvalidSignature, i)
			}
			digest, err := txscript.CalcTapscriptSignaturehash(
				sigHashes, s.SigHash, tx, i, fetcher, leaf,
			)
			if err != nil {
				return err
			}
			pubkey, err := schnorr.ParsePubKey(s.XOnlyPubKey)
			if err != nil {
				return err
			}
			sig, err := schnorr.ParseSignature(s.Signature)
			if err != nil {
				return err
			}
			if !sig.Verify(digest, pubkey) {
				return fmt.Errorf("%w: input %d key %x", ErrInvalidSignature, i, s.XOnlyPubKey)
			}
		}
	}
	return nil
}

func (p *Proof) B64Encode() (string, error) {
	return txutils.EncodePsbt(&p.Packet)
}

func Decode(b64 string) (*Proof, error) {
	ptx, err := txutils.DecodePsbt(b64)
	if err != nil {
		return nil, err
	}
	return &Proof{Proof: arkintent.Proof{Packet: *ptx}}, nil
}

// toSpendOutpoint is the outpoint of the virtual tx committing to message
// and paying to the script of the first proven coin.
func toSpendOutpoint(message string, prevout *wire.TxOut) (wire.OutPoint, error) {
	skeleton, err := arkintent.New(message, []arkintent.Input{{
		OutPoint:    &wire.OutPoint{},
		WitnessUtxo: prevout,
	}}, nil)
	if err != nil {
		return wire.OutPoint{}, err
	}
	return skeleton.UnsignedTx.TxIn[0].PreviousOutPoint, nil
}

func fillInput(ptx *psbt.Packet, index int, in Input) error {
	if index >= len(ptx.Inputs) {
		return ErrOutOfRangeInputIndex
	}
	ptx.Inputs[index].SighashType = txscript.SigHashDefault
	ptx.Inputs[index].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: in.ControlBlock,
		Script:       in.LeafScript,
		LeafVersion:  txscript.BaseLeafVersion,
	}}
	// the duplicated first input only carries the leaf
	if index == 0 {
		return nil
	}
	if len(in.TapTree) > 0 {
		if err := txutils.SetTapTree(ptx, index, in.TapTree); err != nil {
			return err
		}
	}
	if len(in.Condition) > 0 {
		if err := txutils.SetConditionWitness(ptx, index, in.Condition); err != nil {
			return err
		}
	}
	return nil
}
