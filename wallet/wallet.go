package wallet

import (
	"context"
	"fmt"

	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

const (
	SingleKeyWallet = "singlekey"
)

// MusigSignRequest carries the session context of one MuSig2 partial
// signature. The secret nonce is produced by the caller's session.
type MusigSignRequest struct {
	SecNonce      [musig2.SecNonceSize]byte
	CombinedNonce [musig2.PubNonceSize]byte
	Cosigners     []*btcec.PublicKey
	Message       [32]byte
	TapscriptRoot []byte
}

// Signer is the signing capability of a wallet. Implementations keep the
// private key material; the rest of the module only sees this interface.
type Signer interface {
	GetType() string
	XOnlyPubKey(ctx context.Context) (*btcec.PublicKey, error)
	PubKey(ctx context.Context) (*btcec.PublicKey, error)
	// SignSchnorr signs digest with the key tweaked by tweak, if not empty.
	SignSchnorr(ctx context.Context, digest [32]byte, tweak []byte) (*schnorr.Signature, error)
	MusigPartialSign(ctx context.Context, req MusigSignRequest) (*musig2.PartialSignature, error)
}

// TapscriptInput selects the script-path input to sign.
type TapscriptInput struct {
	Index int
	Tweak []byte
}

// SignTapscriptInputs adds the signer's script-path signature to every given
// input. Inputs must carry their witness utxo and TaprootLeafScript.
func SignTapscriptInputs(
	ctx context.Context, signer Signer, ptx *psbt.Packet, inputs []TapscriptInput,
) error {
	prevouts := make(map[int]*psbt.PInput)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range ptx.Inputs {
		if in.WitnessUtxo == nil {
			return fmt.Errorf("missing witness utxo for input %d", i)
		}
		fetcher.AddPrevOut(ptx.UnsignedTx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
		prevouts[i] = &ptx.Inputs[i]
	}
	sigHashes := txscript.NewTxSigHashes(ptx.UnsignedTx, fetcher)

	pubkey, err := signer.XOnlyPubKey(ctx)
	if err != nil {
		return err
	}

	for _, input := range inputs {
		in, ok := prevouts[input.Index]
		if !ok {
			return fmt.Errorf("input %d out of range", input.Index)
		}
		if len(in.TaprootLeafScript) == 0 {
			return fmt.Errorf("missing tapscript for input %d", input.Index)
		}
		leafScript := in.TaprootLeafScript[0]
		leaf := txscript.NewTapLeaf(leafScript.LeafVersion, leafScript.Script)

		digest, err := txscript.CalcTapscriptSignaturehash(
			sigHashes, txscript.SigHashDefault, ptx.UnsignedTx, input.Index, fetcher, leaf,
		)
		if err != nil {
			return err
		}

		sig, err := signer.SignSchnorr(ctx, [32]byte(digest), input.Tweak)
		if err != nil {
			return err
		}

		xonly := pubkey
		if len(input.Tweak) > 0 {
			full, err := signer.PubKey(ctx)
			if err != nil {
				return err
			}
			if xonly, err = contract.TweakPubKey(full, input.Tweak); err != nil {
				return err
			}
		}
		leafHash := leaf.TapHash()
		in.TaprootScriptSpendSig = append(in.TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
			XOnlyPubKey: schnorr.SerializePubKey(xonly),
			LeafHash:    leafHash.CloneBytes(),
			Signature:   sig.Serialize(),
			SigHash:     txscript.SigHashDefault,
		})
	}
	return nil
}
